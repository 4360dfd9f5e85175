package scylla

import (
	"context"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"go.uber.org/zap"

	"telemetry-service/internal/config"
	"telemetry-service/internal/util"
)

// PreparedStatements holds the CQL text the event log uses. gocql prepares
// and caches each statement per host on first execution; queries are built
// fresh per call because a shared gocql.Query is mutated in place by Bind
// and must not be touched from concurrent workers.
type PreparedStatements struct {
	AppendEvent     string
	EventsByUser    string
	EventByID       string
	MarkSuppressed  string
	UsersByOrg      string
	RegisterOrgUser string
}

type ScyllaClient struct {
	Session  *gocql.Session
	config   *config.ScyllaConfig
	Prepared *PreparedStatements
}

func NewScyllaClient(cfg *config.Config, logger *zap.Logger) (*ScyllaClient, error) {
	scyllaConfig := cfg.Scylla

	cluster := gocql.NewCluster(scyllaConfig.Nodes...)
	cluster.Keyspace = scyllaConfig.Keyspace
	cluster.Consistency = gocql.LocalQuorum
	cluster.Timeout = 10 * time.Second
	cluster.ConnectTimeout = 10 * time.Second
	cluster.NumConns = 4
	cluster.SocketKeepalive = 30 * time.Second
	cluster.MaxPreparedStmts = 1000
	cluster.MaxRoutingKeyInfo = 1000
	cluster.PageSize = 1000
	cluster.RetryPolicy = &gocql.ExponentialBackoffRetryPolicy{
		Min:        time.Second,
		Max:        10 * time.Second,
		NumRetries: 3,
	}

	if !cfg.IsDevelopment() {
		cluster.SslOpts = &gocql.SslOptions{
			CaPath:                 "/root/certs/ca.pem",
			CertPath:               "/root/certs/server.pem",
			KeyPath:                "/root/certs/server.key",
			EnableHostVerification: true,
		}
	}

	if scyllaConfig.Username != "" && scyllaConfig.Password != "" {
		cluster.Authenticator = gocql.PasswordAuthenticator{
			Username: scyllaConfig.Username,
			Password: scyllaConfig.Password,
		}
	}

	session, err := cluster.CreateSession()
	if err != nil {
		return nil, fmt.Errorf("failed to create scylla session: %w", err)
	}

	client := &ScyllaClient{
		Session:  session,
		config:   &scyllaConfig,
		Prepared: newStatements(),
	}

	util.Info("ScyllaDB client initialized",
		zap.Strings("nodes", scyllaConfig.Nodes),
		zap.String("keyspace", scyllaConfig.Keyspace))

	return client, nil
}

func newStatements() *PreparedStatements {
	return &PreparedStatements{
		AppendEvent: `
    INSERT INTO events (
        user_bucket, user_id, received_at, event_id, delivery_id, org_id,
        kind, occurred_at, source, fingerprint, is_bot, suppressed,
        corrects_id, attributes
    ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,

		EventsByUser: `
        SELECT event_id, delivery_id, org_id, kind, occurred_at, received_at,
            source, fingerprint, is_bot, suppressed, corrects_id, attributes
        FROM events WHERE user_bucket = ? AND user_id = ? AND received_at >= ?`,

		EventByID: `
        SELECT event_id, delivery_id, org_id, kind, occurred_at, received_at,
            source, fingerprint, is_bot, suppressed, corrects_id, attributes
        FROM events WHERE user_bucket = ? AND user_id = ? AND received_at = ? AND event_id = ?`,

		MarkSuppressed: `
        UPDATE events SET suppressed = ?, is_bot = ?
        WHERE user_bucket = ? AND user_id = ? AND received_at = ? AND event_id = ?`,

		UsersByOrg: `
        SELECT user_id FROM org_users WHERE org_id = ?`,

		RegisterOrgUser: `
        INSERT INTO org_users (org_id, user_id, first_seen_at)
        VALUES (?, ?, ?) IF NOT EXISTS`,
	}
}

func (s *ScyllaClient) Close() {
	if s.Session != nil {
		s.Session.Close()
		util.Info("ScyllaDB client closed")
	}
}

func (s *ScyllaClient) Query(stmt string, values ...interface{}) *gocql.Query {
	return s.Session.Query(stmt, values...)
}

func (s *ScyllaClient) HealthCheck() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var clusterName string
	err := s.Session.Query(`SELECT cluster_name FROM system.local`).WithContext(ctx).Scan(&clusterName)
	if err != nil {
		return fmt.Errorf("scylla health check failed: %w", err)
	}

	util.Debug("ScyllaDB health check passed", zap.String("cluster_name", clusterName))
	return nil
}

func (s *ScyllaClient) ExecuteWithRetry(query *gocql.Query, maxRetries int) error {
	var lastErr error
	for i := 0; i <= maxRetries; i++ {
		if err := query.Exec(); err != nil {
			lastErr = err
			if i < maxRetries {
				time.Sleep(time.Duration(i+1) * 100 * time.Millisecond)
				continue
			}
		} else {
			return nil
		}
	}
	return lastErr
}
