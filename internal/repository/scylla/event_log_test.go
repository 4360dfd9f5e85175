package scylla

import (
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"telemetry-service/internal/model"
)

func logEvent(id string) *model.Event {
	return &model.Event{
		ID:          id,
		DeliveryID:  "dlv-" + id,
		UserID:      "user-" + id,
		OrgID:       "org-1",
		Kind:        model.KindClicked,
		ReceivedAt:  time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC),
		Source:      "webhook",
		Fingerprint: "fp-" + id,
	}
}

func TestAppendArgsMatchInsertColumns(t *testing.T) {
	stmts := newStatements()

	placeholders := strings.Count(stmts.AppendEvent, "?")
	args := appendArgs(7, logEvent("e1"))
	if len(args) != placeholders {
		t.Fatalf("appendArgs produced %d values for %d placeholders", len(args), placeholders)
	}

	if args[0] != 7 {
		t.Errorf("args[0] = %v, want the user bucket", args[0])
	}
	if args[1] != "user-e1" || args[3] != "e1" || args[4] != "dlv-e1" {
		t.Errorf("identity columns out of order: %v", args[:6])
	}
	if args[6] != "clicked" {
		t.Errorf("kind column = %v, want plain string", args[6])
	}
}

// Statements are plain text and every call binds into its own values; rows
// built by concurrent workers must never see each other's fields.
func TestAppendArgsConcurrentIsolation(t *testing.T) {
	var wg sync.WaitGroup
	errs := make(chan error, 64)

	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			id := fmt.Sprintf("e%d", n)
			ev := logEvent(id)

			for j := 0; j < 100; j++ {
				args := appendArgs(n%16, ev)
				if args[3] != id || args[1] != "user-"+id || args[9] != "fp-"+id {
					errs <- fmt.Errorf("row for %s contaminated: %v", id, args)
					return
				}
			}
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Error(err)
	}
}

func TestStatementsCoverEventLog(t *testing.T) {
	stmts := newStatements()

	tests := []struct {
		name, stmt, fragment string
	}{
		{"append", stmts.AppendEvent, "INSERT INTO events"},
		{"window", stmts.EventsByUser, "received_at >= ?"},
		{"by id", stmts.EventByID, "event_id = ?"},
		{"suppress", stmts.MarkSuppressed, "SET suppressed = ?"},
		{"org users", stmts.UsersByOrg, "FROM org_users"},
		{"register", stmts.RegisterOrgUser, "IF NOT EXISTS"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !strings.Contains(tt.stmt, tt.fragment) {
				t.Errorf("statement missing %q:\n%s", tt.fragment, tt.stmt)
			}
		})
	}
}
