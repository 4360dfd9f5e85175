package policy

import (
	"fmt"
	"os"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"telemetry-service/internal/util"
)

// Loader reads the policy file and watches it for changes. Consumers hold
// the Loader and call Current() per evaluation, so a reload takes effect on
// the next cycle without restarting workers.
type Loader struct {
	path     string
	mu       sync.RWMutex
	current  *Policy
	onChange []func(*Policy)
	watcher  *fsnotify.Watcher
}

// NewLoader creates a Loader and performs the initial load. A missing file
// is not an error; the built-in defaults apply until one appears.
func NewLoader(path string) (*Loader, error) {
	l := &Loader{path: path}
	p, err := l.load()
	if err != nil {
		if os.IsNotExist(err) {
			util.Warn("Policy file not found, using built-in defaults", util.String("path", path))
			l.current = Default()
			return l, nil
		}
		return nil, err
	}
	l.current = p
	return l, nil
}

// Current returns the latest valid policy.
func (l *Loader) Current() *Policy {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.current
}

// OnChange registers a callback invoked whenever the policy reloads.
func (l *Loader) OnChange(fn func(*Policy)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onChange = append(l.onChange, fn)
}

// Watch starts a background goroutine that hot-reloads the policy on file
// changes. An invalid file is logged and ignored; the previous policy stays
// active. Call the returned stop function to clean up.
func (l *Loader) Watch() (stop func(), err error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("policy watcher: %w", err)
	}
	if err := w.Add(l.path); err != nil {
		w.Close()
		return nil, fmt.Errorf("policy watcher add %s: %w", l.path, err)
	}
	l.watcher = w

	done := make(chan struct{})
	go func() {
		defer w.Close()
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) {
					p, err := l.load()
					if err != nil {
						util.Error("Policy reload failed, keeping previous policy",
							util.String("path", l.path), util.ErrorField(err))
						continue
					}
					l.swap(p)
					util.Info("Policy reloaded", util.String("path", l.path))
				}
			case <-w.Errors:
			case <-done:
				return
			}
		}
	}()

	return func() { close(done) }, nil
}

// Reload forces an immediate re-read of the policy file.
func (l *Loader) Reload() (*Policy, error) {
	p, err := l.load()
	if err != nil {
		return nil, err
	}
	l.swap(p)
	return p, nil
}

func (l *Loader) swap(p *Policy) {
	l.mu.Lock()
	l.current = p
	callbacks := make([]func(*Policy), len(l.onChange))
	copy(callbacks, l.onChange)
	l.mu.Unlock()
	for _, fn := range callbacks {
		fn(p)
	}
}

func (l *Loader) load() (*Policy, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return nil, err
	}

	// Partial files override the defaults field by field.
	p := Default()
	if err := yaml.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("parse policy %s: %w", l.path, err)
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("validate policy %s: %w", l.path, err)
	}
	return p, nil
}
