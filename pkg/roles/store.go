package roles

import (
	"context"
	"fmt"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/openmeet/federation/pkg/observability"
)

// Store holds the active rule set and can keep it in sync with the
// rule file on disk. Readers always see a complete rule set; a reload
// swaps the whole slice under the lock.
type Store struct {
	mu    sync.RWMutex
	path  string
	rules []Rule
}

// NewStore loads the rule file and returns a store serving it.
func NewStore(path string) (*Store, error) {
	rules, err := LoadRulesFile(path)
	if err != nil {
		return nil, err
	}
	return &Store{path: path, rules: rules}, nil
}

// NewStaticStore wraps a fixed rule set, used when rules come from
// configuration rather than a watched file.
func NewStaticStore(rules []Rule) *Store {
	return &Store{rules: rules}
}

// Rules returns the active rule set.
func (s *Store) Rules() []Rule {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rules
}

// Reload re-reads the rule file and swaps the active set. A parse
// failure leaves the previous set in place.
func (s *Store) Reload() error {
	if s.path == "" {
		return nil
	}
	rules, err := LoadRulesFile(s.path)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.rules = rules
	s.mu.Unlock()
	return nil
}

// Watch reloads the rule set whenever the file changes, until the
// context is cancelled. Editors that replace the file are handled by
// re-adding the watch on remove/rename events.
func (s *Store) Watch(ctx context.Context, logger *observability.Logger) error {
	if s.path == "" {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create rule watcher: %w", err)
	}
	if err := watcher.Add(s.path); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch role rules file: %w", err)
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
					if err := s.Reload(); err != nil {
						logger.WithError(err).Warn("role rules reload failed, keeping previous set")
					} else {
						logger.WithField("path", s.path).Info("role rules reloaded")
					}
				}
				if event.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
					// Re-add the watch; atomic file replacement removes the inode.
					_ = watcher.Add(s.path)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.WithError(err).Warn("role rules watcher error")
			}
		}
	}()

	return nil
}
