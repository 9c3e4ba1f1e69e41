package session

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"
)

// Correlation key qualifiers. A correlation key is always
// protocol-qualified so keys from different identity sources can never
// collide.
const (
	KeyOIDCSub           = "oidc_sub"
	KeySAMLNameID        = "saml2_name_id"
	KeyShibbolethSession = "shibboleth_session_id"
)

// Key builds a protocol-qualified correlation key.
func Key(qualifier, value string) string {
	return qualifier + ":" + value
}

// CorrelationStore maps external session identifiers to local
// application sessions so single logout can find the right session to
// terminate.
type CorrelationStore interface {
	// Upsert records that the local session belongs to the external
	// session identified by correlationKey. A new login for the same
	// local session overwrites its previous key.
	Upsert(ctx context.Context, correlationKey, localSessionID string) error

	// FindByKey returns the local session ids currently correlated to
	// the key.
	FindByKey(ctx context.Context, correlationKey string) ([]string, error)

	// Delete removes the record for the local session.
	Delete(ctx context.Context, localSessionID string) error
}

// PostgresCorrelationStore implements CorrelationStore on a table with
// a uniqueness constraint on local_session_id; concurrent upserts for
// the same session resolve through ON CONFLICT rather than app-level
// locking.
type PostgresCorrelationStore struct {
	db *sql.DB
}

// NewPostgresCorrelationStore creates a correlation store backed by the
// given database.
func NewPostgresCorrelationStore(db *sql.DB) (*PostgresCorrelationStore, error) {
	store := &PostgresCorrelationStore{db: db}
	if err := store.ensureSchema(); err != nil {
		return nil, fmt.Errorf("failed to ensure session_correlations schema: %w", err)
	}
	return store, nil
}

// ensureSchema creates the session_correlations table if it doesn't exist
func (s *PostgresCorrelationStore) ensureSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS session_correlations (
		local_session_id VARCHAR(255) PRIMARY KEY,
		correlation_key VARCHAR(512) NOT NULL,
		created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
	);

	CREATE INDEX IF NOT EXISTS idx_session_correlations_key ON session_correlations(correlation_key);
	CREATE INDEX IF NOT EXISTS idx_session_correlations_created_at ON session_correlations(created_at);
	`

	_, err := s.db.Exec(query)
	return err
}

// Upsert records the correlation, overwriting any previous key for the
// local session.
func (s *PostgresCorrelationStore) Upsert(ctx context.Context, correlationKey, localSessionID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO session_correlations (local_session_id, correlation_key, created_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (local_session_id) DO UPDATE
		SET correlation_key = $2, created_at = NOW()
	`, localSessionID, correlationKey)
	if err != nil {
		return fmt.Errorf("failed to upsert session correlation: %w", err)
	}
	return nil
}

// FindByKey returns the local session ids correlated to the key.
func (s *PostgresCorrelationStore) FindByKey(ctx context.Context, correlationKey string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT local_session_id
		FROM session_correlations
		WHERE correlation_key = $1
		ORDER BY created_at
	`, correlationKey)
	if err != nil {
		return nil, fmt.Errorf("failed to find session correlations: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan session correlation: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Delete removes the record for the local session.
func (s *PostgresCorrelationStore) Delete(ctx context.Context, localSessionID string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM session_correlations WHERE local_session_id = $1
	`, localSessionID)
	if err != nil {
		return fmt.Errorf("failed to delete session correlation: %w", err)
	}
	return nil
}

// PurgeOlderThan removes correlation records created before the cutoff,
// returning the number removed. Run by the janitor alongside session
// expiry.
func (s *PostgresCorrelationStore) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM session_correlations WHERE created_at < $1
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to purge session correlations: %w", err)
	}
	return result.RowsAffected()
}

// MemoryCorrelationStore is an in-process CorrelationStore for tests
// and single-node deployments.
type MemoryCorrelationStore struct {
	mu    sync.RWMutex
	byID  map[string]string // local session id -> correlation key
	byKey map[string]map[string]struct{}
}

// NewMemoryCorrelationStore creates an empty in-process store.
func NewMemoryCorrelationStore() *MemoryCorrelationStore {
	return &MemoryCorrelationStore{
		byID:  make(map[string]string),
		byKey: make(map[string]map[string]struct{}),
	}
}

// Upsert records the correlation.
func (s *MemoryCorrelationStore) Upsert(_ context.Context, correlationKey, localSessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.byID[localSessionID]; ok {
		delete(s.byKey[prev], localSessionID)
	}
	s.byID[localSessionID] = correlationKey
	set := s.byKey[correlationKey]
	if set == nil {
		set = make(map[string]struct{})
		s.byKey[correlationKey] = set
	}
	set[localSessionID] = struct{}{}
	return nil
}

// FindByKey returns the local session ids correlated to the key.
func (s *MemoryCorrelationStore) FindByKey(_ context.Context, correlationKey string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var ids []string
	for id := range s.byKey[correlationKey] {
		ids = append(ids, id)
	}
	return ids, nil
}

// Delete removes the record for the local session.
func (s *MemoryCorrelationStore) Delete(_ context.Context, localSessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if key, ok := s.byID[localSessionID]; ok {
		delete(s.byKey[key], localSessionID)
		delete(s.byID, localSessionID)
	}
	return nil
}
