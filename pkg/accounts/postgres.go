package accounts

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/openmeet/federation/pkg/principal"
)

// PostgresStore implements principal.Store on a relational schema:
// one accounts row per (authenticator, external_id) pair, and one
// account_roles row per granted role with an automatic flag separating
// rule-engine grants from manual ones.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates an account store backed by the given database.
func NewPostgresStore(db *sql.DB) (*PostgresStore, error) {
	store := &PostgresStore{db: db}
	if err := store.ensureSchema(); err != nil {
		return nil, fmt.Errorf("failed to ensure accounts schema: %w", err)
	}
	return store, nil
}

// ensureSchema creates the account tables if they don't exist
func (s *PostgresStore) ensureSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS accounts (
		id UUID PRIMARY KEY,
		authenticator VARCHAR(50) NOT NULL,
		external_id VARCHAR(255) NOT NULL,
		username VARCHAR(255) NOT NULL DEFAULT '',
		email VARCHAR(255) NOT NULL DEFAULT '',
		first_name VARCHAR(255) NOT NULL DEFAULT '',
		last_name VARCHAR(255) NOT NULL DEFAULT '',
		locale VARCHAR(35) NOT NULL DEFAULT 'en',
		timezone VARCHAR(64) NOT NULL DEFAULT 'UTC',
		password_hash VARCHAR(255) NOT NULL,
		created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
		updated_at TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
		UNIQUE (authenticator, external_id)
	);

	CREATE TABLE IF NOT EXISTS account_roles (
		account_id UUID NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
		role_name VARCHAR(255) NOT NULL,
		automatic BOOLEAN NOT NULL DEFAULT false,
		granted_at TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
		PRIMARY KEY (account_id, role_name)
	);

	CREATE INDEX IF NOT EXISTS idx_account_roles_account_id ON account_roles(account_id);
	`

	_, err := s.db.Exec(query)
	return err
}

// FindOrCreate looks up the account keyed by (authenticator, externalID)
// and creates it with the given defaults when absent.
func (s *PostgresStore) FindOrCreate(ctx context.Context, authenticator, externalID string, defaults principal.Defaults) (*principal.Account, bool, error) {
	account := &principal.Account{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, authenticator, external_id, username, email, first_name, last_name,
			locale, timezone, password_hash, created_at, updated_at
		FROM accounts
		WHERE authenticator = $1 AND external_id = $2
	`, authenticator, externalID).Scan(
		&account.ID, &account.Authenticator, &account.ExternalID, &account.Username,
		&account.Email, &account.FirstName, &account.LastName, &account.Locale,
		&account.Timezone, &account.PasswordHash, &account.CreatedAt, &account.UpdatedAt)

	if err == nil {
		return account, false, nil
	}
	if err != sql.ErrNoRows {
		return nil, false, fmt.Errorf("failed to look up account: %w", err)
	}

	account = &principal.Account{
		ID:            uuid.NewString(),
		Authenticator: authenticator,
		ExternalID:    externalID,
		Locale:        defaults.Locale,
		Timezone:      defaults.Timezone,
		PasswordHash:  principal.UnusablePassword(),
	}

	err = s.db.QueryRowContext(ctx, `
		INSERT INTO accounts (id, authenticator, external_id, username, email, first_name,
			last_name, locale, timezone, password_hash, created_at, updated_at)
		VALUES ($1, $2, $3, '', '', '', '', $4, $5, $6, NOW(), NOW())
		RETURNING created_at, updated_at
	`, account.ID, authenticator, externalID, account.Locale, account.Timezone,
		account.PasswordHash).Scan(&account.CreatedAt, &account.UpdatedAt)
	if err != nil {
		return nil, false, fmt.Errorf("failed to create account: %w", err)
	}

	return account, true, nil
}

// Save persists the account's mutable profile fields.
func (s *PostgresStore) Save(ctx context.Context, account *principal.Account) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE accounts
		SET username = $1, email = $2, first_name = $3, last_name = $4,
			password_hash = $5, updated_at = NOW()
		WHERE id = $6
	`, account.Username, account.Email, account.FirstName, account.LastName,
		account.PasswordHash, account.ID)
	if err != nil {
		return fmt.Errorf("failed to save account: %w", err)
	}
	return nil
}

// SyncRoles reconciles the automatically assigned roles of the account
// against the desired set. Roles in the set but not assigned are added
// tagged automatic; automatic roles outside the set are removed; roles
// granted manually are left alone.
func (s *PostgresStore) SyncRoles(ctx context.Context, accountID string, desired []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT role_name, automatic
		FROM account_roles
		WHERE account_id = $1
	`, accountID)
	if err != nil {
		return fmt.Errorf("failed to list account roles: %w", err)
	}

	current := make(map[string]bool)
	for rows.Next() {
		var name string
		var automatic bool
		if err := rows.Scan(&name, &automatic); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan account role: %w", err)
		}
		current[name] = automatic
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return fmt.Errorf("failed to list account roles: %w", err)
	}
	rows.Close()

	want := make(map[string]bool, len(desired))
	for _, name := range desired {
		want[name] = true
	}

	for _, name := range desired {
		if _, assigned := current[name]; assigned {
			continue
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO account_roles (account_id, role_name, automatic, granted_at)
			VALUES ($1, $2, true, NOW())
		`, accountID, name)
		if err != nil {
			return fmt.Errorf("failed to grant role %q: %w", name, err)
		}
	}

	for name, automatic := range current {
		if !automatic || want[name] {
			continue
		}
		_, err := tx.ExecContext(ctx, `
			DELETE FROM account_roles
			WHERE account_id = $1 AND role_name = $2 AND automatic = true
		`, accountID, name)
		if err != nil {
			return fmt.Errorf("failed to revoke role %q: %w", name, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit role sync: %w", err)
	}
	return nil
}

// Roles returns the account's role names together with the automatic flag.
func (s *PostgresStore) Roles(ctx context.Context, accountID string) (map[string]bool, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT role_name, automatic
		FROM account_roles
		WHERE account_id = $1
		ORDER BY role_name
	`, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to list account roles: %w", err)
	}
	defer rows.Close()

	roles := make(map[string]bool)
	for rows.Next() {
		var name string
		var automatic bool
		if err := rows.Scan(&name, &automatic); err != nil {
			return nil, fmt.Errorf("failed to scan account role: %w", err)
		}
		roles[name] = automatic
	}
	return roles, rows.Err()
}
