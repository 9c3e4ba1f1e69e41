package accounts

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openmeet/federation/pkg/principal"
)

var accountColumns = []string{
	"id", "authenticator", "external_id", "username", "email", "first_name",
	"last_name", "locale", "timezone", "password_hash", "created_at", "updated_at",
}

func TestPostgresStore_FindOrCreate_Existing(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS accounts").WillReturnResult(sqlmock.NewResult(0, 0))

	now := time.Now()
	mock.ExpectQuery(`SELECT id, authenticator, external_id`).
		WithArgs("ldap", "jdoe").
		WillReturnRows(sqlmock.NewRows(accountColumns).AddRow(
			"acct-1", "ldap", "jdoe", "jdoe", "jdoe@example.org", "Jane", "Doe",
			"en", "UTC", "!hash", now, now))

	store, err := NewPostgresStore(db)
	require.NoError(t, err)
	account, created, err := store.FindOrCreate(context.Background(), "ldap", "jdoe", principal.Defaults{})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "acct-1", account.ID)
	assert.Equal(t, "jdoe@example.org", account.Email)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_FindOrCreate_Creates(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS accounts").WillReturnResult(sqlmock.NewResult(0, 0))

	now := time.Now()
	mock.ExpectQuery(`SELECT id, authenticator, external_id`).
		WithArgs("oidc", "abc123").
		WillReturnRows(sqlmock.NewRows(accountColumns))
	mock.ExpectQuery(`INSERT INTO accounts`).
		WillReturnRows(sqlmock.NewRows([]string{"created_at", "updated_at"}).AddRow(now, now))

	store, err := NewPostgresStore(db)
	require.NoError(t, err)
	account, created, err := store.FindOrCreate(context.Background(), "oidc", "abc123",
		principal.Defaults{Locale: "en", Timezone: "UTC"})
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEmpty(t, account.ID)
	assert.Equal(t, "oidc", account.Authenticator)
	assert.Equal(t, "abc123", account.ExternalID)
	assert.Equal(t, "en", account.Locale)
	assert.NotEmpty(t, account.PasswordHash)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Save(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS accounts").WillReturnResult(sqlmock.NewResult(0, 0))

	mock.ExpectExec(`UPDATE accounts`).
		WithArgs("jdoe", "jdoe@example.org", "Jane", "Doe", "!hash", "acct-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	store, err := NewPostgresStore(db)
	require.NoError(t, err)
	err = store.Save(context.Background(), &principal.Account{
		ID:           "acct-1",
		Username:     "jdoe",
		Email:        "jdoe@example.org",
		FirstName:    "Jane",
		LastName:     "Doe",
		PasswordHash: "!hash",
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SyncRoles_AddsAndRemovesAutomatic(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS accounts").WillReturnResult(sqlmock.NewResult(0, 0))

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT role_name, automatic`).
		WithArgs("acct-1").
		WillReturnRows(sqlmock.NewRows([]string{"role_name", "automatic"}).
			AddRow("stale", true).
			AddRow("manual", false))
	mock.ExpectExec(`INSERT INTO account_roles`).
		WithArgs("acct-1", "moderator").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`DELETE FROM account_roles`).
		WithArgs("acct-1", "stale").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	store, err := NewPostgresStore(db)
	require.NoError(t, err)
	err = store.SyncRoles(context.Background(), "acct-1", []string{"moderator", "manual"})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SyncRoles_Stable(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS accounts").WillReturnResult(sqlmock.NewResult(0, 0))

	// Desired set already assigned: no inserts, no deletes.
	for i := 0; i < 2; i++ {
		mock.ExpectBegin()
		mock.ExpectQuery(`SELECT role_name, automatic`).
			WithArgs("acct-1").
			WillReturnRows(sqlmock.NewRows([]string{"role_name", "automatic"}).
				AddRow("moderator", true))
		mock.ExpectCommit()
	}

	store, err := NewPostgresStore(db)
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		require.NoError(t, store.SyncRoles(context.Background(), "acct-1", []string{"moderator"}))
	}
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SyncRoles_NeverTouchesManual(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS accounts").WillReturnResult(sqlmock.NewResult(0, 0))

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT role_name, automatic`).
		WithArgs("acct-1").
		WillReturnRows(sqlmock.NewRows([]string{"role_name", "automatic"}).
			AddRow("manual", false))
	mock.ExpectCommit()

	store, err := NewPostgresStore(db)
	require.NoError(t, err)
	// Empty desired set: the manual role survives.
	require.NoError(t, store.SyncRoles(context.Background(), "acct-1", nil))
	assert.NoError(t, mock.ExpectationsWereMet())
}
