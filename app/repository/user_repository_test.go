package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/ManuelReschke/storekeeper/app/models"
)

var fixedNow = time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)

func newUserRepo(t *testing.T) (*userRepository, sqlmock.Sqlmock) {
	db, mock := newMockDB(t)
	return &userRepository{db: db, now: func() time.Time { return fixedNow }}, mock
}

func TestGetByAPIKeyHash(t *testing.T) {
	repo, mock := newUserRepo(t)
	hash := models.HashAPIKey("sk_live")
	mock.ExpectQuery("SELECT \\* FROM `user_settings` WHERE api_key_hash = \\? AND api_key_revoked_at IS NULL").
		WillReturnRows(sqlmock.NewRows([]string{"id", "user_id", "api_key_hash"}).AddRow(11, 5, hash))
	mock.ExpectQuery("SELECT \\* FROM `users` WHERE `users`.`id` = \\?").
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "plan"}).AddRow(5, "ada", "premium"))

	user, settings, err := repo.GetByAPIKeyHash(context.Background(), " "+hash+" ")
	require.NoError(t, err)
	assert.EqualValues(t, 5, user.ID)
	assert.Equal(t, "premium", user.Plan)
	assert.EqualValues(t, 11, settings.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetByAPIKeyHash_BlankNeverQueries(t *testing.T) {
	repo, mock := newUserRepo(t)
	_, _, err := repo.GetByAPIKeyHash(context.Background(), "  ")
	assert.ErrorIs(t, err, gorm.ErrRecordNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTouchAPIKey(t *testing.T) {
	repo, mock := newUserRepo(t)
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE `user_settings` SET `api_key_last_used_at`=\\? WHERE id = \\?").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, repo.TouchAPIKey(context.Background(), 11, fixedNow))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestIssueAPIKey_CreatesSettings(t *testing.T) {
	repo, mock := newUserRepo(t)
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT `id` FROM `users`").WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(5))
	mock.ExpectQuery("SELECT \\* FROM `user_settings` WHERE user_id = \\?").WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectExec("INSERT INTO `user_settings`").WillReturnResult(sqlmock.NewResult(21, 1))
	mock.ExpectCommit()

	raw, settings, err := repo.IssueAPIKey(context.Background(), 5)
	require.NoError(t, err)
	assert.EqualValues(t, 21, settings.ID)
	assert.True(t, settings.PushOptIn)
	assert.Equal(t, models.HashAPIKey(raw), settings.APIKeyHash)
	assert.Equal(t, fixedNow, *settings.APIKeyCreatedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestIssueAPIKey_RotatesExistingKey(t *testing.T) {
	repo, mock := newUserRepo(t)
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT `id` FROM `users`").WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(5))
	mock.ExpectQuery("SELECT \\* FROM `user_settings` WHERE user_id = \\?").
		WillReturnRows(sqlmock.NewRows([]string{"id", "user_id", "push_opt_in", "api_key_hash", "api_key_revoked_at"}).
			AddRow(21, 5, false, models.HashAPIKey("sk_old"), fixedNow.Add(-time.Hour)))
	mock.ExpectExec("UPDATE `user_settings` SET .*`api_key_hash`=").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	raw, settings, err := repo.IssueAPIKey(context.Background(), 5)
	require.NoError(t, err)
	assert.NotEqual(t, models.HashAPIKey("sk_old"), settings.APIKeyHash)
	assert.Equal(t, models.HashAPIKey(raw), settings.APIKeyHash)
	assert.True(t, settings.KeyActive())
	// the opt-out survives a key rotation
	assert.False(t, settings.PushOptIn)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestIssueAPIKey_UnknownUser(t *testing.T) {
	repo, mock := newUserRepo(t)
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT `id` FROM `users`").WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectRollback()

	_, _, err := repo.IssueAPIKey(context.Background(), 404)
	assert.ErrorIs(t, err, gorm.ErrRecordNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRevokeAPIKey(t *testing.T) {
	tests := []struct {
		name     string
		affected int64
		err      error
		want     bool
	}{
		{"active key", 1, nil, true},
		{"nothing to revoke", 0, nil, false},
		{"database error", 0, errors.New("deadlock"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo, mock := newUserRepo(t)
			mock.ExpectBegin()
			exec := mock.ExpectExec("UPDATE `user_settings` SET .*`api_key_revoked_at`=\\?.* WHERE user_id = \\? AND api_key_hash <> ''")
			if tt.err != nil {
				exec.WillReturnError(tt.err)
				mock.ExpectRollback()
			} else {
				exec.WillReturnResult(sqlmock.NewResult(0, tt.affected))
				mock.ExpectCommit()
			}

			revoked, err := repo.RevokeAPIKey(context.Background(), 5)
			if tt.err != nil {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, tt.want, revoked)
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestFactory(t *testing.T) {
	db, _ := newMockDB(t)
	f := InitializeFactory(db)
	assert.Same(t, f, GetGlobalFactory())
	assert.NotNil(t, f.Users())
	assert.NotNil(t, f.Devices())
	assert.NotNil(t, f.Campaigns())
}
