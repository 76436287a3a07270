package statistics

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestService(t *testing.T) (*Service, sqlmock.Sqlmock, *miniredis.Miniredis) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })

	db, err := gorm.Open(mysql.New(mysql.Config{Conn: sqlDB, SkipInitializeWithVersion: true}), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	mr := miniredis.RunT(t)
	s := NewService(db, redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	s.now = func() time.Time { return time.Date(2026, 3, 4, 15, 0, 0, 0, time.UTC) }
	return s, mock, mr
}

func expectOverviewQueries(mock sqlmock.Sqlmock) {
	mock.ExpectQuery("SELECT plan AS `key`, COUNT\\(\\*\\) AS total FROM `users`").
		WillReturnRows(sqlmock.NewRows([]string{"key", "total"}).AddRow("free", 40).AddRow("premium", 9))
	mock.ExpectQuery("SELECT count\\(\\*\\) FROM `users` WHERE").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(7))
	mock.ExpectQuery("SELECT COALESCE\\(SUM\\(amount\\), 0\\) FROM `credit_transactions`").
		WillReturnRows(sqlmock.NewRows([]string{"sum"}).AddRow(1500))
	mock.ExpectQuery("SELECT platform AS `key`, COUNT\\(\\*\\) AS total FROM `device_tokens`").
		WillReturnRows(sqlmock.NewRows([]string{"key", "total"}).AddRow("ios", 12).AddRow("android", 30))
	mock.ExpectQuery("SELECT status AS `key`, COUNT\\(\\*\\) AS total FROM `push_campaigns`").
		WillReturnRows(sqlmock.NewRows([]string{"key", "total"}).AddRow("completed", 3))
}

func TestOverview_ComputesAndCaches(t *testing.T) {
	ctx := context.Background()
	s, mock, mr := newTestService(t)
	expectOverviewQueries(mock)

	o, err := s.Overview(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"free": 40, "premium": 9}, o.UsersByPlan)
	assert.EqualValues(t, 7, o.ActiveSubscriptions)
	assert.EqualValues(t, 1500, o.CreditsGrantedToday)
	assert.Equal(t, map[string]int64{"ios": 12, "android": 30}, o.ActiveDevices)
	assert.Equal(t, map[string]int64{"completed": 3}, o.CampaignsByStatus)
	assert.NoError(t, mock.ExpectationsWereMet())
	assert.True(t, mr.Exists(CacheKeyOverview))

	// served from Redis without touching the database
	again, err := s.Overview(ctx)
	require.NoError(t, err)
	assert.Equal(t, o.UsersByPlan, again.UsersByPlan)
	assert.True(t, o.GeneratedAt.Equal(again.GeneratedAt))

	require.NoError(t, s.Invalidate(ctx))
	assert.False(t, mr.Exists(CacheKeyOverview))
}

func TestOverview_ExpiredCacheRecomputes(t *testing.T) {
	ctx := context.Background()
	s, mock, mr := newTestService(t)
	expectOverviewQueries(mock)
	expectOverviewQueries(mock)

	_, err := s.Overview(ctx)
	require.NoError(t, err)
	mr.FastForward(CacheExpiration + time.Second)
	_, err = s.Overview(ctx)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
