package setup

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm/logger"

	"github.com/jivanaryal/TopicJ-Spinner/internal/domain"
)

func TestInitDB_SQLiteAndMigrate(t *testing.T) {
	db, err := InitDB(DriverSQLite, "file:setup_test?mode=memory&cache=shared", logger.Silent)
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})

	require.NoError(t, MigrateDB(db))
	assert.True(t, db.Migrator().HasTable(&domain.Room{}), "迁移后应存在 rooms 表")
	assert.NoError(t, PingDB(context.Background(), db))
}

func TestInitDB_UnsupportedDriver(t *testing.T) {
	_, err := InitDB("oracle", "whatever", logger.Silent)
	assert.Error(t, err)

	_, err = Dialector(DriverMemory, "")
	assert.Error(t, err, "memory 驱动不对应任何 SQL dialector")
}

func TestMigrateDB_NilDB(t *testing.T) {
	assert.Error(t, MigrateDB(nil))
}

func TestInitRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()

	client, err := InitRedis(addr, "", 0)
	require.NoError(t, err)
	defer client.Close()

	mr.Close()
	_, err = InitRedis(addr, "", 0)
	assert.Error(t, err, "Redis 不可用时应返回错误")
}
