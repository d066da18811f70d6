// Package testutil builds in-process backing services for package tests.
package testutil

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/glebarez/sqlite"
	redisv9 "github.com/redis/go-redis/v9"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"gopherrag/internal/cache"
	"gopherrag/internal/model"
	"gopherrag/internal/repository"
)

// NewDB opens a private in-memory sqlite database with every model migrated. A single
// connection is kept so the shared-cache database lives as long as the test.
func NewDB(t testing.TB) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", name)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sqlite handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	if err := db.AutoMigrate(model.All()...); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

// NewRedis starts a miniredis server and returns it with a connected client.
func NewRedis(t testing.TB) (*miniredis.Miniredis, *redisv9.Client) {
	t.Helper()
	srv := miniredis.RunT(t)
	client := redisv9.NewClient(&redisv9.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return srv, client
}

// Logger discards everything.
func Logger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// NewEntities wires cache coordinators over db and a fresh miniredis.
func NewEntities(t testing.TB, db *gorm.DB) *cache.Entities {
	t.Helper()
	_, client := NewRedis(t)
	return cache.NewEntities(client, cache.Stores{
		Workspaces: repository.NewWorkspaceRepository(db),
		Documents:  repository.NewDocumentRepository(db),
		Sessions:   repository.NewChatSessionRepository(db),
		Messages:   repository.NewChatMessageRepository(db),
		Settings:   repository.NewSettingRepository(db),
		AppState:   repository.NewAppStateRepository(db),
	}, cache.TTLs{
		AppState: time.Minute,
		Entity:   5 * time.Minute,
		Message:  2 * time.Minute,
		Config:   10 * time.Minute,
	}, "test", Logger(), nil)
}
