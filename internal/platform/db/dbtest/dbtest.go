// Package dbtest はテスト用の使い捨て SQLite（本番と同じスキーマ適用済み）
package dbtest

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"library-backend/internal/platform/db"
)

// Open は t.TempDir に DB を作ってマイグレーションする。Cleanup で閉じる
func Open(t testing.TB) *sql.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "library.db")
	conn, err := sql.Open(db.DriverSQLite, db.SQLiteDSN(path))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := db.Migrate(context.Background(), conn, db.DriverSQLite); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return conn
}
