package logs

import (
	"database/sql"
	"fmt"
)

// schema はログテーブルのDDL。
const schema = `
CREATE TABLE IF NOT EXISTS logs (
	id TEXT PRIMARY KEY,
	level TEXT NOT NULL,
	message TEXT NOT NULL,
	service TEXT NOT NULL,
	metadata TEXT NOT NULL DEFAULT '{}',
	created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_logs_service ON logs(service);
CREATE INDEX IF NOT EXISTS idx_logs_level ON logs(level);
CREATE INDEX IF NOT EXISTS idx_logs_created_at ON logs(created_at);
`

// initSchema はログテーブルを初期化する。
func initSchema(db *sql.DB) error {
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("ログテーブルの作成に失敗: %w", err)
	}
	return nil
}
