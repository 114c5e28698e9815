package ads

import (
	"database/sql"
	"fmt"
)

// schema は広告テーブルのDDL。
const schema = `
CREATE TABLE IF NOT EXISTS ads (
	id TEXT PRIMARY KEY,
	title TEXT NOT NULL,
	media TEXT NOT NULL,
	link TEXT NOT NULL,
	is_active INTEGER NOT NULL DEFAULT 1,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_ads_active ON ads(is_active);
`

// initSchema は広告テーブルを初期化する。
func initSchema(db *sql.DB) error {
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("広告テーブルの作成に失敗: %w", err)
	}
	return nil
}
