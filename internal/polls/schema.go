package polls

import (
	"database/sql"
	"fmt"
)

// schema はアンケートテーブルのDDL。
// 回答選択肢は別テーブルに分離し、得票数の加算をSQLの
// アトミックなUPDATEで行えるようにしている。
const schema = `
CREATE TABLE IF NOT EXISTS polls (
	id TEXT PRIMARY KEY,
	question TEXT NOT NULL,
	is_active INTEGER NOT NULL DEFAULT 1,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS poll_answers (
	poll_id TEXT NOT NULL,
	answer_index INTEGER NOT NULL,
	title TEXT NOT NULL,
	votes INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (poll_id, answer_index)
);

CREATE INDEX IF NOT EXISTS idx_polls_active ON polls(is_active);
`

// initSchema はアンケートテーブルを初期化する。
func initSchema(db *sql.DB) error {
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("アンケートテーブルの作成に失敗: %w", err)
	}
	return nil
}
