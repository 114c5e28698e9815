package media

import (
	"database/sql"
	"fmt"
)

// schema はメディアメタデータテーブルのDDL。
// 画像本体はMinIOに保存し、ここにはメタデータのみ持つ。
const schema = `
CREATE TABLE IF NOT EXISTS medias (
	id TEXT PRIMARY KEY,
	filename TEXT NOT NULL,
	object_name TEXT NOT NULL,
	url TEXT NOT NULL,
	content_type TEXT NOT NULL,
	size INTEGER NOT NULL,
	folder TEXT NOT NULL,
	created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_medias_folder ON medias(folder);
`

// initSchema はメディアメタデータテーブルを初期化する。
func initSchema(db *sql.DB) error {
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("メディアテーブルの作成に失敗: %w", err)
	}
	return nil
}
