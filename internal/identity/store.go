package identity

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"strings"
	"time"

	"github.com/kyohei/blog-engine/pkg/migration"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// timeFormat はデータベースに保存する日時の形式。
const timeFormat = time.RFC3339

// Store はユーザー識別情報の永続化を担当する。
//
// メールアドレスと外部OAuth識別子の一意性はデータベースの
// ユニークインデックスで保証する。アプリケーション層でのロックは
// 行わず、同時登録の競合はストレージ層で原子的に解決される。
type Store struct {
	// db はSQLiteデータベース接続。認証サービスとユーザーサービスが
	// 同じデータベースファイルを共有する。
	db *sql.DB
}

// NewStore はマイグレーションを適用したうえでStoreを生成する。
func NewStore(db *sql.DB) (*Store, error) {
	if err := migration.Run(db, migrationFS, "migrations"); err != nil {
		return nil, fmt.Errorf("ユーザーストアのマイグレーションに失敗: %w", err)
	}
	return &Store{db: db}, nil
}

// userColumns はSELECT句で取得するカラムの並び。scanRowと同期すること。
const userColumns = "id, email, name, role, is_active, password_hash, oauth_provider, oauth_external_id, created_at, updated_at"

// Create はユーザーを新規登録する。
// メールアドレスが重複する場合はErrDuplicateEmail、外部OAuth識別子が
// 重複する場合はErrDuplicateExternalIDを返す。
func (s *Store) Create(ctx context.Context, id *Identity) error {
	var passwordHash, provider, externalID sql.NullString
	if id.Local != nil {
		passwordHash = sql.NullString{String: id.Local.PasswordHash, Valid: true}
	}
	if id.External != nil {
		provider = sql.NullString{String: id.External.Provider, Valid: true}
		externalID = sql.NullString{String: id.External.ExternalID, Valid: true}
	}
	if !passwordHash.Valid && !externalID.Valid {
		return ErrNoCredential
	}

	now := time.Now().UTC()
	id.CreatedAt = now
	id.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, email, name, role, is_active, password_hash, oauth_provider, oauth_external_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id.ID, id.Email, id.Name, string(id.Role), boolToInt(id.IsActive),
		passwordHash, provider, externalID,
		now.Format(timeFormat), now.Format(timeFormat),
	)
	if err != nil {
		if isUniqueViolation(err, "idx_users_external", "oauth_external_id") {
			return ErrDuplicateExternalID
		}
		if isUniqueViolation(err, "idx_users_email", "users.email") {
			return ErrDuplicateEmail
		}
		return fmt.Errorf("ユーザーの登録に失敗: %w", err)
	}
	return nil
}

// FindByEmail はメールアドレスでユーザーを検索する。大文字小文字は区別しない。
// 存在しない場合はErrNotFoundを返す。
func (s *Store) FindByEmail(ctx context.Context, email string) (*Identity, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+userColumns+" FROM users WHERE email = ? COLLATE NOCASE", email)
	return scanRow(row)
}

// FindByID はIDでユーザーを検索する。存在しない場合はErrNotFoundを返す。
func (s *Store) FindByID(ctx context.Context, id string) (*Identity, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+userColumns+" FROM users WHERE id = ?", id)
	return scanRow(row)
}

// FindByExternalID は外部OAuth識別子でユーザーを検索する。
// 存在しない場合はErrNotFoundを返す。
func (s *Store) FindByExternalID(ctx context.Context, provider, externalID string) (*Identity, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+userColumns+" FROM users WHERE oauth_provider = ? AND oauth_external_id = ?",
		provider, externalID)
	return scanRow(row)
}

// List は全ユーザーを作成日時の降順で返す。
func (s *Store) List(ctx context.Context) ([]*Identity, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+userColumns+" FROM users ORDER BY created_at DESC")
	if err != nil {
		return nil, fmt.Errorf("ユーザー一覧の取得に失敗: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var identities []*Identity
	for rows.Next() {
		id, err := scanRow(rows)
		if err != nil {
			return nil, err
		}
		identities = append(identities, id)
	}
	return identities, rows.Err()
}

// UpdateProfile はメールアドレス・表示名・有効フラグを更新する。
// メールアドレスの一意性違反はErrDuplicateEmailを返す。
func (s *Store) UpdateProfile(ctx context.Context, id, email, name string, isActive bool) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE users SET email = ?, name = ?, is_active = ?, updated_at = ?
		WHERE id = ?`,
		email, name, boolToInt(isActive), time.Now().UTC().Format(timeFormat), id)
	if err != nil {
		if isUniqueViolation(err, "idx_users_email", "users.email") {
			return ErrDuplicateEmail
		}
		return fmt.Errorf("プロフィールの更新に失敗: %w", err)
	}
	return checkAffected(result)
}

// UpdateRole はユーザーのロールを変更する。
func (s *Store) UpdateRole(ctx context.Context, id string, role Role) error {
	result, err := s.db.ExecContext(ctx,
		"UPDATE users SET role = ?, updated_at = ? WHERE id = ?",
		string(role), time.Now().UTC().Format(timeFormat), id)
	if err != nil {
		return fmt.Errorf("ロールの更新に失敗: %w", err)
	}
	return checkAffected(result)
}

// SetPassword はローカルパスワードを設定する。
// 外部OAuthのみのアカウントにローカル認証を追加する場合にも使用する。
func (s *Store) SetPassword(ctx context.Context, id, password string) error {
	hash, err := HashPassword(password)
	if err != nil {
		return fmt.Errorf("パスワードのハッシュ化に失敗: %w", err)
	}

	result, err := s.db.ExecContext(ctx,
		"UPDATE users SET password_hash = ?, updated_at = ? WHERE id = ?",
		hash, time.Now().UTC().Format(timeFormat), id)
	if err != nil {
		return fmt.Errorf("パスワードの更新に失敗: %w", err)
	}
	return checkAffected(result)
}

// LinkExternal は既存アカウントに外部OAuth認証を連携する。
// 外部識別子の一意性違反はErrDuplicateExternalIDを返す。
func (s *Store) LinkExternal(ctx context.Context, id, provider, externalID string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE users SET oauth_provider = ?, oauth_external_id = ?, updated_at = ?
		WHERE id = ?`,
		provider, externalID, time.Now().UTC().Format(timeFormat), id)
	if err != nil {
		if isUniqueViolation(err, "idx_users_external", "oauth_external_id") {
			return ErrDuplicateExternalID
		}
		return fmt.Errorf("外部アカウントの連携に失敗: %w", err)
	}
	return checkAffected(result)
}

// Delete はユーザーを削除する。存在しない場合はErrNotFoundを返す。
func (s *Store) Delete(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM users WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("ユーザーの削除に失敗: %w", err)
	}
	return checkAffected(result)
}

// scanner はsql.Rowとsql.Rowsの共通インターフェース。
type scanner interface {
	Scan(dest ...any) error
}

// scanRow は1行をIdentityに変換する。userColumnsと同期すること。
func scanRow(row scanner) (*Identity, error) {
	var (
		id                               Identity
		role                             string
		isActive                         int
		passwordHash, provider, external sql.NullString
		createdAt, updatedAt             string
	)
	err := row.Scan(&id.ID, &id.Email, &id.Name, &role, &isActive,
		&passwordHash, &provider, &external, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("ユーザーレコードの読み取りに失敗: %w", err)
	}

	id.Role = Role(role)
	id.IsActive = isActive != 0
	if passwordHash.Valid {
		id.Local = &LocalCredential{PasswordHash: passwordHash.String}
	}
	if external.Valid {
		id.External = &ExternalCredential{Provider: provider.String, ExternalID: external.String}
	}
	if id.CreatedAt, err = time.Parse(timeFormat, createdAt); err != nil {
		return nil, fmt.Errorf("作成日時のパースに失敗: %w", err)
	}
	if id.UpdatedAt, err = time.Parse(timeFormat, updatedAt); err != nil {
		return nil, fmt.Errorf("更新日時のパースに失敗: %w", err)
	}
	return &id, nil
}

// checkAffected は更新系クエリが1行に作用したことを確認する。
func checkAffected(result sql.Result) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("更新行数の取得に失敗: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// isUniqueViolation はユニーク制約違反のエラーであるかを判定する。
// SQLiteドライバは型付きエラーを公開しないため、エラーメッセージに
// 含まれるインデックス名またはカラム名で判定する。
func isUniqueViolation(err error, names ...string) bool {
	msg := err.Error()
	if !strings.Contains(msg, "UNIQUE constraint failed") {
		return false
	}
	for _, name := range names {
		if strings.Contains(msg, name) {
			return true
		}
	}
	return false
}

// boolToInt はboolをSQLiteのINTEGER表現に変換する。
func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
