package identity

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

var (
	// ErrNotFound は指定されたユーザーが存在しないことを表す。
	ErrNotFound = errors.New("ユーザーが見つかりません")
	// ErrDuplicateEmail はメールアドレスが既に登録済みであることを表す。
	ErrDuplicateEmail = errors.New("メールアドレスが既に登録されています")
	// ErrDuplicateExternalID は外部OAuth識別子が既に登録済みであることを表す。
	ErrDuplicateExternalID = errors.New("外部アカウントが既に登録されています")
	// ErrNoCredential は認証手段を持たないユーザーを生成しようとしたことを表す。
	ErrNoCredential = errors.New("認証手段が指定されていません")
)

// Role はユーザーのロールを表す。
type Role string

const (
	// RoleUser は一般ユーザー。
	RoleUser Role = "user"
	// RoleAdmin は管理者。
	RoleAdmin Role = "admin"
)

// Valid はロールが定義済みの値であるかを返す。
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAdmin
}

// LocalCredential はパスワードによるローカル認証情報。
// ハッシュのみを保持し、平文パスワードは保存しない。
type LocalCredential struct {
	// PasswordHash はbcryptでハッシュ化されたパスワード。
	PasswordHash string
}

// ExternalCredential は外部OAuthプロバイダによる認証情報。
type ExternalCredential struct {
	// Provider はOAuthプロバイダ名（例: "google"）。
	Provider string
	// ExternalID はプロバイダ内でのユーザー識別子。
	ExternalID string
}

// Identity はユーザーの識別情報レコードを表す。
//
// 認証手段はLocalとExternalのタグ付きユニオンとして保持する。
// 生成時点では必ずどちらか一方だけが設定されるが、後からもう一方を
// 連携することはできる（ローカルアカウントがGoogleを連携する等）。
// OAuth自動登録にランダムなダミーパスワードは使用しない。
type Identity struct {
	// ID はユーザーの一意識別子（UUID）。
	ID string
	// Email はメールアドレス。大文字小文字を区別せず全体で一意。
	Email string
	// Name は表示名。
	Name string
	// Role はユーザーのロール。
	Role Role
	// IsActive はアカウントが有効かどうか。
	IsActive bool
	// Local はローカル認証情報。未設定の場合nil。
	Local *LocalCredential
	// External は外部OAuth認証情報。未設定の場合nil。
	External *ExternalCredential
	// CreatedAt は作成日時。
	CreatedAt time.Time
	// UpdatedAt は更新日時。
	UpdatedAt time.Time
}

// NewLocal はパスワード認証のユーザーを生成する。
// 平文パスワードはbcryptでハッシュ化してから保持する。
func NewLocal(email, name, password string) (*Identity, error) {
	if password == "" {
		return nil, ErrNoCredential
	}
	hash, err := HashPassword(password)
	if err != nil {
		return nil, err
	}
	return &Identity{
		ID:       uuid.New().String(),
		Email:    email,
		Name:     name,
		Role:     RoleUser,
		IsActive: true,
		Local:    &LocalCredential{PasswordHash: hash},
	}, nil
}

// NewExternal は外部OAuth認証のユーザーを生成する。
// ローカルパスワードは一切設定されないため、パスワードログインは不可能。
func NewExternal(email, name, provider, externalID string) (*Identity, error) {
	if provider == "" || externalID == "" {
		return nil, ErrNoCredential
	}
	return &Identity{
		ID:       uuid.New().String(),
		Email:    email,
		Name:     name,
		Role:     RoleUser,
		IsActive: true,
		External: &ExternalCredential{Provider: provider, ExternalID: externalID},
	}, nil
}

// VerifyPassword は平文パスワードを保存済みハッシュと比較する。
// ローカル認証情報を持たないユーザーに対しては常にfalseを返す。
func (i *Identity) VerifyPassword(password string) bool {
	if i.Local == nil {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(i.Local.PasswordHash), []byte(password)) == nil
}

// HashPassword は平文パスワードをbcryptでハッシュ化する。
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}
