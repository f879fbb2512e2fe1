// Package models はドメインモデルを定義します。
package models

import "time"

// User は users テーブルの1行です。
type User struct {
	ID           int64     `json:"id"`
	Username     string    `json:"username"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	FirstName    string    `json:"first_name"`
	LastName     string    `json:"last_name"`
	IsAdmin      bool      `json:"is_admin"`
	CreatedAt    time.Time `json:"created_at"`
}

// Snapshot はセッションに保持するユーザー情報を返します。
func (u *User) Snapshot() UserSnapshot {
	return UserSnapshot{
		ID:        u.ID,
		Username:  u.Username,
		Email:     u.Email,
		FirstName: u.FirstName,
		LastName:  u.LastName,
		IsAdmin:   u.IsAdmin,
	}
}

// UserSnapshot は認証済みセッションに保存するユーザー情報です。
type UserSnapshot struct {
	ID        int64  `json:"id"`
	Username  string `json:"username"`
	Email     string `json:"email"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	IsAdmin   bool   `json:"is_admin"`
}

// VerificationPurpose は確認コードの用途です。
type VerificationPurpose string

const (
	PurposeEmailChange     VerificationPurpose = "email_change"
	PurposePasswordReset   VerificationPurpose = "password_reset"
	PurposeAccountDeletion VerificationPurpose = "account_deletion"
)

// VerificationTTL は確認コードの有効期間です。
const VerificationTTL = time.Hour

// EmailVerification は email_verifications テーブルの1行です。
type EmailVerification struct {
	ID        int64
	UserID    int64
	Purpose   VerificationPurpose
	NewEmail  string
	Code      string
	UsedAt    *time.Time
	ExpiresAt time.Time
	CreatedAt time.Time
}

// Usable は未使用かつ期限内かを返します。
func (v *EmailVerification) Usable(now time.Time) bool {
	return v.UsedAt == nil && now.Before(v.ExpiresAt)
}
