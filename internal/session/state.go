package session

import (
	"encoding/json"

	"github.com/fengjnw/10-health-33915059-sub000/internal/models"
)

// State はセッションの状態です。以下の4種類のみを取り得ます。
//
//	Anonymous                 未ログイン
//	Authenticated             ログイン済み
//	PasswordResetPending      パスワード再設定コードの入力待ち（未ログイン）
//	AccountDeletionPending    退会確認コードの入力待ち（ログイン済み）
type State interface {
	kind() string
}

type Anonymous struct{}

type Authenticated struct {
	User models.UserSnapshot
}

type PasswordResetPending struct {
	UserID int64
}

type AccountDeletionPending struct {
	User           models.UserSnapshot
	VerificationID int64
}

func (Anonymous) kind() string              { return "anonymous" }
func (Authenticated) kind() string          { return "authenticated" }
func (PasswordResetPending) kind() string   { return "password_reset_pending" }
func (AccountDeletionPending) kind() string { return "account_deletion_pending" }

// CurrentUser はログイン済みの状態であればユーザーを返します。
func CurrentUser(s State) (models.UserSnapshot, bool) {
	switch st := s.(type) {
	case Authenticated:
		return st.User, true
	case AccountDeletionPending:
		return st.User, true
	default:
		return models.UserSnapshot{}, false
	}
}

// WithUser はログイン状態を保ったままユーザー情報だけを差し替えます。
func WithUser(s State, user models.UserSnapshot) State {
	switch st := s.(type) {
	case AccountDeletionPending:
		st.User = user
		return st
	case Authenticated:
		return Authenticated{User: user}
	default:
		return s
	}
}

// セッションには1つの JSON 文字列として保存する
type envelope struct {
	Kind           string               `json:"kind"`
	User           *models.UserSnapshot `json:"user,omitempty"`
	UserID         int64                `json:"user_id,omitempty"`
	VerificationID int64                `json:"verification_id,omitempty"`
}

func encodeState(s State) (string, error) {
	env := envelope{Kind: s.kind()}
	switch st := s.(type) {
	case Authenticated:
		env.User = &st.User
	case PasswordResetPending:
		env.UserID = st.UserID
	case AccountDeletionPending:
		env.User = &st.User
		env.VerificationID = st.VerificationID
	}
	b, err := json.Marshal(env)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// decodeState は壊れた値や不整合な組み合わせを Anonymous として扱います。
func decodeState(raw string) State {
	if raw == "" {
		return Anonymous{}
	}
	var env envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return Anonymous{}
	}
	switch env.Kind {
	case "authenticated":
		if env.User != nil && env.User.ID > 0 {
			return Authenticated{User: *env.User}
		}
	case "password_reset_pending":
		if env.UserID > 0 {
			return PasswordResetPending{UserID: env.UserID}
		}
	case "account_deletion_pending":
		if env.User != nil && env.User.ID > 0 && env.VerificationID > 0 {
			return AccountDeletionPending{User: *env.User, VerificationID: env.VerificationID}
		}
	}
	return Anonymous{}
}
