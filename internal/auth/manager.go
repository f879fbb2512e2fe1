package auth

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fengjnw/10-health-33915059-sub000/internal/apperror"
	"github.com/fengjnw/10-health-33915059-sub000/internal/audit"
	"github.com/fengjnw/10-health-33915059-sub000/internal/metrics"
	"github.com/fengjnw/10-health-33915059-sub000/internal/models"
	"github.com/fengjnw/10-health-33915059-sub000/internal/password"
	"github.com/fengjnw/10-health-33915059-sub000/internal/storage"
	"github.com/fengjnw/10-health-33915059-sub000/internal/token"
)

// ErrInvalidCredentials はユーザー名またはパスワードが誤っている場合のエラーです。
var ErrInvalidCredentials = errors.New("invalid username or password")

// UserRepository は認証に必要なユーザー操作です。
type UserRepository interface {
	CreateUser(ctx context.Context, u *models.User) error
	GetUserByID(ctx context.Context, id int64) (*models.User, error)
	GetUserByUsername(ctx context.Context, username string) (*models.User, error)
	GetUserByEmail(ctx context.Context, email string) (*models.User, error)
}

// Manager は認証処理と依存関係をまとめた構造体です。
type Manager struct {
	users   UserRepository
	tokens  *token.Issuer
	audit   *audit.Logger
	metrics *metrics.Metrics
	logger  *zap.Logger
	now     func() time.Time
}

// NewManager は認証マネージャーを作成します。
func NewManager(users UserRepository, tokens *token.Issuer, a *audit.Logger, m *metrics.Metrics, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{
		users:   users,
		tokens:  tokens,
		audit:   a,
		metrics: m,
		logger:  log.Named("auth"),
		now:     time.Now,
	}
}

// Authenticate はユーザー名またはメールアドレスとパスワードを検証します。
// ユーザーが存在しない場合もハッシュ比較を行い、応答時間を揃えます。
func (m *Manager) Authenticate(ctx context.Context, login, plain string) (*models.User, string, error) {
	login = strings.TrimSpace(login)
	var (
		u   *models.User
		err error
	)
	if strings.Contains(login, "@") {
		u, err = m.users.GetUserByEmail(ctx, login)
	} else {
		u, err = m.users.GetUserByUsername(ctx, login)
	}
	switch {
	case errors.Is(err, storage.ErrNotFound):
		password.VerifyDummy(plain)
		return nil, "unknown user", ErrInvalidCredentials
	case err != nil:
		return nil, "", apperror.Server(err)
	}
	if !password.Verify(u.PasswordHash, plain) {
		return nil, "invalid password", ErrInvalidCredentials
	}
	return u, "", nil
}

// RegisterInput は新規登録の入力です。
type RegisterInput struct {
	Username  string `json:"username" form:"username" binding:"required,username"`
	Email     string `json:"email" form:"email" binding:"required,email,max=255"`
	Password  string `json:"password" form:"password" binding:"required"`
	FirstName string `json:"first_name" form:"first_name" binding:"max=50"`
	LastName  string `json:"last_name" form:"last_name" binding:"max=50"`
}

// CreateUser はユーザーを作成します。ユーザー名・メールアドレスの重複は Conflict エラーです。
func (m *Manager) CreateUser(ctx context.Context, in RegisterInput) (*models.User, error) {
	if err := password.Validate(in.Password); err != nil {
		return nil, apperror.Validation(err.Error(), "password")
	}
	hash, err := password.Hash(in.Password)
	if err != nil {
		return nil, apperror.Server(err)
	}
	u := &models.User{
		Username:     strings.TrimSpace(in.Username),
		Email:        strings.ToLower(strings.TrimSpace(in.Email)),
		PasswordHash: hash,
		FirstName:    strings.TrimSpace(in.FirstName),
		LastName:     strings.TrimSpace(in.LastName),
	}
	if err := m.users.CreateUser(ctx, u); err != nil {
		if field, ok := storage.DuplicateField(err); ok {
			return nil, apperror.Conflict(duplicateMessage(field), field)
		}
		return nil, apperror.Server(err)
	}
	return u, nil
}

func duplicateMessage(field string) string {
	switch field {
	case "email":
		return "Email is already registered"
	case "username":
		return "Username is already taken"
	default:
		return "Account already exists"
	}
}

// EnsureAdmin は管理者ユーザーが存在しなければ作成します。起動時に一度だけ呼び出します。
func (m *Manager) EnsureAdmin(ctx context.Context, username, email, plain string) error {
	if username == "" || plain == "" {
		return nil
	}
	if _, err := m.users.GetUserByUsername(ctx, username); err == nil {
		return nil
	} else if !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	hash, err := password.Hash(plain)
	if err != nil {
		return err
	}
	u := &models.User{Username: username, Email: strings.ToLower(email), PasswordHash: hash, IsAdmin: true}
	if err := m.users.CreateUser(ctx, u); err != nil {
		return err
	}
	m.logger.Info("admin user created", zap.String("username", username))
	return nil
}
