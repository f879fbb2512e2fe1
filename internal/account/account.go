// Package account はログイン後のアカウント管理（プロフィール・パスワード・メールアドレス・退会）と
// パスワード再設定を提供します。確認コードはメールで送り、セッション状態で次の手順を待ちます。
package account

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fengjnw/10-health-33915059-sub000/internal/apperror"
	"github.com/fengjnw/10-health-33915059-sub000/internal/jobs"
	"github.com/fengjnw/10-health-33915059-sub000/internal/mailer"
	"github.com/fengjnw/10-health-33915059-sub000/internal/models"
	"github.com/fengjnw/10-health-33915059-sub000/internal/password"
	"github.com/fengjnw/10-health-33915059-sub000/internal/storage"
)

// Repository はアカウント管理に必要な永続化操作です。
type Repository interface {
	GetUserByID(ctx context.Context, id int64) (*models.User, error)
	GetUserByEmail(ctx context.Context, email string) (*models.User, error)
	UpdateProfile(ctx context.Context, id int64, firstName, lastName string) error
	UpdatePassword(ctx context.Context, id int64, passwordHash string) error
	UpdateEmail(ctx context.Context, id int64, email string) error
	DeleteUser(ctx context.Context, id int64) error
	CreateVerification(ctx context.Context, v *models.EmailVerification) error
	ConsumeVerification(ctx context.Context, userID int64, purpose models.VerificationPurpose, code string) (*models.EmailVerification, error)
}

var errInvalidCode = apperror.Validation("Invalid or expired verification code", "code")

// Service はアカウント管理の処理をまとめます。
type Service struct {
	repo   Repository
	mail   jobs.Dispatcher
	logger *zap.Logger
	now    func() time.Time
	code   func() (string, error)
}

// NewService は Service を作成します。
func NewService(repo Repository, mail jobs.Dispatcher, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		repo:   repo,
		mail:   mail,
		logger: log.Named("account"),
		now:    time.Now,
		code:   generateCode,
	}
}

// generateCode は6桁の数字の確認コードを生成します。
func generateCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1_000_000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}

func (s *Service) user(ctx context.Context, id int64) (*models.User, error) {
	u, err := s.repo.GetUserByID(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, apperror.Authentication("Authentication required")
	}
	if err != nil {
		return nil, apperror.Server(err)
	}
	return u, nil
}

// UpdateProfile は氏名を更新し、更新前後のユーザーを返します。
func (s *Service) UpdateProfile(ctx context.Context, id int64, firstName, lastName *string) (before, after *models.User, err error) {
	before, err = s.user(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	next := *before
	if firstName != nil {
		next.FirstName = strings.TrimSpace(*firstName)
	}
	if lastName != nil {
		next.LastName = strings.TrimSpace(*lastName)
	}
	if err := s.repo.UpdateProfile(ctx, id, next.FirstName, next.LastName); err != nil {
		return nil, nil, apperror.Server(err)
	}
	return before, &next, nil
}

// ChangePassword は現在のパスワードを確認してから新しいパスワードに変更します。
func (s *Service) ChangePassword(ctx context.Context, id int64, current, next string) error {
	u, err := s.user(ctx, id)
	if err != nil {
		return err
	}
	if !password.Verify(u.PasswordHash, current) {
		return apperror.Validation("Current password is incorrect", "current_password")
	}
	return s.setPassword(ctx, id, next)
}

func (s *Service) setPassword(ctx context.Context, id int64, plain string) error {
	if err := password.Validate(plain); err != nil {
		return apperror.Validation(err.Error(), "new_password")
	}
	hash, err := password.Hash(plain)
	if err != nil {
		return apperror.Server(err)
	}
	if err := s.repo.UpdatePassword(ctx, id, hash); err != nil {
		return apperror.Server(err)
	}
	return nil
}

// issue は確認コードを発行して送信を依頼します。
func (s *Service) issue(ctx context.Context, userID int64, purpose models.VerificationPurpose, to, newEmail string) (*models.EmailVerification, error) {
	code, err := s.code()
	if err != nil {
		return nil, apperror.Server(err)
	}
	v := &models.EmailVerification{
		UserID:    userID,
		Purpose:   purpose,
		NewEmail:  newEmail,
		Code:      code,
		ExpiresAt: s.now().Add(models.VerificationTTL),
	}
	if err := s.repo.CreateVerification(ctx, v); err != nil {
		return nil, apperror.Server(err)
	}
	if err := s.mail.SendMail(ctx, mailer.VerificationMessage(purpose, to, code)); err != nil {
		return nil, apperror.Server(fmt.Errorf("dispatch %s mail: %w", purpose, err))
	}
	s.logger.Debug("verification issued",
		zap.Int64("user_id", userID), zap.String("purpose", string(purpose)), zap.Int64("verification_id", v.ID))
	return v, nil
}

func (s *Service) consume(ctx context.Context, userID int64, purpose models.VerificationPurpose, code string) (*models.EmailVerification, error) {
	v, err := s.repo.ConsumeVerification(ctx, userID, purpose, strings.TrimSpace(code))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, errInvalidCode
	}
	if err != nil {
		return nil, apperror.Server(err)
	}
	return v, nil
}

// RequestEmailChange は新しいメールアドレス宛てに確認コードを送ります。
func (s *Service) RequestEmailChange(ctx context.Context, id int64, newEmail string) (string, error) {
	u, err := s.user(ctx, id)
	if err != nil {
		return "", err
	}
	newEmail = strings.ToLower(strings.TrimSpace(newEmail))
	if newEmail == u.Email {
		return "", apperror.Validation("New email must differ from the current one", "new_email")
	}
	switch _, err := s.repo.GetUserByEmail(ctx, newEmail); {
	case err == nil:
		return "", apperror.Conflict("Email is already registered", "new_email")
	case !errors.Is(err, storage.ErrNotFound):
		return "", apperror.Server(err)
	}
	if _, err := s.issue(ctx, id, models.PurposeEmailChange, newEmail, newEmail); err != nil {
		return "", err
	}
	return newEmail, nil
}

// ConfirmEmailChange はコードを消費してメールアドレスを変更し、変更前後のユーザーを返します。
func (s *Service) ConfirmEmailChange(ctx context.Context, id int64, code string) (before, after *models.User, err error) {
	before, err = s.user(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	v, err := s.consume(ctx, id, models.PurposeEmailChange, code)
	if err != nil {
		return nil, nil, err
	}
	if err := s.repo.UpdateEmail(ctx, id, v.NewEmail); err != nil {
		if _, ok := storage.DuplicateField(err); ok {
			return nil, nil, apperror.Conflict("Email is already registered", "new_email")
		}
		return nil, nil, apperror.Server(err)
	}
	next := *before
	next.Email = v.NewEmail
	return before, &next, nil
}

// RequestDeletion はパスワードを確認し、退会確認コードを現在のメールアドレスへ送ります。
func (s *Service) RequestDeletion(ctx context.Context, id int64, plain string) (*models.User, *models.EmailVerification, error) {
	u, err := s.user(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if !password.Verify(u.PasswordHash, plain) {
		return nil, nil, apperror.Validation("Password is incorrect", "password")
	}
	v, err := s.issue(ctx, id, models.PurposeAccountDeletion, u.Email, "")
	if err != nil {
		return nil, nil, err
	}
	return u, v, nil
}

// ConfirmDeletion はコードを消費してユーザーを削除します。verificationID は依頼時に発行したものと一致する必要があります。
func (s *Service) ConfirmDeletion(ctx context.Context, id, verificationID int64, code string) error {
	v, err := s.consume(ctx, id, models.PurposeAccountDeletion, code)
	if err != nil {
		return err
	}
	if v.ID != verificationID {
		return errInvalidCode
	}
	if err := s.repo.DeleteUser(ctx, id); err != nil {
		return apperror.Server(err)
	}
	return nil
}

// RequestPasswordReset は登録済みのメールアドレスであれば再設定コードを送ります。
// 未登録の場合は nil, nil を返します。
func (s *Service) RequestPasswordReset(ctx context.Context, email string) (*models.User, error) {
	u, err := s.repo.GetUserByEmail(ctx, strings.ToLower(strings.TrimSpace(email)))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, apperror.Server(err)
	}
	if _, err := s.issue(ctx, u.ID, models.PurposePasswordReset, u.Email, ""); err != nil {
		return nil, err
	}
	return u, nil
}

// ConfirmPasswordReset はコードを消費して新しいパスワードを設定します。
func (s *Service) ConfirmPasswordReset(ctx context.Context, id int64, code, next string) (*models.User, error) {
	if err := password.Validate(next); err != nil {
		return nil, apperror.Validation(err.Error(), "new_password")
	}
	u, err := s.repo.GetUserByID(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, errInvalidCode
	}
	if err != nil {
		return nil, apperror.Server(err)
	}
	if _, err := s.consume(ctx, id, models.PurposePasswordReset, code); err != nil {
		return nil, err
	}
	if err := s.setPassword(ctx, id, next); err != nil {
		return nil, err
	}
	return u, nil
}
