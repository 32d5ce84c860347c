package auth

import (
	"context"
	"crypto/rand"
	"database/sql"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"

	"library-backend/internal/notify"
)

var (
	ErrAlreadyExists = errors.New("already exists")
	ErrNotFound      = errors.New("not found")
	ErrAuthFailed    = errors.New("authentication failed")
	ErrInactive      = errors.New("account not activated")
	ErrInvalidCode   = errors.New("invalid verification code")
	ErrCodeExpired   = errors.New("verification code expired")
	ErrInvalidInput  = errors.New("invalid input")
)

// CodeValidity は確認コードの有効期間
const CodeValidity = 24 * time.Hour

type Clock interface{ Now() time.Time }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now().UTC() }

type Service struct {
	store         AccountStore
	notifier      notify.Notifier
	clock         Clock
	secret        []byte
	ttl           time.Duration
	notifyTimeout time.Duration
	log           logrus.FieldLogger
	validate      *validator.Validate
	newCode       func() (string, error)
	onAvailable   func(ctx context.Context, bookID int64)
}

type Option func(*Service)

func WithClock(c Clock) Option { return func(s *Service) { s.clock = c } }
func WithTokenTTL(d time.Duration) Option { return func(s *Service) { s.ttl = d } }
func WithNotifyTimeout(d time.Duration) Option { return func(s *Service) { s.notifyTimeout = d } }

// WithAvailabilityHook はアカウント削除で貸出中のコピーが戻ったときに本ごとに呼ばれる
func WithAvailabilityHook(h func(ctx context.Context, bookID int64)) Option {
	return func(s *Service) { s.onAvailable = h }
}

// NewService: secret は HS256 の署名鍵（config の jwt.secret）
func NewService(conn *sql.DB, n notify.Notifier, secret []byte, log logrus.FieldLogger, opts ...Option) *Service {
	s := &Service{
		store:         NewStore(conn),
		notifier:      n,
		clock:         realClock{},
		secret:        secret,
		ttl:           24 * time.Hour,
		notifyTimeout: 10 * time.Second,
		log:           log,
		validate:      validator.New(),
		newCode:       sixDigitCode,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

type AuthService interface {
	Register(ctx context.Context, req RegisterRequest) (*Account, bool, error)
	Verify(ctx context.Context, req VerifyRequest) (*Account, error)
	Resend(ctx context.Context, email string) (bool, error)
	Login(ctx context.Context, username, password string) (string, error)
	Profile(ctx context.Context, id int64) (*Account, error)
	UpdateProfile(ctx context.Context, id int64, req UpdateProfileRequest) (*Account, error)
	SetRole(ctx context.Context, id int64, role string) (*Account, error)
	Delete(ctx context.Context, id int64) error
}

// Register は無効状態のユーザーを作って確認コードをメールする。
// メール送信に失敗してもユーザーは作成済みで、sent=false を返す（resend で再送できる）
func (s *Service) Register(ctx context.Context, req RegisterRequest) (*Account, bool, error) {
	req.Username = strings.TrimSpace(req.Username)
	req.Email = strings.TrimSpace(req.Email)
	if err := s.validate.Struct(req); err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, false, err
	}

	acct := &Account{
		Username:     req.Username,
		Email:        req.Email,
		PasswordHash: string(hash),
		Role:         RoleUser,
		CreatedAt:    s.clock.Now(),
	}
	if err := s.store.Create(ctx, acct); err != nil {
		return nil, false, err
	}

	sent, err := s.sendCode(ctx, acct)
	if err != nil {
		return nil, false, err
	}
	return acct, sent, nil
}

// Verify はユーザー名 + 6桁コード、またはメール内リンクのトークンで確認する
func (s *Service) Verify(ctx context.Context, req VerifyRequest) (*Account, error) {
	var (
		tok  *VerificationToken
		acct *Account
		err  error
	)
	switch {
	case req.Token != "":
		tok, err = s.store.FindUnusedToken(ctx, req.Token)
		if err != nil {
			return nil, err
		}
		if tok == nil {
			return nil, ErrInvalidCode
		}
		if acct, err = s.store.GetByID(ctx, tok.UserID); err != nil {
			return nil, err
		}
	case req.Username != "" && req.Code != "":
		if acct, err = s.store.GetByUsername(ctx, strings.TrimSpace(req.Username)); err != nil {
			return nil, err
		}
		if acct == nil || acct.IsActive {
			return nil, ErrNotFound
		}
		if tok, err = s.store.FindUnusedCode(ctx, acct.ID, strings.TrimSpace(req.Code)); err != nil {
			return nil, err
		}
		if tok == nil {
			return nil, ErrInvalidCode
		}
	default:
		return nil, ErrInvalidInput
	}
	if acct == nil {
		return nil, ErrNotFound
	}

	if s.clock.Now().Sub(tok.CreatedAt) > CodeValidity {
		return nil, ErrCodeExpired
	}
	if err := s.store.Activate(ctx, tok.ID, acct.ID); err != nil {
		return nil, err
	}
	acct.IsActive = true
	acct.EmailVerified = true
	s.log.WithField("user_id", acct.ID).Info("account verified")
	return acct, nil
}

// Resend は未有効化ユーザーに新しいコードを送る。古い未使用コードは消える
func (s *Service) Resend(ctx context.Context, email string) (bool, error) {
	acct, err := s.store.GetInactiveByEmail(ctx, strings.TrimSpace(email))
	if err != nil {
		return false, err
	}
	if acct == nil {
		return false, ErrNotFound
	}
	return s.sendCode(ctx, acct)
}

func (s *Service) sendCode(ctx context.Context, acct *Account) (bool, error) {
	code, err := s.newCode()
	if err != nil {
		return false, fmt.Errorf("generate code: %w", err)
	}
	tok := &VerificationToken{
		UserID:    acct.ID,
		Token:     uuid.NewString(),
		Code:      code,
		CreatedAt: s.clock.Now(),
	}
	if err := s.store.ReplaceToken(ctx, tok); err != nil {
		return false, err
	}

	subject, body := verificationMessage(acct.Username, tok)
	to := notify.Recipient{UserID: acct.ID, Username: acct.Username, Email: acct.Email}
	sent := notify.Deliver(ctx, s.notifier, s.notifyTimeout, to, subject, body)
	if !sent {
		s.log.WithField("user_id", acct.ID).Warn("verification mail not delivered")
	}
	return sent, nil
}

func (s *Service) Login(ctx context.Context, username, password string) (string, error) {
	acct, err := s.store.GetByUsername(ctx, strings.TrimSpace(username))
	if err != nil {
		return "", err
	}
	if acct == nil {
		return "", ErrAuthFailed
	}
	if err := bcrypt.CompareHashAndPassword([]byte(acct.PasswordHash), []byte(password)); err != nil {
		return "", ErrAuthFailed
	}
	// パスワードが合っているときだけ未有効化を知らせる
	if !acct.IsActive {
		return "", ErrInactive
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":  strconv.FormatInt(acct.ID, 10),
		"role": acct.Role,
		"exp":  s.clock.Now().Add(s.ttl).Unix(),
	})
	return token.SignedString(s.secret)
}

func (s *Service) Profile(ctx context.Context, id int64) (*Account, error) {
	acct, err := s.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if acct == nil {
		return nil, ErrNotFound
	}
	return acct, nil
}

func (s *Service) UpdateProfile(ctx context.Context, id int64, req UpdateProfileRequest) (*Account, error) {
	var p ProfileUpdate
	if req.Username != nil {
		v := strings.TrimSpace(*req.Username)
		if v == "" {
			return nil, ErrInvalidInput
		}
		p.Username = &v
	}
	if req.Email != nil {
		v := strings.TrimSpace(*req.Email)
		if err := s.validate.Var(v, "required,email"); err != nil {
			return nil, ErrInvalidInput
		}
		p.Email = &v
	}
	if req.Phone != nil {
		v := strings.TrimSpace(*req.Phone)
		p.Phone = &v
	}
	if _, err := s.store.UpdateProfile(ctx, id, p); err != nil {
		return nil, err
	}
	// 値が変わらないと MySQL は 0 行を返すので、存在確認は読み直しで行う
	return s.Profile(ctx, id)
}

// SetRole はロール変更の唯一の入口（admin 専用ルートから呼ぶ）
func (s *Service) SetRole(ctx context.Context, id int64, role string) (*Account, error) {
	if role != RoleUser && role != RoleAdmin {
		return nil, ErrInvalidInput
	}
	if _, err := s.store.SetRole(ctx, id, role); err != nil {
		return nil, err
	}
	acct, err := s.Profile(ctx, id)
	if err != nil {
		return nil, err
	}
	s.log.WithFields(logrus.Fields{"user_id": id, "role": role}).Info("role changed")
	return acct, nil
}

func (s *Service) Delete(ctx context.Context, id int64) error {
	n, books, err := s.store.Delete(ctx, id)
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	if len(books) > 0 {
		s.log.WithFields(logrus.Fields{"user_id": id, "books": books}).Info("copies released by account deletion")
	}
	if s.onAvailable != nil {
		for _, b := range books {
			s.onAvailable(ctx, b)
		}
	}
	return nil
}

func sixDigitCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1_000_000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}
