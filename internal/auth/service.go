// Package auth はパスワードレス認証フロー、セッション管理、
// Stravaアカウント連携を提供する。
package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/stridesync/internal/model"
	"github.com/hitoshi/stridesync/internal/repository"
)

// emailPattern はログインに使用するメールアドレスの形式検証。
// 厳密なRFC準拠は狙わず、明らかな入力ミスだけを弾く。
var emailPattern = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)

// LoginMailer はマジックリンクメールの送信インターフェース。
// 外部メールAPIクライアントの抽象化。
type LoginMailer interface {
	// SendLoginLink は単回利用のログインURLを含むメールを送信する。
	SendLoginLink(ctx context.Context, email, link string) error
}

// ServiceConfig は認証サービスの設定。
type ServiceConfig struct {
	ServerBaseURL string        // マジックリンクのコールバックURL生成用
	LoginTokenTTL time.Duration // ログイントークンの有効期間
}

// Service はパスワードレス認証に関するビジネスロジックを提供する。
type Service struct {
	userRepo  repository.UserRepository
	tokenRepo repository.LoginTokenRepository
	sessions  *SessionManager
	mailer    LoginMailer
	config    ServiceConfig
}

// NewService はServiceを生成する。
func NewService(
	userRepo repository.UserRepository,
	tokenRepo repository.LoginTokenRepository,
	sessions *SessionManager,
	mailer LoginMailer,
	config ServiceConfig,
) *Service {
	if config.LoginTokenTTL <= 0 {
		config.LoginTokenTTL = 15 * time.Minute
	}
	return &Service{
		userRepo:  userRepo,
		tokenRepo: tokenRepo,
		sessions:  sessions,
		mailer:    mailer,
		config:    config,
	}
}

// StartEmailLogin はパスワードレスログインを開始する。
// ユーザー行を冪等に作成し、単回利用のログイントークンを発行して
// コールバックURLをメールで送信する。
// メール送信は待機して失敗を伝搬する（送信失敗の握り潰しを避ける）。
// 成否はメールアドレスの登録有無を漏らさない形で返す。
func (s *Service) StartEmailLogin(ctx context.Context, email string) error {
	normalized := strings.ToLower(strings.TrimSpace(email))
	if !emailPattern.MatchString(normalized) {
		return model.NewValidationError("メールアドレスの形式が正しくありません")
	}

	user, err := s.userRepo.UpsertByEmail(ctx, &model.User{
		ID:        uuid.New().String(),
		Email:     normalized,
		CreatedAt: time.Now(),
	})
	if err != nil {
		return fmt.Errorf("failed to upsert user: %w", err)
	}

	token, err := generateLoginToken()
	if err != nil {
		return fmt.Errorf("failed to generate login token: %w", err)
	}

	now := time.Now()
	if err := s.tokenRepo.Create(ctx, &model.LoginToken{
		Token:     token,
		Email:     normalized,
		ExpiresAt: now.Add(s.config.LoginTokenTTL),
		CreatedAt: now,
	}); err != nil {
		return fmt.Errorf("failed to create login token: %w", err)
	}

	link := s.config.ServerBaseURL + "/auth/email/callback?token=" + token
	if err := s.mailer.SendLoginLink(ctx, normalized, link); err != nil {
		return fmt.Errorf("failed to send login mail: %w", err)
	}

	slog.Info("login mail dispatched", slog.String("user_id", user.ID))
	return nil
}

// CompleteEmailLogin はマジックリンクのトークンを消費してセッションを発行する。
// トークンの消費とセッション発行は1回のログインとして扱われ、
// 同一トークンで成功するのは並行リクエスト下でも必ず1回のみ
// （消費のアトミック性はリポジトリ層の条件付きUPDATEが保証する）。
// 失敗時はmodel.ErrTokenNotFound / ErrTokenExpired / ErrTokenAlreadyUsedを返す。
func (s *Service) CompleteEmailLogin(ctx context.Context, token string) (*model.User, string, error) {
	email, err := s.tokenRepo.Consume(ctx, token)
	if err != nil {
		return nil, "", err
	}

	// トークン作成時にユーザーはUPSERT済みだが、冪等UPSERTで再取得する
	user, err := s.userRepo.UpsertByEmail(ctx, &model.User{
		ID:        uuid.New().String(),
		Email:     email,
		CreatedAt: time.Now(),
	})
	if err != nil {
		return nil, "", fmt.Errorf("failed to load user: %w", err)
	}

	session, err := s.sessions.Issue(user.ID)
	if err != nil {
		return nil, "", fmt.Errorf("failed to issue session: %w", err)
	}

	slog.Info("email login completed", slog.String("user_id", user.ID))
	return user, session, nil
}

// ValidateSession はセッショントークンを検証してユーザーIDを返す。
func (s *Service) ValidateSession(token string) (string, error) {
	return s.sessions.Validate(token)
}

// generateLoginToken は暗号的に安全な256bitのログイントークンを生成する。
func generateLoginToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
