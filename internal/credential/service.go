// Package credential はOAuthトークンのライフサイクル管理を提供する。
// Credentialの書き込みはすべてこのパッケージを経由する。
package credential

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hitoshi/stridesync/internal/metrics"
	"github.com/hitoshi/stridesync/internal/model"
	"github.com/hitoshi/stridesync/internal/repository"
	"github.com/hitoshi/stridesync/internal/strava"
)

// refreshMargin は有効期限前にリフレッシュを開始するマージン。
// 取得したトークンが後続のAPI呼び出し中に失効するのを防ぐ。
const refreshMargin = 60 * time.Second

// TokenProvider はプロバイダーのトークンエンドポイント操作のインターフェース。
type TokenProvider interface {
	ExchangeCode(ctx context.Context, code string) (*strava.TokenGrant, error)
	Refresh(ctx context.Context, refreshToken string) (*strava.TokenGrant, error)
}

// Service はトークンの交換・リフレッシュ・取得を提供する。
// アスリートごとのミューテックスでリフレッシュを直列化し、
// 同時に失効へ達した複数の呼び出しでも外部へのリフレッシュ要求は1回に抑える。
type Service struct {
	repo     repository.CredentialRepository
	provider TokenProvider
	metrics  metrics.MetricsCollector

	locksMu sync.RWMutex
	locks   map[int64]*sync.Mutex
}

// NewService はServiceを生成する。
func NewService(repo repository.CredentialRepository, provider TokenProvider, collector metrics.MetricsCollector) *Service {
	return &Service{
		repo:     repo,
		provider: provider,
		metrics:  collector,
		locks:    make(map[int64]*sync.Mutex),
	}
}

// ExchangeAuthorizationCode は認可コードをトークンに交換し、
// 返却されたathlete idをキーにCredentialをUPSERTする。
func (s *Service) ExchangeAuthorizationCode(ctx context.Context, code string) (*model.Credential, error) {
	grant, err := s.provider.ExchangeCode(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("failed to exchange authorization code: %w", err)
	}

	cred := &model.Credential{
		AthleteID:    grant.AthleteID,
		AccessToken:  grant.AccessToken,
		RefreshToken: grant.RefreshToken,
		ExpiresAt:    grant.ExpiresAt,
		Scope:        grant.Scope,
		UpdatedAt:    time.Now(),
	}
	if err := s.repo.Upsert(ctx, cred); err != nil {
		return nil, fmt.Errorf("failed to store credential: %w", err)
	}

	slog.Info("credential stored", slog.Int64("athlete_id", grant.AthleteID))
	return cred, nil
}

// GetValidAccessToken は指定アスリートの有効なアクセストークンを返す。
// 有効期限の60秒前を過ぎていればリフレッシュして書き戻す。
// Credentialが存在しない場合はmodel.ErrNotConnected、
// リフレッシュトークンが失効している場合はmodel.ErrReauthRequiredを返す。
func (s *Service) GetValidAccessToken(ctx context.Context, athleteID int64) (string, error) {
	cred, err := s.repo.FindByAthleteID(ctx, athleteID)
	if err != nil {
		return "", fmt.Errorf("failed to find credential: %w", err)
	}
	if cred == nil {
		return "", model.ErrNotConnected
	}

	if !cred.ExpiresWithin(time.Now(), refreshMargin) {
		return cred.AccessToken, nil
	}

	lock := s.athleteLock(athleteID)
	lock.Lock()
	defer lock.Unlock()

	// ロック待機中に別の呼び出しがリフレッシュを終えている場合がある
	cred, err = s.repo.FindByAthleteID(ctx, athleteID)
	if err != nil {
		return "", fmt.Errorf("failed to find credential: %w", err)
	}
	if cred == nil {
		return "", model.ErrNotConnected
	}
	if !cred.ExpiresWithin(time.Now(), refreshMargin) {
		return cred.AccessToken, nil
	}

	return s.refresh(ctx, cred)
}

// refresh はCredentialをリフレッシュして書き戻す。athleteLockを保持して呼ぶこと。
// invalid_grant時はCredential行を残したままErrReauthRequiredを返す
// （再連携までの間、連携していた事実を失わないため）。
func (s *Service) refresh(ctx context.Context, cred *model.Credential) (string, error) {
	grant, err := s.provider.Refresh(ctx, cred.RefreshToken)
	if err != nil {
		s.metrics.RecordTokenRefresh(false)
		if strava.IsInvalidGrant(err) {
			slog.Warn("refresh token revoked, reauthorization required",
				slog.Int64("athlete_id", cred.AthleteID),
			)
			return "", model.ErrReauthRequired
		}
		return "", fmt.Errorf("failed to refresh token: %w", err)
	}

	updated := &model.Credential{
		AthleteID:    cred.AthleteID, // リフレッシュレスポンスにathleteは含まれない
		AccessToken:  grant.AccessToken,
		RefreshToken: grant.RefreshToken,
		ExpiresAt:    grant.ExpiresAt,
		Scope:        cred.Scope,
		UpdatedAt:    time.Now(),
	}
	if err := s.repo.Upsert(ctx, updated); err != nil {
		s.metrics.RecordTokenRefresh(false)
		return "", fmt.Errorf("failed to store refreshed credential: %w", err)
	}

	s.metrics.RecordTokenRefresh(true)
	slog.Info("access token refreshed", slog.Int64("athlete_id", cred.AthleteID))
	return updated.AccessToken, nil
}

// athleteLock はアスリートごとのリフレッシュ用ミューテックスを取得または作成する。
func (s *Service) athleteLock(athleteID int64) *sync.Mutex {
	s.locksMu.RLock()
	lock, exists := s.locks[athleteID]
	s.locksMu.RUnlock()

	if exists {
		return lock
	}

	s.locksMu.Lock()
	defer s.locksMu.Unlock()

	// ダブルチェック
	if lock, exists := s.locks[athleteID]; exists {
		return lock
	}

	lock = &sync.Mutex{}
	s.locks[athleteID] = lock
	return lock
}
