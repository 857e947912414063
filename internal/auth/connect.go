package auth

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/stridesync/internal/model"
	"github.com/hitoshi/stridesync/internal/repository"
)

// providerName は現時点で唯一の連携先プロバイダー。
// identity_linksテーブルは複数プロバイダーを前提とした構造だが、
// 実装はStravaのみを扱う。
const providerName = "strava"

// CodeExchanger は認可コード交換のインターフェース。
// Token Refresh Engineの部分集合として定義する。
type CodeExchanger interface {
	// ExchangeAuthorizationCode は認可コードをトークンに交換し、
	// Credentialを永続化して返す。
	ExchangeAuthorizationCode(ctx context.Context, code string) (*model.Credential, error)
}

// AccessTokenSource は有効なアクセストークンの取得インターフェース。
type AccessTokenSource interface {
	GetValidAccessToken(ctx context.Context, athleteID int64) (string, error)
}

// ProviderRevoker はプロバイダー側の認可取り消しインターフェース。
type ProviderRevoker interface {
	// AuthorizeURL はプロバイダーの認可URLを生成する。
	AuthorizeURL(state string) string
	// Deauthorize はアクセストークンの認可を取り消す。
	Deauthorize(ctx context.Context, accessToken string) error
}

// ConnectionStatus はStrava連携の状態を表す。
type ConnectionStatus struct {
	Connected bool
	AthleteID int64
}

// ConnectService はStravaアカウント連携のビジネスロジックを提供する。
// OAuth試行ごとの状態遷移:
// Initiated（state発行）→ CallbackReceived → Verified（state一致）
// → Exchanged（トークン取得）→ Linked（identity UPSERT）| Failed。
// stateの発行・照合はCookieを介してハンドラー層が担う。
type ConnectService struct {
	identRepo repository.IdentityLinkRepository
	credRepo  repository.CredentialRepository
	exchanger CodeExchanger
	tokens    AccessTokenSource
	provider  ProviderRevoker
}

// NewConnectService はConnectServiceを生成する。
func NewConnectService(
	identRepo repository.IdentityLinkRepository,
	credRepo repository.CredentialRepository,
	exchanger CodeExchanger,
	tokens AccessTokenSource,
	provider ProviderRevoker,
) *ConnectService {
	return &ConnectService{
		identRepo: identRepo,
		credRepo:  credRepo,
		exchanger: exchanger,
		tokens:    tokens,
		provider:  provider,
	}
}

// AuthorizeURL はプロバイダーの認可URLを生成する。
func (s *ConnectService) AuthorizeURL(state string) string {
	return s.provider.AuthorizeURL(state)
}

// HandleCallback は検証済みのOAuthコールバックを処理する。
// 認可コードを交換してCredentialを保存し、identity linkをUPSERTする。
// 同じアスリートIDが別のローカルユーザーに紐付いていた場合は上書きされる
// （last-write-wins。アカウント復旧を意図した仕様上の選択で、
// 以前の所有者は暗黙にアクセスを失う）。
func (s *ConnectService) HandleCallback(ctx context.Context, userID, code string) (int64, error) {
	cred, err := s.exchanger.ExchangeAuthorizationCode(ctx, code)
	if err != nil {
		return 0, fmt.Errorf("failed to exchange authorization code: %w", err)
	}

	now := time.Now()
	if err := s.identRepo.Upsert(ctx, &model.IdentityLink{
		ID:             uuid.New().String(),
		UserID:         userID,
		Provider:       providerName,
		ProviderUserID: cred.AthleteID,
		CreatedAt:      now,
	}); err != nil {
		return 0, fmt.Errorf("failed to upsert identity link: %w", err)
	}

	slog.Info("strava account linked",
		slog.String("user_id", userID),
		slog.Int64("athlete_id", cred.AthleteID),
	)

	return cred.AthleteID, nil
}

// Status は指定ユーザーのStrava連携状態を返す。
func (s *ConnectService) Status(ctx context.Context, userID string) (*ConnectionStatus, error) {
	link, err := s.identRepo.FindByUserAndProvider(ctx, userID, providerName)
	if err != nil {
		return nil, fmt.Errorf("failed to find identity link: %w", err)
	}
	if link == nil {
		return &ConnectionStatus{}, nil
	}

	return &ConnectionStatus{
		Connected: true,
		AthleteID: link.ProviderUserID,
	}, nil
}

// AthleteIDForUser は指定ユーザーに紐付くアスリートIDを返す。
// 未連携の場合はmodel.ErrNotConnectedを返す。
func (s *ConnectService) AthleteIDForUser(ctx context.Context, userID string) (int64, error) {
	link, err := s.identRepo.FindByUserAndProvider(ctx, userID, providerName)
	if err != nil {
		return 0, fmt.Errorf("failed to find identity link: %w", err)
	}
	if link == nil {
		return 0, model.ErrNotConnected
	}
	return link.ProviderUserID, nil
}

// Deauthorize は指定ユーザーのStrava連携を解除する。
// プロバイダー側の取り消しはベストエフォート（失敗してもログのみで続行）。
// ローカルデータの削除（identity link・キャッシュ・Credential）は
// 単一トランザクションで不可分に行われる。
func (s *ConnectService) Deauthorize(ctx context.Context, userID string) error {
	link, err := s.identRepo.FindByUserAndProvider(ctx, userID, providerName)
	if err != nil {
		return fmt.Errorf("failed to find identity link: %w", err)
	}
	if link == nil {
		return model.ErrNotConnected
	}

	athleteID := link.ProviderUserID

	// プロバイダー側の取り消し。トークンが取得できない・取り消しに失敗しても
	// ローカル削除は続行する。
	accessToken, err := s.tokens.GetValidAccessToken(ctx, athleteID)
	if err != nil {
		slog.Warn("could not obtain access token for revocation, proceeding with local purge",
			slog.Int64("athlete_id", athleteID),
			slog.String("error", err.Error()),
		)
	} else if err := s.provider.Deauthorize(ctx, accessToken); err != nil {
		slog.Warn("provider deauthorization failed, proceeding with local purge",
			slog.Int64("athlete_id", athleteID),
			slog.String("error", err.Error()),
		)
	}

	if err := s.credRepo.PurgeAthlete(ctx, athleteID); err != nil {
		return fmt.Errorf("failed to purge athlete data: %w", err)
	}

	slog.Info("strava account deauthorized",
		slog.String("user_id", userID),
		slog.Int64("athlete_id", athleteID),
	)

	return nil
}
