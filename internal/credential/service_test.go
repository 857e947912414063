package credential

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/stridesync/internal/metrics"
	"github.com/hitoshi/stridesync/internal/model"
	"github.com/hitoshi/stridesync/internal/strava"
)

// --- モック定義 ---

// mockCredentialStore はスレッドセーフなインメモリのCredentialリポジトリ。
type mockCredentialStore struct {
	mu    sync.Mutex
	creds map[int64]*model.Credential

	findErr   error
	upsertErr error
}

func newMockCredentialStore() *mockCredentialStore {
	return &mockCredentialStore{creds: make(map[int64]*model.Credential)}
}

func (m *mockCredentialStore) FindByAthleteID(ctx context.Context, athleteID int64) (*model.Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.findErr != nil {
		return nil, m.findErr
	}
	cred, ok := m.creds[athleteID]
	if !ok {
		return nil, nil
	}
	copied := *cred
	return &copied, nil
}

func (m *mockCredentialStore) Upsert(ctx context.Context, cred *model.Credential) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.upsertErr != nil {
		return m.upsertErr
	}
	copied := *cred
	m.creds[cred.AthleteID] = &copied
	return nil
}

func (m *mockCredentialStore) PurgeAthlete(ctx context.Context, athleteID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.creds, athleteID)
	return nil
}

type mockTokenProvider struct {
	exchangeFunc func(ctx context.Context, code string) (*strava.TokenGrant, error)
	refreshFunc  func(ctx context.Context, refreshToken string) (*strava.TokenGrant, error)
	refreshCalls atomic.Int32
}

func (m *mockTokenProvider) ExchangeCode(ctx context.Context, code string) (*strava.TokenGrant, error) {
	return m.exchangeFunc(ctx, code)
}

func (m *mockTokenProvider) Refresh(ctx context.Context, refreshToken string) (*strava.TokenGrant, error) {
	m.refreshCalls.Add(1)
	return m.refreshFunc(ctx, refreshToken)
}

func newTestCollector() *metrics.Collector {
	return metrics.NewCollector(prometheus.NewRegistry())
}

// --- テスト ---

func TestExchangeAuthorizationCode_StoresCredential(t *testing.T) {
	store := newMockCredentialStore()
	provider := &mockTokenProvider{
		exchangeFunc: func(ctx context.Context, code string) (*strava.TokenGrant, error) {
			return &strava.TokenGrant{
				AthleteID:    42,
				AccessToken:  "at-1",
				RefreshToken: "rt-1",
				ExpiresAt:    time.Now().Add(6 * time.Hour),
				Scope:        "activity:read_all",
			}, nil
		},
	}

	svc := NewService(store, provider, newTestCollector())

	cred, err := svc.ExchangeAuthorizationCode(context.Background(), "code-1")
	if err != nil {
		t.Fatalf("ExchangeAuthorizationCode failed: %v", err)
	}
	if cred.AthleteID != 42 {
		t.Errorf("athlete id = %d, want 42", cred.AthleteID)
	}

	stored, _ := store.FindByAthleteID(context.Background(), 42)
	if stored == nil {
		t.Fatal("expected credential to be stored")
	}
	if stored.AccessToken != "at-1" || stored.RefreshToken != "rt-1" {
		t.Errorf("unexpected stored tokens: %+v", stored)
	}
}

func TestGetValidAccessToken_NotConnected(t *testing.T) {
	svc := NewService(newMockCredentialStore(), &mockTokenProvider{}, newTestCollector())

	_, err := svc.GetValidAccessToken(context.Background(), 42)
	if !errors.Is(err, model.ErrNotConnected) {
		t.Errorf("expected ErrNotConnected, got %v", err)
	}
}

// 有効期限まで余裕のあるトークンはリフレッシュせずそのまま返すことを検証
func TestGetValidAccessToken_FreshToken_NoRefresh(t *testing.T) {
	store := newMockCredentialStore()
	store.Upsert(context.Background(), &model.Credential{
		AthleteID:    42,
		AccessToken:  "at-fresh",
		RefreshToken: "rt-1",
		ExpiresAt:    time.Now().Add(time.Hour),
	})

	provider := &mockTokenProvider{
		refreshFunc: func(ctx context.Context, refreshToken string) (*strava.TokenGrant, error) {
			t.Error("refresh must not be called for a fresh token")
			return nil, nil
		},
	}

	svc := NewService(store, provider, newTestCollector())

	token, err := svc.GetValidAccessToken(context.Background(), 42)
	if err != nil {
		t.Fatalf("GetValidAccessToken failed: %v", err)
	}
	if token != "at-fresh" {
		t.Errorf("token = %s, want at-fresh", token)
	}
}

// 有効期限60秒前を過ぎたトークンはリフレッシュされることを検証
func TestGetValidAccessToken_WithinMargin_Refreshes(t *testing.T) {
	tests := []struct {
		name        string
		expiresIn   time.Duration
		wantRefresh bool
	}{
		{"expired", -time.Minute, true},
		{"expires in 30s", 30 * time.Second, true},
		{"expires in 59s", 59 * time.Second, true},
		{"expires in 90s", 90 * time.Second, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newMockCredentialStore()
			store.Upsert(context.Background(), &model.Credential{
				AthleteID:    42,
				AccessToken:  "at-old",
				RefreshToken: "rt-old",
				ExpiresAt:    time.Now().Add(tt.expiresIn),
			})

			provider := &mockTokenProvider{
				refreshFunc: func(ctx context.Context, refreshToken string) (*strava.TokenGrant, error) {
					return &strava.TokenGrant{
						AccessToken:  "at-new",
						RefreshToken: "rt-new",
						ExpiresAt:    time.Now().Add(6 * time.Hour),
					}, nil
				},
			}

			svc := NewService(store, provider, newTestCollector())

			token, err := svc.GetValidAccessToken(context.Background(), 42)
			if err != nil {
				t.Fatalf("GetValidAccessToken failed: %v", err)
			}

			if tt.wantRefresh {
				if token != "at-new" {
					t.Errorf("token = %s, want at-new", token)
				}
				if provider.refreshCalls.Load() != 1 {
					t.Errorf("refresh calls = %d, want 1", provider.refreshCalls.Load())
				}
				// 書き戻しの検証
				stored, _ := store.FindByAthleteID(context.Background(), 42)
				if stored.RefreshToken != "rt-new" {
					t.Errorf("stored refresh token = %s, want rt-new", stored.RefreshToken)
				}
				if stored.AthleteID != 42 {
					t.Errorf("stored athlete id = %d, want 42", stored.AthleteID)
				}
			} else {
				if token != "at-old" {
					t.Errorf("token = %s, want at-old", token)
				}
				if provider.refreshCalls.Load() != 0 {
					t.Errorf("refresh calls = %d, want 0", provider.refreshCalls.Load())
				}
			}
		})
	}
}

// 並行して失効トークンを要求しても外部へのリフレッシュ要求は1回のみであることを検証
func TestGetValidAccessToken_ConcurrentRefresh_SingleFlight(t *testing.T) {
	store := newMockCredentialStore()
	store.Upsert(context.Background(), &model.Credential{
		AthleteID:    42,
		AccessToken:  "at-old",
		RefreshToken: "rt-old",
		ExpiresAt:    time.Now().Add(-time.Minute),
	})

	provider := &mockTokenProvider{
		refreshFunc: func(ctx context.Context, refreshToken string) (*strava.TokenGrant, error) {
			// リフレッシュ要求の重なりを検出しやすくする
			time.Sleep(10 * time.Millisecond)
			return &strava.TokenGrant{
				AccessToken:  "at-new",
				RefreshToken: "rt-new",
				ExpiresAt:    time.Now().Add(6 * time.Hour),
			}, nil
		},
	}

	svc := NewService(store, provider, newTestCollector())

	const workers = 10
	var wg sync.WaitGroup
	tokens := make([]string, workers)
	errs := make([]error, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tokens[i], errs[i] = svc.GetValidAccessToken(context.Background(), 42)
		}(i)
	}
	wg.Wait()

	for i := 0; i < workers; i++ {
		if errs[i] != nil {
			t.Fatalf("worker %d failed: %v", i, errs[i])
		}
		if tokens[i] != "at-new" {
			t.Errorf("worker %d token = %s, want at-new", i, tokens[i])
		}
	}
	if got := provider.refreshCalls.Load(); got != 1 {
		t.Errorf("refresh calls = %d, want 1", got)
	}
}

// invalid_grantでのリフレッシュ失敗はErrReauthRequiredになり、
// Credential行は残ることを検証
func TestGetValidAccessToken_InvalidGrant_ReauthRequired(t *testing.T) {
	store := newMockCredentialStore()
	store.Upsert(context.Background(), &model.Credential{
		AthleteID:    42,
		AccessToken:  "at-old",
		RefreshToken: "rt-revoked",
		ExpiresAt:    time.Now().Add(-time.Minute),
	})

	provider := &mockTokenProvider{
		refreshFunc: func(ctx context.Context, refreshToken string) (*strava.TokenGrant, error) {
			return nil, &strava.ProviderError{
				StatusCode: 400,
				Body:       `{"errors":[{"code":"invalid_grant"}]}`,
			}
		},
	}

	svc := NewService(store, provider, newTestCollector())

	_, err := svc.GetValidAccessToken(context.Background(), 42)
	if !errors.Is(err, model.ErrReauthRequired) {
		t.Fatalf("expected ErrReauthRequired, got %v", err)
	}

	// 行は削除されない
	stored, _ := store.FindByAthleteID(context.Background(), 42)
	if stored == nil {
		t.Fatal("credential row must survive an invalid_grant refresh failure")
	}
}

// invalid_grant以外のリフレッシュ失敗はそのまま伝搬することを検証
func TestGetValidAccessToken_TransientRefreshFailure(t *testing.T) {
	store := newMockCredentialStore()
	store.Upsert(context.Background(), &model.Credential{
		AthleteID:    42,
		AccessToken:  "at-old",
		RefreshToken: "rt-1",
		ExpiresAt:    time.Now().Add(-time.Minute),
	})

	provider := &mockTokenProvider{
		refreshFunc: func(ctx context.Context, refreshToken string) (*strava.TokenGrant, error) {
			return nil, strava.ErrProviderUnavailable
		},
	}

	svc := NewService(store, provider, newTestCollector())

	_, err := svc.GetValidAccessToken(context.Background(), 42)
	if !errors.Is(err, strava.ErrProviderUnavailable) {
		t.Errorf("expected ErrProviderUnavailable, got %v", err)
	}
	if errors.Is(err, model.ErrReauthRequired) {
		t.Error("transient failure must not be classified as reauth required")
	}
}
