package activity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/stridesync/internal/metrics"
	"github.com/hitoshi/stridesync/internal/model"
	"github.com/hitoshi/stridesync/internal/security"
	"github.com/hitoshi/stridesync/internal/strava"
)

// --- モック定義 ---

// mockActivityStore はアスリート分離を模倣するインメモリのActivityリポジトリ。
type mockActivityStore struct {
	mu   sync.Mutex
	rows map[int64]*model.CachedActivity // activity id -> row
	last map[int64]time.Time             // athlete id -> max(updated_at)
}

func newMockActivityStore() *mockActivityStore {
	return &mockActivityStore{
		rows: make(map[int64]*model.CachedActivity),
		last: make(map[int64]time.Time),
	}
}

func (m *mockActivityStore) seed(athleteID, id int64, updatedAt time.Time, payload string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[id] = &model.CachedActivity{
		ID:        id,
		AthleteID: athleteID,
		Payload:   json.RawMessage(payload),
		UpdatedAt: updatedAt,
	}
	if updatedAt.After(m.last[athleteID]) {
		m.last[athleteID] = updatedAt
	}
}

func (m *mockActivityStore) ListByAthlete(ctx context.Context, athleteID int64, since, until *time.Time, limit, offset int) ([]*model.CachedActivity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.CachedActivity
	for _, row := range m.rows {
		if row.AthleteID == athleteID {
			out = append(out, row)
		}
	}
	return out, nil
}

func (m *mockActivityStore) FindByIDs(ctx context.Context, athleteID int64, ids []int64) ([]*model.CachedActivity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.CachedActivity
	for _, id := range ids {
		if row, ok := m.rows[id]; ok && row.AthleteID == athleteID {
			out = append(out, row)
		}
	}
	return out, nil
}

func (m *mockActivityStore) UpsertBatch(ctx context.Context, activities []*model.CachedActivity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range activities {
		m.rows[a.ID] = a
		if a.UpdatedAt.After(m.last[a.AthleteID]) {
			m.last[a.AthleteID] = a.UpdatedAt
		}
	}
	return nil
}

func (m *mockActivityStore) LastUpdatedAt(ctx context.Context, athleteID int64) (*time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.last[athleteID]; ok {
		return &t, nil
	}
	return nil, nil
}

type staticTokenSource struct {
	err error
}

func (s *staticTokenSource) GetValidAccessToken(ctx context.Context, athleteID int64) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	return "at-1", nil
}

type mockFetcher struct {
	listFunc func(ctx context.Context, accessToken string, page, perPage int, after, before *time.Time) ([]json.RawMessage, error)
	getFunc  func(ctx context.Context, accessToken string, activityID int64) (json.RawMessage, error)
}

func (m *mockFetcher) ListActivities(ctx context.Context, accessToken string, page, perPage int, after, before *time.Time) ([]json.RawMessage, error) {
	if m.listFunc != nil {
		return m.listFunc(ctx, accessToken, page, perPage, after, before)
	}
	return nil, nil
}

func (m *mockFetcher) GetActivity(ctx context.Context, accessToken string, activityID int64) (json.RawMessage, error) {
	if m.getFunc != nil {
		return m.getFunc(ctx, accessToken, activityID)
	}
	return nil, errors.New("not implemented")
}

func newTestService(store *mockActivityStore, tokens TokenSource, fetcher ActivityFetcher) *Service {
	return NewService(
		store,
		tokens,
		fetcher,
		security.NewContentSanitizer(),
		metrics.NewCollector(prometheus.NewRegistry()),
		time.Hour,
	)
}

func activityJSON(id, athleteID int64, name string) string {
	return fmt.Sprintf(`{"id": %d, "name": %q, "sport_type": "Run", "start_date": "2026-08-30T06:00:00Z", "athlete": {"id": %d}, "map": {"summary_polyline": "abc"}}`, id, name, athleteID)
}

// --- テスト ---

// 新鮮なキャッシュからはプロバイダーを呼ばずに返すことを検証
func TestListActivities_FreshCache_NoFetch(t *testing.T) {
	store := newMockActivityStore()
	store.seed(42, 1, time.Now(), activityJSON(1, 42, "Morning Run"))

	fetcher := &mockFetcher{
		listFunc: func(ctx context.Context, accessToken string, page, perPage int, after, before *time.Time) ([]json.RawMessage, error) {
			t.Error("provider must not be called for a fresh cache")
			return nil, nil
		},
	}

	svc := newTestService(store, &staticTokenSource{}, fetcher)

	got, err := svc.ListActivities(context.Background(), 42, nil, nil, 1, 30)
	if err != nil {
		t.Fatalf("ListActivities failed: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 activity, got %d", len(got))
	}
	if got[0].Name != "Morning Run" {
		t.Errorf("name = %s, want Morning Run", got[0].Name)
	}
}

// 他アスリートの行が結果に混ざらないことを検証
func TestListActivities_AthleteIsolation(t *testing.T) {
	store := newMockActivityStore()
	store.seed(42, 1, time.Now(), activityJSON(1, 42, "Mine"))
	store.seed(99, 2, time.Now(), activityJSON(2, 99, "Someone Else"))

	svc := newTestService(store, &staticTokenSource{}, &mockFetcher{})

	got, err := svc.ListActivities(context.Background(), 42, nil, nil, 1, 30)
	if err != nil {
		t.Fatalf("ListActivities failed: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 activity, got %d", len(got))
	}
	if got[0].ID != 1 {
		t.Errorf("id = %d, want 1", got[0].ID)
	}
}

// 古いキャッシュはバックフィルしてから読み直すことを検証
func TestListActivities_StaleCache_Backfills(t *testing.T) {
	store := newMockActivityStore()
	store.seed(42, 1, time.Now().Add(-2*time.Hour), activityJSON(1, 42, "Old Run"))

	fetched := false
	fetcher := &mockFetcher{
		listFunc: func(ctx context.Context, accessToken string, page, perPage int, after, before *time.Time) ([]json.RawMessage, error) {
			if fetched {
				return nil, nil
			}
			fetched = true
			return []json.RawMessage{
				json.RawMessage(activityJSON(1, 42, "Old Run")),
				json.RawMessage(activityJSON(2, 42, "New Run")),
			}, nil
		},
	}

	svc := newTestService(store, &staticTokenSource{}, fetcher)

	got, err := svc.ListActivities(context.Background(), 42, nil, nil, 1, 30)
	if err != nil {
		t.Fatalf("ListActivities failed: %v", err)
	}
	if !fetched {
		t.Error("expected backfill for stale cache")
	}
	if len(got) != 2 {
		t.Errorf("expected 2 activities after backfill, got %d", len(got))
	}
}

// バックフィル失敗時は古いキャッシュで応答することを検証
func TestListActivities_BackfillFails_ServesStale(t *testing.T) {
	store := newMockActivityStore()
	store.seed(42, 1, time.Now().Add(-2*time.Hour), activityJSON(1, 42, "Old Run"))

	fetcher := &mockFetcher{
		listFunc: func(ctx context.Context, accessToken string, page, perPage int, after, before *time.Time) ([]json.RawMessage, error) {
			return nil, errors.New("strava down")
		},
	}

	svc := newTestService(store, &staticTokenSource{}, fetcher)

	got, err := svc.ListActivities(context.Background(), 42, nil, nil, 1, 30)
	if err != nil {
		t.Fatalf("expected stale response, got error: %v", err)
	}
	if len(got) != 1 || got[0].Name != "Old Run" {
		t.Errorf("expected stale cache content, got %+v", got)
	}
}

// キャッシュが空でバックフィルも失敗した場合はエラーを返すことを検証
func TestListActivities_EmptyCacheAndBackfillFails_ReturnsError(t *testing.T) {
	fetchErr := errors.New("strava down")
	fetcher := &mockFetcher{
		listFunc: func(ctx context.Context, accessToken string, page, perPage int, after, before *time.Time) ([]json.RawMessage, error) {
			return nil, fetchErr
		},
	}

	svc := newTestService(newMockActivityStore(), &staticTokenSource{}, fetcher)

	_, err := svc.ListActivities(context.Background(), 42, nil, nil, 1, 30)
	if !errors.Is(err, fetchErr) {
		t.Errorf("expected fetch error, got %v", err)
	}
}

// 未連携アスリートのエラーが伝搬することを検証
func TestListActivities_NotConnected(t *testing.T) {
	svc := newTestService(newMockActivityStore(), &staticTokenSource{err: model.ErrNotConnected}, &mockFetcher{})

	_, err := svc.ListActivities(context.Background(), 42, nil, nil, 1, 30)
	if !errors.Is(err, model.ErrNotConnected) {
		t.Errorf("expected ErrNotConnected, got %v", err)
	}
}

// アクティビティ名がサニタイズされることを検証
func TestListActivities_SanitizesNames(t *testing.T) {
	store := newMockActivityStore()
	store.seed(42, 1, time.Now(), activityJSON(1, 42, `Morning <script>alert(1)</script>Run`))

	svc := newTestService(store, &staticTokenSource{}, &mockFetcher{})

	got, err := svc.ListActivities(context.Background(), 42, nil, nil, 1, 30)
	if err != nil {
		t.Fatalf("ListActivities failed: %v", err)
	}
	if got[0].Name != "Morning Run" {
		t.Errorf("name = %q, want sanitized plain text", got[0].Name)
	}
}

func TestGetActivitiesForExport_Validation(t *testing.T) {
	svc := newTestService(newMockActivityStore(), &staticTokenSource{}, &mockFetcher{})

	// 空のID
	_, err := svc.GetActivitiesForExport(context.Background(), 42, nil)
	var apiErr *model.APIError
	if !errors.As(err, &apiErr) || apiErr.Code != model.ErrCodeValidation {
		t.Errorf("expected validation error for empty ids, got %v", err)
	}

	// 上限超過
	ids := make([]int64, 51)
	for i := range ids {
		ids[i] = int64(i + 1)
	}
	_, err = svc.GetActivitiesForExport(context.Background(), 42, ids)
	if !errors.As(err, &apiErr) || apiErr.Code != model.ErrCodeValidation {
		t.Errorf("expected validation error for 51 ids, got %v", err)
	}
}

// キャッシュヒット分はプロバイダーを呼ばないことを検証
func TestGetActivitiesForExport_CacheFirst(t *testing.T) {
	store := newMockActivityStore()
	store.seed(42, 1, time.Now(), activityJSON(1, 42, "Cached Run"))

	fetcher := &mockFetcher{
		getFunc: func(ctx context.Context, accessToken string, activityID int64) (json.RawMessage, error) {
			t.Errorf("provider must not be called for cached activity %d", activityID)
			return nil, nil
		},
	}

	svc := newTestService(store, &staticTokenSource{}, fetcher)

	got, err := svc.GetActivitiesForExport(context.Background(), 42, []int64{1})
	if err != nil {
		t.Fatalf("GetActivitiesForExport failed: %v", err)
	}
	if len(got) != 1 || got[0].Name != "Cached Run" {
		t.Errorf("unexpected result: %+v", got)
	}
}

// キャッシュミス分が個別取得されてキャッシュへ書き戻されることを検証
func TestGetActivitiesForExport_FetchesMisses(t *testing.T) {
	store := newMockActivityStore()
	store.seed(42, 1, time.Now(), activityJSON(1, 42, "Cached Run"))

	fetcher := &mockFetcher{
		getFunc: func(ctx context.Context, accessToken string, activityID int64) (json.RawMessage, error) {
			return json.RawMessage(activityJSON(activityID, 42, "Fetched Run")), nil
		},
	}

	svc := newTestService(store, &staticTokenSource{}, fetcher)

	got, err := svc.GetActivitiesForExport(context.Background(), 42, []int64{1, 2})
	if err != nil {
		t.Fatalf("GetActivitiesForExport failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 activities, got %d", len(got))
	}
	// 指定順の維持
	if got[0].ID != 1 || got[1].ID != 2 {
		t.Errorf("expected order [1 2], got [%d %d]", got[0].ID, got[1].ID)
	}

	// 取得分がキャッシュされている
	rows, _ := store.FindByIDs(context.Background(), 42, []int64{2})
	if len(rows) != 1 {
		t.Error("expected fetched activity to be cached")
	}
}

// 所有者が一致しないアクティビティは黙って除外されることを検証
func TestGetActivitiesForExport_OwnerMismatch_SilentlyDropped(t *testing.T) {
	fetcher := &mockFetcher{
		getFunc: func(ctx context.Context, accessToken string, activityID int64) (json.RawMessage, error) {
			if activityID == 2 {
				return json.RawMessage(activityJSON(2, 999, "Not Yours")), nil
			}
			return json.RawMessage(activityJSON(activityID, 42, "Mine")), nil
		},
	}

	store := newMockActivityStore()
	svc := newTestService(store, &staticTokenSource{}, fetcher)

	got, err := svc.GetActivitiesForExport(context.Background(), 42, []int64{1, 2, 3})
	if err != nil {
		t.Fatalf("GetActivitiesForExport failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 activities after dropping foreign one, got %d", len(got))
	}
	for _, a := range got {
		if a.ID == 2 {
			t.Error("foreign activity must not appear in export set")
		}
	}

	// 他人のアクティビティはキャッシュにも書き込まれない
	rows, _ := store.FindByIDs(context.Background(), 999, []int64{2})
	if len(rows) != 0 {
		t.Error("foreign activity must not be cached")
	}
}

// 個別取得が404で失敗してもバッチ全体は継続し、該当IDだけ除外されることを検証
func TestGetActivitiesForExport_ProviderNotFound_SkipsActivity(t *testing.T) {
	store := newMockActivityStore()
	store.seed(42, 1, time.Now(), activityJSON(1, 42, "Morning Run"))
	store.seed(42, 2, time.Now(), activityJSON(2, 42, "Evening Run"))

	fetcher := &mockFetcher{
		getFunc: func(ctx context.Context, accessToken string, activityID int64) (json.RawMessage, error) {
			return nil, &strava.ProviderError{StatusCode: 404, Body: "Record Not Found"}
		},
	}

	svc := newTestService(store, &staticTokenSource{}, fetcher)

	got, err := svc.GetActivitiesForExport(context.Background(), 42, []int64{1, 2, 999})
	if err != nil {
		t.Fatalf("GetActivitiesForExport failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 activities after dropping missing one, got %d", len(got))
	}
	for _, a := range got {
		if a.ID == 999 {
			t.Error("missing activity must not appear in export set")
		}
	}
}

// 一時障害はバッチ全体のエラーとして返ることを検証
func TestGetActivitiesForExport_TransientError_Propagates(t *testing.T) {
	store := newMockActivityStore()
	store.seed(42, 1, time.Now(), activityJSON(1, 42, "Morning Run"))

	fetcher := &mockFetcher{
		getFunc: func(ctx context.Context, accessToken string, activityID int64) (json.RawMessage, error) {
			return nil, fmt.Errorf("failed to reach provider: %w", strava.ErrProviderUnavailable)
		},
	}

	svc := newTestService(store, &staticTokenSource{}, fetcher)

	_, err := svc.GetActivitiesForExport(context.Background(), 42, []int64{1, 2})
	if !errors.Is(err, strava.ErrProviderUnavailable) {
		t.Fatalf("expected ErrProviderUnavailable, got %v", err)
	}
}

// Syncがプロバイダーから取得してキャッシュをUPSERTすることを検証
func TestSync_RefreshesCache(t *testing.T) {
	store := newMockActivityStore()
	fetcher := &mockFetcher{
		listFunc: func(ctx context.Context, accessToken string, page, perPage int, after, before *time.Time) ([]json.RawMessage, error) {
			if page > 1 {
				return nil, nil
			}
			return []json.RawMessage{json.RawMessage(activityJSON(7, 42, "Synced Run"))}, nil
		},
	}

	svc := newTestService(store, &staticTokenSource{}, fetcher)

	if err := svc.Sync(context.Background(), 42); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}

	rows, _ := store.FindByIDs(context.Background(), 42, []int64{7})
	if len(rows) != 1 {
		t.Fatal("expected synced activity in cache")
	}
}
