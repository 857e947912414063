package handler

import (
	"archive/zip"
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/twpayne/go-polyline"

	"github.com/hitoshi/stridesync/internal/model"
)

// --- モック定義 ---

type mockMetricsCollector struct {
	exportCalls      int
	exportActivities int
}

func (m *mockMetricsCollector) RecordProviderStatus(statusCode int)        {}
func (m *mockMetricsCollector) RecordProviderRetry()                       {}
func (m *mockMetricsCollector) RecordProviderLatency(d time.Duration)      {}
func (m *mockMetricsCollector) RecordTokenRefresh(success bool)            {}
func (m *mockMetricsCollector) RecordCacheHit()                            {}
func (m *mockMetricsCollector) RecordCacheMiss()                           {}
func (m *mockMetricsCollector) RecordActivitiesUpserted(count int)         {}
func (m *mockMetricsCollector) RecordExport(activityCount int) {
	m.exportCalls++
	m.exportActivities += activityCount
}

func routedActivity(id int64, name string) *model.ActivitySummary {
	encoded := string(polyline.EncodeCoords([][]float64{
		{35.6586, 139.7454},
		{35.6590, 139.7460},
	}))
	return &model.ActivitySummary{
		ID:              id,
		Name:            name,
		SportType:       "Run",
		StartDate:       time.Date(2026, 8, 30, 6, 15, 0, 0, time.UTC),
		SummaryPolyline: encoded,
	}
}

// --- テスト ---

func TestExportGPX_Success(t *testing.T) {
	var gotIDs []int64
	service := &mockActivityService{
		exportFn: func(ctx context.Context, athleteID int64, ids []int64) ([]*model.ActivitySummary, error) {
			gotIDs = ids
			return []*model.ActivitySummary{
				routedActivity(1, "Morning Run"),
				routedActivity(2, "Evening Run"),
			}, nil
		},
	}
	collector := &mockMetricsCollector{}
	h := NewExportHandler(service, connectedResolver(12345), collector)

	req := authedRequest(http.MethodGet, "/api/exports/gpx?ids=1,2")
	w := httptest.NewRecorder()

	h.ExportGPX(w, req)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/zip" {
		t.Errorf("Content-Type = %q, want application/zip", ct)
	}
	if cd := resp.Header.Get("Content-Disposition"); cd == "" {
		t.Error("Content-Disposition must be set")
	}
	if len(gotIDs) != 2 || gotIDs[0] != 1 || gotIDs[1] != 2 {
		t.Errorf("ids = %v, want [1 2]", gotIDs)
	}

	// ボディが正しいZIPで2エントリ含むこと
	body := w.Body.Bytes()
	zr, err := zip.NewReader(bytes.NewReader(body), int64(len(body)))
	if err != nil {
		t.Fatalf("response is not a valid zip: %v", err)
	}
	if len(zr.File) != 2 {
		t.Errorf("entries = %d, want 2", len(zr.File))
	}

	if collector.exportCalls != 1 {
		t.Errorf("export metric calls = %d, want 1", collector.exportCalls)
	}
	if collector.exportActivities != 2 {
		t.Errorf("export metric activities = %d, want 2", collector.exportActivities)
	}
}

func TestExportGPX_InvalidIDs_Returns400(t *testing.T) {
	tests := []struct {
		name string
		ids  string
	}{
		{"not a number", "1,abc"},
		{"negative", "-1"},
		{"zero", "0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewExportHandler(&mockActivityService{}, connectedResolver(12345), &mockMetricsCollector{})

			req := authedRequest(http.MethodGet, "/api/exports/gpx?ids="+tt.ids)
			w := httptest.NewRecorder()

			h.ExportGPX(w, req)

			if w.Result().StatusCode != http.StatusBadRequest {
				t.Errorf("status = %d, want %d", w.Result().StatusCode, http.StatusBadRequest)
			}
		})
	}
}

func TestExportGPX_EmptyIDs_Returns400(t *testing.T) {
	service := &mockActivityService{
		exportFn: func(ctx context.Context, athleteID int64, ids []int64) ([]*model.ActivitySummary, error) {
			return nil, model.NewValidationError("エクスポートするアクティビティを指定してください")
		},
	}
	h := NewExportHandler(service, connectedResolver(12345), &mockMetricsCollector{})

	req := authedRequest(http.MethodGet, "/api/exports/gpx")
	w := httptest.NewRecorder()

	h.ExportGPX(w, req)

	if w.Result().StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", w.Result().StatusCode, http.StatusBadRequest)
	}
}

func TestExportGPX_NotConnected_Returns400(t *testing.T) {
	resolver := &mockConnectService{
		athleteIDFn: func(ctx context.Context, userID string) (int64, error) {
			return 0, model.ErrNotConnected
		},
	}
	h := NewExportHandler(&mockActivityService{}, resolver, &mockMetricsCollector{})

	req := authedRequest(http.MethodGet, "/api/exports/gpx?ids=1")
	w := httptest.NewRecorder()

	h.ExportGPX(w, req)

	if w.Result().StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", w.Result().StatusCode, http.StatusBadRequest)
	}
}

func TestParseIDsParam(t *testing.T) {
	tests := []struct {
		name    string
		value   string
		want    []int64
		wantErr bool
	}{
		{"empty", "", nil, false},
		{"single", "42", []int64{42}, false},
		{"multiple with spaces", "1, 2, 3", []int64{1, 2, 3}, false},
		{"invalid", "1,x", nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseIDsParam(tt.value)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("got = %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("got[%d] = %d, want %d", i, got[i], tt.want[i])
				}
			}
		})
	}
}
