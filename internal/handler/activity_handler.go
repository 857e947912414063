package handler

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/hitoshi/stridesync/internal/middleware"
	"github.com/hitoshi/stridesync/internal/model"
)

// ActivityServiceInterface はアクティビティハンドラーが必要とするサービスインターフェース。
type ActivityServiceInterface interface {
	// ListActivities はキャッシュ優先でアクティビティ一覧を返す。
	ListActivities(ctx context.Context, athleteID int64, since, until *time.Time, page, perPage int) ([]*model.ActivitySummary, error)
	// GetActivitiesForExport はエクスポート対象のアクティビティを取得する。
	GetActivitiesForExport(ctx context.Context, athleteID int64, ids []int64) ([]*model.ActivitySummary, error)
}

// AthleteResolver はセッションユーザーから連携済みアスリートIDを解決する。
type AthleteResolver interface {
	AthleteIDForUser(ctx context.Context, userID string) (int64, error)
}

// ActivityHandler はアクティビティ一覧のHTTPハンドラー。
type ActivityHandler struct {
	service  ActivityServiceInterface
	resolver AthleteResolver
}

// NewActivityHandler はActivityHandlerを生成する。
func NewActivityHandler(service ActivityServiceInterface, resolver AthleteResolver) *ActivityHandler {
	return &ActivityHandler{
		service:  service,
		resolver: resolver,
	}
}

// activityListResponse はアクティビティ一覧のAPIレスポンス。
type activityListResponse struct {
	Activities []*model.ActivitySummary `json:"activities"`
	Page       int                      `json:"page"`
	PerPage    int                      `json:"per_page"`
}

// ListActivities はアクティビティ一覧を返す。
// GET /api/activities?since=&until=&page=&per_page=
func (h *ActivityHandler) ListActivities(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		writeUnauthorized(w)
		return
	}

	athleteID, err := h.resolver.AthleteIDForUser(r.Context(), userID)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	q := r.URL.Query()

	since, err := parseTimeParam(q.Get("since"))
	if err != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewValidationError("sinceの形式が正しくありません"))
		return
	}
	until, err := parseTimeParam(q.Get("until"))
	if err != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewValidationError("untilの形式が正しくありません"))
		return
	}
	if since != nil && until != nil && since.After(*until) {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewValidationError("sinceはuntilより前である必要があります"))
		return
	}

	page := parseIntParam(q.Get("page"), 1)
	perPage := parseIntParam(q.Get("per_page"), 0)

	activities, err := h.service.ListActivities(r.Context(), athleteID, since, until, page, perPage)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	if activities == nil {
		activities = []*model.ActivitySummary{}
	}
	writeJSON(w, http.StatusOK, activityListResponse{
		Activities: activities,
		Page:       page,
		PerPage:    perPage,
	})
}

// parseTimeParam は時刻クエリパラメータを解析する。
// RFC3339形式とUnixエポック秒の両方を受け付ける。空文字列はnilを返す。
func parseTimeParam(value string) (*time.Time, error) {
	if value == "" {
		return nil, nil
	}

	if epoch, err := strconv.ParseInt(value, 10, 64); err == nil {
		t := time.Unix(epoch, 0).UTC()
		return &t, nil
	}

	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// parseIntParam は整数クエリパラメータを解析する。不正な値はフォールバックを返す。
func parseIntParam(value string, fallback int) int {
	if value == "" {
		return fallback
	}
	n, err := strconv.Atoi(value)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}
