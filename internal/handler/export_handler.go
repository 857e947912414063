package handler

import (
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/hitoshi/stridesync/internal/export"
	"github.com/hitoshi/stridesync/internal/metrics"
	"github.com/hitoshi/stridesync/internal/middleware"
	"github.com/hitoshi/stridesync/internal/model"
)

// ExportHandler はGPXエクスポートのHTTPハンドラー。
type ExportHandler struct {
	service  ActivityServiceInterface
	resolver AthleteResolver
	metrics  metrics.MetricsCollector
}

// NewExportHandler はExportHandlerを生成する。
func NewExportHandler(service ActivityServiceInterface, resolver AthleteResolver, collector metrics.MetricsCollector) *ExportHandler {
	return &ExportHandler{
		service:  service,
		resolver: resolver,
		metrics:  collector,
	}
}

// ExportGPX は指定アクティビティをGPXドキュメントのZIPとしてストリーム返却する。
// GET /api/exports/gpx?ids=1,2,3
func (h *ExportHandler) ExportGPX(w http.ResponseWriter, r *http.Request) {
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

	ids, err := parseIDsParam(r.URL.Query().Get("ids"))
	if err != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewValidationError("idsの形式が正しくありません"))
		return
	}

	activities, err := h.service.GetActivitiesForExport(r.Context(), athleteID, ids)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	filename := fmt.Sprintf("activities_%s.zip", time.Now().UTC().Format("20060102"))
	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, filename))

	// ここから先はレスポンスへ直接ストリームするため、
	// 失敗してもステータスコードは変更できない。ログのみ記録する
	written, err := export.WriteArchive(w, activities)
	if err != nil {
		slog.Error("export archive write failed",
			slog.Int64("athlete_id", athleteID),
			slog.String("error", err.Error()),
		)
		return
	}

	h.metrics.RecordExport(written)
	slog.Info("export completed",
		slog.Int64("athlete_id", athleteID),
		slog.Int("requested", len(ids)),
		slog.Int("written", written),
	)
}

// parseIDsParam はカンマ区切りのアクティビティIDリストを解析する。
func parseIDsParam(value string) ([]int64, error) {
	if strings.TrimSpace(value) == "" {
		return nil, nil
	}

	parts := strings.Split(value, ",")
	ids := make([]int64, 0, len(parts))
	for _, part := range parts {
		id, err := strconv.ParseInt(strings.TrimSpace(part), 10, 64)
		if err != nil || id <= 0 {
			return nil, fmt.Errorf("invalid activity id: %q", part)
		}
		ids = append(ids, id)
	}
	return ids, nil
}
