package model

import (
	"encoding/json"
	"time"
)

// CachedActivity はプロバイダーから取得したアクティビティのキャッシュ行を表す。
// Payloadはプロバイダーの生レスポンス（JSON）をそのまま保持する。
// athlete_idはデータ分離の境界であり、取得時の所有者と常に一致する。
type CachedActivity struct {
	ID        int64
	AthleteID int64
	Payload   json.RawMessage
	UpdatedAt time.Time
}

// ActivitySummary はAPIレスポンスおよびエクスポートに使用する正規化済み射影。
// プロバイダーのスキーマ変更からドメインロジックを隔離するため、
// 生のペイロードは外部に出さずこの形に変換して返す。
type ActivitySummary struct {
	ID                 int64     `json:"id"`
	Name               string    `json:"name"`
	SportType          string    `json:"sport_type"`
	StartDate          time.Time `json:"start_date"`
	Distance           float64   `json:"distance"`
	MovingTime         int       `json:"moving_time"`
	ElapsedTime        int       `json:"elapsed_time"`
	TotalElevationGain float64   `json:"total_elevation_gain"`
	SummaryPolyline    string    `json:"summary_polyline"`
	Private            bool      `json:"private"`
}
