package strava

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/hitoshi/stridesync/internal/model"
)

// TokenGrant はトークンエンドポイントの成功レスポンスを表す。
// 認可コード交換とリフレッシュの両方で使用する。
// リフレッシュレスポンスにはathleteが含まれないため、AthleteIDは0になる。
type TokenGrant struct {
	AthleteID    int64
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	Scope        string
}

// tokenResponse はStravaトークンエンドポイントのレスポンスボディ。
// expires_atはUNIXエポック秒。
type tokenResponse struct {
	TokenType    string `json:"token_type"`
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresAt    int64  `json:"expires_at"`
	Scope        string `json:"scope"`
	Athlete      struct {
		ID int64 `json:"id"`
	} `json:"athlete"`
}

func (r *tokenResponse) toGrant() *TokenGrant {
	return &TokenGrant{
		AthleteID:    r.Athlete.ID,
		AccessToken:  r.AccessToken,
		RefreshToken: r.RefreshToken,
		ExpiresAt:    time.Unix(r.ExpiresAt, 0),
		Scope:        r.Scope,
	}
}

// activityPayload はStravaアクティビティレスポンスのうち、
// 正規化に使用するフィールドの射影。
// 一覧（SummaryActivity）と単体取得（DetailedActivity）の両方に対応する。
type activityPayload struct {
	ID                 int64     `json:"id"`
	Name               string    `json:"name"`
	SportType          string    `json:"sport_type"`
	Type               string    `json:"type"` // sport_type導入前の旧フィールド
	StartDate          time.Time `json:"start_date"`
	Distance           float64   `json:"distance"`
	MovingTime         int       `json:"moving_time"`
	ElapsedTime        int       `json:"elapsed_time"`
	TotalElevationGain float64   `json:"total_elevation_gain"`
	Private            bool      `json:"private"`
	Athlete            struct {
		ID int64 `json:"id"`
	} `json:"athlete"`
	Map struct {
		SummaryPolyline string `json:"summary_polyline"`
		Polyline        string `json:"polyline"`
	} `json:"map"`
}

// Normalize は生のアクティビティペイロードを正規化済み射影に変換する。
// プロバイダーのスキーマ変更からドメインロジックを隔離する唯一の変換点。
func Normalize(raw json.RawMessage) (*model.ActivitySummary, error) {
	var p activityPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("failed to parse activity payload: %w", err)
	}

	sportType := p.SportType
	if sportType == "" {
		sportType = p.Type
	}

	// 単体取得の詳細ポリラインがあれば優先する
	polyline := p.Map.Polyline
	if polyline == "" {
		polyline = p.Map.SummaryPolyline
	}

	return &model.ActivitySummary{
		ID:                 p.ID,
		Name:               p.Name,
		SportType:          sportType,
		StartDate:          p.StartDate,
		Distance:           p.Distance,
		MovingTime:         p.MovingTime,
		ElapsedTime:        p.ElapsedTime,
		TotalElevationGain: p.TotalElevationGain,
		SummaryPolyline:    polyline,
		Private:            p.Private,
	}, nil
}

// OwnerID は生のアクティビティペイロードから所有アスリートIDを取り出す。
// 所有者検証（他アスリートのアクティビティ混入の排除）に使用する。
func OwnerID(raw json.RawMessage) (int64, error) {
	var p struct {
		Athlete struct {
			ID int64 `json:"id"`
		} `json:"athlete"`
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return 0, fmt.Errorf("failed to parse activity payload: %w", err)
	}
	return p.Athlete.ID, nil
}

// ActivityID は生のアクティビティペイロードからアクティビティIDを取り出す。
func ActivityID(raw json.RawMessage) (int64, error) {
	var p struct {
		ID int64 `json:"id"`
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return 0, fmt.Errorf("failed to parse activity payload: %w", err)
	}
	return p.ID, nil
}
