// Package strava はStrava APIのクライアントを提供する。
// すべての外部呼び出しは単一のリトライ付き送信パスを通る。
package strava

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hitoshi/stridesync/internal/metrics"
)

const (
	// defaultOAuthBaseURL はStrava OAuthエンドポイントのベースURL。
	defaultOAuthBaseURL = "https://www.strava.com/oauth"
	// defaultAPIBaseURL はStrava REST APIのベースURL。
	defaultAPIBaseURL = "https://www.strava.com/api/v3"

	// maxRetries は429・一時障害に対するリトライ回数の上限。
	maxRetries = 3
	// defaultTimeout は1試行あたりのハードタイムアウト。
	defaultTimeout = 8 * time.Second
	// defaultRetryBaseDelay は指数バックオフの基準遅延。
	defaultRetryBaseDelay = 500 * time.Millisecond
	// maxResponseBytes はレスポンスボディの読み取り上限。
	maxResponseBytes = 10 << 20
)

// Config はStravaクライアントの設定。
type Config struct {
	ClientID       string
	ClientSecret   string
	RedirectURL    string
	Timeout        time.Duration // 1試行あたりのタイムアウト。ゼロなら8秒
	RetryBaseDelay time.Duration // バックオフ基準遅延。ゼロなら500ms
}

// Client はStrava APIのクライアント。
// 送信はすべてdo()を経由し、429と一時障害には上限付きリトライを適用する。
type Client struct {
	httpClient *http.Client
	logger     *slog.Logger
	metrics    metrics.MetricsCollector
	config     Config
	oauthBase  string // テスト用にエンドポイントを差し替え可能
	apiBase    string
}

// NewClient はClient の新しいインスタンスを生成する。
func NewClient(httpClient *http.Client, logger *slog.Logger, collector metrics.MetricsCollector, config Config) *Client {
	if config.Timeout <= 0 {
		config.Timeout = defaultTimeout
	}
	if config.RetryBaseDelay <= 0 {
		config.RetryBaseDelay = defaultRetryBaseDelay
	}
	return &Client{
		httpClient: httpClient,
		logger:     logger,
		metrics:    collector,
		config:     config,
		oauthBase:  defaultOAuthBaseURL,
		apiBase:    defaultAPIBaseURL,
	}
}

// SetBaseURLs はOAuthとAPIのベースURLを上書きする。テスト用。
func (c *Client) SetBaseURLs(oauthBase, apiBase string) {
	if oauthBase != "" {
		c.oauthBase = oauthBase
	}
	if apiBase != "" {
		c.apiBase = apiBase
	}
}

// AuthorizeURL はStravaの認可画面URLを生成する。
func (c *Client) AuthorizeURL(state string) string {
	q := url.Values{}
	q.Set("client_id", c.config.ClientID)
	q.Set("redirect_uri", c.config.RedirectURL)
	q.Set("response_type", "code")
	q.Set("approval_prompt", "auto")
	q.Set("scope", "activity:read_all")
	q.Set("state", state)
	return c.oauthBase + "/authorize?" + q.Encode()
}

// ExchangeCode は認可コードをトークンに交換する。
func (c *Client) ExchangeCode(ctx context.Context, code string) (*TokenGrant, error) {
	form := url.Values{}
	form.Set("client_id", c.config.ClientID)
	form.Set("client_secret", c.config.ClientSecret)
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	return c.requestToken(ctx, form)
}

// Refresh はリフレッシュトークンで新しいアクセストークンを取得する。
// レスポンスにはathleteが含まれないため、呼び出し元がathlete IDを保持する。
func (c *Client) Refresh(ctx context.Context, refreshToken string) (*TokenGrant, error) {
	form := url.Values{}
	form.Set("client_id", c.config.ClientID)
	form.Set("client_secret", c.config.ClientSecret)
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)
	return c.requestToken(ctx, form)
}

func (c *Client) requestToken(ctx context.Context, form url.Values) (*TokenGrant, error) {
	body, err := c.do(ctx, func(attemptCtx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, c.oauthBase+"/token", strings.NewReader(form.Encode()))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		return req, nil
	})
	if err != nil {
		return nil, err
	}

	var resp tokenResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse token response: %w", err)
	}
	return resp.toGrant(), nil
}

// Deauthorize はアクセストークンの認可を取り消す。
func (c *Client) Deauthorize(ctx context.Context, accessToken string) error {
	form := url.Values{}
	form.Set("access_token", accessToken)

	_, err := c.do(ctx, func(attemptCtx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, c.oauthBase+"/deauthorize", strings.NewReader(form.Encode()))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		return req, nil
	})
	return err
}

// ListActivities は認証済みアスリートのアクティビティ一覧を取得する。
// キャッシュ保存用に各要素を生のJSONのまま返す。
// after/beforeはUNIXエポック秒のフィルタとして送信される。
func (c *Client) ListActivities(ctx context.Context, accessToken string, page, perPage int, after, before *time.Time) ([]json.RawMessage, error) {
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	q.Set("per_page", strconv.Itoa(perPage))
	if after != nil {
		q.Set("after", strconv.FormatInt(after.Unix(), 10))
	}
	if before != nil {
		q.Set("before", strconv.FormatInt(before.Unix(), 10))
	}

	endpoint := c.apiBase + "/athlete/activities?" + q.Encode()
	body, err := c.do(ctx, func(attemptCtx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(attemptCtx, http.MethodGet, endpoint, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+accessToken)
		return req, nil
	})
	if err != nil {
		return nil, err
	}

	var activities []json.RawMessage
	if err := json.Unmarshal(body, &activities); err != nil {
		return nil, fmt.Errorf("failed to parse activities response: %w", err)
	}
	return activities, nil
}

// GetActivity は単一アクティビティの詳細を取得する。
func (c *Client) GetActivity(ctx context.Context, accessToken string, activityID int64) (json.RawMessage, error) {
	endpoint := c.apiBase + "/activities/" + strconv.FormatInt(activityID, 10)
	body, err := c.do(ctx, func(attemptCtx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(attemptCtx, http.MethodGet, endpoint, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+accessToken)
		return req, nil
	})
	if err != nil {
		return nil, err
	}
	return json.RawMessage(body), nil
}

// do はリトライ付きでHTTPリクエストを実行し、2xxレスポンスのボディを返す。
// ポリシー:
//   - 1試行ごとにハードタイムアウトを適用する
//   - 429と接続エラー・タイムアウトは上限3回までリトライする
//     （遅延は base*2^attempt + ジッター。429はRetry-Afterを下限として尊重する）
//   - リトライ上限到達: 429はErrRateLimited、一時障害はErrProviderUnavailable
//   - それ以外の非2xxはリトライせず*ProviderErrorを即座に返す
func (c *Client) do(ctx context.Context, build func(ctx context.Context) (*http.Request, error)) ([]byte, error) {
	var lastErr error
	rateLimited := false

	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			c.metrics.RecordProviderRetry()
		}

		status, retryAfterHeader, body, err := c.attempt(ctx, build)
		if err != nil {
			// 接続エラー・タイムアウト。呼び出し元のコンテキスト終了は即座に返す
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = err
			rateLimited = false
			c.logger.Warn("strava request failed",
				slog.Int("attempt", attempt),
				slog.String("error", err.Error()),
			)
			if attempt < maxRetries {
				if err := c.wait(ctx, c.backoff(attempt)); err != nil {
					return nil, err
				}
			}
			continue
		}

		c.metrics.RecordProviderStatus(status)

		if status >= 200 && status < 300 {
			return body, nil
		}

		if status == http.StatusTooManyRequests {
			lastErr = nil
			rateLimited = true
			c.logger.Warn("strava rate limited",
				slog.Int("attempt", attempt),
			)
			if attempt < maxRetries {
				delay := c.backoff(attempt)
				if floor := parseRetryAfter(retryAfterHeader); floor > delay {
					delay = floor
				}
				if err := c.wait(ctx, delay); err != nil {
					return nil, err
				}
			}
			continue
		}

		// 恒久エラー。詳細はログのみに記録する
		c.logger.Error("strava returned error status",
			slog.Int("http_status", status),
		)
		return nil, &ProviderError{StatusCode: status, Body: string(body)}
	}

	if rateLimited {
		return nil, ErrRateLimited
	}
	return nil, fmt.Errorf("%w: %v", ErrProviderUnavailable, lastErr)
}

// attempt は1試行を実行し、ステータスコード・Retry-Afterヘッダー・ボディを返す。
func (c *Client) attempt(ctx context.Context, build func(ctx context.Context) (*http.Request, error)) (int, string, []byte, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	req, err := build(attemptCtx)
	if err != nil {
		return 0, "", nil, err
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	c.metrics.RecordProviderLatency(time.Since(start))
	if err != nil {
		return 0, "", nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return 0, "", nil, err
	}

	return resp.StatusCode, resp.Header.Get("Retry-After"), body, nil
}

// parseRetryAfter はRetry-Afterヘッダーを遅延時間に変換する。
// 秒数とHTTP日付の両形式に対応する。解釈できない場合は0を返す。
func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	if secs, err := strconv.Atoi(header); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(header); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}

// backoff は試行回数に基づく指数バックオフ遅延を計算する。
// base * 2^attempt に最大250msのジッターを加える。
func (c *Client) backoff(attempt int) time.Duration {
	delay := c.config.RetryBaseDelay << uint(attempt)
	return delay + rand.N(250*time.Millisecond)
}

// wait はコンテキストのキャンセルを尊重して指定時間待機する。
func (c *Client) wait(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
