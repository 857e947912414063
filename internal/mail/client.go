// Package mail はトランザクションメールAPI経由のメール送信機能を提供する。
// マジックリンクログインのメール送信に使用する。
package mail

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
)

const (
	// defaultEndpoint はメール送信APIのエンドポイント。
	defaultEndpoint = "https://api.resend.com/emails"
	// loginMailSubject はログインメールの件名。
	loginMailSubject = "StrideSync ログインリンク"
)

// sendRequest はメール送信APIのリクエストボディ。
type sendRequest struct {
	From    string   `json:"from"`
	To      []string `json:"to"`
	Subject string   `json:"subject"`
	Text    string   `json:"text"`
}

// Client はトランザクションメールAPIのクライアント。
// Bearerトークン認証のJSON APIに対して送信リクエストを行う。
type Client struct {
	httpClient *http.Client
	logger     *slog.Logger
	endpoint   string // テスト用にエンドポイントを差し替え可能
	apiKey     string
	from       string
}

// NewClient はClient の新しいインスタンスを生成する。
func NewClient(httpClient *http.Client, logger *slog.Logger, apiKey, from string) *Client {
	return &Client{
		httpClient: httpClient,
		logger:     logger,
		endpoint:   defaultEndpoint,
		apiKey:     apiKey,
		from:       from,
	}
}

// SetEndpoint は送信先エンドポイントを上書きする。設定値の適用とテスト用。
func (c *Client) SetEndpoint(endpoint string) {
	if endpoint != "" {
		c.endpoint = endpoint
	}
}

// SendLoginLink は単回利用のログインURLを含むメールを送信する。
// 送信失敗時はエラーを返す（呼び出し元が失敗をユーザーに伝える）。
// ログインURLは秘密情報のため、ログには記録しない。
func (c *Client) SendLoginLink(ctx context.Context, email, link string) error {
	body := sendRequest{
		From:    c.from,
		To:      []string{email},
		Subject: loginMailSubject,
		Text: "StrideSyncへのログインリンクです。\n\n" +
			link + "\n\n" +
			"このリンクは15分間、1回のみ有効です。\n" +
			"心当たりがない場合はこのメールを無視してください。",
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("リクエストボディの生成に失敗しました: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("HTTPリクエストの作成に失敗しました: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Error("メールAPIの呼び出しに失敗しました",
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("メールの送信に失敗しました: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		// エラーボディは診断用にログのみへ記録する
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		c.logger.Error("メールAPIがエラーステータスを返しました",
			slog.Int("http_status", resp.StatusCode),
			slog.String("response", string(respBody)),
		)
		return fmt.Errorf("メールAPIがステータス %d を返しました", resp.StatusCode)
	}

	c.logger.Info("ログインメールを送信しました")
	return nil
}
