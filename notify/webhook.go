package notify

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"copymesh/config"
)

// SignatureHeader 配置 secret 时携带的 HMAC-SHA256 签名头
const SignatureHeader = "X-Copymesh-Signature"

type webhookPayload struct {
	ID        string `json:"id"`
	Channel   string `json:"channel,omitempty"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

// WebhookNotifier 以 JSON POST 投递到任意地址
type WebhookNotifier struct {
	url    string
	secret []byte
	client *http.Client
}

func NewWebhookNotifier(cfg config.WebhookConfig) (*WebhookNotifier, error) {
	if cfg.URL == "" {
		return nil, errors.New("Webhook URL 未配置")
	}
	timeout := 3 * time.Second
	if cfg.Timeout > 0 {
		timeout = time.Duration(cfg.Timeout) * time.Second
	}
	wn := &WebhookNotifier{url: cfg.URL, client: &http.Client{Timeout: timeout}}
	if cfg.Secret != "" {
		wn.secret = []byte(cfg.Secret)
	}
	return wn, nil
}

func (wn *WebhookNotifier) Name() string {
	return "Webhook"
}

// Sign 对请求体计算十六进制签名
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Send 接收方返回 {"id": "..."} 时使用其 id，否则使用本地投递 id
func (wn *WebhookNotifier) Send(ctx context.Context, channel, message string) (string, error) {
	id := uuid.NewString()
	req, err := newJSONRequest(wn.url, webhookPayload{
		ID:        id,
		Channel:   channel,
		Message:   message,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return "", err
	}
	if wn.secret != nil {
		req.headers[SignatureHeader] = Sign(wn.secret, req.body)
	}

	status, body, err := req.do(ctx, wn.client)
	if err != nil {
		return "", err
	}
	if status < 200 || status >= 300 {
		return "", errors.Errorf("Webhook 返回错误状态码: %d", status)
	}

	var ack struct {
		ID string `json:"id"`
	}
	if json.Unmarshal(body, &ack) == nil && ack.ID != "" {
		return ack.ID, nil
	}
	return id, nil
}
