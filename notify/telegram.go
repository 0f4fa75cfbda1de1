package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"copymesh/config"
)

const defaultTelegramAPI = "https://api.telegram.org"

// TelegramNotifier 通过 Bot API sendMessage 推送
type TelegramNotifier struct {
	endpoint string
	chatID   string
	client   *http.Client
}

func NewTelegramNotifier(cfg config.TelegramConfig) (*TelegramNotifier, error) {
	if cfg.BotToken == "" || cfg.ChatID == "" {
		return nil, errors.New("Telegram BotToken 或 ChatID 未配置")
	}
	base := strings.TrimRight(cfg.APIBase, "/")
	if base == "" {
		base = defaultTelegramAPI
	}
	return &TelegramNotifier{
		endpoint: base + "/bot" + cfg.BotToken + "/sendMessage",
		chatID:   cfg.ChatID,
		client:   &http.Client{Timeout: 3 * time.Second},
	}, nil
}

func (tn *TelegramNotifier) Name() string {
	return "Telegram"
}

// Send channel 为空时发往默认 chat，返回 message_id
func (tn *TelegramNotifier) Send(ctx context.Context, channel, message string) (string, error) {
	chatID := tn.chatID
	if channel != "" {
		chatID = channel
	}
	req, err := newJSONRequest(tn.endpoint, map[string]interface{}{
		"chat_id":                  chatID,
		"text":                     message,
		"disable_web_page_preview": true,
	})
	if err != nil {
		return "", err
	}
	status, body, err := req.do(ctx, tn.client)
	if err != nil {
		return "", err
	}

	var out struct {
		OK          bool   `json:"ok"`
		Description string `json:"description"`
		Result      struct {
			MessageID int64 `json:"message_id"`
		} `json:"result"`
	}
	if err := json.Unmarshal(body, &out); err != nil && status == http.StatusOK {
		return "", errors.Wrap(err, "解析响应失败")
	}
	if status != http.StatusOK || !out.OK {
		return "", errors.Errorf("Telegram API 返回错误: %d %s", status, out.Description)
	}
	return strconv.FormatInt(out.Result.MessageID, 10), nil
}
