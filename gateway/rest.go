package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/time/rate"

	"copymesh/model"
)

// RESTConfig 轻量请求/响应访问方式配置
type RESTConfig struct {
	BaseURL   string
	Token     string
	RateLimit float64 // 每秒请求数
	Burst     int
}

// RESTMode 轻量 REST 访问方式
type RESTMode struct {
	baseURL string
	token   string
	client  *http.Client
	limiter *rate.Limiter
}

// NewRESTMode 创建 REST 访问方式
func NewRESTMode(cfg RESTConfig) *RESTMode {
	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &RESTMode{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.Token,
		// 超时由 Gateway 的 ctx 控制
		client:  &http.Client{},
		limiter: rate.NewLimiter(limit, burst),
	}
}

func (r *RESTMode) Name() string {
	return "rest"
}

func (r *RESTMode) do(ctx context.Context, method, path string, body interface{}, out interface{}) error {
	if err := r.limiter.Wait(ctx); err != nil {
		return errors.Wrap(err, "rate limiter")
	}

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return errors.Wrap(err, "encode request")
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, r.baseURL+path, reader)
	if err != nil {
		return errors.Wrap(err, "build request")
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if r.token != "" {
		req.Header.Set("Authorization", "Bearer "+r.token)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return errors.Wrapf(ErrUpstream, "%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return newStatusError(resp.StatusCode, string(raw))
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrapf(ErrUpstream, "decode %s: %v", path, err)
	}
	return nil
}

func accountPath(accountID string, suffix string) string {
	return "/users/current/accounts/" + url.PathEscape(accountID) + suffix
}

func subscriberPath(accountID string, suffix string) string {
	return "/users/current/subscribers/" + url.PathEscape(accountID) + suffix
}

func (r *RESTMode) GetAccountInfo(ctx context.Context, accountID string) (*model.AccountInfo, error) {
	var info model.AccountInfo
	if err := r.do(ctx, http.MethodGet, accountPath(accountID, "/account-information"), nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

func (r *RESTMode) GetOpenPositions(ctx context.Context, accountID string) ([]model.BrokerPosition, error) {
	var positions []model.BrokerPosition
	if err := r.do(ctx, http.MethodGet, accountPath(accountID, "/positions"), nil, &positions); err != nil {
		return nil, err
	}
	return positions, nil
}

func (r *RESTMode) GetTradeHistory(ctx context.Context, accountID string, tr TimeRange) ([]model.Trade, error) {
	path := fmt.Sprintf("/history-deals/time/%s/%s",
		url.PathEscape(tr.From.UTC().Format(time.RFC3339)),
		url.PathEscape(tr.To.UTC().Format(time.RFC3339)))
	var trades []model.Trade
	if err := r.do(ctx, http.MethodGet, accountPath(accountID, path), nil, &trades); err != nil {
		return nil, err
	}
	return trades, nil
}

func (r *RESTMode) Subscribe(ctx context.Context, req SubscribeRequest) error {
	return r.do(ctx, http.MethodPut, subscriberPath(req.AccountID, "/subscriptions/"+url.PathEscape(req.StrategyID)), req, nil)
}

func (r *RESTMode) Unsubscribe(ctx context.Context, accountID string) error {
	return r.do(ctx, http.MethodDelete, subscriberPath(accountID, "/subscriptions"), nil, nil)
}

func (r *RESTMode) UpdateStrategy(ctx context.Context, req StrategyUpdate) error {
	return r.do(ctx, http.MethodPatch, subscriberPath(req.AccountID, "/subscriptions/"+url.PathEscape(req.StrategyID)), req, nil)
}
