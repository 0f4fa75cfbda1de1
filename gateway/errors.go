package gateway

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/pkg/errors"
)

// 上游错误分类
var (
	ErrRateLimited  = errors.New("upstream rate limited")
	ErrUnauthorized = errors.New("upstream rejected credentials")
	ErrNotFound     = errors.New("upstream resource not found")
	ErrDegraded     = errors.New("upstream returned a degraded read")
	ErrTimeout      = errors.New("upstream call timed out")
	ErrUpstream     = errors.New("upstream failure")
	ErrNoMode       = errors.New("no access mode available")
)

// StatusError 上游 HTTP 状态错误
type StatusError struct {
	Code int
	Body string
	kind error
}

func (e *StatusError) Error() string {
	body := e.Body
	if len(body) > 200 {
		body = body[:200]
	}
	return fmt.Sprintf("upstream status %d: %s", e.Code, strings.TrimSpace(body))
}

func (e *StatusError) Unwrap() error {
	return e.kind
}

// newStatusError 根据状态码归类
func newStatusError(code int, body string) *StatusError {
	var kind error
	switch {
	case code == http.StatusTooManyRequests:
		kind = ErrRateLimited
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		kind = ErrUnauthorized
	case code == http.StatusNotFound:
		kind = ErrNotFound
	default:
		kind = ErrUpstream
	}
	return &StatusError{Code: code, Body: body, kind: kind}
}

// Classify 把错误归类为简短的标签，用于日志和指标
func Classify(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrDegraded):
		return "degraded"
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "upstream"
	}
}

// IsPermanent 凭证或资源错误，重试无意义
func IsPermanent(err error) bool {
	return errors.Is(err, ErrUnauthorized) || errors.Is(err, ErrNotFound)
}
