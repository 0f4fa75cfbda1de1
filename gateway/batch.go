package gateway

import (
	"context"
	"time"

	"copymesh/model"
	"copymesh/utils"
)

// ResultStatus 批量结果中单个账户的状态
type ResultStatus string

const (
	StatusOK     ResultStatus = "ok"
	StatusFailed ResultStatus = "error"
)

// AccountResult 带标签的单账户结果，批量调用方据此继续处理其他账户
type AccountResult struct {
	AccountID string             `json:"accountId"`
	Status    ResultStatus       `json:"status"`
	Info      *model.AccountInfo `json:"info,omitempty"`
	Error     string             `json:"error,omitempty"`
}

// BatchOptions 批量并发参数
type BatchOptions struct {
	Size  int
	Delay time.Duration
}

// DefaultBatchOptions 每批 10 个并发，批间隔 200ms
var DefaultBatchOptions = BatchOptions{Size: 10, Delay: 200 * time.Millisecond}

// BatchAccountInfo 分批获取多个账户信息，单个失败不影响其他账户
func (g *Gateway) BatchAccountInfo(ctx context.Context, accountIDs []string, opts BatchOptions) []AccountResult {
	results := make([]AccountResult, len(accountIDs))
	for i, id := range accountIDs {
		results[i] = AccountResult{AccountID: id, Status: StatusFailed, Error: "not processed"}
	}

	_ = utils.RunBatched(ctx, accountIDs, opts.Size, opts.Delay, func(ctx context.Context, i int, id string) {
		info, err := g.GetAccountInfo(ctx, id)
		if err != nil {
			results[i] = AccountResult{AccountID: id, Status: StatusFailed, Error: err.Error()}
			return
		}
		results[i] = AccountResult{AccountID: id, Status: StatusOK, Info: info}
	})
	return results
}
