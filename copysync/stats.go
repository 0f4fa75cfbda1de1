package copysync

import (
	"context"

	"copymesh/gateway"
	"copymesh/model"
)

// StatsItem 批量统计中单个账户的结果
type StatsItem struct {
	AccountID string                      `json:"accountId"`
	Status    gateway.ResultStatus        `json:"status"`
	Stats     *model.AccountStatsSnapshot `json:"stats,omitempty"`
	Cached    bool                        `json:"cached"`
	Error     string                      `json:"error,omitempty"`
}

// AccountStats 读取账户统计，优先使用缓存；fresh 为 true 时跳过缓存
func (s *Service) AccountStats(ctx context.Context, accountID string, fresh bool) (model.AccountStatsSnapshot, bool, error) {
	if !fresh {
		if snap, ok := s.stats.GetStats(ctx, accountID); ok {
			return snap, true, nil
		}
	}
	info, err := s.gw.GetAccountInfo(ctx, accountID)
	if err != nil {
		return model.AccountStatsSnapshot{}, false, err
	}
	snap := model.SnapshotFromInfo(info, s.now())
	s.stats.SetStats(ctx, snap)
	return snap, false, nil
}

// BatchAccountStats 批量读取账户统计：命中缓存的直接返回，其余分批向上游请求
func (s *Service) BatchAccountStats(ctx context.Context, accountIDs []string) []StatsItem {
	items := make([]StatsItem, len(accountIDs))
	missing := make([]string, 0, len(accountIDs))
	index := make(map[string][]int)

	for i, id := range accountIDs {
		items[i].AccountID = id
		if snap, ok := s.stats.GetStats(ctx, id); ok {
			snap := snap
			items[i].Status, items[i].Stats, items[i].Cached = gateway.StatusOK, &snap, true
			continue
		}
		if _, seen := index[id]; !seen {
			missing = append(missing, id)
		}
		index[id] = append(index[id], i)
	}
	if len(missing) == 0 {
		return items
	}

	for _, r := range s.gw.BatchAccountInfo(ctx, missing, s.batch) {
		var snap *model.AccountStatsSnapshot
		if r.Status == gateway.StatusOK && r.Info != nil {
			v := model.SnapshotFromInfo(r.Info, s.now())
			s.stats.SetStats(ctx, v)
			snap = &v
		}
		for _, i := range index[r.AccountID] {
			items[i].Status = r.Status
			items[i].Stats = snap
			items[i].Error = r.Error
		}
	}
	return items
}

// OpenPositions 当前持仓，优先使用缓存
func (s *Service) OpenPositions(ctx context.Context, accountID string) ([]model.BrokerPosition, bool, error) {
	if snap, ok := s.stats.GetPositions(ctx, accountID); ok {
		return snap.Positions, true, nil
	}
	positions, err := s.gw.GetOpenPositions(ctx, accountID)
	if err != nil {
		return nil, false, err
	}
	s.stats.SetPositions(ctx, model.PositionsSnapshot{AccountID: accountID, Positions: positions, FetchedAt: s.now()})
	return positions, false, nil
}
