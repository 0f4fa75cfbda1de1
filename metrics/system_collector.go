package metrics

import (
	"context"
	"runtime"
	"sync"
	"time"

	"copymesh/logger"
	"copymesh/model"
	"copymesh/monitor"
)

// Probe 单项采集，每个采集周期调用一次
type Probe func(pm *PrometheusMetrics)

// Collector 按固定周期执行一组采集项
type Collector struct {
	pm       *PrometheusMetrics
	interval time.Duration
	probes   []Probe

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewCollector 创建采集器，interval 不大于 0 时使用 15 秒
func NewCollector(interval time.Duration, probes ...Probe) *Collector {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	c := &Collector{pm: GetPrometheusMetrics(), interval: interval}
	for _, p := range probes {
		if p != nil {
			c.probes = append(c.probes, p)
		}
	}
	return c
}

// Start 启动采集循环，重复调用无效
func (c *Collector) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		return
	}
	ctx, c.cancel = context.WithCancel(ctx)
	c.done = make(chan struct{})
	go c.loop(ctx, c.done)
}

// Stop 停止并等待当前采集结束
func (c *Collector) Stop() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	c.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// CollectOnce 立即执行全部采集项
func (c *Collector) CollectOnce() {
	for _, p := range c.probes {
		p(c.pm)
	}
}

func (c *Collector) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.CollectOnce()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.CollectOnce()
		}
	}
}

// RuntimeProbe Go 运行时指标
func RuntimeProbe() Probe {
	return func(pm *PrometheusMetrics) {
		var m runtime.MemStats
		runtime.ReadMemStats(&m)
		pm.SetGoroutineCount(runtime.NumGoroutine())
		pm.SetMemoryAlloc(m.Alloc)
	}
}

// ProcessProbe 进程 CPU 与内存；无法创建采样器时返回 nil
func ProcessProbe() Probe {
	sampler, err := monitor.NewProcessSampler()
	if err != nil {
		logger.Warn("⚠️ 进程资源采集不可用: %v", err)
		return nil
	}
	return func(pm *PrometheusMetrics) {
		sm, err := sampler.Sample()
		if err != nil {
			logger.Debug("采集进程资源失败: %v", err)
			return
		}
		pm.SetProcessUsage(sm.CPUPercent, sm.RSSBytes)
	}
}

// SessionProbe 按状态统计流会话数量
func SessionProbe(list func() []model.StreamingSession) Probe {
	return func(pm *PrometheusMetrics) {
		counts := map[string]int{
			string(model.StreamStopped):   0,
			string(model.StreamStarting):  0,
			string(model.StreamConnected): 0,
			string(model.StreamDegraded):  0,
			string(model.StreamError):     0,
		}
		for _, s := range list() {
			counts[string(s.State)]++
		}
		pm.SetSessionCounts(counts)
	}
}
