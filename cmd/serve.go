package cmd

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"copymesh/config"
	"copymesh/copysync"
	"copymesh/event"
	"copymesh/i18n"
	"copymesh/logger"
	"copymesh/metrics"
	"copymesh/notify"
	"copymesh/storage"
	"copymesh/web"
)

func newServeCmd(ro *rootOptions) *cobra.Command {
	var watch bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "启动同步服务：持仓流、风控定时评估、HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(ro)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, ro.configPath, cfg, watch)
		},
	}
	cmd.Flags().BoolVar(&watch, "watch", true, "监控配置文件并热更新")
	return cmd
}

func serve(ctx context.Context, configPath string, cfg *config.Config, watch bool) error {
	defer logger.Close()

	eventBus := event.NewEventBus(cfg.Feed.BufferSize)

	c, err := buildCore(cfg, eventBus)
	if err != nil {
		return err
	}
	svc := c.svc

	// 流日志存储和事件中心
	var feed *storage.Feed
	var feedStore event.Store
	if cfg.Feed.Enabled {
		feed, err = storage.NewFeed(cfg.Feed.Path)
		if err != nil {
			logger.Warn("⚠️ 初始化流日志存储失败: %v (将继续运行，但不保存流日志)", err)
			feed = nil
		} else {
			feedStore = feed
		}
	}

	ns := notify.NewNotificationService(cfg)
	var notifier event.Notifier
	if ns.Enabled() {
		notifier = ns
	}
	notifyTypes := make([]event.EntryType, 0, len(cfg.Feed.NotifyTypes))
	for _, t := range cfg.Feed.NotifyTypes {
		notifyTypes = append(notifyTypes, event.EntryType(t))
	}
	center := event.NewEventCenter(feedStore, eventBus, notifier, event.CenterConfig{
		Enabled:       true,
		RetentionDays: cfg.Feed.RetentionDays,
		NotifyTypes:   notifyTypes,
	})
	if err := center.Start(); err != nil {
		c.close()
		return errors.Wrap(err, "启动事件中心失败")
	}

	var collector *metrics.Collector
	if cfg.Metrics.Enabled {
		collector = metrics.NewCollector(time.Duration(cfg.Metrics.CollectInterval)*time.Second,
			metrics.RuntimeProbe(),
			metrics.ProcessProbe(),
			metrics.SessionProbe(svc.ListStreaming),
		)
		collector.Start(ctx)
	}

	g, gctx := errgroup.WithContext(ctx)

	if cfg.Risk.AutoEvaluate {
		svc.Governor().Start(gctx)
	}
	startTargets(gctx, svc, cfg.Streaming.AutoStart)

	var server *web.Server
	if cfg.Web.Enabled {
		if err := logger.InitWebLogger(); err != nil {
			logger.Warn("⚠️ 初始化 Web 日志失败: %v", err)
		}
		var wf web.Feed
		if feed != nil {
			wf = feed
		}
		if cfg.Web.APIKey == "" {
			logger.Warn("⚠️ 未配置 web.api_key，受保护的接口将返回 503")
		}
		server = web.NewServer(svc, wf, cfg.Web.APIKey, logger.GetLevel() == logger.DEBUG)
		g.Go(func() error {
			return server.Run(gctx, cfg.Web.Host, cfg.Web.Port)
		})
	}

	if watch {
		reloader := config.NewHotReloader(cfg)
		reloader.RegisterCallback(func(oldCfg, newCfg *config.Config, diff *config.ConfigDiff) error {
			return applyReload(gctx, svc, server, oldCfg, newCfg, diff)
		})
		watcher, err := config.NewConfigWatcher(configPath, reloader)
		if err != nil {
			logger.Warn("⚠️ 创建配置监控器失败: %v", err)
		} else if err := watcher.Start(gctx); err != nil {
			logger.Warn("⚠️ 启动配置监控器失败: %v", err)
		} else {
			defer watcher.Stop()
			g.Go(func() error {
				for {
					select {
					case <-gctx.Done():
						return nil
					case err := <-watcher.GetErrorChan():
						logger.Warn("⚠️ 配置监控: %v", err)
					case diff := <-watcher.GetRestartChan():
						logger.Warn("⚠️ 以下配置需要重启服务才能生效: %v", diff.RestartPaths())
					}
				}
			})
		}
	}

	logger.Info("✅ 系统初始化完成，程序正在运行中...")
	logger.Info("💡 按 Ctrl+C 退出程序")

	<-gctx.Done()
	logger.Info("🛑 收到退出信号，开始优雅关闭...")
	err = g.Wait()

	// 先停流会话和自动断开，再排空事件队列，最后关闭存储
	c.close()
	if collector != nil {
		collector.Stop()
	}
	center.Stop()
	ns.Wait()
	if feed != nil {
		if cerr := feed.Close(); cerr != nil {
			logger.Warn("⚠️ 关闭流日志存储失败: %v", cerr)
		}
	}
	logger.Info("✅ 已退出")
	return err
}

// startTargets 启动配置中的流会话，已在运行的保持不变
func startTargets(ctx context.Context, svc *copysync.Service, targets []config.StreamTarget) {
	for _, t := range targets {
		res := svc.StartStreaming(ctx, t.AccountID, t.StrategyID, t.Category)
		if !res.Success {
			logger.Error("❌ [%s] 自动启动持仓流失败: %s", t.AccountID, res.Error)
			continue
		}
		logger.Info("📡 [%s] 已自动启动持仓流 (策略 %s)", t.AccountID, t.StrategyID)
	}
}

// applyReload 热更新不需要重启的配置项
func applyReload(ctx context.Context, svc *copysync.Service, server *web.Server, oldCfg, newCfg *config.Config, diff *config.ConfigDiff) error {
	for _, ch := range diff.Changes {
		logger.Info("🔄 配置变更 %s: %v -> %v", ch.Path, ch.OldValue, ch.NewValue)
	}

	if diff.Has("risk") || diff.Has("gateway.batch") {
		if err := svc.Governor().UpdateConfig(governorConfig(newCfg)); err != nil {
			return errors.Wrap(err, "风控配置无效")
		}
	}
	if diff.Has("system") {
		applySystemConfig(newCfg)
	}
	if diff.Has("error_tracker.threshold") {
		svc.Tracker().SetThreshold(newCfg.ErrorTracker.Threshold)
	}
	if diff.Has("streaming") {
		svc.Streams().UpdateConfig(streamingConfig(newCfg))
	}
	if diff.Has("streaming.close_debounce") {
		logger.Warn("⚠️ streaming.close_debounce 需要重启后生效")
	}
	if diff.Has("streaming.auto_start") {
		keep := make(map[string]bool, len(newCfg.Streaming.AutoStart))
		for _, t := range newCfg.Streaming.AutoStart {
			keep[t.AccountID] = true
		}
		for _, t := range oldCfg.Streaming.AutoStart {
			if !keep[t.AccountID] {
				svc.StopStreaming(t.AccountID)
				logger.Info("⏹️ [%s] 已从自动启动列表移除，停止持仓流", t.AccountID)
			}
		}
		startTargets(ctx, svc, newCfg.Streaming.AutoStart)
	}
	if diff.Has("web.api_key") && server != nil {
		server.SetAPIKey(newCfg.Web.APIKey)
		logger.Info("🔑 API Key 已更新")
	}
	if diff.Has("web.language") {
		i18n.SetSystemLanguage(newCfg.Web.Language)
		logger.Info("🌐 默认语言切换为 %s", newCfg.Web.Language)
	}
	return nil
}
