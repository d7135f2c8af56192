package main

import (
	"binance-trailing-stop-go/internal/api"
	"binance-trailing-stop-go/internal/config"
	"binance-trailing-stop-go/internal/controller"
	"binance-trailing-stop-go/internal/exchange"
	"binance-trailing-stop-go/internal/logger"
	"binance-trailing-stop-go/internal/metrics"
	"binance-trailing-stop-go/internal/models"
	"binance-trailing-stop-go/internal/notify"
	"binance-trailing-stop-go/internal/persistence"
	"binance-trailing-stop-go/internal/reporter"
	"binance-trailing-stop-go/internal/statemanager"
	"binance-trailing-stop-go/internal/strategy"
	"bytes"
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

func main() {
	// --- 命令行参数定义 ---
	configPath := flag.String("config", "config.json", "path to the config file")
	symbol := flag.String("symbol", "", "instrument to watch on startup (overrides the saved and configured symbol)")
	flag.Parse()

	// 先用默认配置初始化日志, 以便记录加载配置过程中的问题
	logger.InitLogger(models.LogConfig{Level: "info", Output: "console"})

	// --- 加载 .env 文件 ---
	if err := godotenv.Load(); err != nil {
		logger.S().Info("未找到 .env 文件，将从系统环境变量中读取。")
	} else {
		logger.S().Info("成功从 .env 文件加载配置。")
	}

	// --- 加载 JSON 配置 ---
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		logger.S().Fatalf("无法加载配置文件: %v", err)
	}

	// --- 使用文件中的配置重新初始化日志 ---
	logger.InitLogger(cfg.LogConfig)
	defer logger.S().Sync()

	run(cfg, *symbol)
}

// run 启动行情监控, 阻塞直到收到退出信号
func run(cfg *models.Config, symbolOverride string) {
	log := logger.L()
	if cfg.IsTestnet {
		logger.S().Info("正在使用币安测试网...")
	} else {
		logger.S().Info("正在使用币安生产网...")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// --- 操作员设置 ---
	repo, err := persistence.NewBadgerRepository(cfg.DBPath, log)
	if err != nil {
		logger.S().Fatalf("无法打开状态数据库: %v", err)
	}
	defer repo.Close()

	saved, err := repo.LoadState()
	if err != nil {
		logger.S().Warnf("无法加载已保存的设置: %v，将使用配置文件中的参数。", err)
		saved = nil
	}
	initial := restoreStrategy(cfg, saved)
	store, err := strategy.NewConfigStore(initial)
	if err != nil {
		logger.S().Fatalf("策略参数无效: %v", err)
	}

	operatorState := &models.OperatorState{Version: models.CurrentStateVersion, Strategy: initial}
	if saved != nil {
		operatorState.Symbol = saved.Symbol
		operatorState.LastUpdateTime = saved.LastUpdateTime
	}
	// 启动时生效的设置 (可能来自配置文件) 作为一次重置写回存储
	states := statemanager.NewStateManager(nil, repo, log.Named("state"))
	states.DispatchEvent(statemanager.NormalizedEvent{Type: statemanager.StateResetEvent, Data: operatorState})
	states.Start()
	defer states.Stop()

	// --- 交易对列表 ---
	binanceCatalog := exchange.NewBinanceCatalog(cfg.BaseURL, log.Named("catalog"))
	var catalog exchange.Catalog = binanceCatalog
	if err := binanceCatalog.Refresh(ctx); err != nil {
		if cfg.Symbol == "" {
			logger.S().Fatalf("获取交易对列表失败且未配置 symbol: %v", err)
		}
		logger.S().Warnf("获取交易对列表失败: %v，只允许监控配置的交易对 %s。", err, cfg.Symbol)
		catalog = exchange.NewStaticCatalog(models.Instrument{Symbol: strings.ToUpper(cfg.Symbol)})
	} else {
		go binanceCatalog.Run(ctx, time.Duration(cfg.CatalogRefreshSec)*time.Second)
	}

	// --- 行情与控制器 ---
	feed := exchange.NewLiveFeed(cfg.WSBaseURL, exchange.LiveFeedOptions{
		PingPeriod:         time.Duration(cfg.WebSocketPingInterval) * time.Second,
		PongWait:           time.Duration(cfg.WebSocketPongTimeout) * time.Second,
		ReconnectAttempts:  cfg.ReconnectAttempts,
		BackoffMin:         time.Duration(cfg.RetryInitialDelayMs) * time.Millisecond,
		BackoffMax:         time.Duration(cfg.RetryMaxDelayMs) * time.Millisecond,
		UnsubscribeTimeout: time.Duration(cfg.UnsubscribeTimeoutMs) * time.Millisecond,
	}, log.Named("feed"))

	prom := metrics.NewPrometheus()
	ctrl := controller.New(controller.Dependencies{
		Catalog: catalog,
		Feed:    feed,
		Prices:  binanceCatalog,
		Store:   store,
		Events:  states,
		Metrics: prom.Metrics,
	}, controller.Options{
		Interval:       cfg.KlineInterval,
		DisarmOnSwitch: *cfg.Strategy.DisarmOnSwitch,
		RetryAttempts:  cfg.SubscribeRetryAttempts,
		RetryMin:       time.Duration(cfg.RetryInitialDelayMs) * time.Millisecond,
		RetryMax:       time.Duration(cfg.RetryMaxDelayMs) * time.Millisecond,
	}, log.Named("controller"))

	// --- 卖出通知 ---
	notifiers := []notify.Notifier{notify.NewLogNotifier(log.Named("notify"))}
	if cfg.Telegram.Enabled {
		notifiers = append(notifiers, notify.NewTelegram(cfg.Telegram, log.Named("telegram")))
	}
	dispatcher := notify.NewDispatcher(log.Named("notify"), 10*time.Second, notifiers...)
	dispatcher.Start()
	defer dispatcher.Stop()
	ctrl.OnSellSignal(dispatcher.Observe)

	// --- 操作员 API ---
	server := api.NewServer(cfg.HTTPAddr, ctrl, prom.Handler(), log.Named("api"))
	server.Start()

	symbol := pickInitialSymbol(symbolOverride, saved, cfg.Symbol, catalog.List())
	if symbol == "" {
		logger.S().Warn("没有可监控的交易对，请通过 POST /api/instrument 选择。")
	} else if err := ctrl.SelectInstrument(ctx, symbol); err != nil {
		logger.S().Errorf("无法开始监控 %s: %v", symbol, err)
	}

	go statusLoop(ctx, ctrl, time.Duration(cfg.StatusIntervalSec)*time.Second)

	// 等待中断信号以实现优雅退出
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.S().Info("收到退出信号，正在停止...")

	cancel()
	// 先关闭控制器: Watch 通道关闭后 /api/stream 的连接才会结束
	ctrl.Shutdown()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.S().Warnf("关闭 API 服务失败: %v", err)
	}
	logger.S().Info("已停止，设置已保存。")
}

// restoreStrategy 优先使用上次保存的策略参数, 无效时回退到配置文件。
func restoreStrategy(cfg *models.Config, saved *models.OperatorState) models.StrategyConfig {
	fromConfig := models.StrategyConfig{
		PurchasePrice:   cfg.Strategy.PurchasePrice,
		RetraceFraction: cfg.Strategy.RetraceFraction,
		SellEnabled:     cfg.Strategy.SellEnabled,
	}
	if saved == nil {
		return fromConfig
	}
	if err := strategy.Validate(saved.Strategy); err != nil {
		logger.S().Warnf("已保存的策略参数无效 (%v)，使用配置文件中的参数。", err)
		return fromConfig
	}
	logger.S().Infof("恢复已保存的策略参数: 买入价 %s, 回撤 %s, 自动卖出 %v",
		saved.Strategy.PurchasePrice, saved.Strategy.RetraceFraction, saved.Strategy.SellEnabled)
	return saved.Strategy
}

// pickInitialSymbol: 命令行 > 上次选择 > 配置文件 > 列表中的第一个
func pickInitialSymbol(override string, saved *models.OperatorState, configured string, instruments []models.Instrument) string {
	if override != "" {
		return strings.ToUpper(override)
	}
	if saved != nil && saved.Symbol != "" {
		return saved.Symbol
	}
	if configured != "" {
		return strings.ToUpper(configured)
	}
	if len(instruments) > 0 {
		return instruments[0].Symbol
	}
	return ""
}

func statusLoop(ctx context.Context, ctrl *controller.Controller, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			var buf bytes.Buffer
			reporter.RenderSnapshot(&buf, ctrl.CurrentSnapshot())
			logger.L().Info("status\n"+buf.String(), zap.Time("at", time.Now()))
		}
	}
}
