package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/arbbot/goarb/internal/capital"
	"github.com/arbbot/goarb/internal/controlplane"
	"github.com/arbbot/goarb/internal/domain"
	"github.com/arbbot/goarb/internal/execution"
	"github.com/arbbot/goarb/internal/ledger"
	"github.com/arbbot/goarb/internal/metrics"
	"github.com/arbbot/goarb/internal/position"
	"github.com/arbbot/goarb/internal/runtimecfg"
	"github.com/arbbot/goarb/internal/strategy"
	"github.com/arbbot/goarb/internal/venue"
	"github.com/arbbot/goarb/pkg/config"
	"github.com/arbbot/goarb/pkg/logger"
	"github.com/arbbot/goarb/pkg/shutdown"
)

func main() {
	configPath := flag.String("config", "", "配置文件路径（YAML）")
	flag.Parse()

	if err := logger.InitDefault(); err != nil {
		panic(fmt.Sprintf("初始化日志失败: %v", err))
	}

	if *configPath != "" {
		config.SetConfigPath(*configPath)
		logrus.Infof("使用配置文件: %s", *configPath)
	}

	cfg, err := config.Load()
	if err != nil {
		logrus.Errorf("加载配置失败: %v", err)
		os.Exit(1)
	}
	if cfg.Venue.PrivateKey == "" {
		logrus.Error("ARB_PRIVATE_KEY 未配置")
		os.Exit(1)
	}

	// 配置里的日志级别与文件路径生效
	if err := logger.Init(logger.Config{
		Level:      cfg.LogLevel,
		OutputFile: cfg.LogFile,
		MaxSize:    100,
		MaxBackups: 3,
		MaxAge:     7,
		Compress:   true,
	}); err != nil {
		logrus.Errorf("初始化日志失败: %v", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fees := domain.FeeSchedule{
		PerpMakerBps: cfg.Fees.PerpMakerBps,
		PerpTakerBps: cfg.Fees.PerpTakerBps,
		SpotMakerBps: cfg.Fees.SpotMakerBps,
		SpotTakerBps: cfg.Fees.SpotTakerBps,
	}

	// 交易所接入
	signer, err := venue.NewLocalSigner(cfg.Venue.PrivateKey, true)
	if err != nil {
		logrus.Errorf("初始化签名器失败: %v", err)
		os.Exit(1)
	}
	client := venue.NewClient(cfg.Venue.APIURL, signer, cfg.Venue.Coin, cfg.Venue.SpotPair)
	if err := client.Init(ctx); err != nil {
		logrus.Errorf("解析交易所元数据失败: %v", err)
		os.Exit(1)
	}

	// 存储
	db, err := ledger.Open(cfg.Ledger.DBPath)
	if err != nil {
		logrus.Errorf("打开账本失败: %v", err)
		os.Exit(1)
	}
	store, err := runtimecfg.Open(cfg.RuntimeDir)
	if err != nil {
		logrus.Errorf("打开运行时参数库失败: %v", err)
		os.Exit(1)
	}
	edgeWriter := ledger.NewEdgeWriter(db, cfg.Ledger.EdgeBufferSize, time.Duration(cfg.Ledger.EdgeFlushMs)*time.Millisecond)

	// 执行层
	qz := execution.NewQuantizer(client.SzDecimals(), client.SpotSzDecimals())
	deadman := execution.NewDeadmanScheduler(client, time.Duration(cfg.Strategy.DeadmanMs)*time.Millisecond)

	defaults := runtimecfg.Params{
		ThresholdBps:  cfg.Strategy.ThresholdBps,
		SpikeExtraBps: cfg.Strategy.SpikeExtraBps,
		AllocUSD:      cfg.Strategy.AllocUSD,
		DryRun:        cfg.Strategy.DryRun,
	}

	admitter := capital.NewAdmissionController(
		client,
		time.Duration(cfg.Capital.BalanceTTLMs)*time.Millisecond,
		cfg.Capital.SpotBufferPct, cfg.Capital.PerpBufferPct,
		cfg.Strategy.Leverage, cfg.Strategy.MinNotionalUSD,
	)
	rebalancer := capital.NewRebalancer(client, client, client, qz, cfg.Venue.SpotPair, cfg.Capital.MinTransferUSD)

	// 行情回调只负责投递：读循环还要派发 post 响应，决不能被策略阻塞。
	// 通道容量 1 且保留最新快照，主循环忙时旧盘口直接作废
	tickCh := make(chan domain.TopOfBook, 1)
	feed := venue.NewMarketFeed(cfg.Venue.WSURL, cfg.Venue.Coin, client.SpotCoinName(), func(tob domain.TopOfBook) {
		for {
			select {
			case tickCh <- tob:
				return
			default:
				select {
				case <-tickCh:
				default:
				}
			}
		}
	})
	client.SetQuotes(feed)
	client.SetPostSession(feed)

	engine := execution.NewEngine(client, feed, qz, fees, deadman, cfg.Venue.Coin, cfg.Venue.SpotPair)
	closer := execution.NewCloseStrategy(
		client, feed, qz, deadman,
		time.Duration(cfg.Close.MakerWaitSec)*time.Second,
		time.Duration(cfg.Close.PollIntervalSec)*time.Second,
		cfg.Venue.Coin, cfg.Venue.SpotPair,
	)

	manager := position.NewManager(closer, fees,
		cfg.Strategy.CloseEdgeBps,
		time.Duration(cfg.Strategy.PositionTimeoutSec)*time.Second,
	)
	manager.OnClosed(func(pos *domain.Position) {
		admitter.InvalidateBalances()
		if err := db.MarkPositionClosed(context.Background(), pos); err != nil {
			logrus.Errorf("平仓落盘失败: %v", err)
		}
	})

	orch := strategy.NewOrchestrator(
		strategy.OrchestratorConfig{
			Defaults:        defaults,
			Fees:            fees,
			MaxOpenPos:      cfg.Strategy.MaxOpenPositions,
			TradesPerMinute: cfg.Strategy.MaxTradesPerMinute,
			FailureCooldown: time.Duration(cfg.Strategy.FailureCooldownSec) * time.Second,
		},
		engine, admitter, manager, db, edgeWriter, store,
	)

	// 主循环消费 tick，独立于行情读循环
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case tob := <-tickCh:
				orch.OnTick(ctx, tob)
			}
		}
	}()

	// 自动再平衡
	autoRebalancer := capital.NewAutoRebalancer(
		rebalancer, client,
		5*time.Second,
		cfg.Capital.RebalanceDeviation,
		time.Duration(cfg.Capital.RebalanceCooldownSec)*time.Second,
	)
	go autoRebalancer.Run(ctx)

	// debug 服务按需开启，仅建议监听本机
	if cfg.DebugAddr != "" {
		if _, err := metrics.StartAsync(ctx, cfg.DebugAddr); err != nil {
			logrus.Warnf("启动 debug 服务失败: %v", err)
		}
	}

	// 控制面
	cp := controlplane.New(controlplane.Deps{
		Store:      store,
		Ledger:     db,
		Manager:    manager,
		Admitter:   admitter,
		Rebalancer: rebalancer,
		Defaults:   defaults,
	})
	if err := cp.Start(cfg.HTTPAddr); err != nil {
		logrus.Errorf("启动控制面失败: %v", err)
		os.Exit(1)
	}

	// 行情最后启动，此时所有下游组件都已就绪
	if err := feed.Start(ctx); err != nil {
		logrus.Errorf("启动行情失败: %v", err)
		os.Exit(1)
	}

	logrus.Infof("✅ 启动完成: coin=%s spot=%s threshold=%.2fbps dryRun=%v",
		cfg.Venue.Coin, cfg.Venue.SpotPair, defaults.ThresholdBps, defaults.DryRun)

	sm := shutdown.NewManager()
	sm.OnShutdown(func(shutdownCtx context.Context, _ *sync.WaitGroup) {
		// 有序关闭：行情 -> 控制面 -> 解除 deadman -> 存储
		feed.Stop()
		if err := cp.Shutdown(shutdownCtx); err != nil {
			logrus.Warnf("控制面关闭失败: %v", err)
		}
		// 进程退出前取消计划撤单，避免退出瞬间挂单被误撤
		deadman.Disarm(shutdownCtx)
		edgeWriter.Close()
		if err := db.Close(); err != nil {
			logrus.Warnf("关闭账本失败: %v", err)
		}
		if err := store.Close(); err != nil {
			logrus.Warnf("关闭运行时参数库失败: %v", err)
		}
	})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logrus.Infof("收到信号 %s，开始优雅关闭", sig)

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	sm.Shutdown(shutdownCtx)
	logrus.Info("⏹️ 已退出")
}
