package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/arbbot/goarb/internal/capital"
	"github.com/arbbot/goarb/internal/execution"
	"github.com/arbbot/goarb/internal/venue"
	"github.com/arbbot/goarb/pkg/config"
	"github.com/arbbot/goarb/pkg/logger"
)

// 手动触发一次两腿资金再平衡的命令行工具
func main() {
	configPath := flag.String("config", "", "配置文件路径（YAML）")
	dryRun := flag.Bool("dry-run", false, "只计算划转金额，不实际动账")
	flag.Parse()

	if err := logger.InitDefault(); err != nil {
		panic(fmt.Sprintf("初始化日志失败: %v", err))
	}

	if *configPath != "" {
		config.SetConfigPath(*configPath)
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

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

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

	qz := execution.NewQuantizer(client.SzDecimals(), client.SpotSzDecimals())
	rebalancer := capital.NewRebalancer(client, client, client, qz, cfg.Venue.SpotPair, cfg.Capital.MinTransferUSD)

	report, err := rebalancer.Rebalance(ctx, *dryRun)
	if err != nil {
		logrus.Errorf("❌ 再平衡失败: %v", err)
		os.Exit(1)
	}

	mode := "实际执行"
	if report.DryRun {
		mode = "dry-run"
	}
	logrus.Infof("✅ 再平衡完成 (%s)", mode)
	logrus.Infof("  合约账户: %.2f USD", report.PerpUSD)
	logrus.Infof("  现货账户: %.2f USD", report.SpotUSD)
	if report.DustSold > 0 {
		logrus.Infof("  清理碎仓: %.6f", report.DustSold)
	}
	switch {
	case report.Transferred > 0:
		logrus.Infof("  划入合约: %.2f USD", report.Transferred)
	case report.Transferred < 0:
		logrus.Infof("  划入现货: %.2f USD", -report.Transferred)
	default:
		logrus.Info("  两腿已平衡，无需划转")
	}
}
