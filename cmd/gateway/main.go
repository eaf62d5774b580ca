package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/betbot/goquant/internal/controlplane/server"
	"github.com/betbot/goquant/internal/exchange"
	"github.com/betbot/goquant/internal/feed"
	"github.com/betbot/goquant/internal/hub"
	"github.com/betbot/goquant/internal/metrics"
	"github.com/betbot/goquant/internal/services"
	"github.com/betbot/goquant/pkg/config"
	"github.com/betbot/goquant/pkg/logger"
	"github.com/betbot/goquant/pkg/ratelimit"
	"github.com/betbot/goquant/pkg/secretstore"
	"github.com/betbot/goquant/pkg/shutdown"
	"github.com/betbot/goquant/pkg/syncgroup"
)

func main() {
	configPath := flag.String("config", "", "配置文件路径（支持 .yaml, .yml, .json）")
	envFile := flag.String("env-file", ".env", "启动前加载的 .env 文件（不存在时忽略）")
	flag.Parse()

	if *envFile != "" {
		if err := godotenv.Load(*envFile); err != nil && !os.IsNotExist(errors.Cause(err)) {
			fmt.Fprintf(os.Stderr, "加载 %s 失败: %v\n", *envFile, err)
		}
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "配置校验失败: %v\n", err)
		os.Exit(1)
	}

	log, logCloser, err := logger.New(logger.Config{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		OutputFile: cfg.Log.File,
		MaxSize:    cfg.Log.MaxSize,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAge:     cfg.Log.MaxAge,
		Compress:   cfg.Log.Compress,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "初始化日志失败: %v\n", err)
		os.Exit(1)
	}
	defer logCloser.Close()

	if err := run(cfg, log); err != nil {
		log.Errorf("❌ 网关退出: %v", err)
		_ = logCloser.Close()
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *logrus.Logger) error {
	if err := resolveCredentials(cfg); err != nil {
		return err
	}

	rootCtx, rootCancel := context.WithCancel(context.Background())
	defer rootCancel()

	gw := exchange.NewGateway(exchange.Config{
		BaseURL:        cfg.ExchangeBaseURL(),
		RequestTimeout: cfg.Exchange.RequestTimeout.Std(),
		GrantType:      cfg.Exchange.GrantType,
		Limits: ratelimit.Limits{
			MatchingPerSecond:    cfg.Exchange.RateLimit.MatchingPerSecond,
			MatchingBurst:        cfg.Exchange.RateLimit.MatchingBurst,
			NonMatchingPerSecond: cfg.Exchange.RateLimit.NonMatchingPerSecond,
			NonMatchingBurst:     cfg.Exchange.RateLimit.NonMatchingBurst,
		},
		InstrumentsTTL: cfg.Exchange.InstrumentsTTL.Std(),
	}, exchange.NewCredential(cfg.Exchange.APIKey, cfg.Exchange.APISecret), logger.Component(log, "exchange_gateway"))

	log.Infof("🔐 正在认证: %s", cfg.ExchangeBaseURL())
	if err := gw.AuthenticateErr(rootCtx); err != nil {
		return errors.Wrap(err, "认证失败")
	}

	registry := services.NewOrderRegistry(gw, logger.Component(log, "order_registry"))
	syncer := services.NewOrderSyncer(registry,
		cfg.Orders.SyncIntervalWithOrders.Std(),
		cfg.Orders.SyncIntervalWithoutOrders.Std(),
		logger.Component(log, "order_syncer"))
	keeper := exchange.NewTokenKeeper(gw, cfg.Exchange.RenewMargin.Std(), cfg.Exchange.RetryDelay.Std(), logger.Component(log, "token_keeper"))

	h := hub.New(hub.Config{
		Addr:           cfg.Hub.Listen,
		SendQueueSize:  cfg.Hub.SendQueueSize,
		WriteTimeout:   cfg.Hub.WriteTimeout.Std(),
		PongWait:       cfg.Hub.PongWait.Std(),
		MaxMessageSize: cfg.Hub.MaxMessageSize,
	}, logger.Component(log, "hub"))

	mf := feed.New(gw, h, feed.Config{
		PollInterval: cfg.Feed.PollInterval.Std(),
		Depth:        cfg.Feed.Depth,
		Concurrency:  cfg.Feed.Concurrency,
	}, logger.Component(log, "market_feed"))
	registry.OnOrderUpdate(mf.OrderUpdates)

	sd := shutdown.NewManager(logger.Component(log, "shutdown"))
	group := syncgroup.NewSyncGroup(logger.Component(log, "syncgroup"))

	if err := h.Start(rootCtx); err != nil {
		return errors.Wrap(err, "启动订阅中心失败")
	}
	log.Infof("📡 订阅中心已启动: ws://%s/ws", h.Addr())
	sd.OnShutdown("hub", func(context.Context) error { return h.Stop() })

	if cfg.ControlPlane.Listen != "" {
		cp, err := server.New(server.Config{Listen: cfg.ControlPlane.Listen}, registry, gw, logger.Component(log, "controlplane"))
		if err != nil {
			return err
		}
		if err := cp.Start(rootCtx); err != nil {
			return errors.Wrap(err, "启动控制面失败")
		}
		log.Infof("🛠️ 控制面已启动: http://%s/api", cp.Addr())
		sd.OnShutdown("controlplane", func(context.Context) error { return cp.Close() })
	}

	if addr := cfg.Metrics.Listen; addr != "" {
		if _, err := metrics.StartAsync(rootCtx, addr, logger.Component(log, "metrics")); err != nil {
			log.Errorf("metrics/pprof 启动失败: %v", err)
		} else {
			log.Infof("📊 metrics/pprof 启用: listen=%s (expvar:/debug/vars, pprof:/debug/pprof)", addr)
		}
	}

	group.GoCtx(rootCtx, "token_keeper", keeper.Run)
	group.GoCtx(rootCtx, "order_syncer", syncer.Run)
	group.GoCtx(rootCtx, "market_feed", mf.Run)

	// 先停后台循环，再关监听
	sd.OnShutdown("workers", func(ctx context.Context) error {
		rootCancel()
		wait := 5 * time.Second
		if dl, ok := ctx.Deadline(); ok {
			wait = time.Until(dl)
		}
		if !group.WaitTimeout(wait) {
			return errors.Errorf("后台任务未退出: %s", strings.Join(group.Running(), ","))
		}
		return nil
	})

	log.Info("✅ 网关已启动，按 Ctrl+C 停止")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	select {
	case sig := <-sigChan:
		log.Infof("收到信号 %s，正在关闭...", sig)
	case <-rootCtx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if failed := sd.Shutdown(shutdownCtx); failed > 0 {
		log.Warnf("⚠️ 关闭过程中 %d 项失败", failed)
	}
	log.Info("✅ 网关已停止")
	return nil
}

// resolveCredentials 环境变量优先，其次从加密密钥库读取
func resolveCredentials(cfg *config.Config) error {
	if cfg.HasCredentials() {
		return nil
	}
	if cfg.Secrets.Path == "" {
		return errors.New("缺少凭证：设置 DERIBIT_API_KEY/DERIBIT_API_SECRET 或配置 secrets.path")
	}
	key, err := secretstore.ParseKey(cfg.Secrets.Key)
	if err != nil {
		return errors.Wrap(err, "SECRETSTORE_KEY 不合法")
	}
	store, err := secretstore.Open(secretstore.OpenOptions{Path: cfg.Secrets.Path, EncryptionKey: key, ReadOnly: true})
	if err != nil {
		return errors.Wrap(err, "打开密钥库失败")
	}
	defer store.Close()

	creds, found, err := store.LoadCredentials()
	if err != nil {
		return errors.Wrap(err, "读取密钥库失败")
	}
	if !found {
		return errors.Errorf("密钥库 %s 中没有凭证", cfg.Secrets.Path)
	}
	cfg.Exchange.APIKey = creds.APIKey
	cfg.Exchange.APISecret = creds.APISecret
	return nil
}
