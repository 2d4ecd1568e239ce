package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"math/big"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"FAsset-Agent/internal/agent"
	"FAsset-Agent/internal/api"
	"FAsset-Agent/internal/chain"
	"FAsset-Agent/internal/chain/ethereum"
	"FAsset-Agent/internal/config"
	"FAsset-Agent/internal/fasset"
	"FAsset-Agent/internal/locks"
	"FAsset-Agent/internal/observability/alerting"
	"FAsset-Agent/internal/proofs"
	"FAsset-Agent/internal/store"
	"FAsset-Agent/internal/wallet"
	"FAsset-Agent/internal/workflow"
	"FAsset-Agent/pkg/logger"
)

// main 是 FAsset 代理守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("fagentd 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	configPath := os.Getenv("FAGENT_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "fagent.json")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OutputPaths: cfg.Logging.OutputPaths,
	}); err != nil {
		return err
	}
	defer func() {
		_ = logger.Sync()
	}()

	defs, err := chain.LoadDefinitions(cfg.Chains.Definitions)
	if err != nil {
		return err
	}

	// 持久化仓库。
	var repo store.Store
	switch cfg.Storage.Driver {
	case "", "memory":
		repo = store.NewMemoryStore()
	case "mysql":
		repo, err = store.NewMySQLStore(cfg.Storage.DSN)
		if err != nil {
			return err
		}
	default:
		return fmt.Errorf("未知的存储驱动: %s", cfg.Storage.Driver)
	}
	defer func() {
		_ = repo.Close()
	}()

	// 地址锁。
	var lockManager locks.Manager
	switch cfg.Locks.Driver {
	case "", "memory":
		lockManager = locks.NewMemoryManager()
	case "redis":
		lockManager, err = locks.NewRedisManager(locks.RedisConfig{
			Address:  cfg.Locks.Redis.Address,
			Password: cfg.Locks.Redis.Password,
			DB:       cfg.Locks.Redis.DB,
			Prefix:   cfg.Locks.Redis.Prefix,
			TTL:      time.Duration(cfg.Locks.Redis.TTLSeconds) * time.Second,
		})
		if err != nil {
			return err
		}
	default:
		return fmt.Errorf("未知的锁驱动: %s", cfg.Locks.Driver)
	}

	// 告警通道：日志始终开启，其余按配置叠加。
	notifiers := []alerting.Notifier{&alerting.LogNotifier{Logger: logger.Named("alerting")}}
	if cfg.Alerts.Webhook.Enabled {
		notifiers = append(notifiers, &alerting.WebhookNotifier{
			URL:    cfg.Alerts.Webhook.URL,
			APIKey: cfg.Alerts.Webhook.APIKey,
		})
	}
	if cfg.Alerts.AMQP.Enabled {
		amqpNotifier, err := alerting.NewAMQPNotifier(alerting.AMQPConfig{
			URL:        cfg.Alerts.AMQP.URL,
			Exchange:   cfg.Alerts.AMQP.Exchange,
			RoutingKey: cfg.Alerts.AMQP.RoutingKey,
			Durable:    cfg.Alerts.AMQP.Durable,
		})
		if err != nil {
			return err
		}
		defer amqpNotifier.Close()
		notifiers = append(notifiers, amqpNotifier)
	}
	alerts := alerting.NewFanout(notifiers...)

	// 基础链访问。
	chainClient, err := ethereum.NewClient(ctx, ethereum.Config{
		Name:   "base",
		RPCURL: defs.Base.RPCURL,
	})
	if err != nil {
		return err
	}
	defer chainClient.Close()

	manager, err := ethereum.NewAssetManager(ethereum.AssetManagerConfig{
		Address: defs.Base.AssetManager,
		Account: cfg.Owner.WorkAddress,
	}, chainClient, chainClient)
	if err != nil {
		return err
	}

	// 底层链钱包与证明客户端。
	walletClient, err := wallet.NewClient(wallet.ClientConfig{
		URL:    cfg.Wallet.URL,
		APIKey: cfg.Wallet.APIKey,
	})
	if err != nil {
		return err
	}

	proofClient, err := proofs.NewClient(proofs.Config{
		ProviderURLs:   cfg.Proofs.ProviderURLs,
		VerifierURL:    cfg.Proofs.VerifierURL,
		VerifierAPIKey: cfg.Proofs.VerifierAPIKey,
		RelayAddress:   defs.Base.Relay,
		HubAddress:     defs.Base.FdcHub,
		SourceID:       defs.Underlying.SourceID,
		Account:        cfg.Owner.WorkAddress,
	}, chainClient, chainClient)
	if err != nil {
		return err
	}
	expiry := proofs.NewExpiryChecker(proofClient, walletClient, cfg.Proofs.QueryWindowSeconds, 0)

	workflowCfg, err := buildWorkflowConfig(cfg, defs)
	if err != nil {
		return err
	}

	deps := &workflow.Deps{
		Store:   repo,
		Manager: manager,
		Wallet:  walletClient,
		Proofs:  proofClient,
		Expiry:  expiry,
		Native:  chainClient,
		Locks:   lockManager,
		Alerts:  alerts,
		Log:     logger.Named("workflow"),
		Config:  workflowCfg,
	}

	if err := seedAgents(ctx, repo, cfg, defs); err != nil {
		return err
	}

	agentCfg := agent.Config{
		TickInterval:           time.Duration(cfg.Runtime.TickSeconds) * time.Second,
		MaxEventRetries:        cfg.Runtime.MaxEventRetries,
		CollateralInterval:     time.Duration(cfg.Runtime.CollateralSeconds) * time.Second,
		DailyTasksInterval:     time.Duration(cfg.Runtime.DailyTasksSeconds) * time.Second,
		OwnerUnderlyingAddress: cfg.Owner.UnderlyingAddress,
	}

	// 每个金库一个协调器。单个金库失败不拖垮其余金库。
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	var wg sync.WaitGroup
	for _, agentCfgEntry := range cfg.Agents {
		reader, err := agent.NewReader(agent.ReaderConfig{
			AssetManager: defs.Base.AssetManager,
			PriceReader:  defs.Base.PriceReader,
			Finalization: defs.Base.FinalizationBlocks,
			ChunkSize:    defs.Base.LogChunkSize,
			MaxSpan:      defs.Base.MaxBlocksPerTick,
		}, chainClient)
		if err != nil {
			return err
		}
		orchestrator := agent.New(agentCfg, deps, reader)

		wg.Add(1)
		go func(vault string) {
			defer wg.Done()
			if err := orchestrator.Run(runCtx, vault); err != nil && !errors.Is(err, context.Canceled) {
				logger.L().Error("代理主循环退出",
					slog.String("vault", vault),
					slog.String("error", err.Error()))
			}
		}(agentCfgEntry.VaultAddress)
	}

	server := api.NewServer(cfg.Server.Address, cfg.Server.APIKey, repo)
	err = server.Start(ctx)

	cancel()
	wg.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// seedAgents 确保配置里的每个金库在仓库里都有记录；已存在的保持原状，
// 事件游标等持久状态不会被启动覆盖。
func seedAgents(ctx context.Context, repo store.Store, cfg *config.Config, defs chain.Definitions) error {
	for _, entry := range cfg.Agents {
		record := &fasset.Agent{
			VaultAddress:      entry.VaultAddress,
			PoolAddress:       entry.PoolAddress,
			OwnerWorkAddress:  cfg.Owner.WorkAddress,
			UnderlyingAddress: entry.UnderlyingAddress,
			ChainID:           defs.Underlying.ChainID,
			Active:            true,
			ClosingPhase:      fasset.ClosingPublic,
			DailyTasksAt:      time.Now().Unix(),
		}
		if err := repo.CreateAgent(ctx, record); err != nil && !errors.Is(err, store.ErrConflict) {
			return err
		}
	}
	return nil
}

func buildWorkflowConfig(cfg *config.Config, defs chain.Definitions) (workflow.Config, error) {
	workflowCfg := workflow.Config{
		ProofRetryExtraRounds:     cfg.Proofs.ProofRetryExtraRounds,
		UnderlyingFinalization:    defs.Underlying.FinalizationBlocks,
		LiquidationPreventionBIPS: cfg.Runtime.LiquidationPreventBIPS,
	}
	var err error
	if workflowCfg.NativeBalanceMinWei, err = parseAmount(cfg.Runtime.NativeBalanceMinWei, "native_balance_min_wei"); err != nil {
		return workflow.Config{}, err
	}
	if workflowCfg.UnderlyingBalanceMinUBA, err = parseAmount(cfg.Runtime.UnderlyingBalanceMin, "underlying_balance_min_uba"); err != nil {
		return workflow.Config{}, err
	}
	if workflowCfg.UnderlyingTopUpUBA, err = parseAmount(cfg.Runtime.UnderlyingTopUp, "underlying_top_up_uba"); err != nil {
		return workflow.Config{}, err
	}
	return workflowCfg, nil
}

func parseAmount(value, field string) (*big.Int, error) {
	if value == "" {
		return nil, nil
	}
	amount, ok := new(big.Int).SetString(value, 10)
	if !ok {
		return nil, fmt.Errorf("配置 %s 不是合法的十进制整数: %q", field, value)
	}
	return amount, nil
}
