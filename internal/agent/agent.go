package agent

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"time"

	xerrors "FAsset-Agent/internal/errors"
	"FAsset-Agent/internal/fasset"
	"FAsset-Agent/internal/observability/alerting"
	"FAsset-Agent/internal/observability/metrics"
	"FAsset-Agent/internal/proofs"
	"FAsset-Agent/internal/store"
	"FAsset-Agent/internal/workflow"
	"FAsset-Agent/pkg/logger"

	"github.com/google/uuid"
)

// CodeEventDispatch 表示某条链上事件的分发持续失败。
const CodeEventDispatch xerrors.Code = "AGENT_EVENT_DISPATCH_FAILED"

func init() {
	xerrors.Register(CodeEventDispatch, xerrors.Attributes{
		Message:   "链上事件分发失败",
		Severity:  xerrors.SeverityError,
		Retryable: true,
		Alert:     true,
	})
}

// Config 是单个代理协调器的运行参数。
type Config struct {
	// TickInterval 是主循环的周期，默认 15 秒。
	TickInterval time.Duration
	// MaxEventRetries 是单条事件分发失败后的最大重试次数，
	// 超限后跳过该事件并告警，默认 5。
	MaxEventRetries int
	// CollateralInterval 是没有价格事件时抵押检查的兜底周期，默认 10 分钟。
	CollateralInterval time.Duration
	// DailyTasksInterval 是每日任务（底层链余额巡检等）的周期，默认 24 小时。
	DailyTasksInterval time.Duration
	// OwnerUnderlyingAddress 是所有者在底层链上的资金地址，补仓的出账方。
	OwnerUnderlyingAddress string
}

func (c *Config) applyDefaults() {
	if c.TickInterval <= 0 {
		c.TickInterval = 15 * time.Second
	}
	if c.MaxEventRetries <= 0 {
		c.MaxEventRetries = 5
	}
	if c.CollateralInterval <= 0 {
		c.CollateralInterval = 10 * time.Minute
	}
	if c.DailyTasksInterval <= 0 {
		c.DailyTasksInterval = 24 * time.Hour
	}
}

// Orchestrator 驱动单个金库代理：读取链上事件、分发到各状态机、
// 推进所有打开的工作流并做周期性维护。每个金库一个实例，
// 全部持久状态（事件游标、簿记、工作流进度）都在 Store 里，
// 进程重启后从落库状态继续。
type Orchestrator struct {
	id     string
	cfg    Config
	deps   *workflow.Deps
	reader *Reader
	log    *slog.Logger

	minting    *workflow.Minting
	redemption *workflow.Redemption
	underlying *workflow.Underlying
	settings   *workflow.Settings
	collateral *workflow.Collateral
	closing    *workflow.Closing

	collateralDue    bool
	lastCollateralAt time.Time
}

// New 创建代理协调器。
func New(cfg Config, deps *workflow.Deps, reader *Reader) *Orchestrator {
	cfg.applyDefaults()
	deps.Config.ApplyDefaults()
	if deps.Log == nil {
		deps.Log = logger.Named("agent")
	}
	return &Orchestrator{
		id:         uuid.NewString(),
		cfg:        cfg,
		deps:       deps,
		reader:     reader,
		log:        deps.Log,
		minting:    workflow.NewMinting(deps),
		redemption: workflow.NewRedemption(deps),
		underlying: workflow.NewUnderlying(deps),
		settings:   workflow.NewSettings(deps),
		collateral: workflow.NewCollateral(deps),
		closing:    workflow.NewClosing(deps),
	}
}

// Settings 暴露参数变更状态机，供 API 层登记请求。
func (o *Orchestrator) Settings() *workflow.Settings { return o.settings }

// Underlying 暴露底层链转账状态机，供 API 层发起提现。
func (o *Orchestrator) Underlying() *workflow.Underlying { return o.underlying }

// Closing 暴露退出流程状态机，供 API 层启动退出。
func (o *Orchestrator) Closing() *workflow.Closing { return o.closing }

// Validate 校验本地配置与链上登记的一致性，启动时调用一次。
// 工作地址不匹配属于致命配置错误：带错地址发交易只会白白烧 gas。
func (o *Orchestrator) Validate(ctx context.Context, agent *fasset.Agent) error {
	info, err := o.deps.Manager.GetAgentInfo(ctx, agent.VaultAddress)
	if err != nil {
		return err
	}
	if !strings.EqualFold(info.OwnerWorkAddress, agent.OwnerWorkAddress) {
		return xerrors.Wrap(fasset.CodeWorkAddressMatch, fasset.ErrWorkAddressMismatch,
			fmt.Sprintf("金库 %s: 链上登记 %s, 本地配置 %s",
				agent.VaultAddress, info.OwnerWorkAddress, agent.OwnerWorkAddress))
	}
	return nil
}

// Run 运行主循环，直到上下文取消或代理被销毁。
func (o *Orchestrator) Run(ctx context.Context, vault string) error {
	agent, err := o.deps.Store.GetAgent(ctx, vault)
	if err != nil {
		return err
	}
	if err := o.Validate(ctx, agent); err != nil {
		event := alerting.NewEvent(xerrors.SeverityCritical, "agent", vault, "代理启动校验失败")
		event.Detail = err.Error()
		o.notify(ctx, event)
		return err
	}
	o.log.Info("代理主循环启动",
		slog.String("vault", vault),
		slog.String("orchestrator_id", o.id),
		slog.Duration("tick", o.cfg.TickInterval))

	ticker := time.NewTicker(o.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		agent, err := o.deps.Store.GetAgent(ctx, vault)
		if err != nil {
			o.log.Warn("加载代理记录失败",
				slog.String("vault", vault),
				slog.String("error", err.Error()))
			continue
		}
		if !agent.Active {
			o.log.Info("代理已不再活跃，主循环退出", slog.String("vault", vault))
			return nil
		}

		started := time.Now()
		res := o.step(ctx, agent)
		metrics.ObserveTick(vault, time.Since(started))
		switch res.Status {
		case workflow.StatusFatal:
			event := alerting.NewEvent(xerrors.SeverityCritical, "agent", vault,
				"代理遇到不可恢复错误，已停止")
			event.Detail = res.Err.Error()
			o.notify(ctx, event)
			return res.Err
		case workflow.StatusRetry:
			o.log.Warn("本周期部分步骤失败，下个周期重试",
				slog.String("vault", vault),
				slog.String("error", res.Err.Error()))
		}
	}
}

// step 执行一个完整周期：重放失败事件、读取并分发新事件、
// 推进各状态机、做周期性维护。
func (o *Orchestrator) step(ctx context.Context, agent *fasset.Agent) workflow.StepResult {
	if err := o.replayPending(ctx, agent); err != nil {
		o.log.Warn("重放未处理事件失败",
			slog.String("vault", agent.VaultAddress),
			slog.String("error", err.Error()))
	}

	events, cursor, err := o.reader.Read(ctx, agent.VaultAddress, agent.CurrentEventBlock)
	if err != nil {
		return workflow.StepResult{Status: workflow.StatusRetry, Err: err}
	}
	if cursor > agent.CurrentEventBlock {
		changed, err := o.reader.PricesChanged(ctx, agent.CurrentEventBlock+1, cursor)
		if err != nil {
			o.log.Warn("价格事件查询失败", slog.String("error", err.Error()))
		} else if changed {
			o.collateralDue = true
		}
	}

	var firstErr error
	for _, ev := range events {
		if err := o.handleEvent(ctx, agent, ev); err != nil && firstErr == nil {
			firstErr = err
		}
		if ctx.Err() != nil {
			return workflow.StepResult{Status: workflow.StatusRetry, Err: ctx.Err()}
		}
	}

	// 游标在整个范围分发过一遍后就推进；失败的事件留在簿记里重放，
	// 不阻塞后续区块。
	if cursor != agent.CurrentEventBlock {
		agent.CurrentEventBlock = cursor
		if err := o.deps.Store.UpdateAgent(ctx, agent); err != nil {
			return workflow.StepResult{Status: workflow.StatusRetry, Err: err}
		}
	}

	for _, tick := range []func(context.Context, *fasset.Agent) workflow.StepResult{
		o.minting.Tick,
		o.redemption.Tick,
		o.underlying.Tick,
		o.settings.Tick,
		o.closing.Tick,
	} {
		res := tick(ctx, agent)
		if res.Status == workflow.StatusFatal {
			return res
		}
		if res.Err != nil && firstErr == nil {
			firstErr = res.Err
		}
		if ctx.Err() != nil {
			return workflow.StepResult{Status: workflow.StatusRetry, Err: ctx.Err()}
		}
	}

	if o.collateralDue || time.Since(o.lastCollateralAt) >= o.cfg.CollateralInterval {
		res := o.collateral.Tick(ctx, agent)
		if res.Status == workflow.StatusFatal {
			return res
		}
		if res.Err != nil {
			if firstErr == nil {
				firstErr = res.Err
			}
		} else {
			o.collateralDue = false
			o.lastCollateralAt = time.Now()
		}
	}

	o.maybeDailyTasks(ctx, agent)

	if firstErr != nil {
		return workflow.StepResult{Status: workflow.StatusRetry, Err: firstErr}
	}
	return workflow.StepResult{Status: workflow.StatusOk}
}

// handleEvent 带簿记地分发单条事件：已处理的跳过，失败的累计
// 重试次数，超限后标记跳过并告警。
func (o *Orchestrator) handleEvent(ctx context.Context, agent *fasset.Agent, ev fasset.ChainEvent) error {
	rec, err := o.deps.Store.FindEvent(ctx, agent.VaultAddress, ev.BlockNumber, ev.TxIndex, ev.LogIndex)
	switch {
	case err == nil:
		if rec.Handled {
			return nil
		}
	case stdErrors.Is(err, store.ErrNotFound):
		rec = &fasset.EventRecord{
			VaultAddress: agent.VaultAddress,
			BlockNumber:  ev.BlockNumber,
			TxIndex:      ev.TxIndex,
			LogIndex:     ev.LogIndex,
		}
		if err := o.deps.Store.RecordEvent(ctx, rec); err != nil && !stdErrors.Is(err, store.ErrConflict) {
			return err
		}
	default:
		return err
	}

	dispatchErr := o.dispatch(ctx, agent, ev)
	if dispatchErr == nil {
		rec.Handled = true
		metrics.ObserveEvent(agent.VaultAddress, "handled")
		return o.deps.Store.UpdateEvent(ctx, rec)
	}

	rec.Retries++
	metrics.ObserveEvent(agent.VaultAddress, "failed")
	if rec.Retries >= o.cfg.MaxEventRetries {
		// 跳过而不是永久卡住游标，运营方根据告警人工补救。
		rec.Handled = true
		metrics.ObserveEvent(agent.VaultAddress, "skipped")
		event := alerting.NewEvent(xerrors.SeverityError, "agent", agent.VaultAddress,
			"事件重试次数耗尽，已跳过")
		event.Detail = dispatchErr.Error()
		event.Metadata = map[string]string{
			"event": ev.Kind.String(),
			"block": strconv.FormatUint(ev.BlockNumber, 10),
		}
		o.notify(ctx, event)
	}
	if err := o.deps.Store.UpdateEvent(ctx, rec); err != nil {
		return err
	}
	return xerrors.Wrap(CodeEventDispatch, dispatchErr,
		fmt.Sprintf("事件 %s@%d 分发失败", ev.Kind, ev.BlockNumber))
}

// dispatch 把事件路由到对应的状态机。
// 枚举匹配必须穷尽：新增事件类型时这里要同步扩展。
func (o *Orchestrator) dispatch(ctx context.Context, agent *fasset.Agent, ev fasset.ChainEvent) error {
	switch ev.Kind {
	case fasset.EventCollateralReserved:
		return o.minting.Start(ctx, agent, ev.CollateralReserved)
	case fasset.EventCollateralReservationDeleted:
		return o.minting.Close(ctx, agent.VaultAddress, ev.ReservationDeleted.RequestID)
	case fasset.EventMintingExecuted:
		return o.minting.Close(ctx, agent.VaultAddress, ev.MintingExecuted.RequestID)
	case fasset.EventHandshakeRequired:
		return o.minting.Handshake(ctx, agent, ev.HandshakeRequired)
	case fasset.EventRedemptionRequested:
		return o.redemption.Start(ctx, agent, ev.RedemptionRequested)
	case fasset.EventAgentDestroyed:
		return o.closing.MarkDestroyed(ctx, agent)
	case fasset.EventAgentInCCB, fasset.EventLiquidationStarted:
		o.collateralDue = true
		o.log.Warn("代理进入清算风险状态",
			slog.String("vault", agent.VaultAddress),
			slog.String("event", ev.Kind.String()))
		return nil
	case fasset.EventLiquidationEnded:
		o.log.Info("清算状态已解除", slog.String("vault", agent.VaultAddress))
		return nil
	case fasset.EventUnknown:
		return nil
	default:
		return nil
	}
}

// replayPending 重放之前分发失败、重试次数未耗尽的事件。
// 游标已越过这些区块，需要按位置重新取日志。
func (o *Orchestrator) replayPending(ctx context.Context, agent *fasset.Agent) error {
	records, err := o.deps.Store.ListUnhandledEvents(ctx, agent.VaultAddress, o.cfg.MaxEventRetries)
	if err != nil {
		return err
	}
	for _, rec := range records {
		if rec.BlockNumber > agent.CurrentEventBlock {
			// 还没分发过，主循环会处理。
			continue
		}
		events, err := o.reader.ReadAt(ctx, agent.VaultAddress, rec.BlockNumber)
		if err != nil {
			return err
		}
		found := false
		for _, ev := range events {
			if ev.TxIndex == rec.TxIndex && ev.LogIndex == rec.LogIndex {
				found = true
				if err := o.handleEvent(ctx, agent, ev); err != nil {
					o.log.Warn("事件重放失败",
						slog.String("vault", agent.VaultAddress),
						slog.Uint64("block", rec.BlockNumber),
						slog.String("error", err.Error()))
				}
				break
			}
		}
		if !found {
			// 日志已不在节点上（裁剪或重组），无法重放，关闭簿记。
			rec.Handled = true
			if err := o.deps.Store.UpdateEvent(ctx, rec); err != nil {
				return err
			}
			o.log.Warn("待重放的事件日志已不存在",
				slog.String("vault", agent.VaultAddress),
				slog.Uint64("block", rec.BlockNumber))
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return nil
}

// maybeDailyTasks 执行每日维护：底层链余额巡检与补仓。
// 只有在区块高度证明可得时才推进水位，证明系统不可用时顺延。
func (o *Orchestrator) maybeDailyTasks(ctx context.Context, agent *fasset.Agent) {
	now := time.Now().Unix()
	if now-agent.DailyTasksAt < int64(o.cfg.DailyTasksInterval/time.Second) {
		return
	}
	expiry, err := o.deps.Expiry.Check(ctx, math.MaxUint64, math.MaxUint64)
	if err != nil {
		o.log.Warn("每日任务的高度证明检查失败", slog.String("error", err.Error()))
		return
	}
	if expiry.Status == proofs.ExpiryWaiting {
		return
	}
	if err := o.underlying.CheckBalance(ctx, agent, o.cfg.OwnerUnderlyingAddress); err != nil {
		o.log.Warn("底层链余额巡检失败",
			slog.String("vault", agent.VaultAddress),
			slog.String("error", err.Error()))
		return
	}
	agent.DailyTasksAt = now
	if err := o.deps.Store.UpdateAgent(ctx, agent); err != nil {
		o.log.Warn("每日任务水位更新失败", slog.String("error", err.Error()))
	}
}

func (o *Orchestrator) notify(ctx context.Context, event alerting.Event) {
	if o.deps.Alerts == nil {
		return
	}
	if err := o.deps.Alerts.Notify(ctx, event); err != nil {
		o.log.Warn("告警投递失败", slog.String("error", err.Error()))
	}
}
