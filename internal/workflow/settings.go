package workflow

import (
	"context"
	"log/slog"
	"strings"
	"time"

	xerrors "FAsset-Agent/internal/errors"
	"FAsset-Agent/internal/fasset"
	"FAsset-Agent/internal/observability/alerting"
)

// Settings 驱动代理参数变更状态机：waiting → done。
// 同名新请求覆盖旧请求；生效时间到达后在链上执行。
type Settings struct {
	deps *Deps
	log  *slog.Logger
}

// NewSettings 创建参数变更状态机。
func NewSettings(deps *Deps) *Settings {
	return &Settings{deps: deps, log: deps.Log.With(slog.String("workflow", "settings"))}
}

// Request 登记一次参数变更请求，同名 waiting 记录被覆盖。
func (s *Settings) Request(ctx context.Context, agent *fasset.Agent, name, value string, validAt int64) error {
	setting := &fasset.UpdateSetting{
		VaultAddress: agent.VaultAddress,
		Name:         name,
		Value:        value,
		ValidAt:      validAt,
	}
	if err := s.deps.Store.PutUpdateSetting(ctx, setting); err != nil {
		return err
	}
	s.log.Info("登记参数变更",
		slog.String("vault", agent.VaultAddress),
		slog.String("name", name),
		slog.String("value", value),
		slog.Int64("valid_at", validAt))
	return nil
}

// Tick 执行所有已到生效时间的参数变更。
func (s *Settings) Tick(ctx context.Context, agent *fasset.Agent) StepResult {
	open, err := s.deps.Store.ListOpenUpdateSettings(ctx, agent.VaultAddress)
	if err != nil {
		return retryWith(err)
	}
	now := time.Now().Unix()
	var firstErr error
	for _, setting := range open {
		if setting.ValidAt > now {
			continue
		}
		if err := s.execute(ctx, agent, setting); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			s.log.Warn("参数变更执行失败",
				slog.String("vault", agent.VaultAddress),
				slog.String("name", setting.Name),
				slog.String("error", err.Error()))
		}
		if ctx.Err() != nil {
			return retryWith(ctx.Err())
		}
	}
	if firstErr != nil {
		return retryWith(firstErr)
	}
	return ok()
}

func (s *Settings) execute(ctx context.Context, agent *fasset.Agent, setting *fasset.UpdateSetting) error {
	err := s.deps.Manager.ExecuteAgentSettingUpdate(ctx, agent.VaultAddress, setting.Name)
	if err != nil {
		if !recoverableSettingRevert(err) {
			return err
		}
		// 链上已无可执行的变更（过期或被新的公告取代），
		// 关闭记录并通知，不再重试。
		setting.State = fasset.UpdateSettingDone
		if updateErr := s.deps.Store.UpdateUpdateSetting(ctx, setting); updateErr != nil {
			return updateErr
		}
		event := alerting.NewEvent(xerrors.SeverityWarning, "settings", agent.VaultAddress,
			"参数变更无法执行，记录已关闭")
		event.Detail = err.Error()
		event.Metadata = map[string]string{"name": setting.Name, "value": setting.Value}
		s.deps.notify(ctx, event)
		return nil
	}

	setting.State = fasset.UpdateSettingDone
	if err := s.deps.Store.UpdateUpdateSetting(ctx, setting); err != nil {
		return err
	}
	s.log.Info("参数变更已执行",
		slog.String("vault", agent.VaultAddress),
		slog.String("name", setting.Name),
		slog.String("value", setting.Value))
	return nil
}

// recoverableSettingRevert 识别可安全关闭记录的链上回滚原因。
func recoverableSettingRevert(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "update not valid anymore") ||
		strings.Contains(msg, "no pending update")
}
