package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	xerrors "FAsset-Agent/internal/errors"
	"FAsset-Agent/pkg/logger"

	"github.com/google/uuid"
)

// Channel 表示通知渠道。
type Channel string

// 支持的通知渠道
const (
	ChannelLog     Channel = "log"
	ChannelWebhook Channel = "webhook"
	ChannelAMQP    Channel = "amqp"
)

// Event 描述一次需要通知运营方的事件。
type Event struct {
	ID         string            `json:"id"`
	Severity   xerrors.Severity  `json:"severity"`
	Source     string            `json:"source"`
	Vault      string            `json:"vault,omitempty"`
	Summary    string            `json:"summary"`
	Detail     string            `json:"detail,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	OccurredAt time.Time         `json:"occurred_at"`
}

// NewEvent 创建带关联编号与时间戳的事件。
func NewEvent(severity xerrors.Severity, source, vault, summary string) Event {
	return Event{
		ID:         uuid.NewString(),
		Severity:   severity,
		Source:     source,
		Vault:      vault,
		Summary:    summary,
		OccurredAt: time.Now(),
	}
}

// Notifier 负责将事件发送到指定渠道。
type Notifier interface {
	Channel() Channel
	Notify(ctx context.Context, event Event) error
}

// Dispatcher 将事件广播给多个通知器。
type Dispatcher interface {
	Notify(ctx context.Context, event Event) error
}

// FanoutDispatcher 实现将事件投递到多个通知器的逻辑。
type FanoutDispatcher struct {
	notifiers map[Channel]Notifier
}

// NewFanout 创建一个新的 FanoutDispatcher。
func NewFanout(notifiers ...Notifier) *FanoutDispatcher {
	set := make(map[Channel]Notifier, len(notifiers))
	for _, n := range notifiers {
		if n == nil {
			continue
		}
		set[n.Channel()] = n
	}
	return &FanoutDispatcher{notifiers: set}
}

// Notify 将事件广播至所有注册渠道。
func (d *FanoutDispatcher) Notify(ctx context.Context, event Event) error {
	if d == nil {
		return nil
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now()
	}
	var errs []error
	for _, notifier := range d.notifiers {
		if err := notifier.Notify(ctx, event); err != nil {
			errs = append(errs, fmt.Errorf("channel %s: %w", notifier.Channel(), err))
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// LogNotifier 把事件写入结构化日志，永远可用，作为兜底渠道。
type LogNotifier struct {
	Logger *slog.Logger
}

// Channel 返回日志渠道。
func (n *LogNotifier) Channel() Channel { return ChannelLog }

// Notify 记录事件。
func (n *LogNotifier) Notify(_ context.Context, event Event) error {
	log := n.Logger
	if log == nil {
		log = logger.Named("alerting")
	}
	attrs := []any{
		slog.String("id", event.ID),
		slog.String("source", event.Source),
		slog.String("severity", string(event.Severity)),
	}
	if event.Vault != "" {
		attrs = append(attrs, slog.String("vault", event.Vault))
	}
	if event.Detail != "" {
		attrs = append(attrs, slog.String("detail", event.Detail))
	}
	for k, v := range event.Metadata {
		attrs = append(attrs, slog.String(k, v))
	}
	switch event.Severity {
	case xerrors.SeverityCritical, xerrors.SeverityError:
		log.Error(event.Summary, attrs...)
	case xerrors.SeverityWarning:
		log.Warn(event.Summary, attrs...)
	default:
		log.Info(event.Summary, attrs...)
	}
	return nil
}

// WebhookNotifier 将事件以 JSON POST 到外部回调地址。
type WebhookNotifier struct {
	URL        string
	APIKey     string
	HTTPClient *http.Client
}

// Channel 返回回调渠道。
func (n *WebhookNotifier) Channel() Channel { return ChannelWebhook }

// Notify 推送事件。
func (n *WebhookNotifier) Notify(ctx context.Context, event Event) error {
	if n == nil || strings.TrimSpace(n.URL) == "" {
		logger.L().Warn("WebhookNotifier 未正确配置，跳过发送", slog.String("id", event.ID))
		return nil
	}
	client := n.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}

	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("序列化事件失败: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("构建回调请求失败: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if n.APIKey != "" {
		req.Header.Set("X-API-KEY", n.APIKey)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("回调请求失败: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("回调返回错误状态 %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	return nil
}
