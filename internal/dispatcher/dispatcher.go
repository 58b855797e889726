package dispatcher

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"wisefido-guard/internal/channel"
	"wisefido-guard/internal/config"
	"wisefido-guard/internal/models"

	"go.uber.org/zap"
)

// Journal 分发器需要的持久化能力（由 repository.EmergencyJournal 实现）
type Journal interface {
	UpdateChannelResult(ctx context.Context, recordID, channelID string, result models.ChannelResult) error
}

// Entry 一次分发中的单个通道及其先前状态
type Entry struct {
	Adapter channel.Adapter
	Prior   models.ChannelResult
}

// AggregateOutcome 一次分发的聚合结果
// Failed 只计终态失败（重试耗尽）；等待重试的通道计入 Retrying。
// 部分失败是正常结果，不是错误。
// PersistErrors 计结果写入 journal 失败的通道数：投递结果本身仍按实际情况计数，
// 但 journal 里的旧行保持 pending，会被下一轮 drain 重投。
type AggregateOutcome struct {
	Sent          int
	Failed        int
	Disabled      int
	Retrying      int
	PersistErrors int
	PerChannel    map[string]models.ChannelResult
}

// Dispatcher 告警分发器：并行扇出到所有通道，互不阻塞
// 一个慢/坏通道不能拖住其他通道（fan-out, fail-independent）。
type Dispatcher struct {
	config  *config.Config
	journal Journal
	logger  *zap.Logger
	now     func() time.Time
}

// NewDispatcher 创建分发器
func NewDispatcher(cfg *config.Config, journal Journal, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		config:  cfg,
		journal: journal,
		logger:  logger,
		now:     time.Now,
	}
}

// Dispatch 将告警并行投递到给定通道集合
// 每个通道独立限时；超时的通道记为瞬时失败，其 goroutine 被放弃不再等待。
// 每个通道的结果在返回前都已写入 journal（写入失败计入 PersistErrors，不影响其他通道）。
func (d *Dispatcher) Dispatch(ctx context.Context, alert *models.AlertPayload, entries []Entry) AggregateOutcome {
	agg := AggregateOutcome{
		PerChannel: make(map[string]models.ChannelResult, len(entries)),
	}

	var wg sync.WaitGroup
	var mu sync.Mutex

	for _, entry := range entries {
		wg.Add(1)
		go func(entry Entry) {
			defer wg.Done()

			channelID := entry.Adapter.ID()
			outcome := d.attempt(ctx, entry.Adapter, alert)
			result := d.applyOutcome(entry.Prior, outcome)

			persistFailed := false
			if err := d.journal.UpdateChannelResult(ctx, alert.EmergencyID, channelID, result); err != nil {
				persistFailed = true
				d.logger.Error("Failed to persist channel result",
					zap.String("emergency_id", alert.EmergencyID),
					zap.String("channel_id", channelID),
					zap.Error(err),
				)
			}

			mu.Lock()
			if persistFailed {
				agg.PersistErrors++
			}
			agg.PerChannel[channelID] = result
			switch {
			case result.State == models.ChannelSent:
				agg.Sent++
			case result.State == models.ChannelDisabled:
				agg.Disabled++
			case result.NextRetryAt != nil:
				agg.Retrying++
			default:
				agg.Failed++
			}
			mu.Unlock()

			if outcome.Status != channel.StatusSent {
				d.logger.Warn("Channel delivery did not succeed",
					zap.String("emergency_id", alert.EmergencyID),
					zap.String("channel_id", channelID),
					zap.String("status", string(outcome.Status)),
					zap.String("reason", outcome.Reason),
					zap.Int("attempts", result.Attempts),
				)
			}
		}(entry)
	}

	wg.Wait()

	d.logger.Info("Alert dispatch completed",
		zap.String("emergency_id", alert.EmergencyID),
		zap.Int("sent", agg.Sent),
		zap.Int("failed", agg.Failed),
		zap.Int("disabled", agg.Disabled),
		zap.Int("retrying", agg.Retrying),
		zap.Int("persist_errors", agg.PersistErrors),
	)

	return agg
}

// DispatchBestEffort 并行投递 advisory 消息（如取消通知）
// fire-and-forget：失败只记日志，不写入持久重试队列。
func (d *Dispatcher) DispatchBestEffort(ctx context.Context, alert *models.AlertPayload, adapters []channel.Adapter) {
	var wg sync.WaitGroup
	for _, adapter := range adapters {
		wg.Add(1)
		go func(adapter channel.Adapter) {
			defer wg.Done()

			outcome := d.attempt(ctx, adapter, alert)
			if outcome.Status != channel.StatusSent {
				d.logger.Warn("Advisory delivery did not succeed",
					zap.String("emergency_id", alert.EmergencyID),
					zap.String("kind", string(alert.Kind)),
					zap.String("channel_id", adapter.ID()),
					zap.String("reason", outcome.Reason),
				)
			}
		}(adapter)
	}
	wg.Wait()
}

// attempt 单通道限时投递；适配器不响应 ctx 时放弃其 goroutine
func (d *Dispatcher) attempt(ctx context.Context, adapter channel.Adapter, alert *models.AlertPayload) channel.Outcome {
	timeout := time.Duration(d.config.Dispatch.ChannelTimeout) * time.Second
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resultCh := make(chan channel.Outcome, 1)
	go func() {
		resultCh <- adapter.Send(cctx, alert)
	}()

	select {
	case outcome := <-resultCh:
		return outcome
	case <-cctx.Done():
		return channel.Failed("channel timeout")
	}
}

// applyOutcome 根据投递结果推进通道状态
func (d *Dispatcher) applyOutcome(prior models.ChannelResult, outcome channel.Outcome) models.ChannelResult {
	attempts := prior.Attempts + 1

	switch outcome.Status {
	case channel.StatusSent:
		return models.ChannelResult{
			State:    models.ChannelSent,
			Attempts: attempts,
		}
	case channel.StatusDisabled:
		reason := outcome.Reason
		return models.ChannelResult{
			State:     models.ChannelDisabled,
			Attempts:  attempts,
			LastError: &reason,
		}
	default:
		reason := outcome.Reason
		result := models.ChannelResult{
			State:     models.ChannelFailed,
			Attempts:  attempts,
			LastError: &reason,
		}
		if attempts < d.config.Dispatch.MaxAttempts {
			retryAt := d.now().Add(d.backoff(attempts))
			result.NextRetryAt = &retryAt
		}
		return result
	}
}

// backoff 指数退避（带 ±20% 抖动，封顶 BackoffMax）
func (d *Dispatcher) backoff(attempts int) time.Duration {
	base := time.Duration(d.config.Dispatch.BackoffBase) * time.Second
	max := time.Duration(d.config.Dispatch.BackoffMax) * time.Second

	delay := base << uint(attempts-1)
	if delay > max || delay <= 0 {
		delay = max
	}

	jitter := 0.8 + 0.4*rand.Float64()
	return time.Duration(float64(delay) * jitter)
}
