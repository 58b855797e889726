package worker

import (
	"context"
	"sync/atomic"
	"time"

	"wisefido-guard/internal/channel"
	"wisefido-guard/internal/config"
	"wisefido-guard/internal/dispatcher"
	"wisefido-guard/internal/models"

	"go.uber.org/zap"
)

// Journal 同步 worker 需要的持久化能力（由 repository.EmergencyJournal 实现）
type Journal interface {
	GetPending(ctx context.Context, now time.Time) ([]models.PendingEntry, error)
	GetRecord(ctx context.Context, recordID string) (*models.EmergencyRecord, error)
	MarkResolved(ctx context.Context, recordID string) error
	GarbageCollect(ctx context.Context, olderThan time.Time) (int64, error)
}

// Coordinator worker 回写内存快照与释放槽位的入口
type Coordinator interface {
	ApplyResults(recordID string, perChannel map[string]models.ChannelResult)
	Release(recordID string)
}

// Subscriber 网络在线跳变的订阅入口（由 monitor.ConnectionMonitor 实现）
type Subscriber interface {
	Subscribe() <-chan bool
}

// SyncWorker 重投同步 worker
// 周期性 drain 到期的失败通道；网络恢复跳变时立即补一次 drain。
// drain 不并发重入：正在进行时新的触发被合并（丢弃），下个周期自然覆盖。
type SyncWorker struct {
	config      *config.Config
	journal     Journal
	dispatcher  *dispatcher.Dispatcher
	coordinator Coordinator
	monitor     Subscriber
	adapters    map[string]channel.Adapter
	logger      *zap.Logger

	draining atomic.Bool
	now      func() time.Time
}

// NewSyncWorker 创建同步 worker
func NewSyncWorker(
	cfg *config.Config,
	journal Journal,
	disp *dispatcher.Dispatcher,
	coordinator Coordinator,
	monitor Subscriber,
	adapters []channel.Adapter,
	logger *zap.Logger,
) *SyncWorker {
	byID := make(map[string]channel.Adapter, len(adapters))
	for _, adapter := range adapters {
		byID[adapter.ID()] = adapter
	}
	return &SyncWorker{
		config:      cfg,
		journal:     journal,
		dispatcher:  disp,
		coordinator: coordinator,
		monitor:     monitor,
		adapters:    byID,
		logger:      logger,
		now:         time.Now,
	}
}

// Run 主循环：drain 定时器 + 在线跳变订阅 + GC 定时器
func (w *SyncWorker) Run(ctx context.Context) {
	w.logger.Info("Sync worker started",
		zap.Int("drain_interval", w.config.Sync.DrainInterval),
		zap.Int("gc_interval", w.config.Sync.GCInterval),
		zap.Int("retention_days", w.config.Sync.RetentionDays),
	)

	drainTicker := time.NewTicker(time.Duration(w.config.Sync.DrainInterval) * time.Second)
	defer drainTicker.Stop()
	gcTicker := time.NewTicker(time.Duration(w.config.Sync.GCInterval) * time.Second)
	defer gcTicker.Stop()

	online := w.monitor.Subscribe()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Sync worker stopped")
			return
		case <-drainTicker.C:
			w.Drain(ctx)
		case isOnline := <-online:
			if isOnline {
				w.logger.Info("Network restored, draining pending retries")
				w.Drain(ctx)
			}
		case <-gcTicker.C:
			w.collectGarbage(ctx)
		}
	}
}

// Drain 重投所有到期的失败通道
// 按记录分组后用记录声明时的上下文快照重建告警；同一记录的通道并行投递。
// 已在进行中的 drain 未结束时本次触发直接返回（合并触发，不排队）。
func (w *SyncWorker) Drain(ctx context.Context) {
	if !w.draining.CompareAndSwap(false, true) {
		w.logger.Debug("Drain already in progress, skipping")
		return
	}
	defer w.draining.Store(false)

	now := w.now()
	pending, err := w.journal.GetPending(ctx, now)
	if err != nil {
		w.logger.Error("Failed to load pending retries", zap.Error(err))
		return
	}
	if len(pending) == 0 {
		return
	}

	byRecord := make(map[string][]models.PendingEntry)
	for _, entry := range pending {
		byRecord[entry.RecordID] = append(byRecord[entry.RecordID], entry)
	}

	w.logger.Info("Draining pending retries",
		zap.Int("channel_count", len(pending)),
		zap.Int("record_count", len(byRecord)),
	)

	for recordID, entries := range byRecord {
		w.drainRecord(ctx, recordID, entries)
	}
}

// drainRecord 重投单条记录的到期通道并收敛其终态
func (w *SyncWorker) drainRecord(ctx context.Context, recordID string, pending []models.PendingEntry) {
	record, err := w.journal.GetRecord(ctx, recordID)
	if err != nil {
		w.logger.Error("Failed to load emergency record for retry",
			zap.String("emergency_id", recordID),
			zap.Error(err),
		)
		return
	}
	if record.Status != models.EmergencyActive {
		// GetPending 与取消之间的窗口：取消后不再重投
		return
	}

	alert := models.BuildAlert(record, models.AlertEmergency, w.config.Dispatch.Message)

	entries := make([]dispatcher.Entry, 0, len(pending))
	for _, p := range pending {
		adapter, ok := w.adapters[p.ChannelID]
		if !ok {
			w.logger.Warn("No adapter registered for pending channel",
				zap.String("emergency_id", recordID),
				zap.String("channel_id", p.ChannelID),
			)
			continue
		}
		entries = append(entries, dispatcher.Entry{Adapter: adapter, Prior: p.Result})
	}
	if len(entries) == 0 {
		return
	}

	agg := w.dispatcher.Dispatch(ctx, alert, entries)
	w.coordinator.ApplyResults(recordID, agg.PerChannel)

	// 本轮结果合并进记录快照后判断是否全部终态
	for id, result := range agg.PerChannel {
		r := result
		record.ChannelResults[id] = &r
	}
	if record.AllTerminal() {
		if err := w.journal.MarkResolved(ctx, recordID); err != nil {
			w.logger.Error("Failed to mark emergency resolved",
				zap.String("emergency_id", recordID),
				zap.Error(err),
			)
			return
		}
		w.coordinator.Release(recordID)
		w.logger.Info("Emergency resolved, all channels terminal",
			zap.String("emergency_id", recordID),
		)
	}
}

// collectGarbage 清理超过保留期的非 active 记录
func (w *SyncWorker) collectGarbage(ctx context.Context) {
	olderThan := w.now().AddDate(0, 0, -w.config.Sync.RetentionDays)
	removed, err := w.journal.GarbageCollect(ctx, olderThan)
	if err != nil {
		w.logger.Error("Journal garbage collection failed", zap.Error(err))
		return
	}
	if removed > 0 {
		w.logger.Info("Journal garbage collection completed",
			zap.Int64("removed", removed),
			zap.Time("older_than", olderThan),
		)
	}
}
