package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"wisefido-guard/internal/channel"
	"wisefido-guard/internal/config"
	"wisefido-guard/internal/dispatcher"
	"wisefido-guard/internal/models"
	"wisefido-guard/internal/repository"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrAlreadyActive 已有进行中的紧急事件（单事件策略，新的激活被拒绝而非排队）
var ErrAlreadyActive = errors.New("an emergency is already active")

// State 协调器状态机状态
type State string

const (
	StateIdle       State = "idle"
	StateActivating State = "activating"
	StateActive     State = "active"
)

// LocationProvider 位置采集（外部协作方，best-effort）
type LocationProvider interface {
	GetBestEffort(ctx context.Context) (*models.GeoPoint, error)
}

// RecordingService 录音采集（外部协作方，best-effort）
type RecordingService interface {
	StartBestEffort(ctx context.Context) (*string, error)
	StopBestEffort(ctx context.Context, handle string) error
}

// ContactStore 紧急联系人（外部协作方）
type ContactStore interface {
	GetAll(ctx context.Context) ([]models.Contact, error)
}

// Journal 协调器需要的持久化能力（由 repository.EmergencyJournal 实现）
type Journal interface {
	Append(ctx context.Context, record *models.EmergencyRecord) error
	MarkCancelled(ctx context.Context, recordID string) error
	MarkResolved(ctx context.Context, recordID string) error
}

// StatusCache 当前事件快照缓存（由 cache.StatusCache 实现）
type StatusCache interface {
	SetActive(ctx context.Context, record *models.EmergencyRecord) error
	Clear(ctx context.Context) error
}

// ActivationSummary Activate 返回的摘要（"alerts sent: K/N" 的数据来源）
type ActivationSummary struct {
	EmergencyID     string
	Sent            int
	Failed          int
	Disabled        int
	Retrying        int
	Location        *models.GeoPoint
	RecordingHandle *string
}

// StatusSnapshot GetStatus 返回的内存快照（不触碰 journal）
type StatusSnapshot struct {
	State          State
	EmergencyID    string
	ChannelResults map[string]models.ChannelResult
}

// Coordinator 紧急事件协调器
// 状态机：Idle → Activating → Active → {Cancelled, Resolved} → Idle。
// 同一时刻最多一个事件在进行中；当前事件槽位是单写者。
type Coordinator struct {
	config      *config.Config
	journal     Journal
	dispatcher  *dispatcher.Dispatcher
	adapters    []channel.Adapter
	statusCache StatusCache
	location    LocationProvider
	recording   RecordingService
	contacts    ContactStore
	logger      *zap.Logger

	mu            sync.Mutex
	state         State
	current       *models.EmergencyRecord
	cancelPending bool // Activating 期间收到的取消请求，落盘后、分发前兑现
}

// NewCoordinator 创建协调器
func NewCoordinator(
	cfg *config.Config,
	journal Journal,
	disp *dispatcher.Dispatcher,
	adapters []channel.Adapter,
	statusCache StatusCache,
	location LocationProvider,
	recording RecordingService,
	contacts ContactStore,
	logger *zap.Logger,
) *Coordinator {
	return &Coordinator{
		config:      cfg,
		journal:     journal,
		dispatcher:  disp,
		adapters:    adapters,
		statusCache: statusCache,
		location:    location,
		recording:   recording,
		contacts:    contacts,
		logger:      logger,
		state:       StateIdle,
	}
}

// Activate 声明紧急事件
// 流程：占用槽位 → best-effort 采集上下文 → 先落盘再分发 → 返回摘要。
// 持久化失败直接返回错误：无法落盘的紧急事件不能装作已记录继续走。
func (c *Coordinator) Activate(ctx context.Context) (*ActivationSummary, error) {
	c.mu.Lock()
	if c.state != StateIdle {
		c.mu.Unlock()
		return nil, ErrAlreadyActive
	}
	c.state = StateActivating
	c.cancelPending = false
	c.mu.Unlock()

	emergencyCtx := c.gatherContext(ctx)

	record := &models.EmergencyRecord{
		ID:             uuid.New().String(),
		Status:         models.EmergencyActive,
		DeclaredAt:     time.Now(),
		Context:        emergencyCtx,
		ChannelResults: make(map[string]*models.ChannelResult, len(c.adapters)),
		SchemaVersion:  models.SchemaVersion,
	}
	for _, adapter := range c.adapters {
		record.ChannelResults[adapter.ID()] = &models.ChannelResult{State: models.ChannelPending}
	}

	if err := c.journal.Append(ctx, record); err != nil {
		c.mu.Lock()
		c.state = StateIdle
		c.cancelPending = false
		c.mu.Unlock()
		return nil, fmt.Errorf("failed to persist emergency record: %w", err)
	}

	c.mu.Lock()
	if c.cancelPending {
		// 采集期间用户已取消：记录落盘为 cancelled，不进入分发
		c.cancelPending = false
		c.state = StateIdle
		c.mu.Unlock()
		return c.cancelBeforeDispatch(ctx, record)
	}
	c.state = StateActive
	c.current = record
	c.mu.Unlock()

	c.logger.Info("Emergency activated",
		zap.String("emergency_id", record.ID),
		zap.Bool("location_captured", emergencyCtx.Location != nil),
		zap.Bool("recording_started", emergencyCtx.RecordingHandle != nil),
		zap.Int("contact_count", len(emergencyCtx.Contacts)),
	)

	alert := models.BuildAlert(record, models.AlertEmergency, c.config.Dispatch.Message)
	entries := make([]dispatcher.Entry, 0, len(c.adapters))
	for _, adapter := range c.adapters {
		entries = append(entries, dispatcher.Entry{
			Adapter: adapter,
			Prior:   *record.ChannelResults[adapter.ID()],
		})
	}

	agg := c.dispatcher.Dispatch(ctx, alert, entries)
	c.ApplyResults(record.ID, agg.PerChannel)

	summary := &ActivationSummary{
		EmergencyID:     record.ID,
		Sent:            agg.Sent,
		Failed:          agg.Failed,
		Disabled:        agg.Disabled,
		Retrying:        agg.Retrying,
		Location:        emergencyCtx.Location,
		RecordingHandle: emergencyCtx.RecordingHandle,
	}

	if record.AllTerminal() {
		if err := c.journal.MarkResolved(ctx, record.ID); err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				// 分发期间并发取消把记录从 active 拿走了，取消路径已释放槽位
				c.logger.Debug("Record no longer active when marking resolved",
					zap.String("emergency_id", record.ID),
				)
			} else {
				c.logger.Error("Failed to mark emergency resolved",
					zap.String("emergency_id", record.ID),
					zap.Error(err),
				)
			}
		} else {
			c.Release(record.ID)
		}
	}

	return summary, nil
}

// cancelBeforeDispatch 兑现采集期间收到的取消：停录音、落盘为 cancelled、不分发告警
func (c *Coordinator) cancelBeforeDispatch(ctx context.Context, record *models.EmergencyRecord) (*ActivationSummary, error) {
	if record.Context.RecordingHandle != nil {
		if err := c.recording.StopBestEffort(ctx, *record.Context.RecordingHandle); err != nil {
			c.logger.Warn("Failed to stop recording",
				zap.String("emergency_id", record.ID),
				zap.Error(err),
			)
		}
	}

	if err := c.journal.MarkCancelled(ctx, record.ID); err != nil {
		return nil, fmt.Errorf("failed to persist cancellation: %w", err)
	}

	c.logger.Info("Emergency cancelled during activation, alert not dispatched",
		zap.String("emergency_id", record.ID),
	)

	return &ActivationSummary{
		EmergencyID:     record.ID,
		Location:        record.Context.Location,
		RecordingHandle: record.Context.RecordingHandle,
	}, nil
}

// Cancel 取消当前紧急事件
// 已在途的通道投递不被打断，其结果照常记录；只阻止后续新的投递。
// 取消通知是 advisory：fire-and-forget，失败只记日志不入持久队列。
func (c *Coordinator) Cancel(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateActivating && c.current == nil {
		// 采集仍在进行、记录尚未落盘：登记取消请求，由激活流程在分发前兑现
		c.cancelPending = true
		c.mu.Unlock()
		c.logger.Info("Cancel requested during activation, dispatch will be suppressed")
		return nil
	}
	if c.state == StateIdle || c.current == nil {
		c.mu.Unlock()
		c.logger.Warn("Cancel requested but no emergency is active")
		return nil
	}
	record := c.current
	c.mu.Unlock()

	if record.Context.RecordingHandle != nil {
		if err := c.recording.StopBestEffort(ctx, *record.Context.RecordingHandle); err != nil {
			c.logger.Warn("Failed to stop recording",
				zap.String("emergency_id", record.ID),
				zap.Error(err),
			)
		}
	}

	if err := c.journal.MarkCancelled(ctx, record.ID); err != nil {
		return fmt.Errorf("failed to persist cancellation: %w", err)
	}

	c.logger.Info("Emergency cancelled",
		zap.String("emergency_id", record.ID),
	)

	// 取消通知走独立上下文：调用方返回后继续在后台投递
	cancelAlert := models.BuildAlert(record, models.AlertCancellation, "Emergency cancelled by user")
	go c.dispatcher.DispatchBestEffort(context.Background(), cancelAlert, c.adapters)

	if err := c.statusCache.Clear(ctx); err != nil {
		c.logger.Warn("Failed to clear status cache", zap.Error(err))
	}

	c.mu.Lock()
	c.state = StateIdle
	c.current = nil
	c.mu.Unlock()

	return nil
}

// Status 当前状态的内存快照（纯读，不触碰 journal）
func (c *Coordinator) Status() StatusSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	snapshot := StatusSnapshot{State: c.state}
	if c.current != nil {
		snapshot.EmergencyID = c.current.ID
		snapshot.ChannelResults = make(map[string]models.ChannelResult, len(c.current.ChannelResults))
		for id, result := range c.current.ChannelResults {
			snapshot.ChannelResults[id] = *result
		}
	}
	return snapshot
}

// Resume 进程重启后恢复 journal 中仍 active 的事件到槽位
func (c *Coordinator) Resume(record *models.EmergencyRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateIdle {
		return
	}
	c.state = StateActive
	c.current = record
	c.logger.Info("Resumed active emergency from journal",
		zap.String("emergency_id", record.ID),
	)
}

// ApplyResults 把一次分发的通道结果合并进内存快照并刷新状态缓存
func (c *Coordinator) ApplyResults(recordID string, perChannel map[string]models.ChannelResult) {
	c.mu.Lock()
	if c.current == nil || c.current.ID != recordID {
		c.mu.Unlock()
		return
	}
	for id, result := range perChannel {
		r := result
		c.current.ChannelResults[id] = &r
	}
	record := c.current
	c.mu.Unlock()

	if err := c.statusCache.SetActive(context.Background(), record); err != nil {
		c.logger.Warn("Failed to update status cache",
			zap.String("emergency_id", recordID),
			zap.Error(err),
		)
	}
}

// Release 事件到达终态（resolved/已消化的 cancelled）后释放槽位
func (c *Coordinator) Release(recordID string) {
	c.mu.Lock()
	if c.current == nil || c.current.ID != recordID {
		c.mu.Unlock()
		return
	}
	c.state = StateIdle
	c.current = nil
	c.mu.Unlock()

	if err := c.statusCache.Clear(context.Background()); err != nil {
		c.logger.Warn("Failed to clear status cache", zap.Error(err))
	}

	c.logger.Info("Emergency slot released",
		zap.String("emergency_id", recordID),
	)
}

// gatherContext 并行 best-effort 采集上下文
// 单个协作方失败只产生 absent，绝不中止激活（拿不到位置 ≠ 激活失败）。
func (c *Coordinator) gatherContext(ctx context.Context) models.EmergencyContext {
	var ec models.EmergencyContext
	var wg sync.WaitGroup
	var mu sync.Mutex

	wg.Add(3)

	go func() {
		defer wg.Done()
		location, err := c.location.GetBestEffort(ctx)
		if err != nil {
			c.logger.Warn("Location unavailable", zap.Error(err))
			return
		}
		mu.Lock()
		ec.Location = location
		mu.Unlock()
	}()

	go func() {
		defer wg.Done()
		handle, err := c.recording.StartBestEffort(ctx)
		if err != nil {
			c.logger.Warn("Recording unavailable", zap.Error(err))
			return
		}
		mu.Lock()
		ec.RecordingHandle = handle
		mu.Unlock()
	}()

	go func() {
		defer wg.Done()
		contacts, err := c.contacts.GetAll(ctx)
		if err != nil {
			c.logger.Warn("Contact list unavailable", zap.Error(err))
			return
		}
		mu.Lock()
		ec.Contacts = contacts
		mu.Unlock()
	}()

	wg.Wait()

	if ec.Contacts == nil {
		ec.Contacts = []models.Contact{}
	}
	return ec
}
