package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"wisefido-guard/internal/channel"
	"wisefido-guard/internal/config"
	"wisefido-guard/internal/dispatcher"
	"wisefido-guard/internal/models"
)

// ============================================
// 测试桩
// ============================================

// stubAdapter 可编排结果的测试通道
type stubAdapter struct {
	id       string
	outcomes []channel.Outcome // 依次返回；耗尽后重复最后一个
	mu       sync.Mutex
	calls    int
}

func (s *stubAdapter) ID() string {
	return s.id
}

func (s *stubAdapter) Send(ctx context.Context, alert *models.AlertPayload) channel.Outcome {
	s.mu.Lock()
	n := s.calls
	s.calls++
	s.mu.Unlock()
	if n >= len(s.outcomes) {
		n = len(s.outcomes) - 1
	}
	return s.outcomes[n]
}

func (s *stubAdapter) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// fakeJournal 内存版 journal：维护记录与通道结果，模拟 GetPending 的到期语义
type fakeJournal struct {
	mu          sync.Mutex
	records     map[string]*models.EmergencyRecord
	resolved    []string
	gcOlderThan *time.Time
	gcRemoved   int64
	pendingGate chan struct{} // 非 nil 时 GetPending 阻塞直到关闭
	getPendings int
}

func newFakeJournal() *fakeJournal {
	return &fakeJournal{records: map[string]*models.EmergencyRecord{}}
}

func (f *fakeJournal) GetPending(ctx context.Context, now time.Time) ([]models.PendingEntry, error) {
	f.mu.Lock()
	f.getPendings++
	gate := f.pendingGate
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	var pending []models.PendingEntry
	for _, record := range f.records {
		if record.Status != models.EmergencyActive {
			continue
		}
		for channelID, result := range record.ChannelResults {
			if result.State == models.ChannelFailed && result.NextRetryAt != nil && !result.NextRetryAt.After(now) {
				pending = append(pending, models.PendingEntry{
					RecordID:  record.ID,
					ChannelID: channelID,
					Result:    *result,
				})
			}
		}
	}
	return pending, nil
}

func (f *fakeJournal) GetRecord(ctx context.Context, recordID string) (*models.EmergencyRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	record := f.records[recordID]
	// 测试里记录一定存在；复制通道结果避免共享指针
	clone := *record
	clone.ChannelResults = make(map[string]*models.ChannelResult, len(record.ChannelResults))
	for id, r := range record.ChannelResults {
		rc := *r
		clone.ChannelResults[id] = &rc
	}
	return &clone, nil
}

func (f *fakeJournal) UpdateChannelResult(ctx context.Context, recordID, channelID string, result models.ChannelResult) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if record, ok := f.records[recordID]; ok {
		r := result
		record.ChannelResults[channelID] = &r
	}
	return nil
}

func (f *fakeJournal) MarkResolved(ctx context.Context, recordID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resolved = append(f.resolved, recordID)
	if record, ok := f.records[recordID]; ok {
		record.Status = models.EmergencyResolved
	}
	return nil
}

func (f *fakeJournal) GarbageCollect(ctx context.Context, olderThan time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gcOlderThan = &olderThan
	return f.gcRemoved, nil
}

func (f *fakeJournal) getPendingCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.getPendings
}

func (f *fakeJournal) resolvedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.resolved...)
}

// fakeCoordinator 记录回写与释放调用
type fakeCoordinator struct {
	mu       sync.Mutex
	applied  map[string]map[string]models.ChannelResult
	released []string
}

func newFakeCoordinator() *fakeCoordinator {
	return &fakeCoordinator{applied: map[string]map[string]models.ChannelResult{}}
}

func (f *fakeCoordinator) ApplyResults(recordID string, perChannel map[string]models.ChannelResult) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.applied[recordID] = perChannel
}

func (f *fakeCoordinator) Release(recordID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = append(f.released, recordID)
}

func (f *fakeCoordinator) releasedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.released...)
}

// fakeMonitor 手动推送在线跳变
type fakeMonitor struct {
	ch chan bool
}

func (f *fakeMonitor) Subscribe() <-chan bool {
	return f.ch
}

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Dispatch.ChannelTimeout = 1
	cfg.Dispatch.MaxAttempts = 5
	cfg.Dispatch.BackoffBase = 30
	cfg.Dispatch.BackoffMax = 600
	cfg.Dispatch.Message = "Emergency declared"
	cfg.Sync.DrainInterval = 3600
	cfg.Sync.GCInterval = 3600
	cfg.Sync.RetentionDays = 90
	return cfg
}

func newWorker(journal *fakeJournal, coord *fakeCoordinator, adapters ...channel.Adapter) *SyncWorker {
	cfg := testConfig()
	disp := dispatcher.NewDispatcher(cfg, journal, zap.NewNop())
	return NewSyncWorker(cfg, journal, disp, coord, &fakeMonitor{ch: make(chan bool, 1)}, adapters, zap.NewNop())
}

func retryAt(t time.Time) *time.Time {
	return &t
}

// activeRecord 三通道记录：broadcast 已送达、cloud 待重试、authority 已禁用
func activeRecord(id string, cloudRetryAt time.Time) *models.EmergencyRecord {
	reason := "connection refused"
	denied := "permission denied"
	return &models.EmergencyRecord{
		ID:         id,
		Status:     models.EmergencyActive,
		DeclaredAt: time.Now().Add(-time.Minute),
		Context:    models.EmergencyContext{Contacts: []models.Contact{}},
		ChannelResults: map[string]*models.ChannelResult{
			"broadcast": {State: models.ChannelSent, Attempts: 1},
			"cloud":     {State: models.ChannelFailed, Attempts: 1, LastError: &reason, NextRetryAt: retryAt(cloudRetryAt)},
			"authority": {State: models.ChannelDisabled, Attempts: 1, LastError: &denied},
		},
	}
}

// ============================================
// Drain
// ============================================

func TestDrain_RetriesDueChannelAndResolves(t *testing.T) {
	// 断网场景：cloud 第一次重投仍失败，第二次成功后记录收敛为 resolved
	journal := newFakeJournal()
	coord := newFakeCoordinator()
	cloud := &stubAdapter{id: "cloud", outcomes: []channel.Outcome{
		channel.Failed("still offline"),
		channel.Sent(),
	}}
	broadcast := &stubAdapter{id: "broadcast", outcomes: []channel.Outcome{channel.Sent()}}
	w := newWorker(journal, coord, broadcast, cloud)

	now := time.Now()
	journal.records["emg-1"] = activeRecord("emg-1", now.Add(-time.Second))

	w.now = func() time.Time { return now }
	w.Drain(context.Background())

	// 第一轮：cloud 仍失败，attempts 推进并排了下一次重试；其他通道不被触碰
	assert.Equal(t, 1, cloud.callCount())
	assert.Equal(t, 0, broadcast.callCount())
	result := journal.records["emg-1"].ChannelResults["cloud"]
	assert.Equal(t, models.ChannelFailed, result.State)
	assert.Equal(t, 2, result.Attempts)
	require.NotNil(t, result.NextRetryAt)
	assert.Empty(t, journal.resolvedIDs())

	// 第二轮：时间推进到下次重试之后，cloud 成功，全部终态
	w.now = func() time.Time { return now.Add(20 * time.Minute) }
	w.Drain(context.Background())

	assert.Equal(t, 2, cloud.callCount())
	assert.Equal(t, models.ChannelSent, journal.records["emg-1"].ChannelResults["cloud"].State)
	assert.Equal(t, []string{"emg-1"}, journal.resolvedIDs())
	assert.Equal(t, []string{"emg-1"}, coord.releasedIDs())
	assert.Contains(t, coord.applied, "emg-1")
}

func TestDrain_NothingDue(t *testing.T) {
	journal := newFakeJournal()
	coord := newFakeCoordinator()
	cloud := &stubAdapter{id: "cloud", outcomes: []channel.Outcome{channel.Sent()}}
	w := newWorker(journal, coord, cloud)

	now := time.Now()
	journal.records["emg-1"] = activeRecord("emg-1", now.Add(time.Hour)) // 还没到期

	w.now = func() time.Time { return now }
	w.Drain(context.Background())

	assert.Equal(t, 0, cloud.callCount())
	assert.Empty(t, journal.resolvedIDs())
}

func TestDrain_CancelledRecordNotRetried(t *testing.T) {
	// GetPending 与取消之间的窗口：记录已取消则放弃重投
	journal := newFakeJournal()
	coord := newFakeCoordinator()
	cloud := &stubAdapter{id: "cloud", outcomes: []channel.Outcome{channel.Sent()}}
	w := newWorker(journal, coord, cloud)

	now := time.Now()
	record := activeRecord("emg-1", now.Add(-time.Second))
	journal.records["emg-1"] = record

	w.now = func() time.Time { return now }
	original := w.journal
	w.journal = &cancelBetween{Journal: original, journal: journal}
	w.Drain(context.Background())

	assert.Equal(t, 0, cloud.callCount())
}

// cancelBetween 在 GetPending 之后、GetRecord 之前把记录标记为已取消
type cancelBetween struct {
	Journal
	journal *fakeJournal
}

func (c *cancelBetween) GetRecord(ctx context.Context, recordID string) (*models.EmergencyRecord, error) {
	c.journal.mu.Lock()
	c.journal.records[recordID].Status = models.EmergencyCancelled
	c.journal.mu.Unlock()
	return c.Journal.GetRecord(ctx, recordID)
}

func TestDrain_UnknownChannelSkipped(t *testing.T) {
	journal := newFakeJournal()
	coord := newFakeCoordinator()
	w := newWorker(journal, coord) // 没有任何适配器

	now := time.Now()
	journal.records["emg-1"] = activeRecord("emg-1", now.Add(-time.Second))

	w.now = func() time.Time { return now }
	w.Drain(context.Background()) // 不 panic，跳过未知通道

	assert.Empty(t, journal.resolvedIDs())
}

func TestDrain_ConcurrentTriggersCoalesce(t *testing.T) {
	journal := newFakeJournal()
	journal.pendingGate = make(chan struct{})
	coord := newFakeCoordinator()
	w := newWorker(journal, coord)

	done := make(chan struct{})
	go func() {
		w.Drain(context.Background())
		close(done)
	}()

	// 等第一个 drain 进入 GetPending
	require.Eventually(t, func() bool { return journal.getPendingCalls() == 1 },
		time.Second, 10*time.Millisecond)

	// 进行中再触发：直接合并丢弃，不排队
	w.Drain(context.Background())
	assert.Equal(t, 1, journal.getPendingCalls())

	close(journal.pendingGate)
	<-done

	// 结束后可以再次 drain
	journal.pendingGate = nil
	w.Drain(context.Background())
	assert.Equal(t, 2, journal.getPendingCalls())
}

func TestDrain_PendingSurvivesWorkerRestart(t *testing.T) {
	// 全部通道离线失败后进程重启：待重试集合从 journal 原样恢复，不丢数据
	journal := newFakeJournal()
	reason := "channel timeout"
	now := time.Now()
	journal.records["emg-1"] = &models.EmergencyRecord{
		ID:         "emg-1",
		Status:     models.EmergencyActive,
		DeclaredAt: now.Add(-time.Minute),
		Context:    models.EmergencyContext{Contacts: []models.Contact{}},
		ChannelResults: map[string]*models.ChannelResult{
			"broadcast": {State: models.ChannelFailed, Attempts: 1, LastError: &reason, NextRetryAt: retryAt(now.Add(-time.Second))},
			"cloud":     {State: models.ChannelFailed, Attempts: 1, LastError: &reason, NextRetryAt: retryAt(now.Add(-time.Second))},
		},
	}

	// 第一个 worker 实例：重投仍然全失败
	broadcast := &stubAdapter{id: "broadcast", outcomes: []channel.Outcome{channel.Failed("offline"), channel.Sent()}}
	cloud := &stubAdapter{id: "cloud", outcomes: []channel.Outcome{channel.Failed("offline"), channel.Sent()}}
	w1 := newWorker(journal, newFakeCoordinator(), broadcast, cloud)
	w1.now = func() time.Time { return now }
	w1.Drain(context.Background())

	pending, err := journal.GetPending(context.Background(), now.Add(20*time.Minute))
	require.NoError(t, err)
	assert.Len(t, pending, 2) // 两个通道仍在队列里，带着新的 next_retry_at

	// "重启"：新的 worker 实例共享同一个 journal，网络恢复后收敛
	coord2 := newFakeCoordinator()
	w2 := newWorker(journal, coord2, broadcast, cloud)
	w2.now = func() time.Time { return now.Add(20 * time.Minute) }
	w2.Drain(context.Background())

	assert.Equal(t, models.ChannelSent, journal.records["emg-1"].ChannelResults["broadcast"].State)
	assert.Equal(t, models.ChannelSent, journal.records["emg-1"].ChannelResults["cloud"].State)
	assert.Equal(t, []string{"emg-1"}, journal.resolvedIDs())
	assert.Equal(t, []string{"emg-1"}, coord2.releasedIDs())
}

// ============================================
// Run / GC
// ============================================

func TestRun_DrainsOnNetworkRestore(t *testing.T) {
	journal := newFakeJournal()
	coord := newFakeCoordinator()
	cfg := testConfig()
	disp := dispatcher.NewDispatcher(cfg, journal, zap.NewNop())
	mon := &fakeMonitor{ch: make(chan bool, 1)}
	w := NewSyncWorker(cfg, journal, disp, coord, mon, nil, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	mon.ch <- true
	require.Eventually(t, func() bool { return journal.getPendingCalls() == 1 },
		time.Second, 10*time.Millisecond)

	// 离线跳变不触发 drain
	mon.ch <- false
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, journal.getPendingCalls())
}

func TestCollectGarbage_UsesRetentionWindow(t *testing.T) {
	journal := newFakeJournal()
	journal.gcRemoved = 3
	coord := newFakeCoordinator()
	w := newWorker(journal, coord)

	now := time.Now()
	w.now = func() time.Time { return now }
	w.collectGarbage(context.Background())

	require.NotNil(t, journal.gcOlderThan)
	expected := now.AddDate(0, 0, -90)
	assert.WithinDuration(t, expected, *journal.gcOlderThan, time.Second)
}
