package monitor

import (
	"context"
	"sync"
	"time"

	"wisefido-guard/internal/config"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

// ConnectionMonitor 进程级在线/离线状态观测器
// 周期性探测可达性，向订阅者发布状态跳变沿（true=恢复在线，false=掉线）。
// 发布为非阻塞：慢订阅者可能错过某个沿，由 sync worker 的定时器兜底。
type ConnectionMonitor struct {
	config     *config.Config
	httpClient *resty.Client
	logger     *zap.Logger

	mu     sync.Mutex
	online bool
	subs   []chan bool

	probe func(ctx context.Context) bool
}

// NewConnectionMonitor 创建连接监测器
func NewConnectionMonitor(cfg *config.Config, logger *zap.Logger) *ConnectionMonitor {
	client := resty.New().
		SetTimeout(time.Duration(cfg.Probe.Timeout) * time.Second)

	m := &ConnectionMonitor{
		config:     cfg,
		httpClient: client,
		logger:     logger,
	}
	m.probe = m.httpProbe
	return m
}

// Run 启动周期探测，阻塞直到 ctx 取消
func (m *ConnectionMonitor) Run(ctx context.Context) {
	m.logger.Info("Connection monitor started",
		zap.String("probe_url", m.config.Probe.URL),
		zap.Int("interval", m.config.Probe.Interval),
	)

	ticker := time.NewTicker(time.Duration(m.config.Probe.Interval) * time.Second)
	defer ticker.Stop()

	// 立即探测一次
	m.setOnline(m.probe(ctx))

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("Connection monitor stopped")
			return
		case <-ticker.C:
			m.setOnline(m.probe(ctx))
		}
	}
}

// Subscribe 订阅状态跳变沿
func (m *ConnectionMonitor) Subscribe() <-chan bool {
	ch := make(chan bool, 1)
	m.mu.Lock()
	m.subs = append(m.subs, ch)
	m.mu.Unlock()
	return ch
}

// Online 当前在线状态快照
func (m *ConnectionMonitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// setOnline 更新状态；仅在跳变时发布
func (m *ConnectionMonitor) setOnline(online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	subs := make([]chan bool, len(m.subs))
	copy(subs, m.subs)
	m.mu.Unlock()

	if online {
		m.logger.Info("Connectivity restored")
	} else {
		m.logger.Warn("Connectivity lost")
	}

	for _, ch := range subs {
		select {
		case ch <- online:
		default:
			// 订阅者未及时消费，丢弃该沿
		}
	}
}

// httpProbe 单次可达性探测
func (m *ConnectionMonitor) httpProbe(ctx context.Context) bool {
	resp, err := m.httpClient.R().
		SetContext(ctx).
		Head(m.config.Probe.URL)
	if err != nil {
		return false
	}
	return resp.StatusCode() < 500
}
