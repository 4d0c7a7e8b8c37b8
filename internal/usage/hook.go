// Package usage 在每次回复完成后以及按固定间隔刷新当前渠道的用量百分比。
package usage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"pai-smart-chat/pkg/log"

	"github.com/robfig/cron/v3"
)

// DefaultInterval 是定时刷新的默认间隔。
const DefaultInterval = 30 * time.Second

// Source 查询某个渠道的用量百分比（0-100）。
type Source interface {
	UsagePercentage(ctx context.Context, channel string) (float64, error)
}

// Hook 维护最近一次查询到的用量以及本地完成的回复计数。
// 刷新失败只记录日志，不影响对话。
type Hook struct {
	source   Source
	channel  string
	interval time.Duration
	timeout  time.Duration

	cron *cron.Cron

	mu         sync.RWMutex
	percentage float64
	refreshed  time.Time
	turns      map[string]int
	onRefresh  func(channel string, percentage float64)

	wg sync.WaitGroup
}

// NewHook 创建 Hook。interval <= 0 时使用 DefaultInterval。
func NewHook(source Source, channel string, interval time.Duration) *Hook {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Hook{
		source:   source,
		channel:  channel,
		interval: interval,
		timeout:  10 * time.Second,
		turns:    make(map[string]int),
	}
}

// OnRefresh 注册刷新成功后的回调。
func (h *Hook) OnRefresh(fn func(channel string, percentage float64)) {
	h.mu.Lock()
	h.onRefresh = fn
	h.mu.Unlock()
}

// Start 立即刷新一次，并按 @every <interval> 定时刷新。
func (h *Hook) Start(ctx context.Context) error {
	h.mu.Lock()
	if h.cron != nil {
		h.mu.Unlock()
		return nil
	}
	c := cron.New()
	schedule := fmt.Sprintf("@every %s", h.interval)
	if _, err := c.AddFunc(schedule, func() { h.Refresh(ctx, h.channel) }); err != nil {
		h.mu.Unlock()
		return fmt.Errorf("schedule usage refresh %q: %w", schedule, err)
	}
	h.cron = c
	h.mu.Unlock()

	c.Start()
	h.refreshAsync(ctx, h.channel)
	log.Infof("用量刷新已启动: channel=%s interval=%s", h.channel, h.interval)
	return nil
}

// Stop 停止定时刷新并等待进行中的刷新结束。
func (h *Hook) Stop() {
	h.mu.Lock()
	c := h.cron
	h.cron = nil
	h.mu.Unlock()
	if c != nil {
		<-c.Stop().Done()
	}
	h.wg.Wait()
}

// OnTurnCompleted 在一条助手回复落盘后调用，异步刷新用量。
func (h *Hook) OnTurnCompleted(channel string) {
	h.mu.Lock()
	h.turns[channel]++
	h.mu.Unlock()
	h.refreshAsync(context.Background(), channel)
}

// Refresh 同步查询一次用量。错误只记录日志。
func (h *Hook) Refresh(ctx context.Context, channel string) {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	pct, err := h.source.UsagePercentage(ctx, channel)
	if err != nil {
		log.Warnw("刷新用量失败", "channel", channel, "error", err)
		return
	}
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}

	h.mu.Lock()
	h.percentage = pct
	h.refreshed = time.Now()
	cb := h.onRefresh
	h.mu.Unlock()

	log.Debugf("用量已刷新: channel=%s percentage=%.1f", channel, pct)
	if cb != nil {
		cb(channel, pct)
	}
}

func (h *Hook) refreshAsync(ctx context.Context, channel string) {
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		h.Refresh(ctx, channel)
	}()
}

// Percentage 返回最近一次查询到的用量百分比。
func (h *Hook) Percentage() float64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.percentage
}

// RefreshedAt 返回最近一次成功刷新的时间，从未成功时为零值。
func (h *Hook) RefreshedAt() time.Time {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.refreshed
}

// CompletedTurns 返回本客户端在该渠道完成的回复数。
func (h *Hook) CompletedTurns(channel string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.turns[channel]
}
