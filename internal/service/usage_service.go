package service

import (
	"context"
	"time"
	"unicode/utf8"

	"pai-smart-chat/internal/config"
	"pai-smart-chat/internal/repository"
	"pai-smart-chat/pkg/log"
	"pai-smart-chat/pkg/metrics"
	"pai-smart-chat/pkg/tasks"
)

// UsageSummary 是某用户某渠道当天的用量。
type UsageSummary struct {
	Channel    string  `json:"channel"`
	Used       int64   `json:"used"`
	Quota      int64   `json:"quota"`
	Percentage float64 `json:"percentage"`
}

// UsageService 记录并查询按天计算的字符用量。
type UsageService interface {
	// Process 记录一次用量事件，Kafka 消费者与直接记录共用此入口。
	Process(ctx context.Context, ev tasks.UsageEvent) error
	Summary(ctx context.Context, userID, channel string) (*UsageSummary, error)
}

type usageService struct {
	repo    repository.UsageRepository
	cfg     config.UsageConfig
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewUsageService 创建 UsageService。
func NewUsageService(repo repository.UsageRepository, cfg config.UsageConfig, m *metrics.Metrics) UsageService {
	return &usageService{repo: repo, cfg: cfg, metrics: m, now: time.Now}
}

func (s *usageService) Process(ctx context.Context, ev tasks.UsageEvent) error {
	if ev.Characters <= 0 {
		return nil
	}
	at := ev.OccurredAt
	if at.IsZero() {
		at = s.now()
	}
	total, err := s.repo.Add(ctx, ev.UserID, ev.Channel, ev.Characters, at)
	if err != nil {
		return err
	}
	s.metrics.Usage(ev.Channel, ev.Characters)
	log.Debugf("用量已记录: user=%s channel=%s +%d total=%d", ev.UserID, ev.Channel, ev.Characters, total)
	return nil
}

func (s *usageService) Summary(ctx context.Context, userID, channel string) (*UsageSummary, error) {
	used, err := s.repo.Used(ctx, userID, channel, s.now())
	if err != nil {
		return nil, err
	}
	quota := s.cfg.QuotaFor(channel)
	return &UsageSummary{
		Channel:    channel,
		Used:       used,
		Quota:      quota,
		Percentage: percentage(used, quota),
	}, nil
}

// percentage 返回 used/quota 的百分比，封顶 100；未配置配额时为 0。
func percentage(used, quota int64) float64 {
	if quota <= 0 || used <= 0 {
		return 0
	}
	p := float64(used) * 100 / float64(quota)
	if p > 100 {
		return 100
	}
	return p
}

// countCharacters 以 rune 计算字符数。
func countCharacters(texts ...string) int64 {
	var n int
	for _, t := range texts {
		n += utf8.RuneCountInString(t)
	}
	return int64(n)
}
