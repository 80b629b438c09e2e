package backtest

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"perpengine/internal/domain/model"
)

// Schedule 按时间排列的开仓计划（回测场景文件）
//
//	decisions:
//	  - at: 2024-01-01T04:00:00Z
//	    side: long
//	    size: "0.1"
//	    leverage: 2
//	    stop_loss: "49000"
//	    take_profit: "55000"
type Schedule struct {
	entries []scheduled

	mu     sync.Mutex
	cursor int
}

type scheduled struct {
	at time.Time
	Decision
}

type scheduleFile struct {
	Decisions []struct {
		At         string `yaml:"at"`
		Side       string `yaml:"side"`
		Size       string `yaml:"size"`
		Leverage   int    `yaml:"leverage"`
		StopLoss   string `yaml:"stop_loss"`
		TakeProfit string `yaml:"take_profit"`
	} `yaml:"decisions"`
}

// LoadSchedule 从 YAML 文件加载
func LoadSchedule(path string) (*Schedule, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open schedule: %w", err)
	}
	defer f.Close()
	return ParseSchedule(f)
}

// ParseSchedule 解析 YAML 场景
func ParseSchedule(r io.Reader) (*Schedule, error) {
	var raw scheduleFile
	if err := yaml.NewDecoder(r).Decode(&raw); err != nil && err != io.EOF {
		return nil, fmt.Errorf("%w: decode schedule: %v", model.ErrInvalidArgument, err)
	}

	s := &Schedule{}
	for i, d := range raw.Decisions {
		at, err := time.Parse(time.RFC3339, strings.TrimSpace(d.At))
		if err != nil {
			return nil, fmt.Errorf("%w: decisions[%d].at: %v", model.ErrInvalidArgument, i, err)
		}
		side, err := model.ParseSide(d.Side)
		if err != nil {
			return nil, fmt.Errorf("decisions[%d].side: %w", i, err)
		}
		entry := scheduled{at: at.UTC(), Decision: Decision{Side: side, Leverage: d.Leverage}}
		for _, f := range []struct {
			name string
			raw  string
			dst  *decimal.Decimal
		}{
			{"size", d.Size, &entry.Size},
			{"stop_loss", d.StopLoss, &entry.StopLoss},
			{"take_profit", d.TakeProfit, &entry.TakeProfit},
		} {
			if strings.TrimSpace(f.raw) == "" {
				continue
			}
			v, err := decimal.NewFromString(strings.TrimSpace(f.raw))
			if err != nil || v.IsNegative() {
				return nil, fmt.Errorf("%w: decisions[%d].%s %q", model.ErrInvalidArgument, i, f.name, f.raw)
			}
			*f.dst = v
		}
		s.entries = append(s.entries, entry)
	}
	sort.SliceStable(s.entries, func(i, j int) bool { return s.entries[i].at.Before(s.entries[j].at) })
	return s, nil
}

// NewSchedule 直接用内存中的计划构造
func NewSchedule(at []time.Time, decisions []Decision) *Schedule {
	s := &Schedule{}
	for i := range at {
		if i < len(decisions) {
			s.entries = append(s.entries, scheduled{at: at[i].UTC(), Decision: decisions[i]})
		}
	}
	sort.SliceStable(s.entries, func(i, j int) bool { return s.entries[i].at.Before(s.entries[j].at) })
	return s
}

// Len 计划条目数
func (s *Schedule) Len() int { return len(s.entries) }

// Decide 返回 tick 时刻之前最近一条未消费的计划，更早的条目一并跳过
func (s *Schedule) Decide(_ context.Context, _ string, tick Tick) (*Decision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var picked *Decision
	for s.cursor < len(s.entries) && !s.entries[s.cursor].at.After(tick.Timestamp) {
		d := s.entries[s.cursor].Decision
		picked = &d
		s.cursor++
	}
	return picked, nil
}

// Reset 回到第一条
func (s *Schedule) Reset() {
	s.mu.Lock()
	s.cursor = 0
	s.mu.Unlock()
}
