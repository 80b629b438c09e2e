package backtest

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"perpengine/internal/domain/model"
)

// FromSnapshots 把持久化的价格快照转成按时间排序的序列
func FromSnapshots(snaps []model.PriceSnapshot) []Tick {
	ticks := make([]Tick, 0, len(snaps))
	for _, s := range snaps {
		ticks = append(ticks, Tick{Timestamp: s.Timestamp.UTC(), Price: s.Price})
	}
	sortTicks(ticks)
	return ticks
}

// LoadCSV 读取 timestamp,price 两列；时间可以是 RFC3339、unix 秒或毫秒
func LoadCSV(path string) ([]Tick, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open series: %w", err)
	}
	defer f.Close()
	return ParseCSV(f)
}

func ParseCSV(r io.Reader) ([]Tick, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	var ticks []Tick
	for line := 1; ; line++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: series line %d: %v", model.ErrInvalidArgument, line, err)
		}
		if len(rec) < 2 || strings.HasPrefix(strings.TrimSpace(rec[0]), "#") {
			continue
		}
		ts, err := parseTimestamp(rec[0])
		if err != nil {
			// 表头
			if line == 1 {
				continue
			}
			return nil, fmt.Errorf("%w: series line %d: %v", model.ErrInvalidArgument, line, err)
		}
		px, err := decimal.NewFromString(strings.TrimSpace(rec[1]))
		if err != nil || !px.IsPositive() {
			return nil, fmt.Errorf("%w: series line %d: bad price %q", model.ErrInvalidArgument, line, rec[1])
		}
		ticks = append(ticks, Tick{Timestamp: ts, Price: px})
	}
	sortTicks(ticks)
	return ticks, nil
}

func parseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		if n > 1e12 {
			return time.UnixMilli(n).UTC(), nil
		}
		return time.Unix(n, 0).UTC(), nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

func sortTicks(ticks []Tick) {
	sort.SliceStable(ticks, func(i, j int) bool { return ticks[i].Timestamp.Before(ticks[j].Timestamp) })
}
