package console

import (
	"strings"
	"sync"

	"github.com/shopspring/decimal"

	"perpengine/internal/domain/model"
)

const (
	ansiReset    = "\033[0m"
	ansiRed      = "\033[31m"
	ansiGreen    = "\033[32m"
	ansiYellow   = "\033[33m"
	ansiDim      = "\033[2m"
	ansiClearEOL = "\033[K"
)

func colorize(s, c string) string { return c + s + ansiReset }

type Dir int

const (
	DirSame Dir = 0
	DirUp   Dir = +1
	DirDown Dir = -1
)

// Formatter 渲染价格行；记住上一次价格以便着色
type Formatter struct {
	mu   sync.Mutex
	prev map[string]decimal.Decimal
	dir  map[string]Dir
}

func NewFormatter() *Formatter {
	return &Formatter{prev: map[string]decimal.Decimal{}, dir: map[string]Dir{}}
}

// direction 与上一次价格比较；价格不变时沿用上一次方向
func (f *Formatter) direction(coin string, px decimal.Decimal) Dir {
	prev, ok := f.prev[coin]
	f.prev[coin] = px
	switch {
	case !ok:
		f.dir[coin] = DirSame
	case px.GreaterThan(prev):
		f.dir[coin] = DirUp
	case px.LessThan(prev):
		f.dir[coin] = DirDown
	}
	return f.dir[coin]
}

type RenderMode int

const (
	RenderLive RenderMode = iota
	RenderPlain
)

func (f *Formatter) Render(snaps []model.PriceSnapshot, mode RenderMode) string {
	f.mu.Lock()
	defer f.mu.Unlock()

	var sb strings.Builder
	if mode == RenderLive {
		sb.WriteString("\r")
		sb.WriteString(colorize("[PERP] ", ansiDim))
	}

	for i, snap := range snaps {
		if i > 0 {
			if mode == RenderLive {
				sb.WriteString(colorize("  ||  ", ansiDim))
			} else {
				sb.WriteString("  ")
			}
		}
		coin := model.Coin(snap.Symbol)
		px := snap.Price.String()
		if mode == RenderPlain {
			sb.WriteString(coin + "=" + px)
			continue
		}

		col := ansiYellow
		switch f.direction(coin, snap.Price) {
		case DirUp:
			col = ansiGreen
		case DirDown:
			col = ansiRed
		}
		sb.WriteString(coin)
		sb.WriteString(" ")
		sb.WriteString(colorize(px, col))
	}

	if mode == RenderLive {
		sb.WriteString(ansiClearEOL)
	}
	return sb.String()
}
