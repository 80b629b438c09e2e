package console

import (
	"fmt"
	"io"
	"os"
	"sync"
	"text/tabwriter"
	"time"

	"perpengine/internal/application/port"
	"perpengine/internal/domain/model"
)

type Sink struct {
	mu    sync.Mutex
	out   io.Writer
	fmt   *Formatter
	live  bool // 最后一行是未换行的实时行
	color bool
}

func NewSink() port.Sink { return NewSinkTo(os.Stdout, true) }

// NewSinkTo color=false 时输出无 ANSI 的纯文本行
func NewSinkTo(out io.Writer, color bool) *Sink {
	return &Sink{out: out, fmt: NewFormatter(), color: color}
}

// WritePrices 覆盖上一条实时行（不换行）
func (s *Sink) WritePrices(ts time.Time, snaps []model.PriceSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.color {
		_, err := fmt.Fprintf(s.out, "%s %s\n", ts.Format("2006-01-02 15:04:05"), s.fmt.Render(snaps, RenderPlain))
		return err
	}
	_, err := fmt.Fprint(s.out, s.fmt.Render(snaps, RenderLive))
	s.live = true
	return err
}

// WriteTrade 先结束实时行，再追加成交行
func (s *Sink) WriteTrade(t model.Trade) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.breakLive()
	pnl := t.RealizedPnL.StringFixed(2)
	if s.color {
		col := ansiGreen
		if t.RealizedPnL.IsNegative() {
			col = ansiRed
		}
		pnl = colorize(pnl, col)
	}
	_, err := fmt.Fprintf(s.out, "%s [%s] %s %s size=%s entry=%s exit=%s pnl=%s reason=%s\n",
		t.ClosedAt.Format("2006-01-02 15:04:05"), t.Context, t.Symbol, t.Side,
		t.Size.String(), t.EntryPrice.String(), t.ExitPrice.String(), pnl, t.CloseReason)
	return err
}

// WriteBacktest 汇总 + 成交明细表
func (s *Sink) WriteBacktest(r *model.BacktestResult) error {
	if r == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.breakLive()

	st := r.Stats
	w := tabwriter.NewWriter(s.out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "Backtest\t%s\t%s -> %s (%s)\n", r.Symbol,
		r.Start.Format(time.RFC3339), r.End.Format(time.RFC3339), r.Interval)
	fmt.Fprintf(w, "Balance\t%s -> %s\n", r.InitialBalance.StringFixed(2), r.FinalBalance.StringFixed(2))
	fmt.Fprintf(w, "Total PnL\t%s (%s%%)\n", st.TotalPnL.StringFixed(2), st.TotalPnLPercent.StringFixed(2))
	fmt.Fprintf(w, "Trades\t%d (win %d / loss %d, win rate %s%%)\n", st.TotalTrades, st.WinningTrades, st.LosingTrades, st.WinRate.StringFixed(2))
	fmt.Fprintf(w, "Avg win / loss\t%s / %s\n", st.AverageWin.StringFixed(2), st.AverageLoss.StringFixed(2))
	fmt.Fprintf(w, "Max drawdown\t%s (%s%%)\n", st.MaxDrawdown.StringFixed(2), st.MaxDrawdownPercent.StringFixed(2))
	fmt.Fprintf(w, "Sharpe\t%.4f\n", st.SharpeRatio)
	fmt.Fprintf(w, "Rejected intents\t%d\n", st.RejectedIntents)
	if err := w.Flush(); err != nil {
		return err
	}
	if len(r.Trades) == 0 {
		return nil
	}

	fmt.Fprintln(s.out)
	w = tabwriter.NewWriter(s.out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "OPENED\tCLOSED\tSIDE\tSIZE\tENTRY\tEXIT\tPNL\tREASON")
	for _, t := range r.Trades {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			t.OpenedAt.Format("01-02 15:04"), t.ClosedAt.Format("01-02 15:04"), t.Side,
			t.Size.String(), t.EntryPrice.String(), t.ExitPrice.String(), t.RealizedPnL.StringFixed(2), t.CloseReason)
	}
	return w.Flush()
}

func (s *Sink) breakLive() {
	if s.live {
		fmt.Fprint(s.out, "\n")
		s.live = false
	}
}
