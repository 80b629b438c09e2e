package main

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"perpengine/internal/application/backtest"
	"perpengine/internal/domain/model"
)

func newBacktestCmd(opts *rootOptions) *cobra.Command {
	var (
		csvPath      string
		fromDB       bool
		schedulePath string
		side         string
		startStr     string
		endStr       string
		interval     time.Duration
		balance      string
		leverage     int
		tpPct, slPct string
	)
	cmd := &cobra.Command{
		Use:   "backtest SYMBOL",
		Short: "Replay a price series through the paper ledger",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if (csvPath == "") == !fromDB {
				return fmt.Errorf("%w: exactly one of --csv or --from-db is required", model.ErrInvalidArgument)
			}
			start, end, err := parseWindow(startStr, endStr)
			if err != nil {
				return err
			}

			settings := backtest.DefaultSettings()
			settings.Leverage = leverage
			if balance != "" {
				if settings.InitialBalance, err = parseDecimal("balance", balance); err != nil {
					return err
				}
			}
			if tpPct != "" {
				if settings.TakeProfitPct, err = parseDecimal("tp-pct", tpPct); err != nil {
					return err
				}
			}
			if slPct != "" {
				if settings.StopLossPct, err = parseDecimal("sl-pct", slPct); err != nil {
					return err
				}
			}

			decisions, err := loadDecisions(schedulePath, side)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			sc, err := opts.bootstrap(ctx)
			if err != nil {
				return err
			}
			defer sc.Close()
			settings.Limits = sc.Config.RiskLimits()

			var series []backtest.Tick
			if fromDB {
				snaps, err := sc.PriceHistory().LoadPrices(ctx, args[0], start, end)
				if err != nil {
					return err
				}
				series = backtest.FromSnapshots(snaps)
			} else if series, err = backtest.LoadCSV(csvPath); err != nil {
				return err
			}
			if len(series) == 0 {
				return fmt.Errorf("%w: empty price series for %s", model.ErrPriceUnavailable, args[0])
			}
			if startStr == "" {
				start = series[0].Timestamp
			}
			if endStr == "" {
				end = series[len(series)-1].Timestamp
			}

			log.Info().
				Str("symbol", args[0]).
				Int("ticks", len(series)).
				Time("start", start).
				Time("end", end).
				Dur("interval", interval).
				Msg("backtest started")

			res, err := sc.Container().Backtester().Run(ctx, args[0], start, end, interval, settings, series, decisions)
			if err != nil {
				return err
			}
			return sc.Sink.WriteBacktest(res)
		},
	}
	cmd.Flags().StringVar(&csvPath, "csv", "", "CSV file with timestamp,price rows")
	cmd.Flags().BoolVar(&fromDB, "from-db", false, "replay recorded price history")
	cmd.Flags().StringVar(&schedulePath, "schedule", "", "YAML decision schedule")
	cmd.Flags().StringVar(&side, "side", "", "without a schedule, open this side whenever flat")
	cmd.Flags().StringVar(&startStr, "start", "", "window start (RFC3339); defaults to first tick")
	cmd.Flags().StringVar(&endStr, "end", "", "window end (RFC3339); defaults to last tick")
	cmd.Flags().DurationVar(&interval, "interval", time.Hour, "tick interval")
	cmd.Flags().StringVar(&balance, "balance", "", "initial balance")
	cmd.Flags().IntVar(&leverage, "leverage", 1, "default leverage")
	cmd.Flags().StringVar(&tpPct, "tp-pct", "", "take profit fraction, 0.05 = 5%")
	cmd.Flags().StringVar(&slPct, "sl-pct", "", "stop loss fraction, 0.02 = 2%")
	return cmd
}

// parseWindow 未给出的边界由价格序列补齐
func parseWindow(startStr, endStr string) (time.Time, time.Time, error) {
	var start, end time.Time
	var err error
	if startStr != "" {
		if start, err = time.Parse(time.RFC3339, startStr); err != nil {
			return start, end, fmt.Errorf("%w: --start %q", model.ErrInvalidArgument, startStr)
		}
	}
	if endStr != "" {
		if end, err = time.Parse(time.RFC3339, endStr); err != nil {
			return start, end, fmt.Errorf("%w: --end %q", model.ErrInvalidArgument, endStr)
		}
	}
	if startStr != "" && endStr != "" && end.Before(start) {
		return start, end, fmt.Errorf("%w: --end is before --start", model.ErrInvalidArgument)
	}
	return start, end, nil
}

func loadDecisions(schedulePath, side string) (backtest.DecisionSource, error) {
	if schedulePath != "" {
		return backtest.LoadSchedule(schedulePath)
	}
	if side == "" {
		log.Warn().Msg("no --schedule or --side given, backtest will not trade")
		return nil, nil
	}
	s, err := model.ParseSide(side)
	if err != nil {
		return nil, err
	}
	return backtest.DecisionFunc(func(_ context.Context, _ string, _ backtest.Tick) (*backtest.Decision, error) {
		return &backtest.Decision{Side: s, Size: decimal.Zero}, nil
	}), nil
}
