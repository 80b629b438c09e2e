package main

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"perpengine/internal/application/usecase/trading"
	"perpengine/internal/domain/model"
	"perpengine/internal/infrastructure/svc"
)

func newTradeCmd(opts *rootOptions) *cobra.Command {
	var mode string
	cmd := &cobra.Command{
		Use:   "trade",
		Short: "Open or close a position in the paper or live context",
	}
	cmd.PersistentFlags().StringVar(&mode, "mode", "paper", "execution context: paper | live")

	session := func(ctx context.Context, sc *svc.ServiceContext) (*trading.Session, error) {
		ec, err := model.ParseExecutionContext(mode)
		if err != nil {
			return nil, err
		}
		return sc.Container().Session(ctx, ec)
	}

	cmd.AddCommand(newTradeOpenCmd(opts, session), newTradeCloseCmd(opts, session))
	return cmd
}

type sessionFunc func(context.Context, *svc.ServiceContext) (*trading.Session, error)

func newTradeOpenCmd(opts *rootOptions, session sessionFunc) *cobra.Command {
	var (
		side     string
		size     string
		price    string
		leverage int
		sl, tp   string
	)
	cmd := &cobra.Command{
		Use:   "open SYMBOL",
		Short: "Submit a trade intent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := model.ParseSide(side)
			if err != nil {
				return err
			}
			intent := model.TradeIntent{Symbol: args[0], Side: s, Leverage: leverage}
			if intent.Size, err = parseDecimal("size", size); err != nil {
				return err
			}
			if intent.Price, err = parseDecimal("price", price); err != nil {
				return err
			}
			if intent.StopLoss, err = parseDecimal("sl", sl); err != nil {
				return err
			}
			if intent.TakeProfit, err = parseDecimal("tp", tp); err != nil {
				return err
			}

			ctx := cmd.Context()
			sc, err := opts.bootstrap(ctx)
			if err != nil {
				return err
			}
			defer sc.Close()

			sess, err := session(ctx, sc)
			if err != nil {
				return err
			}
			res, err := sess.Submit(ctx, intent)
			if res != nil {
				for _, leg := range res.Legs {
					if !leg.OK() {
						log.Error().Err(leg.Err).Str("leg", leg.Leg).Str("status", leg.Status).Msg("order leg failed")
					}
				}
			}
			if err != nil {
				return err
			}

			p := res.Position
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s %s %s @ %s x%d\n",
				sess.Context(), p.Symbol, p.Side, p.Size.String(), res.FillPrice.String(), p.Leverage)
			return nil
		},
	}
	cmd.Flags().StringVar(&side, "side", "long", "long | short")
	cmd.Flags().StringVar(&size, "size", "", "position size in coins")
	cmd.Flags().StringVar(&price, "price", "", "limit price; empty for market")
	cmd.Flags().IntVar(&leverage, "leverage", 1, "leverage")
	cmd.Flags().StringVar(&sl, "sl", "", "stop loss price")
	cmd.Flags().StringVar(&tp, "tp", "", "take profit price")
	_ = cmd.MarkFlagRequired("size")
	return cmd
}

func newTradeCloseCmd(opts *rootOptions, session sessionFunc) *cobra.Command {
	var size string
	cmd := &cobra.Command{
		Use:   "close SYMBOL",
		Short: "Close (or reduce) an open position",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := parseDecimal("size", size)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			sc, err := opts.bootstrap(ctx)
			if err != nil {
				return err
			}
			defer sc.Close()

			sess, err := session(ctx, sc)
			if err != nil {
				return err
			}
			trade, err := sess.Close(ctx, args[0], amount)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s closed %s @ %s pnl %s\n",
				trade.Context, trade.Symbol, trade.Size.String(), trade.ExitPrice.String(), trade.RealizedPnL.StringFixed(2))
			return nil
		},
	}
	cmd.Flags().StringVar(&size, "size", "", "amount to close; empty closes the whole position")
	return cmd
}

func parseDecimal(name, v string) (decimal.Decimal, error) {
	if v == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: --%s %q", model.ErrInvalidArgument, name, v)
	}
	return d, nil
}
