package main

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newPriceCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "price [symbol...]",
		Short: "Fetch current prices through the fallback chain",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			sc, err := opts.bootstrap(ctx)
			if err != nil {
				return err
			}
			defer sc.Close()

			symbols := args
			if len(symbols) == 0 {
				symbols = sc.Config.Symbols.List
			}
			testnet := sc.Config.Network().IsTestnet()

			var failed int
			for _, sym := range symbols {
				q, err := sc.Feed().Quote(ctx, sym, testnet)
				if err != nil {
					failed++
					log.Error().Err(err).Str("symbol", sym).Msg("price unavailable")
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%-6s %s  (%s via %s)\n", q.Symbol, q.Price.String(), q.Source, q.Tier)
				if q.Degraded {
					log.Warn().Str("symbol", q.Symbol).Time("at", q.Timestamp).Msg("stale price")
				}
			}
			if failed == len(symbols) {
				return fmt.Errorf("no prices available for %d symbols", failed)
			}
			return nil
		},
	}
}
