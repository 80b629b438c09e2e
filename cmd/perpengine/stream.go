package main

import (
	"context"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"perpengine/internal/application/service"
	"perpengine/internal/application/usecase/monitor"
	"perpengine/internal/application/usecase/trading"
	"perpengine/internal/domain/model"
)

func newStreamCmd(opts *rootOptions) *cobra.Command {
	var withLive bool
	cmd := &cobra.Command{
		Use:   "stream",
		Short: "Poll prices, render them and mark open positions until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			sc, err := opts.bootstrap(ctx)
			if err != nil {
				return err
			}
			defer sc.Close()

			contexts := []model.ExecutionContext{model.ContextPaper}
			if withLive {
				contexts = append(contexts, model.ContextLive)
			}
			subscribers := map[string]service.Subscriber{}
			var sessions []*trading.Session
			for _, ec := range contexts {
				s, err := sc.Container().Session(ctx, ec)
				if err != nil {
					return err
				}
				subscribers[string(ec)] = s.OnPrice
				sessions = append(sessions, s)
			}

			deps := monitor.ServiceDeps{
				Stream:      sc.Stream(),
				Symbols:     sc.Config.Symbols.List,
				Interval:    sc.Config.Stream.PollInterval,
				Sink:        sc.Sink,
				Subscribers: subscribers,
			}
			if sc.Config.Stream.RecordPrices {
				deps.Recorder = sc.Container().PriceService()
			}

			sc.StartSources()
			log.Info().
				Str("config", opts.configPath).
				Int("symbols", len(deps.Symbols)).
				Dur("interval", deps.Interval).
				Bool("record", deps.Recorder != nil).
				Msg("perpengine stream started")

			err = monitor.NewService(deps).Run(ctx)

			for _, s := range sessions {
				if cerr := s.Checkpoint(context.Background()); cerr != nil {
					log.Warn().Err(cerr).Str("context", string(s.Context())).Msg("checkpoint failed")
				}
			}
			return err
		},
	}
	cmd.Flags().BoolVar(&withLive, "live", false, "also mark and trigger live positions")
	return cmd
}
