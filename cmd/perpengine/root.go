package main

import (
	"context"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"perpengine/internal/infrastructure/config"
	"perpengine/internal/infrastructure/logger"
	"perpengine/internal/infrastructure/svc"
)

type rootOptions struct {
	configPath string
	envFile    string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "perpengine",
		Short:         "Perpetual futures position and trade engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "configs/config.toml", "path to config.toml")
	cmd.PersistentFlags().StringVar(&opts.envFile, "env-file", ".env", "optional .env file with secrets")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "override app.log_level")

	cmd.AddCommand(
		newPriceCmd(opts),
		newStreamCmd(opts),
		newTradeCmd(opts),
		newBacktestCmd(opts),
	)
	return cmd
}

// bootstrap 加载配置、初始化日志并装配 ServiceContext
func (o *rootOptions) bootstrap(ctx context.Context) (*svc.ServiceContext, error) {
	logger.Setup(o.logLevel)

	cfg, err := config.Load(o.configPath, o.envFile)
	if err != nil {
		log.Error().Err(err).Str("config", o.configPath).Msg("load config failed")
		return nil, err
	}
	if o.logLevel == "" {
		logger.Setup(cfg.App.LogLevel)
	}

	sc, err := svc.New(ctx, cfg)
	if err != nil {
		log.Error().Err(err).Msg("service context init failed")
		return nil, err
	}
	return sc, nil
}
