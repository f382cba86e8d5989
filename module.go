package chatwire

import (
	"context"

	"github.com/chatwire/chatwire/config"
	"github.com/chatwire/chatwire/logging"
	"github.com/chatwire/chatwire/model"
	"github.com/chatwire/chatwire/retry"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds what an application must supply to run the SDK under fx.
type Params struct {
	ConfigPath string
	DBPath     string
	LogPath    string

	// User to connect as, with Token supplying its auth token.
	User  model.User
	Token func() string
}

// Module returns the fx module wiring the SDK: config, logging, the
// client, and lifecycle hooks that connect on start and close on stop.
func Module(p Params) fx.Option {
	return fx.Module("chatwire",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideClient,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) (*config.Config, error) {
	cfg, err := config.Load(p.ConfigPath)
	if err == nil {
		return cfg, nil
	}
	// First run: persist the defaults so the user has a file to edit.
	defaults := config.Defaults()
	if saveErr := config.Save(p.ConfigPath, &defaults); saveErr != nil {
		return nil, saveErr
	}
	return &defaults, nil
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(p.LogPath, p.User.ID)
}

func provideClient(p Params, cfg *config.Config, logger *zap.Logger) (*Client, error) {
	return New(Options{
		Config:      cfg,
		DBPath:      p.DBPath,
		Token:       p.Token,
		RetryPolicy: retry.DefaultExponential(),
		Logger:      logger,
	})
}

func registerLifecycle(lc fx.Lifecycle, p Params, client *Client, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			logger.Info("connecting", zap.String("user", p.User.ID))
			client.Connect(context.Background(), p.User)
			return nil
		},
		OnStop: func(context.Context) error {
			err := client.Close()
			logger.Info("client stopped")
			return err
		},
	})
}
