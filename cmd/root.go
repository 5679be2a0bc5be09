package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/listing-archiver/internal/config"
	"github.com/JakeFAU/listing-archiver/internal/logging"
	"github.com/JakeFAU/listing-archiver/internal/server"
)

// annotationNoBrowser marks commands that never crawl, so the app is built
// without launching a browser.
const annotationNoBrowser = "archiver/no-browser"

var cfgFile string

// appKeyType is the key for storing the session in the context.
type appKeyType string

const appKey appKeyType = "app"

// App is the slice of server.App that commands use. Tests replace it.
type App interface {
	Run(ctx context.Context) error
	Reset(ctx context.Context) error
	Transfer(ctx context.Context) (int, error)
	Sweep(ctx context.Context) (int, error)
	ExpireSessions(ctx context.Context) (int, error)
	Close(ctx context.Context) error
}

type session struct {
	app    App
	logger *zap.Logger
}

// loadConfig and newApp are variables so tests can swap in fakes.
var (
	loadConfig = config.Load

	newApp = func(ctx context.Context, cfg config.Config, logger *zap.Logger, opts server.Options) (App, error) {
		return server.Build(ctx, cfg, logger, opts)
	}
)

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "archiver",
		Short: "Crawl listings and archive them on demand.",
		Long: `archiver watches listing searches for clients, streams listing updates as
they change, and archives individual listings with their images into durable
storage. Interactive challenges are escalated to a VNC session the client can
resolve from the browser.`,
		SilenceUsage: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger, err := logging.New(cfg.Logging.Development)
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			zap.ReplaceGlobals(logger)

			opts := server.Options{DisableBrowser: cmd.Annotations[annotationNoBrowser] == "true"}
			appInstance, err := newApp(cmd.Context(), cfg, logger, opts)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, &session{app: appInstance, logger: logger}))
			return nil
		},

		// Close is idempotent, so serve having already shut down is fine.
		PersistentPostRunE: func(cmd *cobra.Command, _ []string) error {
			s, err := resolveSession(cmd.Context())
			if err != nil {
				return nil
			}
			ctx, cancel := context.WithTimeout(context.WithoutCancel(cmd.Context()), 10*time.Second)
			defer cancel()
			return s.app.Close(ctx)
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (env vars prefixed ARCHIVER_ override it)")

	cmd.AddCommand(newServeCmd(), newResetCmd(), newTransferCmd(), newSweepCmd())
	return cmd
}

func resolveSession(ctx context.Context) (*session, error) {
	s, ok := ctx.Value(appKey).(*session)
	if !ok || s == nil || s.app == nil {
		return nil, errors.New("application services not initialized")
	}
	return s, nil
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		zap.L().Error("command execution failed", zap.Error(err))
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
