package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gofrs/flock"
	"github.com/spf13/cobra"

	"github.com/PieroV/mirror-to-onedrive/internal/catalog"
	"github.com/PieroV/mirror-to-onedrive/internal/config"
	"github.com/PieroV/mirror-to-onedrive/internal/graph"
	"github.com/PieroV/mirror-to-onedrive/internal/mirror"
)

// serviceHTTPTimeout caps a single Graph request. Upload chunks are
// 10 MiB, and a slow uplink needs minutes for one.
const serviceHTTPTimeout = 15 * time.Minute

func newServiceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "service",
		Short: "Run the mirror daemon",
		Long: `Mirror the configured directories on a fixed cadence until stopped.
Only one instance can run at a time; a second invocation exits with an
error immediately.`,
		RunE: runService,
	}
}

func runService(cmd *cobra.Command, _ []string) error {
	logger := buildLogger()

	if err := config.EnsureDataDir(); err != nil {
		return err
	}

	lock := flock.New(config.LockPath())

	locked, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquiring service lock: %w", err)
	}

	if !locked {
		return fmt.Errorf("another instance is already running (lock held on %s)", config.LockPath())
	}
	defer lock.Unlock()

	ctx := shutdownContext(cmd.Context(), logger)

	logger.Info("service starting",
		slog.String("version", version),
		slog.Int("mappings", len(loadedCfg.Synchronize)),
	)

	svc := mirror.NewService(newProductionCycle(loadedCfg), logger)

	return svc.Run(ctx)
}

// newProductionCycle returns the factory the service calls at the top of
// every cycle: open the catalog, load the token, probe the drive, and
// wire the engine. Probing up front turns an expired login or an
// unreachable service into one clean cycle failure before any tree work.
func newProductionCycle(cfg *config.Config) mirror.NewCycle {
	return func(ctx context.Context, logger *slog.Logger) (mirror.Cycle, error) {
		store, err := catalog.Open(config.CatalogPath(), logger)
		if err != nil {
			return nil, err
		}

		oauthCfg := graph.OAuth2Config(cfg.ClientID, cfg.ClientSecret, cfg.RedirectURI)

		tokenSource, err := graph.TokenSourceFromFile(ctx, oauthCfg, config.TokenPath(), logger)
		if err != nil {
			store.Close()
			return nil, err
		}

		client := graph.NewClient(graph.DefaultBaseURL,
			&http.Client{Timeout: serviceHTTPTimeout}, tokenSource, logger)

		if _, err := client.Drives(ctx); err != nil {
			store.Close()
			return nil, fmt.Errorf("probing drive: %w", err)
		}

		return mirror.NewEngine(client, store, cfg.Mappings(), logger), nil
	}
}
