package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/dohr-michael/lockbox/internal/config"
	"github.com/dohr-michael/lockbox/internal/ghoster"
	"github.com/dohr-michael/lockbox/internal/portal"
	"github.com/dohr-michael/lockbox/internal/scheduler"
	"github.com/dohr-michael/lockbox/internal/server"
	"github.com/dohr-michael/lockbox/internal/store"
	"github.com/dohr-michael/lockbox/internal/tasks"
	"github.com/dohr-michael/lockbox/internal/vault"
)

// NewServeCommand returns the serve subcommand.
func NewServeCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Start the task engine and its API server",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "host",
				Usage: "Host to listen on",
			},
			&cli.IntFlag{
				Name:  "port",
				Usage: "Port to listen on",
			},
		},
		Action: runServe,
	}
}

func runServe(_ context.Context, cmd *cli.Command) error {
	if cmd.Bool("debug") {
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})))
	}

	cfg, err := config.Load(cmd.String("config"))
	if err != nil {
		return err
	}
	if cmd.IsSet("host") {
		cfg.Server.Host = cmd.String("host")
	}
	if cmd.IsSet("port") {
		cfg.Server.Port = cmd.Int("port")
	}

	// No credential key means no way to read any stored password.
	v, err := vault.Open(cfg.CredentialKey, cfg.CredentialKeyFile)
	if err != nil {
		return fmt.Errorf("open credential vault: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	st, err := store.Open(ctx, cfg.Store.Dir)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	// Cached geometry does not survive restarts; pending entries would
	// otherwise stay pending forever.
	if err := st.ClearFormGeometry(ctx); err != nil {
		return fmt.Errorf("clear form geometry: %w", err)
	}

	sched := scheduler.New(st)
	portalClient := portal.NewHTTPClient(cfg.Portal.BaseURL, cfg.Portal.Timeout.Duration())
	ghost := ghoster.New(ghoster.NewWebDriver(cfg.Ghoster.RemoteURL, cfg.Ghoster.Binary))

	engine := tasks.New(st, sched, portalClient, ghost, v, cfg.Tasks, cfg.SchoolCode)
	engine.Register()

	// The in-memory current day is lost on restart; make sure check-day
	// runs today to repopulate it.
	if err := engine.RescheduleCheckDay(ctx); err != nil {
		return fmt.Errorf("reschedule check day: %w", err)
	}
	if err := sched.Start(ctx); err != nil {
		return err
	}

	srv := server.New(st, sched, portalClient, v, engine, *cfg)
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		sched.Wait()
		return nil
	case err := <-errCh:
		return err
	}
}
