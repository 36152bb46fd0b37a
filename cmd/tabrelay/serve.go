package cli

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/neboloop/tabrelay/internal/config"
	"github.com/neboloop/tabrelay/internal/lifecycle"
	"github.com/neboloop/tabrelay/internal/logging"
	"github.com/neboloop/tabrelay/internal/server"
	"github.com/neboloop/tabrelay/internal/svc"
)

// ServeCmd runs the relay until SIGINT or SIGTERM.
func ServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the relay server (default)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd)
		},
	}
}

func runServe(cmd *cobra.Command) error {
	c, err := loadConfig()
	if err != nil {
		return err
	}
	defer logging.Sync()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return Serve(ctx, c, cmd)
}

// Serve starts every component and blocks until ctx is done or one of them fails.
// Shutdown order: lifecycle shutdown_started, store BeginShutdown, HTTP shutdown,
// relay stop, then store close with a truncating checkpoint.
func Serve(ctx context.Context, c config.Config, cmd *cobra.Command) error {
	out := cmd.OutOrStdout()

	svcCtx, err := svc.NewServiceContext(c, nil)
	if err != nil {
		errColor.Fprintf(cmd.ErrOrStderr(), "Error: failed to initialize database: %v\n", err)
		return err
	}
	svcCtx.Version = Version
	defer svcCtx.Close()

	if err := svcCtx.StartMaintenance(); err != nil {
		return err
	}

	srv := server.New(svcCtx, server.ServerOptions{Quiet: !verbose})
	if err := srv.Listen(); err != nil {
		errColor.Fprintf(cmd.ErrOrStderr(), "Error: %v\n", err)
		return err
	}
	svcCtx.Relay.Start()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(srv.Serve)

	if cfgFile != "" {
		g.Go(func() error {
			return config.Watch(gctx, cfgFile, func(nc config.Config) {
				svcCtx.ApplyConfig(nc)
				lifecycle.Emit(lifecycle.EventConfigReloaded, nc)
			})
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		warnColor.Fprintln(out, "\nShutting down...")
		// the service context's shutdown hook marks the store shutting down
		lifecycle.Emit(lifecycle.EventShutdownStarted, nil)
		err := srv.Shutdown(context.Background())
		svcCtx.Relay.Stop()
		return err
	})

	lifecycle.Emit(lifecycle.EventServerStarted, srv.Addr())
	printStatus(out, okColor, "ready", "ws://%s/ws", srv.Addr())
	printStatus(out, infoColor, "extensions", "max %d", c.Server.MaxExtensionClients)
	if c.AuthEnabled() {
		printStatus(out, infoColor, "auth", "token required for automation peers")
	}

	err = g.Wait()
	svcCtx.Close()
	lifecycle.Emit(lifecycle.EventShutdownComplete, nil)
	if err != nil {
		return fmt.Errorf("serve: %w", err)
	}
	okColor.Fprintln(out, "Stopped.")
	return nil
}
