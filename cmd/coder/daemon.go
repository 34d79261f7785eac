package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/martinemde/coder/agentloop"
	"github.com/martinemde/coder/attach"
)

var (
	daemonWorkspace  string
	daemonAllowRisky bool
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Keep sessions running and serve attach clients",
	Long: `The daemon owns live sessions. Clients connect over a unix socket
(daemon.socket, default <data_dir>/coder.sock) or, when daemon.websocket_addr
is set, a websocket at ws://<addr>/attach. They submit instructions, cancel
runs, and attach to any session's event stream, replaying what they missed.

Nobody is at a terminal to approve calls, so calls matching a risk pattern
are denied unless --allow-risky is given.`,
	Args: cobra.NoArgs,
	RunE: runDaemon,
}

func init() {
	daemonCmd.Flags().StringVarP(&daemonWorkspace, "workspace", "w", "", "Workspace for new sessions (default: current directory)")
	daemonCmd.Flags().BoolVar(&daemonAllowRisky, "allow-risky", false, "Allow calls matching a risk pattern")
	rootCmd.AddCommand(daemonCmd)
}

func runDaemon(cmd *cobra.Command, args []string) error {
	ctx, stop := interruptContext(cmd.Context())
	defer stop()

	workspace := daemonWorkspace
	if workspace == "" {
		wd, err := workingDir()
		if err != nil {
			return err
		}
		workspace = wd
	}
	workspace, err := filepath.Abs(workspace)
	if err != nil {
		return err
	}

	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()
	hub := attach.NewHub(store, attach.WithHubLogger(logger))
	defer hub.Close()

	tools, err := buildRegistry()
	if err != nil {
		return err
	}
	provider, err := buildProvider(tools)
	if err != nil {
		return err
	}
	engine := newEngine(store, provider, tools, 0, agentloop.WithApprover(riskDenier(daemonAllowRisky)))
	manager := agentloop.NewManager(engine, store, agentloop.SessionDefaults{
		ProviderID: cfg.Provider.ID,
		ModelID:    cfg.Provider.Model,
		Workspace:  workspace,
	}, logger)
	defer manager.Close()

	srv := attach.NewServer(hub, manager, logger)
	ln, err := listenUnix(ctx, cfg.Daemon.Socket)
	if err != nil {
		return err
	}
	defer os.Remove(cfg.Daemon.Socket)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Serve(gctx, ln) })

	if addr := cfg.Daemon.WebSocketAddr; addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/attach", attach.WebSocketHandler(srv))
		httpSrv := &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
			BaseContext:       func(net.Listener) context.Context { return gctx },
		}
		g.Go(func() error {
			logger.Info("websocket attach listening", "addr", addr)
			if err := httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("websocket listener: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return httpSrv.Shutdown(shutdownCtx)
		})
	}

	logger.Info("daemon started",
		"socket", cfg.Daemon.Socket,
		"workspace", workspace,
		"provider", cfg.Provider.ID,
		"model", cfg.Provider.Model)

	<-gctx.Done()
	logger.Info("daemon stopping")
	srv.Shutdown()
	err = g.Wait()
	// Runs are cancelled and record their outcome before the hub and
	// store close.
	manager.Close()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// listenUnix listens on path, removing a socket left by a daemon that
// exited without cleaning up. A live daemon on path is an error.
func listenUnix(ctx context.Context, path string) (net.Listener, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("socket directory: %w", err)
	}
	if _, err := os.Stat(path); err == nil {
		dialCtx, cancel := context.WithTimeout(ctx, time.Second)
		conn, dialErr := (&net.Dialer{}).DialContext(dialCtx, "unix", path)
		cancel()
		if dialErr == nil {
			conn.Close()
			return nil, fmt.Errorf("a daemon is already listening on %s", path)
		}
		logger.Warn("removing stale socket", "path", path)
		if err := os.Remove(path); err != nil {
			return nil, fmt.Errorf("remove stale socket: %w", err)
		}
	}
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", path, err)
	}
	if err := os.Chmod(path, 0o600); err != nil {
		ln.Close()
		return nil, fmt.Errorf("socket permissions: %w", err)
	}
	return ln, nil
}
