package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"golang.org/x/net/netutil"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/twinsync/internal/api"
	"github.com/kalambet/twinsync/internal/apply"
	"github.com/kalambet/twinsync/internal/capture"
	"github.com/kalambet/twinsync/internal/catalog"
	"github.com/kalambet/twinsync/internal/config"
	"github.com/kalambet/twinsync/internal/entity"
	"github.com/kalambet/twinsync/internal/media"
	"github.com/kalambet/twinsync/internal/replication"
	"github.com/kalambet/twinsync/internal/settings"
	"github.com/kalambet/twinsync/internal/storage"
)

var serveMCP bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the sync node in the foreground",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Check whether the local node is running",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus()
	},
}

func init() {
	serveCmd.Flags().BoolVar(&serveMCP, "mcp", false, "also serve MCP tools over stdio")
}

func runServer() error {
	fmt.Fprintf(os.Stderr, "twinsync version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := newLogger(cfg.Log.Level)
	logger = logger.With("node", cfg.Node.ID)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			printWarning("closing storage: %v", err)
		}
	}()

	registry := entity.NewRegistry()
	if err := catalog.Register(registry); err != nil {
		return fmt.Errorf("registering catalog: %w", err)
	}
	if err := settings.Register(registry); err != nil {
		return fmt.Errorf("registering settings: %w", err)
	}

	capturer := capture.NewCapturer(cfg.Node.ID, logger)
	gateway := capture.NewGateway(store, registry, capturer, logger)

	mgr, err := settings.NewManager(store, gateway, settings.Settings{Enabled: cfg.Sync.EnabledDefault}, logger)
	if err != nil {
		return fmt.Errorf("loading settings: %w", err)
	}

	n, err := gateway.Bootstrap(ctx, false)
	if err != nil {
		return fmt.Errorf("bootstrapping changelog: %w", err)
	}
	if n > 0 {
		logger.Info("changelog bootstrapped", "entries", n)
	}

	engine := apply.NewEngine(store, gateway, logger)
	ingester, err := replication.NewIngester(store, engine, cfg.Node.ID, logger)
	if err != nil {
		return fmt.Errorf("creating ingester: %w", err)
	}

	fs := afero.NewOsFs()
	if err := fs.MkdirAll(cfg.Media.Root, 0o755); err != nil {
		return fmt.Errorf("creating media root: %w", err)
	}
	reconciler := media.NewReconciler(fs, store, media.Options{
		Root:         cfg.Media.Root,
		NodeID:       cfg.Node.ID,
		Backend:      cfg.Media.Backend,
		BaseURL:      cfg.Media.BaseURL,
		ContentLimit: int64(cfg.Media.ContentLimit),
		Logger:       logger,
	})

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(replication.Collectors()...)
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	var (
		rep  *replication.Replicator
		jobs []replication.Job
	)
	if cfg.Peer.URL != "" {
		client := replication.NewClient(cfg.Peer.URL, cfg.Peer.Token, cfg.Sync.Timeout)
		rep = replication.NewReplicator(store, ingester, client, mgr, replication.Options{
			NodeID:    cfg.Node.ID,
			PeerID:    cfg.Peer.NodeID,
			BatchSize: cfg.Sync.BatchSize,
			Logger:    logger,
		})
		puller := media.NewPuller(reconciler, store, client, rep, cfg.Sync.BatchSize, logger)

		jobs = append(jobs,
			replication.Job{Name: "push", Interval: cfg.Sync.PushInterval, Timeout: cfg.Sync.Timeout, Run: func(ctx context.Context) error {
				_, err := rep.PushOnce(ctx)
				return err
			}},
			replication.Job{Name: "pull", Interval: cfg.Sync.PullInterval, Timeout: cfg.Sync.Timeout, Run: func(ctx context.Context) error {
				_, err := rep.PullOnce(ctx)
				return err
			}},
			replication.Job{Name: "media", Interval: cfg.Sync.MediaInterval, Timeout: mediaJobTimeout(cfg.Sync), Run: func(ctx context.Context) error {
				_, err := puller.PullOnce(ctx)
				return err
			}},
		)
	} else {
		logger.Warn("peer.url not set, replication jobs disabled")
	}

	deps := api.Deps{
		Store:     store,
		Ingester:  ingester,
		Settings:  mgr,
		Media:     reconciler,
		Auth:      api.NewAuthenticator(cfg.Auth.SharedSecret),
		Bootstrap: gateway.Bootstrap,
		NodeID:    cfg.Node.ID,
		PeerID:    cfg.Peer.NodeID,
		Metrics:   promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}),
		Logger:    logger,
	}
	// A nil *Replicator must not become a non-nil interface.
	if rep != nil {
		deps.Replicator = rep
	}

	addr := net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	if cfg.Server.MaxConns > 0 {
		ln = netutil.LimitListener(ln, cfg.Server.MaxConns)
	}
	srv := &http.Server{
		Handler:           api.NewHandler(deps),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		fmt.Fprintf(os.Stderr, "twinsync listening on %s\n", addr)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return replication.NewScheduler(logger, jobs...).Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		fmt.Fprintln(os.Stderr, "shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if serveMCP {
		stdio := server.NewStdioServer(api.NewMCPServer(deps))
		g.Go(func() error {
			if err := stdio.Listen(gctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("MCP stdio server error", "error", err)
			}
			return nil
		})
		logger.Info("MCP server started (stdio transport)")
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

type healthResponse struct {
	Status string `json:"status"`
	NodeID string `json:"nodeId"`
}

func showStatus() error {
	client, err := newAPIClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	resp, err := client.get(ctx, "/health")
	if err != nil {
		printError("twinsync is not running")
		return err
	}
	var h healthResponse
	if err := decodeJSON(resp, &h); err != nil {
		return err
	}
	printSuccess("twinsync is running")
	printStatus("Node", "%s", h.NodeID)
	printStatus("Address", "%s", client.baseURL)
	return nil
}

// mediaJobTimeout bounds one media pass to a few request timeouts, capped
// at the job interval.
func mediaJobTimeout(c config.SyncConfig) time.Duration {
	t := 4 * c.Timeout
	if c.MediaInterval > 0 && t > c.MediaInterval {
		t = c.MediaInterval
	}
	return t
}
