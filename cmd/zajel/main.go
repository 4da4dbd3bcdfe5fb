// Package main is the CLI entrypoint for Zajel. It provides subcommands for
// running a server (serve), managing database migrations (migrate), minting
// admin bearer tokens (token), and printing version information (version).
// The serve command loads configuration, connects to PostgreSQL, runs
// pending migrations, joins federation (SWIM gossip, DHT ring, server
// transport), starts the client gateway and admin HTTP surfaces, and
// handles graceful shutdown on SIGINT/SIGTERM.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/Hamza-Labs-Core/zajel/internal/admin"
	"github.com/Hamza-Labs-Core/zajel/internal/auth"
	"github.com/Hamza-Labs-Core/zajel/internal/config"
	"github.com/Hamza-Labs-Core/zajel/internal/database"
	"github.com/Hamza-Labs-Core/zajel/internal/federation/dht"
	"github.com/Hamza-Labs-Core/zajel/internal/federation/gossip"
	"github.com/Hamza-Labs-Core/zajel/internal/federation/identity"
	"github.com/Hamza-Labs-Core/zajel/internal/federation/transport"
	"github.com/Hamza-Labs-Core/zajel/internal/gateway"
	"github.com/Hamza-Labs-Core/zajel/internal/rendezvous"
)

// Build-time variables set via ldflags.
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		if err := runServe(); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
	case "migrate":
		if err := runMigrate(); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
	case "token":
		if err := runToken(); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
	case "version":
		runVersion()
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Zajel — End-to-End Encrypted P2P Messaging Fabric")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  zajel <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve     Start the rendezvous/federation server")
	fmt.Println("  migrate   Run database migrations [up|down|status]")
	fmt.Println("  token     Mint an admin bearer token")
	fmt.Println("  version   Print version information")
	fmt.Println("  help      Show this help message")
	fmt.Println()
	fmt.Println("Configuration:")
	fmt.Println("  Config file:  zajel.toml (or set ZAJEL_CONFIG_PATH)")
	fmt.Println("  Env prefix:   ZAJEL_ (e.g. ZAJEL_DATABASE_URL)")
}

// runServe starts the full Zajel server: loads config, connects to
// PostgreSQL, runs migrations, generates a process-local federation
// identity, joins SWIM gossip and the DHT ring, starts the server-to-server
// transport, and starts the client gateway and admin HTTP surfaces on their
// configured listeners.
func runServe() error {
	logger := setupLogger("info", "json")
	logger.Info("starting zajel", slog.String("version", version), slog.String("commit", commit))

	cfgPath := configPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger = setupLogger(cfg.Logging.Level, cfg.Logging.Format)
	logger.Info("configuration loaded", slog.String("path", cfgPath))

	ctx := context.Background()

	db, err := database.New(ctx, cfg.Database.URL, cfg.Database.MaxConnections, logger)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer db.Close()

	if err := database.MigrateUp(cfg.Database.URL, logger); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	// The server's federation identity is generated fresh on every boot
	// rather than persisted to disk: the fabric does not keep long-term
	// identity keys at rest on servers. A restart gets a new keypair and
	// rejoins as what gossip sees as a fresh member.
	serverID := uuid.NewString()
	id, err := identity.Generate(serverID)
	if err != nil {
		return fmt.Errorf("generating federation identity: %w", err)
	}
	logger.Info("federation identity generated", slog.String("server_id", serverID))

	authSvc, err := auth.NewService(cfg.Admin.JWTSecret)
	if err != nil {
		return fmt.Errorf("admin auth: %w", err)
	}

	rendStore := database.NewRendezvousStore(db)
	reg := rendezvous.New(rendStore)

	gw := gateway.NewServer(reg, logger)
	gw.SetRateLimit(cfg.RateLimit.Steady, cfg.RateLimit.Burst)

	var gsp *gossip.Gossip
	transportMgr := transport.New(id, cfg.Server.AdvertiseAddr, logger, func(ctx context.Context, env *gossip.Envelope) {
		gsp.Handle(ctx, env)
	})

	failureTimeout, err := cfg.Federation.FailureTimeoutParsed()
	if err != nil {
		return fmt.Errorf("parsing failure timeout: %w", err)
	}
	pingInterval, err := cfg.Federation.PingIntervalParsed()
	if err != nil {
		return fmt.Errorf("parsing ping interval: %w", err)
	}
	pingTimeout, err := cfg.Federation.PingTimeoutParsed()
	if err != nil {
		return fmt.Errorf("parsing ping timeout: %w", err)
	}
	suspicionTimeout, err := cfg.Federation.SuspicionTimeoutParsed()
	if err != nil {
		return fmt.Errorf("parsing suspicion timeout: %w", err)
	}
	stateExchangeInterval, err := cfg.Federation.StateExchangeIntervalParsed()
	if err != nil {
		return fmt.Errorf("parsing state exchange interval: %w", err)
	}

	gossipCfg := gossip.Config{
		PingInterval:          pingInterval,
		PingTimeout:           pingTimeout,
		IndirectPingCount:     cfg.Federation.IndirectPingCount,
		SuspicionTimeout:      suspicionTimeout,
		FailureTimeout:        failureTimeout,
		StateExchangeInterval: stateExchangeInterval,
	}
	gsp = gossip.New(gossipCfg, id, cfg.Server.AdvertiseAddr, transportMgr, logger)
	gsp.Start(ctx)

	ring := dht.New(cfg.Federation.VirtualNodes, cfg.Federation.ReplicationFactor)
	ring.Upsert(id.ServerID, cfg.Server.AdvertiseAddr, gossip.StatusAlive)
	gw.SetRendezvousRouter(rendezvous.NewRouter(reg, ring, id.ServerID))

	membershipStore := database.NewMembershipStore(db, id.ServerID)
	go mirrorGossipEvents(ctx, gsp, ring, membershipStore, logger)
	go prunePeriodically(ctx, rendStore, logger)
	go relayMatchEvents(ctx, reg, gw, logger)

	if cfg.Federation.BootstrapURL != "" {
		if err := gsp.Join(ctx, cfg.Federation.BootstrapURL); err != nil {
			logger.Warn("federation bootstrap join failed, continuing standalone", slog.String("error", err.Error()))
		} else {
			logger.Info("federation join sent", slog.String("bootstrap_url", cfg.Federation.BootstrapURL))
		}
	}

	adminSrv := admin.NewServer(gw, gsp, authSvc, cfg.Admin.UIOrigin, logger)

	gatewayMux := http.NewServeMux()
	gatewayMux.HandleFunc("/federation/v1/gossip", func(w http.ResponseWriter, r *http.Request) {
		if err := transportMgr.AcceptInbound(w, r); err != nil {
			logger.Warn("inbound federation connection failed", slog.String("error", err.Error()))
		}
	})
	gatewayMux.Handle("/", gw)

	gatewayHTTP := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: gatewayMux,
	}
	adminHTTP := &http.Server{
		Addr:    cfg.Admin.Listen,
		Handler: adminSrv.Router,
	}

	shutdownCh := make(chan os.Signal, 1)
	signal.Notify(shutdownCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 2)

	go func() {
		logger.Info("client gateway listening", slog.Int("port", cfg.Server.Port))
		if err := gatewayHTTP.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("gateway server: %w", err)
		}
	}()

	go func() {
		logger.Info("admin server listening", slog.String("addr", cfg.Admin.Listen))
		if err := adminHTTP.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("admin server: %w", err)
		}
	}()

	select {
	case err := <-errCh:
		return err
	case sig := <-shutdownCh:
		logger.Info("shutdown signal received", slog.String("signal", sig.String()))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	gsp.Stop()

	if err := gatewayHTTP.Shutdown(shutdownCtx); err != nil {
		logger.Error("gateway shutdown error", slog.String("error", err.Error()))
	}
	if err := adminHTTP.Shutdown(shutdownCtx); err != nil {
		logger.Error("admin shutdown error", slog.String("error", err.Error()))
	}

	logger.Info("zajel stopped")
	return nil
}

// mirrorGossipEvents is the single consumer of gsp.Events(): it keeps the
// DHT ring's view of live servers in sync with gossip's, and persists each
// transition as a full membership snapshot under this boot's server ID.
// Nothing reads the table back: the server ID is generated fresh on every
// start, so a restarted server writes under a new ID and rejoins through its
// own bootstrap handshake, never by reloading this table.
func mirrorGossipEvents(ctx context.Context, gsp *gossip.Gossip, ring *dht.Ring, store *database.MembershipStore, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-gsp.Events():
			if !ok {
				return
			}
			ring.ApplyGossipEvent(ev)
			if err := store.SaveSnapshot(ctx, gsp.Snapshot()); err != nil {
				logger.Warn("saving membership snapshot failed", slog.String("error", err.Error()))
			}
		}
	}
}

// relayMatchEvents is the single consumer of reg.Events(): it turns each
// hourly-token match into a notification delivered to the already-connected
// peer, if any.
func relayMatchEvents(ctx context.Context, reg *rendezvous.Registry, gw *gateway.Server, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-reg.Events():
			if !ok {
				return
			}
			gw.DeliverMatchEvent(ev)
		}
	}
}

// prunePeriodically deletes expired daily-point and hourly-token rows on a
// fixed schedule, independent of any single registry's in-memory TTL
// sweeps, so the tables don't grow unbounded across restarts.
func prunePeriodically(ctx context.Context, store *database.RendezvousStore, logger *slog.Logger) {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := store.PruneExpired(ctx); err != nil {
				logger.Warn("pruning expired rendezvous entries failed", slog.String("error", err.Error()))
			}
		}
	}
}

// runMigrate handles the migrate subcommand with up/down/status operations.
func runMigrate() error {
	logger := setupLogger("info", "text")

	cfgPath := configPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	action := "up"
	if len(os.Args) >= 3 {
		action = os.Args[2]
	}

	switch action {
	case "up":
		return database.MigrateUp(cfg.Database.URL, logger)
	case "down":
		return database.MigrateDown(cfg.Database.URL, logger)
	case "status":
		v, dirty, err := database.MigrateStatus(cfg.Database.URL)
		if err != nil {
			return err
		}
		fmt.Printf("Migration version: %d\n", v)
		fmt.Printf("Dirty: %v\n", dirty)
		return nil
	default:
		return fmt.Errorf("unknown migrate action: %s (use: up, down, status)", action)
	}
}

// runToken mints an admin bearer token for the operator dashboard. There is
// no user-account store to authenticate against; possession of the
// configured JWT secret (via this CLI, run by an operator with config
// access) is the only credential.
func runToken() error {
	if len(os.Args) < 3 {
		fmt.Println("Usage: zajel token <subject> [ttl]")
		fmt.Println()
		fmt.Println("  subject  Free-form identifier recorded in the token's sub claim")
		fmt.Println("  ttl      Token lifetime (default: 24h), e.g. 30m, 2h, 168h")
		return nil
	}

	cfgPath := configPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	authSvc, err := auth.NewService(cfg.Admin.JWTSecret)
	if err != nil {
		return fmt.Errorf("admin auth: %w", err)
	}

	subject := os.Args[2]
	ttl := 24 * time.Hour
	if len(os.Args) >= 4 {
		parsed, err := time.ParseDuration(os.Args[3])
		if err != nil {
			return fmt.Errorf("parsing ttl %q: %w", os.Args[3], err)
		}
		ttl = parsed
	}

	token, err := authSvc.IssueToken(subject, ttl)
	if err != nil {
		return fmt.Errorf("issuing token: %w", err)
	}

	fmt.Println(token)
	return nil
}

func runVersion() {
	fmt.Printf("Zajel %s\n", version)
	fmt.Printf("  commit:     %s\n", commit)
	fmt.Printf("  built:      %s\n", buildDate)
}

// configPath returns the config file path from ZAJEL_CONFIG_PATH env var
// or the default "zajel.toml".
func configPath() string {
	if p := os.Getenv("ZAJEL_CONFIG_PATH"); p != "" {
		return p
	}
	return "zajel.toml"
}

// setupLogger creates a slog.Logger with the given level and format.
func setupLogger(level, format string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: lvl}

	var handler slog.Handler
	switch strings.ToLower(format) {
	case "text":
		handler = slog.NewTextHandler(os.Stdout, opts)
	default:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
