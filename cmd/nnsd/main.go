package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"

	"nnschain/config"
	"nnschain/core"
	"nnschain/crypto"
	"nnschain/native/bidding"
	nativecommon "nnschain/native/common"
	"nnschain/observability"
	"nnschain/observability/logging"
	telemetry "nnschain/observability/otel"
	"nnschain/rpc"
	"nnschain/storage"
	"nnschain/storage/journal"
)

const serviceName = "nnsd"

func main() {
	configFile := flag.String("config", "./config.toml", "Path to the configuration file")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}
	if err := run(cfg); err != nil {
		slog.Error("nnsd exited with error", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	env := cfg.Env
	if override := strings.TrimSpace(os.Getenv("NNS_ENV")); override != "" {
		env = override
	}
	logger := logging.SetupWithOptions(logging.Options{
		Service:    serviceName,
		Env:        env,
		Level:      parseLevel(cfg.LogLevel),
		File:       cfg.LogFile,
		MaxSizeMB:  cfg.LogMaxSizeMB,
		MaxBackups: cfg.LogMaxBackups,
	})

	headers := make(map[string]string, len(cfg.Telemetry.Headers))
	for k, v := range cfg.Telemetry.Headers {
		headers[k] = v
	}
	for k, v := range telemetry.ParseHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS")) {
		headers[k] = v
	}
	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.Config{
		ServiceName: serviceName,
		Environment: env,
		NetworkName: cfg.NetworkName,
		Endpoint:    cfg.Telemetry.Endpoint,
		Insecure:    cfg.Telemetry.Insecure,
		Headers:     headers,
		Metrics:     cfg.Telemetry.Metrics,
		Traces:      cfg.Telemetry.Traces,
		SampleRatio: cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		return fmt.Errorf("initialise telemetry: %w", err)
	}
	defer func() {
		if err := shutdownTelemetry(context.Background()); err != nil {
			logger.Warn("telemetry shutdown failed", slog.Any("error", err))
		}
	}()

	db, err := storage.NewLevelDB(cfg.StateDir())
	if err != nil {
		return fmt.Errorf("open state database: %w", err)
	}
	defer db.Close()

	settlements, err := journal.Open(cfg.JournalDir())
	if err != nil {
		return fmt.Errorf("open settlement journal: %w", err)
	}
	defer settlements.Close()

	node, err := core.NewNode(db, settlements)
	if err != nil {
		return fmt.Errorf("create node: %w", err)
	}
	node.SetLogger(logger)
	node.SetMetrics(observability.Bidding())
	node.SetPauses(nativecommon.Pauses{bidding.ModuleName: cfg.Bidding.Paused})

	spec, err := cfg.GenesisSpec()
	if err != nil {
		return fmt.Errorf("resolve genesis: %w", err)
	}
	applied, err := node.ApplyGenesis(spec)
	if err != nil {
		return err
	}
	if !applied {
		current, err := node.RoleMembers(bidding.ApproverRole)
		if err != nil {
			return fmt.Errorf("load approvers: %w", err)
		}
		if missing, stale := approverDrift(cfg.Bidding.Approvers, current); len(missing) > 0 || len(stale) > 0 {
			logger.Warn("configured approvers differ from ledger state; config changes apply only at genesis",
				slog.Any("missing_in_state", missing),
				slog.Any("not_in_config", stale))
		}
	}
	logger.Info("ledger ready",
		slog.String("network", cfg.NetworkName),
		slog.Bool("genesis_applied", applied),
		slog.String("state_root", node.StateRoot().Hex()),
		slog.Bool("bidding_paused", cfg.Bidding.Paused))

	authToken := cfg.AuthToken()
	if authToken == "" {
		logger.Warn("RPC auth token not set; mutating methods are disabled",
			slog.String("env", cfg.RPC.AuthTokenEnv))
	}
	server := rpc.NewServer(node, rpc.ServerConfig{
		AuthToken:         authToken,
		RequestsPerMinute: cfg.RPC.RequestsPerMinute,
		Burst:             cfg.RPC.Burst,
		TrustProxyHeaders: cfg.RPC.TrustProxyHeaders,
		Logger:            logger,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := server.Start(ctx, cfg.RPCAddress); err != nil {
		return fmt.Errorf("rpc server: %w", err)
	}
	logger.Info("nnsd stopped")
	return nil
}

// approverDrift compares the configured approvers with the role members held
// in state. missing lists configured accounts without the role; stale lists
// role holders absent from config. Unparseable entries count as missing.
func approverDrift(configured []string, current [][20]byte) (missing, stale []string) {
	held := make(map[string]struct{}, len(current))
	for _, addr := range current {
		held[crypto.FormatAccount(addr)] = struct{}{}
	}
	wanted := make(map[string]struct{}, len(configured))
	for _, raw := range configured {
		trimmed := strings.TrimSpace(raw)
		addr, err := crypto.ParseAccount(trimmed)
		if err != nil {
			missing = append(missing, trimmed)
			continue
		}
		key := crypto.FormatAccount(addr)
		wanted[key] = struct{}{}
		if _, ok := held[key]; !ok {
			missing = append(missing, key)
		}
	}
	for _, addr := range current {
		key := crypto.FormatAccount(addr)
		if _, ok := wanted[key]; !ok {
			stale = append(stale, key)
		}
	}
	sort.Strings(missing)
	sort.Strings(stale)
	return missing, stale
}

func parseLevel(raw string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(raw))); err != nil {
		return slog.LevelInfo
	}
	return level
}
