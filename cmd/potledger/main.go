package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	_ "github.com/lib/pq"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"

	"PotLedger/internal/audit"
	"PotLedger/internal/deposit"
	"PotLedger/internal/engine"
	"PotLedger/internal/observability"
	"PotLedger/internal/publish"
	"PotLedger/internal/server"
	"PotLedger/internal/store"
)

// Config holds all application configuration, loaded from environment
// variables.
type Config struct {
	// Store backend
	BackendKind    string // memory | leveldb | edge
	LevelDBPath    string
	EdgeURL        string
	EdgeToken      string
	EdgeTimeout    time.Duration
	DocumentKey    string
	StoreRetries   int
	StoreRetryWait time.Duration
	FallbackTTL    time.Duration

	// Game
	EntryFee       string
	LeaderboardCap int

	// Deposits
	ChainRPCURL    string
	ChainID        int64
	DepositAddress string
	TokenAddress   string
	TokenSymbol    string
	TokenDecimals  int
	NativeSymbol   string
	NativeRate     string
	Tolerance      string

	// Audit store (optional)
	PostgresURL   string
	MigrationsDir string

	// NATS (optional)
	NATSURL string

	// HTTP
	HTTPAddr    string
	MetricsAddr string
}

func DefaultConfig() Config {
	return Config{
		BackendKind:    envOrDefault("POT_BACKEND", "leveldb"),
		LevelDBPath:    envOrDefault("POT_LEVELDB_PATH", "data/potledger"),
		EdgeURL:        os.Getenv("POT_EDGE_URL"),
		EdgeToken:      os.Getenv("POT_EDGE_TOKEN"),
		EdgeTimeout:    5 * time.Second,
		DocumentKey:    envOrDefault("POT_DOCUMENT_KEY", store.DefaultDocumentKey),
		StoreRetries:   envIntOrDefault("POT_STORE_RETRIES", 2),
		StoreRetryWait: 100 * time.Millisecond,
		FallbackTTL:    time.Duration(envIntOrDefault("POT_FALLBACK_TTL_SECONDS", 30)) * time.Second,

		EntryFee:       envOrDefault("POT_ENTRY_FEE", "1"),
		LeaderboardCap: envIntOrDefault("POT_LEADERBOARD_CAP", 50),

		ChainRPCURL:    os.Getenv("POT_CHAIN_RPC_URL"),
		ChainID:        int64(envIntOrDefault("POT_CHAIN_ID", 8453)),
		DepositAddress: os.Getenv("POT_DEPOSIT_ADDRESS"),
		TokenAddress:   os.Getenv("POT_TOKEN_ADDRESS"),
		TokenSymbol:    envOrDefault("POT_TOKEN_SYMBOL", "USDC"),
		TokenDecimals:  envIntOrDefault("POT_TOKEN_DECIMALS", 6),
		NativeSymbol:   envOrDefault("POT_NATIVE_SYMBOL", "ETH"),
		NativeRate:     envOrDefault("POT_NATIVE_RATE", "0"),
		Tolerance:      envOrDefault("POT_AMOUNT_TOLERANCE", "0.01"),

		PostgresURL:   os.Getenv("POT_POSTGRES_DSN"),
		MigrationsDir: envOrDefault("POT_MIGRATIONS_DIR", "migrations"),

		NATSURL: os.Getenv("POT_NATS_URL"),

		HTTPAddr:    envOrDefault("POT_HTTP_ADDR", ":8080"),
		MetricsAddr: envOrDefault("POT_METRICS_ADDR", ":9091"),
	}
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)
	log.Println("INFO: PotLedger starting...")

	cfg := DefaultConfig()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	metrics := observability.NewMetrics()
	healthChecker := observability.NewHealthChecker()

	// --- Store backend ---
	backend, err := buildBackend(cfg)
	if err != nil {
		log.Fatalf("FATAL: store backend: %v", err)
	}
	defer backend.Close()
	log.Printf("INFO: store backend ready (%s)", cfg.BackendKind)

	storeEngine := store.NewEngine(backend, store.Config{
		Key:         cfg.DocumentKey,
		Retries:     cfg.StoreRetries,
		RetryDelay:  cfg.StoreRetryWait,
		FallbackTTL: cfg.FallbackTTL,
	}, observability.NewLogger("store"), metrics)

	// --- Deposit verifier (optional: requires chain RPC) ---
	var verifier engine.DepositVerifier
	if cfg.ChainRPCURL != "" {
		v, err := buildVerifier(ctx, cfg, metrics)
		if err != nil {
			log.Fatalf("FATAL: deposit verifier: %v", err)
		}
		verifier = v
		log.Println("INFO: deposit verifier connected")
	} else {
		log.Println("WARN: POT_CHAIN_RPC_URL not set, deposits disabled")
	}

	// --- Audit store (optional: requires Postgres) ---
	var auditStore engine.AuditStore
	if cfg.PostgresURL != "" {
		db, err := openPostgres(ctx, cfg)
		if err != nil {
			log.Fatalf("FATAL: postgres: %v", err)
		}
		defer db.Close()

		migrator := audit.NewMigrator(db, cfg.MigrationsDir, observability.NewLogger("migrate"))
		if err := migrator.Up(ctx); err != nil {
			log.Fatalf("FATAL: run migrations: %v", err)
		}
		auditStore = audit.NewStore(db, metrics)
		log.Println("INFO: audit store connected, migrations applied")
	} else {
		log.Println("WARN: POT_POSTGRES_DSN not set, audit log disabled")
	}

	// --- NATS publisher (optional) ---
	var publisher *publish.Publisher
	if cfg.NATSURL != "" {
		nc, err := nats.Connect(cfg.NATSURL)
		if err != nil {
			log.Fatalf("FATAL: nats connect: %v", err)
		}
		defer nc.Close()

		js, err := jetstream.New(nc)
		if err != nil {
			log.Fatalf("FATAL: jetstream: %v", err)
		}
		if err := publish.EnsureOutboundStream(ctx, js); err != nil {
			log.Fatalf("FATAL: %v", err)
		}
		publisher = publish.New(js, observability.NewLogger("publish"), metrics)
		log.Println("INFO: NATS publisher connected")
	} else {
		log.Println("WARN: POT_NATS_URL not set, outbound events disabled")
	}

	// --- Engine ---
	entryFee, err := decimal.NewFromString(cfg.EntryFee)
	if err != nil {
		log.Fatalf("FATAL: invalid POT_ENTRY_FEE %q: %v", cfg.EntryFee, err)
	}

	svc := engine.New(storeEngine, verifier, auditStore, publisher, engine.Config{
		EntryFee:       entryFee,
		LeaderboardCap: cfg.LeaderboardCap,
	}, observability.NewLogger("engine"), metrics)

	created, err := svc.Initialize(ctx)
	if err != nil {
		log.Fatalf("FATAL: initialize ledger document: %v", err)
	}
	if created {
		log.Println("INFO: ledger document created")
	} else {
		log.Println("INFO: ledger document already present")
	}

	// --- Metrics server ---
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsSrv := &http.Server{Addr: cfg.MetricsAddr, Handler: metricsMux}
	go func() {
		log.Printf("INFO: metrics on %s", cfg.MetricsAddr)
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("ERROR: metrics server: %v", err)
		}
	}()

	// --- HTTP server ---
	srv := server.New(svc, healthChecker, observability.NewLogger("http"))
	httpSrv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Printf("INFO: HTTP API on %s", cfg.HTTPAddr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("ERROR: http server: %v", err)
			cancel()
		}
	}()

	healthChecker.SetReady(true)
	log.Println("INFO: PotLedger ready")

	select {
	case sig := <-sigChan:
		log.Printf("INFO: received %v, shutting down", sig)
	case <-ctx.Done():
	}

	healthChecker.SetReady(false)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	httpSrv.Shutdown(shutdownCtx)
	metricsSrv.Shutdown(shutdownCtx)

	log.Println("INFO: PotLedger stopped")
}

func buildBackend(cfg Config) (store.Backend, error) {
	switch cfg.BackendKind {
	case "memory":
		return store.NewMemBackend(), nil
	case "leveldb":
		return store.NewLevelBackend(cfg.LevelDBPath)
	case "edge":
		return store.NewEdgeBackend(cfg.EdgeURL, cfg.EdgeToken, cfg.EdgeTimeout)
	default:
		return nil, fmt.Errorf("unknown backend kind %q", cfg.BackendKind)
	}
}

func buildVerifier(ctx context.Context, cfg Config, metrics *observability.Metrics) (*deposit.Verifier, error) {
	if !common.IsHexAddress(cfg.DepositAddress) {
		return nil, fmt.Errorf("invalid POT_DEPOSIT_ADDRESS %q", cfg.DepositAddress)
	}
	if !common.IsHexAddress(cfg.TokenAddress) {
		return nil, fmt.Errorf("invalid POT_TOKEN_ADDRESS %q", cfg.TokenAddress)
	}

	tolerance, err := decimal.NewFromString(cfg.Tolerance)
	if err != nil {
		return nil, fmt.Errorf("invalid POT_AMOUNT_TOLERANCE %q: %w", cfg.Tolerance, err)
	}
	nativeRate, err := decimal.NewFromString(cfg.NativeRate)
	if err != nil {
		return nil, fmt.Errorf("invalid POT_NATIVE_RATE %q: %w", cfg.NativeRate, err)
	}

	client, err := deposit.Dial(ctx, cfg.ChainRPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial chain RPC: %w", err)
	}

	prices := deposit.NewStaticPriceSource(map[string]decimal.Decimal{
		cfg.TokenSymbol:  decimal.NewFromInt(1),
		cfg.NativeSymbol: nativeRate,
	})

	return deposit.NewVerifier(client, prices, deposit.Config{
		DepositAddress: common.HexToAddress(cfg.DepositAddress),
		TokenAddress:   common.HexToAddress(cfg.TokenAddress),
		TokenSymbol:    cfg.TokenSymbol,
		TokenDecimals:  int32(cfg.TokenDecimals),
		NativeSymbol:   cfg.NativeSymbol,
		ChainID:        big.NewInt(cfg.ChainID),
		Tolerance:      tolerance,
	}, observability.NewLogger("deposit"), metrics), nil
}

func openPostgres(ctx context.Context, cfg Config) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.PostgresURL)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// --- Helpers ---

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envIntOrDefault(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	var i int
	if _, err := fmt.Sscanf(v, "%d", &i); err != nil {
		return defaultVal
	}
	return i
}
