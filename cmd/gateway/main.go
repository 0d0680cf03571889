// mcp-gateway is the WebSocket front door for BLE device control: it
// authenticates clients, validates and routes inbound messages to the
// device adapter sidecar, and batches outbound traffic back to clients.
package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ashureev/mcp-gateway/internal/auditlog"
	"github.com/ashureev/mcp-gateway/internal/auth"
	"github.com/ashureev/mcp-gateway/internal/batcher"
	"github.com/ashureev/mcp-gateway/internal/breaker"
	"github.com/ashureev/mcp-gateway/internal/cache"
	"github.com/ashureev/mcp-gateway/internal/config"
	"github.com/ashureev/mcp-gateway/internal/deviceadapter"
	gwmiddleware "github.com/ashureev/mcp-gateway/internal/middleware"
	"github.com/ashureev/mcp-gateway/internal/protocol"
	"github.com/ashureev/mcp-gateway/internal/ratelimit"
	"github.com/ashureev/mcp-gateway/internal/registry"
	"github.com/ashureev/mcp-gateway/internal/session"
	"github.com/ashureev/mcp-gateway/internal/transport"
	"github.com/ashureev/mcp-gateway/internal/validate"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	slog.Info("Starting gateway", "port", cfg.Server.Port, "auth_enabled", cfg.Auth.Enabled)

	var audit *auditlog.Log
	if cfg.AuditLog.Enabled {
		audit, err = auditlog.Open(cfg.AuditLog.Path)
		if err != nil {
			slog.Error("Failed to open audit log", "error", err)
			os.Exit(1)
		}
		defer audit.Close()
		slog.Info("Audit log opened", "path", cfg.AuditLog.Path)
	}

	authSvc := auth.New(cfg.Auth, audit)
	defer authSvc.Stop()

	validator := validate.New(cfg.Schema)
	guard := breaker.New(cfg.CircuitBreaker)
	sessions := session.NewManager()
	reg := registry.New(cfg.Server.HandlerTimeout)
	ipGate := ratelimit.NewIPGate(cfg.IPGate)

	var reads *cache.Cache[map[string]interface{}]
	if cfg.Cache.TTL.Enabled {
		reads = cache.New[map[string]interface{}](cfg.Cache)
		defer reads.Stop()
	}

	if cfg.DeviceAdapter.Enabled {
		adapter, err := deviceadapter.Dial(cfg.DeviceAdapter.Addr, cfg.DeviceAdapter.Timeout, guard)
		if err != nil {
			slog.Error("Failed to dial device adapter", "error", err)
			os.Exit(1)
		}
		defer adapter.Close()

		handler := deviceadapter.NewHandler(adapter, reads)
		reg.Register(handler,
			protocol.TagStartScan,
			protocol.TagStopScan,
			protocol.TagConnect,
			protocol.TagDisconnect,
			protocol.TagCharacteristicRead,
			protocol.TagCharacteristicWrite,
		)
		slog.Info("Device adapter connected", "addr", cfg.DeviceAdapter.Addr)
	} else {
		slog.Info("Device adapter disabled; START_SCAN/CONNECT/etc messages are no-ops")
	}

	srv := transport.New(cfg.Server, transport.Deps{
		Sessions:  sessions,
		Auth:      authSvc,
		AuthOn:    cfg.Auth.Enabled,
		Validator: validator,
		Registry:  reg,
		IPGate:    ipGate,
		Audit:     audit,
	})

	if cfg.Batching.Enabled {
		batch := batcher.New(cfg.Batching, srv)
		defer batch.Stop()
		srv.SetBatcher(batch)
	}

	if audit != nil {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go audit.StartSampler(ctx, cfg.AuditLog.SampleInterval, srv.LiveConnections)
	}
	if cfg.IPGate.Enabled {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go ipGate.StartSweeper(ctx, cfg.IPGate.IdleEvictAfter)
	}

	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(gwmiddleware.CORS(cfg.AllowedOrigins))

	r.Get("/ws", srv.ServeHTTP)
	r.Get("/stats", statsHandler(srv, validator, audit))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := srv.Start(ctx, r); err != nil {
		slog.Error("Failed to start server", "error", err)
		os.Exit(1)
	}
	slog.Info("Gateway listening", "port", cfg.Server.Port)

	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Stop(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("Gateway forced to shutdown", "error", err)
		os.Exit(1)
	}
	slog.Info("Gateway stopped successfully")
}
