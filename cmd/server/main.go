// Command server runs the knowledge-graph extraction HTTP service.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"github.com/Rob-P-Smith/kgraph"
)

func main() {
	// .env feeds the same variables the environment does; absence is fine.
	if err := godotenv.Load(); err == nil {
		slog.Info("loaded environment from .env")
	}

	cfg, err := kgraph.FromEnv()
	if err != nil {
		slog.Error("configuration invalid", "error", err)
		os.Exit(1)
	}

	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel(cfg.LogLevel),
	})))

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	svc, err := kgraph.New(ctx, cfg)
	cancel()
	if err != nil {
		slog.Error("starting service", "error", err)
		os.Exit(1)
	}

	// Model warm-up: degraded mode is logged, never fatal. Ingest requests
	// fail fast with 503 until the model servers come up.
	go warmUp(svc)

	gin.SetMode(gin.ReleaseMode)
	router := newRouter(svc)

	srv := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // ingest over long documents can run for an hour
		IdleTimeout:  120 * time.Second,
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		slog.Info("server starting",
			"addr", cfg.Addr(),
			"version", kgraph.ServiceVersion,
		)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-done
	slog.Info("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}
	if err := svc.Close(shutdownCtx); err != nil {
		slog.Error("closing service", "error", err)
	}

	slog.Info("server stopped")
}

// warmUp probes the model servers once at boot so the first ingest does not
// pay the discovery cost and the log shows degraded dependencies early.
func warmUp(svc *kgraph.Service) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	if svc.LLM.HealthCheckRetry(ctx) && svc.LLM.WaitForModel(ctx, 2*time.Minute) {
		slog.Info("llm ready", "model", svc.LLM.Model())
	} else {
		slog.Warn("llm not available at startup, running degraded")
	}

	if svc.NER != nil {
		if svc.NER.HealthCheck(ctx) {
			slog.Info("ner ready", "model", svc.NER.Model())
		} else {
			slog.Warn("ner not available at startup, running degraded")
		}
	}
}

func logLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
