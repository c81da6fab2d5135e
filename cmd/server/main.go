package main

import (
	// Standard library
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	// External dependencies
	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"
	"gopkg.in/natefinch/lumberjack.v2"

	// Internal packages
	"github.com/d789d/live-editor-clean/cmd/server/internal/api"
	"github.com/d789d/live-editor-clean/cmd/server/internal/audit"
	"github.com/d789d/live-editor-clean/cmd/server/internal/config"
	"github.com/d789d/live-editor-clean/cmd/server/internal/gate"
	"github.com/d789d/live-editor-clean/cmd/server/internal/ratelimit"
	"github.com/d789d/live-editor-clean/cmd/server/internal/session"
	"github.com/d789d/live-editor-clean/cmd/server/internal/store"
	"github.com/d789d/live-editor-clean/cmd/server/internal/textgen"
	"github.com/d789d/live-editor-clean/cmd/server/internal/vault"
	"github.com/d789d/live-editor-clean/pkg/logger"
)

// generateRandomPassword generates a cryptographically secure random password
func generateRandomPassword(length int) string {
	bytes := make([]byte, length)
	if _, err := rand.Read(bytes); err != nil {
		panic(fmt.Sprintf("failed to generate random password: %v", err))
	}
	return base64.URLEncoding.EncodeToString(bytes)[:length]
}

func main() {
	logInstance, err := logger.Init(logger.Config{
		Level:       os.Getenv("LOG_LEVEL"),
		Environment: os.Getenv("ENV"),
		WithSource:  !strings.EqualFold(os.Getenv("ENV"), "prod"),
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	appLogger := logInstance.With("component", "prompt-vault")

	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		appLogger.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if err := config.ValidateConfig(cfg); err != nil {
		appLogger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	appLogger.Info("configuration loaded", "env", cfg.Server.Env, "port", cfg.Server.Port)
	if cfg.IsDevelopment() {
		fmt.Println(cfg.PrintConfig())
	}

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	// Initialize content vault
	var contentVault *vault.Vault
	if cfg.Vault.Enabled {
		contentVault, err = vault.New(vault.Options{
			MasterSecret:   cfg.Vault.MasterSecret,
			RotationSecret: cfg.Vault.RotationSecret,
			MaxEnvelopeAge: cfg.Vault.MaxEnvelopeAge,
		})
		if err != nil {
			appLogger.Error("vault init failed", "error", err)
			os.Exit(1)
		}
		appLogger.Info("content vault ready", "max_envelope_age", cfg.Vault.MaxEnvelopeAge)
	} else {
		appLogger.Warn("content vault disabled, definitions stored in plaintext")
	}

	// Initialize definition store
	weights := store.ScoreWeights{
		Usage:   cfg.Scoring.UsageWeight,
		Success: cfg.Scoring.SuccessWeight,
		Latency: cfg.Scoring.LatencyWeight,
	}
	defStore, err := store.New(cfg.Data.PromptsDir, weights, logInstance.With("component", "store"))
	if err != nil {
		appLogger.Error("definition store init failed", "error", err)
		os.Exit(1)
	}
	appLogger.Info("definition store ready", "dir", cfg.Data.PromptsDir)

	// Initialize audit trail with rotating JSONL sink
	if err := os.MkdirAll(filepath.Dir(cfg.Data.AuditLogFile), 0755); err != nil {
		appLogger.Error("audit directory init failed", "error", err)
		os.Exit(1)
	}
	sink := &lumberjack.Logger{
		Filename:   cfg.Data.AuditLogFile,
		MaxSize:    50, // MB
		MaxBackups: 10,
		MaxAge:     365, // days
		Compress:   true,
	}
	defer sink.Close()
	trail, err := audit.NewTrail(sink, logInstance.With("component", "audit"))
	if err != nil {
		appLogger.Error("audit trail init failed", "error", err)
		os.Exit(1)
	}
	appLogger.Info("audit trail ready", "sink", cfg.Data.AuditLogFile)

	// Initialize rate limiter
	limiter := ratelimit.NewLimiter(ratelimit.NewMemoryStore(), map[ratelimit.Class]ratelimit.Limit{
		ratelimit.ClassGeneral:       {Window: cfg.RateLimit.General.Window, Max: cfg.RateLimit.General.Max},
		ratelimit.ClassAuth:          {Window: cfg.RateLimit.Auth.Window, Max: cfg.RateLimit.Auth.Max},
		ratelimit.ClassPasswordReset: {Window: cfg.RateLimit.PasswordReset.Window, Max: cfg.RateLimit.PasswordReset.Max},
		ratelimit.ClassTextGen:       {Window: cfg.RateLimit.TextGen.Window, Max: cfg.RateLimit.TextGen.Max},
		ratelimit.ClassAdmin:         {Window: cfg.RateLimit.Admin.Window, Max: cfg.RateLimit.Admin.Max},
		ratelimit.ClassDestructive:   {Window: cfg.RateLimit.Destructive.Window, Max: cfg.RateLimit.Destructive.Max},
		ratelimit.ClassStepUp:        {Window: cfg.RateLimit.StepUp.Window, Max: cfg.RateLimit.StepUp.Max},
	})

	// Initialize session manager
	sessions, err := session.NewManager(cfg.Data.ActorsDir, []byte(cfg.Security.JWTSecret))
	if err != nil {
		appLogger.Error("session manager init failed", "error", err)
		os.Exit(1)
	}
	ownerPassword := cfg.Security.OwnerDefaultPassword
	if ownerPassword == "" {
		if cfg.IsDevelopment() {
			ownerPassword = generateRandomPassword(16)
			appLogger.Warn("generated random owner password", "password", ownerPassword)
		} else {
			appLogger.Error("owner default password not set outside dev")
			os.Exit(1)
		}
	}
	if err := sessions.EnsureDefaultOwner(ownerPassword); err != nil {
		appLogger.Warn("failed to ensure default owner", "error", err)
	}

	// Initialize access gate
	accessGate := gate.New(gate.Options{
		AdminIPAllowlist: cfg.Security.AdminIPAllowlist,
		BypassIPCheck:    cfg.Security.BypassIPCheck,
		SessionMaxAge:    cfg.Security.SessionMaxAge,
		Limiter:          limiter,
		StepUp:           gate.NewStepUp("prompt-vault"),
	})
	appLogger.Info("access gate ready",
		"allowlist", len(cfg.Security.AdminIPAllowlist),
		"bypass_ip_check", cfg.Security.BypassIPCheck,
		"session_max_age", cfg.Security.SessionMaxAge,
	)

	handler := api.NewHandler(api.Deps{
		Store:    defStore,
		Vault:    contentVault,
		Trail:    trail,
		Gate:     accessGate,
		Sessions: sessions,
		Limiter:  limiter,
		Gen:      textgen.NewRecorder(),
		Logger:   logInstance.With("component", "api"),
	})
	router := api.NewRouter(handler)

	srv := &http.Server{
		Addr:    cfg.GetServerAddr(),
		Handler: router,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		appLogger.Info("server starting", "addr", srv.Addr, "env", cfg.Server.Env)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		appLogger.Info("shutdown signal received, shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		appLogger.Error("server terminated", "error", err)
		os.Exit(1)
	}
	appLogger.Info("server shutdown complete")
}
