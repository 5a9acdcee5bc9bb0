package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/veyra/trustcore/internal/handler"
	"github.com/veyra/trustcore/internal/middleware"
	"github.com/veyra/trustcore/internal/models"
	"github.com/veyra/trustcore/internal/repository"
	"github.com/veyra/trustcore/internal/service"
	"github.com/veyra/trustcore/pkg/config"
	"github.com/veyra/trustcore/pkg/crypto"
	"github.com/veyra/trustcore/pkg/events"
	"github.com/veyra/trustcore/pkg/logger"
	corsmiddleware "github.com/veyra/trustcore/pkg/middleware/cors"
	reqidmiddleware "github.com/veyra/trustcore/pkg/middleware/requestid"
	"github.com/veyra/trustcore/pkg/sched"
	"github.com/veyra/trustcore/pkg/storage"
)

const masterKeyPath = "keys/master.key"

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logr, err := logger.New(cfg)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logr.Sync() //nolint:errcheck

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	store, err := storage.NewFileStore(cfg.StorageDir)
	if err != nil {
		logr.Sugar().Fatalw("failed to open storage", "error", err)
	}

	masterKey, err := loadMasterKey(store)
	if err != nil {
		logr.Sugar().Fatalw("failed to provision master key", "error", err)
	}
	cryptoSvc, err := crypto.New(masterKey)
	if err != nil {
		logr.Sugar().Fatalw("failed to init crypto", "error", err)
	}

	bus := events.NewBus(events.BusConfig{Logger: logr})
	scheduler := sched.New(logr)
	metrics := service.NewMetricsService()
	validate := validator.New()

	userRepo, err := repository.NewUserRepository(store, cryptoSvc)
	if err != nil {
		logr.Sugar().Fatalw("failed to load user catalog", "error", err)
	}
	segments := repository.NewSegmentRepository(store, cfg.Audit.SegmentDir)

	audit, err := service.NewAuditService(cryptoSvc, store, segments, bus, logr, metrics, service.AuditConfig{
		MinLevel:        models.LogLevel(cfg.Audit.MinLevel),
		TamperProofing:  cfg.Audit.TamperProofing,
		EncryptAtRest:   cfg.Audit.EncryptAtRest,
		BatchSize:       cfg.Audit.BatchSize,
		MaxSegmentBytes: cfg.Audit.MaxSegmentBytes,
		MaxSegments:     cfg.Audit.MaxSegments,
		RetentionPeriod: cfg.Audit.RetentionPeriod,
		SigningKeyPath:  cfg.Audit.SigningKeyPath,
	})
	if err != nil {
		logr.Sugar().Fatalw("failed to init audit journal", "error", err)
	}
	seedAuditRules(audit)

	credentials := service.NewCredentialService(cryptoSvc, logr, service.CredentialConfig{
		MaxFailedAttempts: cfg.Auth.MaxFailedAttempts,
		LockoutDuration:   cfg.Auth.LockoutDuration,
		Policy: service.PasswordPolicy{
			MinLength:        cfg.Password.MinLength,
			RequireUppercase: cfg.Password.RequireUppercase,
			RequireLowercase: cfg.Password.RequireLowercase,
			RequireNumbers:   cfg.Password.RequireNumbers,
			RequireSymbols:   cfg.Password.RequireSymbols,
			ReuseDepth:       cfg.Password.ReuseDepth,
		},
	})

	authz := service.NewAuthzService(audit, logr, metrics, service.AuthzConfig{
		InheritanceEnabled: cfg.Authz.InheritanceEnabled,
		CacheTTL:           cfg.Authz.CacheTTL,
	})
	seedRoles(authz, logr)

	sessions := service.NewSessionService(userRepo, credentials, cryptoSvc, audit, bus, validate, logr, metrics, service.SessionConfig{
		TokenSecret:        cfg.Auth.TokenSecret,
		AccessTokenExpiry:  cfg.Auth.AccessTokenExpiry,
		RefreshTokenExpiry: cfg.Auth.RefreshTokenExpiry,
		Issuer:             cfg.Auth.Issuer,
		SessionTimeout:     cfg.Auth.SessionTimeout,
		MFAEnabled:         cfg.Auth.MFAEnabled,
	})
	sessions.SetRoleResolver(authz)

	users := service.NewUserService(userRepo, credentials, authz, audit, validate, logr)
	reports := service.NewReportService(audit, logr)

	coordinator := service.NewSecurityCoordinator(audit, sessions, authz, userRepo, cryptoSvc, bus, logr, metrics, service.CoordinatorConfig{
		ScanInterval:         cfg.Scanner.ScanInterval,
		FlushInterval:        cfg.Audit.FlushInterval,
		CacheSweepInterval:   cfg.Authz.CacheSweepInterval,
		ComplianceInterval:   cfg.Scanner.ComplianceInterval,
		BruteForceWindow:     cfg.Scanner.BruteForceWindow,
		BruteForceLimit:      cfg.Scanner.BruteForceLimit,
		MFAEnabled:           cfg.Auth.MFAEnabled,
		CredentialIterations: credentials.Iterations(),
	})
	coordinator.Wire()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	bus.Start(ctx)
	coordinator.RegisterTasks(scheduler)
	scheduler.Start(ctx)

	router := buildRouter(cfg, logr, metrics, sessions, authz, handlerSet{
		auth:     handler.NewAuthHandler(sessions, users),
		security: handler.NewSecurityHandler(coordinator, audit, reports, segments),
		users:    handler.NewUserHandler(users),
	})

	// Admin surface binds to loopback only: the substrate is embedded in a
	// desktop host, not exposed to the network.
	srv := &http.Server{
		Addr:              fmt.Sprintf("127.0.0.1:%d", cfg.Port),
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logr.Sugar().Infow("admin server starting", "addr", srv.Addr, "env", cfg.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logr.Sugar().Errorw("admin server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logr.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logr.Sugar().Warnw("admin server shutdown failed", "error", err)
	}

	scheduler.Stop()
	bus.Stop()
	sessions.Close()
	if err := audit.Flush(); err != nil {
		logr.Sugar().Warnw("final audit flush failed", "error", err)
	}
}

type handlerSet struct {
	auth     *handler.AuthHandler
	security *handler.SecurityHandler
	users    *handler.UserHandler
}

func buildRouter(cfg *config.Config, logr *zap.Logger, metrics *service.MetricsService, sessions *service.SessionService, authz *service.AuthzService, h handlerSet) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr))
	r.Use(corsmiddleware.New(nil))
	r.Use(middleware.Metrics(metrics))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(metrics.Handler()))

	api := r.Group(cfg.APIPrefix)

	auth := api.Group("/auth")
	auth.POST("/register", h.auth.Register)
	auth.POST("/login", h.auth.Login)
	auth.POST("/refresh", h.auth.Refresh)

	authed := api.Group("")
	authed.Use(middleware.JWT(sessions))
	authed.POST("/auth/logout", h.auth.Logout)
	authed.POST("/auth/password", h.auth.ChangePassword)

	security := authed.Group("/security")
	security.Use(middleware.RequirePermission(authz, "security:read", ""))
	security.GET("/status", h.security.Status)
	security.GET("/components", h.security.Components)
	security.GET("/segments", h.security.Segments)
	security.GET("/segments/:segment/verify", h.security.VerifyIntegrity)
	security.GET("/audit", h.security.QueryAudit)
	security.GET("/threats", h.security.Threats)
	security.GET("/compliance/report", h.security.ComplianceReport)
	security.POST("/scan", middleware.RequirePermission(authz, "security:scan", ""), h.security.Scan)

	userAdmin := authed.Group("/users")
	userAdmin.Use(middleware.RequirePermission(authz, "users:manage", ""))
	userAdmin.GET("", h.users.List)
	userAdmin.GET("/:id", h.users.Get)
	userAdmin.POST("/:id/disable", h.users.Disable)
	userAdmin.POST("/:id/roles", h.users.GrantRole)
	userAdmin.DELETE("/:id/roles", h.users.RevokeRole)

	return r
}

// seedRoles installs the built-in role hierarchy. Administrators hold the
// wildcard; operators inherit auditor's read access.
func seedRoles(authz *service.AuthzService, logr *zap.Logger) {
	roles := []models.Role{
		{ID: "admin", Level: 100},
		{ID: "operator", Inherits: []string{"auditor"}, Level: 50},
		{ID: "auditor", Level: 10},
	}
	for _, role := range roles {
		if err := authz.DefineRole(role); err != nil {
			logr.Sugar().Warnw("failed to define built-in role", "role", role.ID, "error", err)
		}
	}
	authz.GrantPermission("admin", "*")
	authz.GrantPermission("operator", "security:scan")
	authz.GrantPermission("auditor", "security:read")
}

// seedAuditRules installs the built-in alert and compliance rules. Hosts
// register additional rules before the scheduler starts.
func seedAuditRules(audit *service.AuditService) {
	audit.RegisterAlertRule(models.AlertRule{
		ID:         "auth-failure-burst",
		Threshold:  10,
		TimeWindow: 5 * time.Minute,
		Action:     "alert",
		Severity:   models.SeverityHigh,
		Condition: func(category string, level models.LogLevel, _ string) bool {
			return category == models.CategoryAuth && level.Severity() >= models.LevelWarning.Severity()
		},
	})
	audit.RegisterComplianceRule(models.ComplianceRule{
		ID:        "login-events-attributed",
		Framework: "SOC2",
		Summary:   "login outcomes name the account involved",
		Required:  true,
		AppliesTo: func(e *models.LogEntry) bool {
			return e.Category == models.CategoryAuth &&
				(e.Message == "login successful" || e.Message == "login failed")
		},
		Satisfied: func(e *models.LogEntry) bool {
			return e.Data["user_id"] != "" || e.Data["username"] != ""
		},
	})
}

func loadMasterKey(store *storage.FileStore) ([]byte, error) {
	if store.Exists(masterKeyPath) {
		return store.Read(masterKeyPath)
	}
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, err
	}
	if err := store.Write(masterKeyPath, key); err != nil {
		return nil, err
	}
	return key, nil
}
