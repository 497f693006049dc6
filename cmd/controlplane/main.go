package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/limiter"
	"github.com/gofiber/fiber/v3/middleware/requestid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/openfleet/controlplane/internal/adminauth"
	"github.com/openfleet/controlplane/internal/adminsocket"
	"github.com/openfleet/controlplane/internal/api"
	"github.com/openfleet/controlplane/internal/app"
	"github.com/openfleet/controlplane/internal/audit"
	"github.com/openfleet/controlplane/internal/command"
	"github.com/openfleet/controlplane/internal/config"
	"github.com/openfleet/controlplane/internal/device"
	"github.com/openfleet/controlplane/internal/enrollment"
	"github.com/openfleet/controlplane/internal/eventbus"
	"github.com/openfleet/controlplane/internal/group"
	"github.com/openfleet/controlplane/internal/httputil"
	"github.com/openfleet/controlplane/internal/media"
	"github.com/openfleet/controlplane/internal/pairing"
	"github.com/openfleet/controlplane/internal/policy"
	"github.com/openfleet/controlplane/internal/postgres"
	"github.com/openfleet/controlplane/internal/registry"
	"github.com/openfleet/controlplane/internal/relay"
	"github.com/openfleet/controlplane/internal/session"
	"github.com/openfleet/controlplane/internal/signaling"
	"github.com/openfleet/controlplane/internal/telemetry"
	"github.com/openfleet/controlplane/internal/valkey"
)

// Build metadata injected via ldflags at compile time.
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()

	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("Server stopped")
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if cfg.IsDevelopment() {
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	}

	log.Info().
		Str("version", version).
		Str("commit", commit).
		Str("built", date).
		Str("env", cfg.ServerEnv).
		Msg("Starting control plane")

	if cfg.CORSAllowOrigins == "*" {
		log.Warn().Msg("CORS_ALLOW_ORIGINS is set to a wildcard. Set an explicit origin when in production.")
	}

	ctx := context.Background()

	db, err := postgres.Connect(ctx, cfg.DatabaseURL, cfg.DatabaseMaxConn, cfg.DatabaseMinConn)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer db.Close()
	log.Info().Msg("PostgreSQL connected")

	if err := postgres.Migrate(cfg.DatabaseURL); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	log.Info().Msg("Database migrations complete")

	rdb, err := valkey.Connect(ctx, cfg.ValkeyURL, 5*time.Second)
	if err != nil {
		return fmt.Errorf("connect valkey: %w", err)
	}
	defer func() { _ = rdb.Close() }()
	log.Info().Msg("Valkey connected")

	deviceRepo := device.NewPGRepository(db, log.Logger)
	commandRepo := command.NewPGRepository(db, log.Logger)
	telemetryRepo := telemetry.NewPGRepository(db, log.Logger)
	enrollmentRepo := enrollment.NewPGRepository(db, log.Logger)
	sessionStore := session.NewPGStore(db, log.Logger)
	adminUserRepo := adminauth.NewPGRepository(db, log.Logger)
	groupRepo := group.NewPGRepository(db, log.Logger)
	policyRepo := policy.NewPGRepository(db, log.Logger)
	appRepo := app.NewPGRepository(db, log.Logger)
	auditRepo := audit.NewPGRepository(db, log.Logger)

	adminAuthCfg := adminauth.Config{
		JWTSecret:         cfg.JWTSecret,
		JWTAccessTTL:      cfg.JWTAccessTTL,
		JWTRefreshTTL:     cfg.JWTRefreshTTL,
		Issuer:            cfg.BaseURL,
		MFATicketTTL:      cfg.MFATicketTTL,
		MFAEncryptionKey:  cfg.MFAEncryptionKey,
		Argon2Memory:      cfg.Argon2Memory,
		Argon2Iterations:  cfg.Argon2Iterations,
		Argon2Parallelism: cfg.Argon2Parallelism,
		Argon2SaltLength:  cfg.Argon2SaltLength,
		Argon2KeyLength:   cfg.Argon2KeyLength,
	}
	adminSvc, err := adminauth.NewService(adminUserRepo, rdb, adminAuthCfg, log.Logger)
	if err != nil {
		return fmt.Errorf("create admin auth service: %w", err)
	}

	bus := eventbus.New(log.Logger)
	reg := registry.New(log.Logger)
	pairingStore := pairing.NewStore(nil)
	switchboard := signaling.New(log.Logger)
	adminSocketSrv := adminsocket.New(bus, log.Logger)

	relayCfg := relay.Config{
		AuthTimeout:       cfg.RelayAuthDeadline,
		HeartbeatInterval: cfg.RelayHeartbeatInterval,
		HeartbeatTimeout:  cfg.RelayHeartbeatTimeout,
		StaleScanInterval: cfg.RelayStaleScanInterval,
		MaxPayloadBytes:   cfg.FrameMaxPayloadBytes,
	}
	rel := relay.New(reg, sessionStore, deviceRepo, commandRepo, telemetryRepo, bus, adminSvc, relayCfg, log.Logger)

	appStorage := media.NewLocalStorage(cfg.MediaStoragePath, cfg.BaseURL)
	iconQueue := media.NewIconQueue(rdb)
	iconWorker := media.NewIconWorker(rdb, appStorage, appRepo, log.Logger)

	subCtx, subCancel := context.WithCancel(ctx)
	defer subCancel()
	go rel.RunStaleScanner(subCtx)

	iconWorker.EnsureStream(subCtx)
	go func() {
		if err := iconWorker.Run(subCtx); err != nil && subCtx.Err() == nil {
			log.Error().Err(err).Msg("icon worker stopped")
		}
	}()

	app := fiber.New(fiber.Config{
		AppName:   "Fleet Control Plane",
		BodyLimit: cfg.BodyLimitBytes(),
		ErrorHandler: func(c fiber.Ctx, err error) error {
			status := fiber.StatusInternalServerError
			message := "An internal error occurred"
			if e, ok := err.(*fiber.Error); ok {
				status = e.Code
				message = e.Message
			} else {
				log.Error().Err(err).Str("method", c.Method()).Str("path", c.Path()).Msg("Unhandled error")
			}
			return c.Status(status).JSON(httputil.ErrorResponse{
				Error: httputil.ErrorBody{Code: httputil.InternalError, Message: message},
			})
		},
	})

	app.Use(requestid.New())
	app.Use(httputil.RequestLogger(log.Logger))
	app.Use(cors.New(cors.Config{
		AllowOrigins:  strings.Split(cfg.CORSAllowOrigins, ","),
		AllowMethods:  []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders: []string{"X-Request-ID"},
	}))
	app.Use(limiter.New(limiter.Config{
		Max:        cfg.RateLimitAPIRequests,
		Expiration: time.Duration(cfg.RateLimitAPIWindowSeconds) * time.Second,
	}))

	registerRoutes(routeDeps{
		app:            app,
		cfg:            cfg,
		db:             db,
		rdb:            rdb,
		deviceRepo:     deviceRepo,
		commandRepo:    commandRepo,
		telemetryRepo:  telemetryRepo,
		enrollmentRepo: enrollmentRepo,
		sessionStore:   sessionStore,
		adminSvc:       adminSvc,
		bus:            bus,
		pairingStore:   pairingStore,
		rel:            rel,
		switchboard:    switchboard,
		adminSocketSrv: adminSocketSrv,
		groupRepo:      groupRepo,
		policyRepo:     policyRepo,
		appRepo:        appRepo,
		auditRepo:      auditRepo,
		appStorage:     appStorage,
		iconQueue:      iconQueue,
	})

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		log.Info().Msg("Shutting down server")
		subCancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer shutdownCancel()
		if err := app.ShutdownWithContext(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Server shutdown error")
		}
	}()

	addr := fmt.Sprintf(":%d", cfg.ServerPort)
	log.Info().Str("addr", addr).Msg("Server listening")

	if err := app.Listen(addr, fiber.ListenConfig{DisableStartupMessage: true}); err != nil {
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}

// routeDeps bundles everything registerRoutes needs to build handlers and
// wire the HTTP control surface.
type routeDeps struct {
	app            *fiber.App
	cfg            *config.Config
	db             *pgxpool.Pool
	rdb            *redis.Client
	deviceRepo     device.Repository
	commandRepo    command.Repository
	telemetryRepo  telemetry.Repository
	enrollmentRepo enrollment.Repository
	sessionStore   session.Store
	adminSvc       *adminauth.Service
	bus            *eventbus.Bus
	pairingStore   *pairing.Store
	rel            *relay.Relay
	switchboard    *signaling.Switchboard
	adminSocketSrv *adminsocket.Server
	groupRepo      group.Repository
	policyRepo     policy.Repository
	appRepo        app.Repository
	auditRepo      audit.Repository
	appStorage     media.StorageProvider
	iconQueue      *media.IconQueue
}

func registerRoutes(d routeDeps) {
	app := d.app
	cfg := d.cfg

	healthHandler := api.NewHealthHandler(d.db, d.rdb)
	app.Get("/api/health", healthHandler.Health)

	signalURL := strings.Replace(strings.Replace(cfg.BaseURL, "https://", "wss://", 1), "http://", "ws://", 1)
	pairHandler := api.NewPairingHandler(d.pairingStore, signalURL)
	authRate := limiter.New(limiter.Config{
		Max:        cfg.RateLimitAuthCount,
		Expiration: time.Duration(cfg.RateLimitAuthWindowSeconds) * time.Second,
	})
	pairGroup := app.Group("/api/pair", authRate)
	pairGroup.Post("/initiate", pairHandler.Initiate)
	pairGroup.Post("/complete", pairHandler.Complete)
	pairGroup.Get("/status/:deviceId", pairHandler.Status)

	adminAuthHandler := api.NewAdminAuthHandler(d.adminSvc)
	adminAuthGroup := app.Group("/api/admin/auth", authRate)
	adminAuthGroup.Post("/login", adminAuthHandler.Login)
	adminAuthGroup.Post("/mfa/verify", adminAuthHandler.VerifyMFA)
	adminAuthGroup.Post("/refresh", adminAuthHandler.Refresh)

	requireAdmin := adminauth.RequireAuth(cfg.JWTSecret, cfg.BaseURL)
	mfaGroup := app.Group("/api/admin/users/@me/mfa", requireAdmin)
	mfaGroup.Post("/enable", adminAuthHandler.BeginMFASetup)
	mfaGroup.Post("/confirm", adminAuthHandler.ConfirmMFASetup)
	mfaGroup.Post("/disable", adminAuthHandler.DisableMFA)

	enrollHandler := api.NewEnrollmentHandler(d.enrollmentRepo, d.deviceRepo, d.sessionStore, cfg.BaseURL, cfg.EnrollmentDefaultTTL, cfg.EnrollmentDefaultMaxUses)
	app.Post("/api/enroll/device", enrollHandler.EnrollDevice)
	enrollTokenGroup := app.Group("/api/enroll/tokens", requireAdmin)
	enrollTokenGroup.Post("/", enrollHandler.CreateToken)
	enrollTokenGroup.Get("/", enrollHandler.ListTokens)
	enrollTokenGroup.Delete("/:id", enrollHandler.RevokeToken)

	deviceHandler := api.NewDeviceHandler(d.deviceRepo, d.commandRepo, d.telemetryRepo, d.bus, d.auditRepo, log.Logger)
	deviceAdminGroup := app.Group("/api/devices", requireAdmin)
	deviceAdminGroup.Get("/", deviceHandler.List)
	deviceAdminGroup.Get("/:id", deviceHandler.Get)
	deviceAdminGroup.Patch("/:id", deviceHandler.Update)
	deviceAdminGroup.Delete("/:id", deviceHandler.Delete)
	deviceAdminGroup.Put("/:id/policy", deviceHandler.AssignPolicy)

	groupHandler := api.NewGroupHandler(d.groupRepo, d.auditRepo)
	groupAdminGroup := app.Group("/api/groups", requireAdmin)
	groupAdminGroup.Get("/", groupHandler.List)
	groupAdminGroup.Post("/", groupHandler.Create)
	groupAdminGroup.Get("/:id", groupHandler.Get)
	groupAdminGroup.Patch("/:id", groupHandler.Update)
	groupAdminGroup.Delete("/:id", groupHandler.Delete)
	groupAdminGroup.Get("/:id/members", groupHandler.ListMembers)
	groupAdminGroup.Post("/:id/members", groupHandler.AddMember)
	groupAdminGroup.Delete("/:id/members/:deviceId", groupHandler.RemoveMember)

	policyHandler := api.NewPolicyHandler(d.policyRepo, d.auditRepo)
	policyAdminGroup := app.Group("/api/policies", requireAdmin)
	policyAdminGroup.Get("/", policyHandler.List)
	policyAdminGroup.Post("/", policyHandler.Create)
	policyAdminGroup.Get("/:id", policyHandler.Get)
	policyAdminGroup.Patch("/:id", policyHandler.Update)
	policyAdminGroup.Delete("/:id", policyHandler.Delete)

	appHandler := api.NewAppHandler(d.appRepo, d.appStorage, d.iconQueue, d.auditRepo, log.Logger)
	appAdminGroup := app.Group("/api/apps", requireAdmin)
	appAdminGroup.Get("/", appHandler.List)
	appAdminGroup.Post("/", appHandler.Upload)
	appAdminGroup.Get("/:id", appHandler.Get)
	appAdminGroup.Delete("/:id", appHandler.Delete)

	auditHandler := api.NewAuditHandler(d.auditRepo)
	auditAdminGroup := app.Group("/api/audit", requireAdmin)
	auditAdminGroup.Get("/", auditHandler.List)

	// Device-session-authenticated check-in endpoints: the bearer here is a
	// device session token, not an admin JWT.
	requireDevice := api.RequireDeviceSession(d.sessionStore)
	deviceGroup := app.Group("/api/devices", requireDevice)
	deviceGroup.Post("/:id/heartbeat", deviceHandler.Heartbeat)
	deviceGroup.Get("/:id/commands/pending", deviceHandler.PendingCommands)
	deviceGroup.Patch("/:id/commands/:cid", deviceHandler.AcknowledgeCommand)
	deviceGroup.Post("/:id/telemetry", deviceHandler.IngestTelemetry)

	relayHandler := api.NewRelayHandler(d.rel)
	app.Get("/ws/relay", relayHandler.Upgrade)

	signalingHandler := api.NewSignalingHandler(d.switchboard)
	app.Get("/ws/signaling", signalingHandler.Upgrade)

	adminSocketHandler := api.NewAdminSocketHandler(d.adminSocketSrv, d.adminSvc)
	app.Get("/ws/admin/events", adminSocketHandler.Upgrade)

	app.Use(func(_ fiber.Ctx) error {
		return fiber.ErrNotFound
	})
}
