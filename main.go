package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/compress"
	"github.com/gofiber/fiber/v2/middleware/helmet"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/websocket/v2"
	"github.com/nicksnyder/go-i18n/v2/i18n"

	"invox/backend"
	"invox/config"
	"invox/events"
	"invox/handlers/api"
	"invox/handlers/web"
	"invox/mailbox"
	"invox/middleware"
	"invox/oauth"
	"invox/poller"
	"invox/storage"
	"invox/utils"
)

func newCredentialStore(cfg *config.Config) (storage.CredentialStore, func()) {
	noop := func() {}
	if cfg.Storage.Driver == "memory" || cfg.Storage.Dir == "" {
		utils.Log.Warn("Credentials are kept in memory; the session ends with the process")
		return storage.NewMemoryCredentialStore(), noop
	}

	if cfg.Storage.Driver == "file" {
		store, err := storage.NewFileCredentialStore(cfg.Storage.Dir, cfg.Storage.EncryptionKey)
		if err != nil {
			utils.Log.Error("Failed to open credential store, falling back to memory: %v", err)
			return storage.NewMemoryCredentialStore(), noop
		}
		return store, noop
	}

	db, err := storage.InitDB(cfg.Storage.Dir)
	if err != nil {
		utils.Log.Error("Failed to open database, falling back to memory: %v", err)
		return storage.NewMemoryCredentialStore(), noop
	}
	store, err := storage.NewBoltCredentialStore(db, cfg.Storage.EncryptionKey)
	if err != nil {
		db.Close()
		utils.Log.Error("Failed to load credentials, falling back to memory: %v", err)
		return storage.NewMemoryCredentialStore(), noop
	}
	return store, func() {
		if err := store.Close(); err != nil {
			utils.Log.Warn("Failed to close database: %v", err)
		}
	}
}

func main() {
	configPath := flag.String("config", "config.toml", "path to the configuration file")
	flag.Parse()

	utils.Log.Info("Initializing Invox...")

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		utils.Log.Error("Failed to load config: %v", err)
		os.Exit(1)
	}
	utils.Log.SetLevel(utils.ParseLogLevel(cfg.Server.LogLevel))

	if err := utils.InitI18n(); err != nil {
		utils.Log.Error("Failed to initialize i18n: %v", err)
	}

	// Core services
	bus := events.NewBus()
	creds, closeStore := newCredentialStore(cfg)
	defer closeStore()
	session := storage.NewSessionStore(time.Minute)
	defer session.Close()

	gw := backend.New(creds, backend.Options{
		BaseURL: cfg.APIBaseURL(),
		Timeout: cfg.Backend.Timeout.Duration,
		OnUnauthorized: func() {
			bus.Publish(events.SessionExpired)
		},
	})

	handshake := oauth.New(gw, creds, session, bus, &oauth.BrowserOpener{}, oauth.Options{
		Origin:              cfg.Server.Origin,
		PopupWidth:          cfg.OAuth.PopupWidth,
		PopupHeight:         cfg.OAuth.PopupHeight,
		ClosedCheckInterval: cfg.OAuth.ClosedCheckInterval.Duration,
		PopupTimeout:        cfg.OAuth.PopupTimeout.Duration,
		StateTTL:            cfg.OAuth.StateTTL.Duration,
	})
	defer handshake.Close()

	poll := poller.New(gw, bus, poller.Options{
		Interval:         cfg.Polling.AutoRefreshInterval.Duration,
		PageSize:         cfg.Polling.PageSize,
		PollNowPerMinute: cfg.Polling.PollNowPerMinute,
		RequestTimeout:   cfg.Backend.Timeout.Duration,
	})
	defer poll.Close()

	mailboxes := mailbox.NewService(gw, session, &mailbox.IMAPProber{}, cfg.OAuth.StateTTL.Duration)

	// A lost session stops background work. The hook may run on the loop's
	// own goroutine, so the loop is stopped from a new one.
	unsubscribeExpired := bus.Subscribe(events.SessionExpired, func(events.Event) {
		utils.Log.Warn("Backend rejected the session token; signing out")
		go func() {
			poll.DisableAutoRefresh()
			handshake.Close()
			poll.Reset()
		}()
	})
	defer unsubscribeExpired()

	if cfg.Polling.AutoRefreshOnStart && storage.IsAuthenticated(creds) {
		poll.EnableAutoRefresh()
	}

	app := fiber.New(fiber.Config{
		Views:        web.NewEngine("./templates"),
		ViewsLayout:  "layouts/main",
		BodyLimit:    int(cfg.UI.MaxUploadBytes) + 1<<20,
		ErrorHandler: api.ErrorHandler,
	})

	stop := make(chan struct{})
	defer close(stop)

	app.Use(recover.New())
	app.Use(logger.New())
	app.Use(compress.New(compress.Config{
		// Buffering would hold back the event stream
		Next: func(c *fiber.Ctx) bool {
			return c.Path() == "/api/notifications"
		},
	}))
	app.Use(helmet.New(helmet.Config{
		XSSProtection:         "1; mode=block",
		ContentTypeNosniff:    "nosniff",
		XFrameOptions:         "SAMEORIGIN",
		ReferrerPolicy:        "no-referrer",
		ContentSecurityPolicy: "default-src 'self'; script-src 'self' 'unsafe-inline'; style-src 'self' 'unsafe-inline'; img-src 'self' data: https:;",
	}))
	app.Use(middleware.LocaleMiddleware())
	app.Use(middleware.RateLimiter(cfg.UI.RequestsPerMinute, time.Minute, stop))

	csrf := middleware.DefaultCSRFConfig()
	csrf.Secure = cfg.SSL.Enabled
	// Google's redirect carries no token
	csrf.Skipper = func(c *fiber.Ctx) bool {
		return c.Path() == "/auth/gmail/callback"
	}
	app.Use(middleware.CSRFProtection(csrf))

	app.Static("/assets", "./assets", fiber.Static{
		Compress:      true,
		CacheDuration: 24 * time.Hour,
	})

	// Web handlers
	authHandler := web.NewAuthHandler(cfg, creds, gw, poll, handshake)
	gmailCallbackHandler := web.NewGmailCallbackHandler(bus)
	settingsHandler := web.NewSettingsHandler(creds, gw, mailboxes)

	// API handlers
	sessionHandler := api.NewSessionHandler(creds)
	invoiceHandler := api.NewInvoiceHandler(gw, bus, cfg)
	defer invoiceHandler.Close()
	dashboardHandler := web.NewDashboardHandler(cfg, creds, invoiceHandler, poll)
	pollingHandler := api.NewPollingHandler(poll)
	emailConfigHandler := api.NewEmailConfigHandler(mailboxes, poll)
	gmailHandler := api.NewGmailHandler(handshake, mailboxes, poll)
	notificationHandler := api.NewNotificationHandler(bus)
	defer notificationHandler.Close()
	i18nHandler := &api.I18nHandler{}

	// Public routes
	app.Get("/signin", authHandler.ShowSignIn)
	app.Get("/auth/callback", authHandler.ShowCallback)
	app.Post("/auth/token", authHandler.StoreToken)
	app.Get("/logout", authHandler.Logout)
	app.Get("/auth/gmail/callback", gmailCallbackHandler.Handle)
	app.Get("/api/i18n/:lang", i18nHandler.GetTranslations)

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status": "ok",
			"time":   time.Now().Format(time.RFC3339),
		})
	})

	protected := app.Group("", middleware.RequireAuth(creds))
	protected.Get("/", func(c *fiber.Ctx) error { return c.Redirect("/dashboard") })
	protected.Get("/dashboard", dashboardHandler.Show)
	protected.Get("/settings", settingsHandler.ShowSettings)
	protected.Post("/settings/profile", settingsHandler.UpdateProfile)

	apiRoutes := protected.Group("/api")
	{
		apiRoutes.Get("/session", sessionHandler.Get)

		// Invoices
		apiRoutes.Get("/invoices", invoiceHandler.List)
		apiRoutes.Get("/invoices/stats", invoiceHandler.Stats)
		apiRoutes.Get("/invoices/export", invoiceHandler.Export)
		apiRoutes.Post("/invoices/upload", invoiceHandler.Upload)
		apiRoutes.Get("/invoices/:id", invoiceHandler.Get)
		apiRoutes.Put("/invoices/:id", invoiceHandler.Update)
		apiRoutes.Delete("/invoices/:id", invoiceHandler.Delete)

		// Polling
		apiRoutes.Post("/poll-now", pollingHandler.PollNow)
		apiRoutes.Post("/refresh", pollingHandler.Refresh)
		apiRoutes.Get("/auto-refresh", pollingHandler.GetAutoRefresh)
		apiRoutes.Post("/auto-refresh", pollingHandler.SetAutoRefresh)

		// Mailbox configuration
		apiRoutes.Get("/email-config", emailConfigHandler.Get)
		apiRoutes.Post("/email-config", emailConfigHandler.Save)
		apiRoutes.Delete("/email-config", emailConfigHandler.Delete)
		apiRoutes.Get("/email-config/status", pollingHandler.Status)
		apiRoutes.Post("/email-config/test", emailConfigHandler.Test)
		apiRoutes.Post("/email-config/polling", pollingHandler.ToggleBackendPolling)
		apiRoutes.Get("/email-config/logs", emailConfigHandler.Logs)
		apiRoutes.Post("/email-config/probe", emailConfigHandler.Probe)
		apiRoutes.Get("/email-config/providers", emailConfigHandler.Providers)

		// Gmail authorization
		apiRoutes.Post("/gmail/connect", gmailHandler.Connect)
		apiRoutes.Get("/gmail/flows", gmailHandler.Active)
		apiRoutes.Get("/gmail/flows/:id", gmailHandler.Flow)
		apiRoutes.Post("/gmail/flows/:id/cancel", gmailHandler.Cancel)
		apiRoutes.Post("/gmail/disconnect", gmailHandler.Disconnect)

		// Notifications
		apiRoutes.Get("/notifications", notificationHandler.HandleSSE)
		apiRoutes.Use("/ws", func(c *fiber.Ctx) error {
			if websocket.IsWebSocketUpgrade(c) {
				return c.Next()
			}
			return fiber.ErrUpgradeRequired
		})
		apiRoutes.Get("/ws", websocket.New(notificationHandler.HandleWebSocket))
	}

	// 404 Handler for undefined routes
	app.Use(func(c *fiber.Ctx) error {
		loc, _ := c.Locals("localizer").(*i18n.Localizer)
		if middleware.IsAPIRequest(c) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
				"error": utils.T(loc, "error_404"),
			})
		}
		return c.Status(fiber.StatusNotFound).Render("error", fiber.Map{
			"Loc":   loc,
			"Error": utils.T(loc, "error_404"),
			"Code":  fiber.StatusNotFound,
		})
	})

	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		<-sig
		utils.Log.Info("Shutting down...")
		if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
			utils.Log.Error("Shutdown: %v", err)
		}
	}()

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	utils.Log.Info("Starting server on %s (%s)", addr, cfg.Server.Origin)
	if cfg.SSL.Enabled {
		err = app.ListenTLS(addr, cfg.SSL.CertFile, cfg.SSL.KeyFile)
	} else {
		err = app.Listen(addr)
	}
	if err != nil {
		utils.Log.Error("Error starting server: %v", err)
	}
}
