package main

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"

	"stageflow/backend/internal/api"
	"stageflow/backend/internal/auth"
	"stageflow/backend/internal/blob"
	"stageflow/backend/internal/config"
	"stageflow/backend/internal/lifecycle"
	"stageflow/backend/internal/logging"
	"stageflow/backend/internal/mcp"
	"stageflow/backend/internal/notify"
	"stageflow/backend/internal/tls"
)

func newServeCommand(ctx *commandContext) *cobra.Command {
	var (
		migrate      bool
		createBucket bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, MCP endpoint and change stream",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			return serve(cmd.Context(), ctx, cfg, migrate, createBucket)
		},
	}
	cmd.Flags().BoolVar(&migrate, "migrate", true, "Apply pending migrations before serving")
	cmd.Flags().BoolVar(&createBucket, "create-bucket", true, "Create the blob bucket directory if it is missing")
	return cmd
}

func serve(ctx context.Context, cc *commandContext, cfg *config.Config, migrate, createBucket bool) error {
	logger := cc.logger()
	logger.Info("Configuration loaded",
		"environment", cfg.Environment,
		"okta_client_id", cfg.Auth.ClientID,
		"okta_domain", cfg.Auth.OktaDomain,
		"secret_len", len(cfg.Auth.ClientSecret),
		"swagger_client_id", cfg.Auth.SwaggerClientID,
		"auth_bypass", cfg.AuthBypass(),
	)
	if cfg.Auth.SwaggerClientID != "" && cfg.Auth.SwaggerClientID == cfg.Auth.ClientID {
		logger.Warn("Swagger client ID matches the backend client ID; the docs page uses PKCE without a secret and will fail against a web app client")
	}

	repo, pool, err := cc.openRepository(ctx)
	if err != nil {
		return err
	}
	defer pool.Close()
	logger.Info("Database connected")

	if migrate {
		applied, err := repo.Migrate(ctx)
		if err != nil {
			return err
		}
		if len(applied) > 0 {
			logger.Info("Migrations applied", "versions", applied)
		}
	}

	store, err := newBlobStore(cfg, logger)
	if err != nil {
		return err
	}
	if createBucket {
		if err := store.EnsureBucket(); err != nil {
			return fmt.Errorf("create blob bucket: %w", err)
		}
	}

	hub := notify.NewHub(cfg.Notify.Buffer)
	var publisher notify.Publisher = hub
	if cfg.Notify.AMQPURL != "" {
		bridge := notify.NewAMQPBridge(cfg.Notify.AMQPURL, hub,
			notify.WithAMQPLogger(logger.Logger),
			notify.WithExchange(cfg.Notify.Exchange),
		)
		if err := bridge.Connect(ctx); err != nil {
			return err
		}
		defer bridge.Close()
		go func() {
			if err := bridge.Run(ctx); err != nil {
				logger.Error("change notifier consumer stopped", "error", err)
			}
		}()
		// every instance, this one included, receives events through the bridge
		publisher = bridge
	}

	engine := lifecycle.New(repo,
		lifecycle.WithBlobStore(store),
		lifecycle.WithPublisher(publisher),
		lifecycle.WithLogger(logger),
		lifecycle.WithURLTTL(cfg.Blob.URLTTL),
	)

	authz, err := auth.New(ctx, cfg, repo, logger)
	if err != nil {
		return fmt.Errorf("auth initialization failed: %w", err)
	}

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	e.Use(otelecho.Middleware(cfg.Telemetry.ServiceName))
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:   true,
		LogURI:      true,
		LogStatus:   true,
		LogLatency:  true,
		LogError:    true,
		HandleError: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			attrs := []any{"method", v.Method, "uri", v.URI, "status", v.Status, "latency", v.Latency}
			if v.Error != nil {
				logger.Warn("request", append(attrs, "error", v.Error)...)
				return nil
			}
			logger.Debug("request", attrs...)
			return nil
		},
	}))

	e.GET("/login", echo.WrapHandler(http.HandlerFunc(authz.LoginHandler)))
	e.GET("/auth/callback", echo.WrapHandler(http.HandlerFunc(authz.CallbackHandler)))
	e.GET("/logout", echo.WrapHandler(http.HandlerFunc(authz.LogoutHandler)))

	apiServer := api.NewServer(engine, hub, logger)
	apiServer.Blobs = store
	apiServer.Version = version
	apiServer.URLTTL = cfg.Blob.URLTTL
	apiServer.Register(e, echo.WrapMiddleware(authz.RequireAuth))
	logger.Info("REST API handlers mounted")

	mcpServer := mcp.NewServer(engine, version)
	mcpHandlers := http.NewServeMux()
	mcp.MountHTTPHandlers(mcpHandlers, mcpServer.GetMCPServer())
	mcpHandler := echo.WrapHandler(authz.RequireAuth(mcpHandlers))
	e.Any("/mcp", mcpHandler)
	e.Any("/mcp/*", mcpHandler)
	logger.Info("MCP protocol handlers mounted")

	e.GET("/openapi.yaml", echo.WrapHandler(api.SpecHandler(cfg.Auth.OktaDomain)))
	e.GET("/docs", echo.WrapHandler(api.SwaggerHandler(cfg.Auth.OktaDomain, cfg.Auth.SwaggerClientID)))
	e.GET("/docs/oauth2-redirect.html", echo.WrapHandler(http.HandlerFunc(api.OAuthRedirectHandler)))

	// No WriteTimeout: event streams stay open for the life of the client.
	server := &http.Server{
		Addr:        cfg.HTTP.Addr,
		Handler:     e,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("Server starting", "address", server.Addr, "tls", cfg.TLS.Enable)
		if !cfg.TLS.Enable {
			serverErrors <- server.ListenAndServe()
			return
		}
		if err := prepareTLS(cfg, logger); err != nil {
			serverErrors <- err
			return
		}
		serverErrors <- server.ListenAndServeTLS(cfg.TLS.CertFile, cfg.TLS.KeyFile)
	}()

	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server shutdown error", "error", err)
		if err := server.Close(); err != nil {
			logger.Error("Server close error", "error", err)
		}
	}
	logger.Info("Server stopped gracefully", "dropped_events", hub.Dropped())
	return nil
}

// newBlobStore builds the document store. Development runs without a signing
// key get a per-process random key, so links die with the process.
func newBlobStore(cfg *config.Config, logger *logging.Logger) (*blob.LocalStore, error) {
	key := []byte(cfg.Blob.SigningKey)
	if len(key) == 0 {
		if !cfg.IsDev() {
			return nil, errors.New("blob.signing_key is required outside DEV")
		}
		key = make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("generate signing key: %w", err)
		}
		logger.Warn("blob.signing_key not set; using an ephemeral key")
	}
	return blob.NewLocalStore(cfg.Blob.Root, cfg.Blob.Bucket, key, cfg.Blob.PublicBaseURL)
}

// prepareTLS checks the certificate settings. In DEV a self-signed pair is
// generated for tls.hostnames when missing or stale.
func prepareTLS(cfg *config.Config, logger *logging.Logger) error {
	if cfg.TLS.CertFile == "" || cfg.TLS.KeyFile == "" {
		return errors.New("tls enabled but tls.cert_file or tls.key_file is empty")
	}
	if !cfg.IsDev() {
		return nil
	}
	created, err := tls.EnsureCertificate(cfg.TLS.CertFile, cfg.TLS.KeyFile, cfg.TLS.Hostnames)
	if err != nil {
		return fmt.Errorf("self-signed certificate: %w", err)
	}
	if created {
		logger.Info("Generated self-signed certificate", "cert", cfg.TLS.CertFile, "hosts", cfg.TLS.Hostnames)
	}
	return nil
}
