package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	otelapi "go.opentelemetry.io/otel"

	"github.com/replykit/replykit/bus"
	"github.com/replykit/replykit/config"
	replykitotel "github.com/replykit/replykit/otel"
	"github.com/replykit/replykit/presence"
	"github.com/replykit/replykit/server"
)

// NewServeCmd creates the "serve" subcommand.
func NewServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the ReplyKit API server",
		RunE:  runServe,
	}

	cmd.Flags().IntP("port", "p", 8080, "Listen port")
	cmd.Flags().String("host", "0.0.0.0", "Listen host")
	cmd.Flags().String("cors-origin", "echo", "Allowed CORS origin (\"echo\" reflects the request origin)")
	cmd.Flags().String("sqlite-path", "", "Path to SQLite database (default: ~/.replykit/replykit.db)")
	cmd.Flags().String("config", "", "Path to replykit.yaml")
	cmd.Flags().String("admin-email", "", "Promote this account to admin at startup")
	cmd.Flags().String("redis-addr", "", "Redis address for shared presence state (default: in-memory)")
	cmd.Flags().String("tls-cert", "", "TLS certificate file")
	cmd.Flags().String("tls-key", "", "TLS key file")
	cmd.Flags().Duration("read-timeout", 30*time.Second, "HTTP read timeout")
	cmd.Flags().Duration("heartbeat-interval", 30*time.Second, "Stream heartbeat interval")
	cmd.Flags().Duration("presence-threshold", presence.DefaultThreshold, "Extension liveness threshold")
	cmd.Flags().Duration("presence-sweep", presence.DefaultSweepInterval, "Presence sweep interval")
	cmd.Flags().Int64("max-body", 1<<20, "Max request body size in bytes")
	cmd.Flags().Bool("otel", false, "Enable OpenTelemetry trace and metric export")
	cmd.Flags().String("otel-endpoint", "", "OTLP/HTTP collector endpoint (host:port)")
	cmd.Flags().Bool("otel-insecure", false, "Disable TLS toward the OTLP collector")

	return cmd
}

// serveSettings is the merged flag+file configuration for one serve run.
type serveSettings struct {
	host       string
	port       int
	corsOrigin string
	sqliteDSN  string
	adminEmail string
	redisAddr  string
	tlsCert    string
	tlsKey     string

	readTimeout       time.Duration
	heartbeatInterval time.Duration
	presenceThreshold time.Duration
	presenceSweep     time.Duration
	maxBody           int64
	streamMaxPerKey   int

	otelEnabled  bool
	otelEndpoint string
	otelInsecure bool
}

// resolveServeSettings folds the config file under the flags: a flag set on
// the command line always wins, a file value beats the flag default.
func resolveServeSettings(cmd *cobra.Command) (serveSettings, error) {
	var s serveSettings

	explicitConfig, _ := cmd.Flags().GetString("config")
	var file config.File
	path, found, err := config.DiscoverPath(explicitConfig)
	if err != nil {
		return s, exitError(exitConfig, "resolving config: %v", err)
	}
	if found {
		file, err = config.Load(path)
		if err != nil {
			return s, exitError(exitConfig, "loading config: %v", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Loaded config from %s\n", path)
	}

	s.host, _ = cmd.Flags().GetString("host")
	if !cmd.Flags().Changed("host") && file.Server.Host != "" {
		s.host = file.Server.Host
	}
	s.port, _ = cmd.Flags().GetInt("port")
	if !cmd.Flags().Changed("port") && file.Server.Port != 0 {
		s.port = file.Server.Port
	}
	s.corsOrigin, _ = cmd.Flags().GetString("cors-origin")
	if !cmd.Flags().Changed("cors-origin") && file.Server.CORSOrigin != "" {
		s.corsOrigin = file.Server.CORSOrigin
	}
	s.adminEmail, _ = cmd.Flags().GetString("admin-email")
	if !cmd.Flags().Changed("admin-email") && file.Server.AdminEmail != "" {
		s.adminEmail = file.Server.AdminEmail
	}
	s.redisAddr, _ = cmd.Flags().GetString("redis-addr")
	if !cmd.Flags().Changed("redis-addr") {
		if env := strings.TrimSpace(os.Getenv("REPLYKIT_REDIS_ADDR")); env != "" {
			s.redisAddr = env
		} else if file.Presence.RedisAddr != "" {
			s.redisAddr = file.Presence.RedisAddr
		}
	}
	s.tlsCert, _ = cmd.Flags().GetString("tls-cert")
	if !cmd.Flags().Changed("tls-cert") && file.Server.TLSCert != "" {
		s.tlsCert = file.Server.TLSCert
	}
	s.tlsKey, _ = cmd.Flags().GetString("tls-key")
	if !cmd.Flags().Changed("tls-key") && file.Server.TLSKey != "" {
		s.tlsKey = file.Server.TLSKey
	}

	s.readTimeout, _ = cmd.Flags().GetDuration("read-timeout")
	s.heartbeatInterval, _ = cmd.Flags().GetDuration("heartbeat-interval")
	if !cmd.Flags().Changed("heartbeat-interval") && file.Stream.HeartbeatInterval != 0 {
		s.heartbeatInterval = file.Stream.HeartbeatInterval.Std()
	}
	s.presenceThreshold, _ = cmd.Flags().GetDuration("presence-threshold")
	if !cmd.Flags().Changed("presence-threshold") && file.Presence.Threshold != 0 {
		s.presenceThreshold = file.Presence.Threshold.Std()
	}
	s.presenceSweep, _ = cmd.Flags().GetDuration("presence-sweep")
	if !cmd.Flags().Changed("presence-sweep") && file.Presence.SweepInterval != 0 {
		s.presenceSweep = file.Presence.SweepInterval.Std()
	}
	s.maxBody, _ = cmd.Flags().GetInt64("max-body")
	if !cmd.Flags().Changed("max-body") && file.Server.MaxBody != 0 {
		s.maxBody = file.Server.MaxBody
	}
	s.streamMaxPerKey = file.Stream.MaxPerKey

	s.otelEnabled, _ = cmd.Flags().GetBool("otel")
	if !cmd.Flags().Changed("otel") && file.Otel.Enabled {
		s.otelEnabled = true
	}
	s.otelEndpoint, _ = cmd.Flags().GetString("otel-endpoint")
	if !cmd.Flags().Changed("otel-endpoint") && file.Otel.Endpoint != "" {
		s.otelEndpoint = file.Otel.Endpoint
	}
	s.otelInsecure, _ = cmd.Flags().GetBool("otel-insecure")
	if !cmd.Flags().Changed("otel-insecure") && file.Otel.Insecure {
		s.otelInsecure = true
	}

	s.sqliteDSN, err = resolveSQLiteDSN(cmd, file.Server.SQLitePath)
	if err != nil {
		return s, err
	}
	return s, nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	settings, err := resolveServeSettings(cmd)
	if err != nil {
		return err
	}
	logger := slog.Default()

	var metrics *replykitotel.StreamMetrics
	if settings.otelEnabled {
		shutdown, err := replykitotel.Setup(cmd.Context(), replykitotel.SetupConfig{
			ServiceName: "replykit",
			Endpoint:    settings.otelEndpoint,
			Insecure:    settings.otelInsecure,
		})
		if err != nil {
			return fmt.Errorf("initializing otel: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = shutdown(shutdownCtx)
		}()

		metrics, err = replykitotel.NewStreamMetrics(otelapi.GetMeterProvider().Meter("replykit/stream"))
		if err != nil {
			return fmt.Errorf("initializing stream metrics: %w", err)
		}
	}

	// --- Stores ---
	store, err := server.NewSQLiteStore(server.SQLiteStoreConfig{DSN: settings.sqliteDSN})
	if err != nil {
		return fmt.Errorf("opening sqlite store: %w", err)
	}
	defer func() {
		_ = store.Close()
	}()

	authStore, err := server.NewAuthSQLiteStore(store.DB())
	if err != nil {
		return fmt.Errorf("opening auth store: %w", err)
	}

	if settings.adminEmail != "" {
		if err := promoteAdmin(cmd.Context(), authStore, settings.adminEmail); err != nil {
			logger.Warn("admin promotion skipped", "email", settings.adminEmail, "error", err)
		}
	}

	// --- Event bus and presence ---
	eb := bus.NewMemBus(bus.MemBusConfig{Logger: logger, MaxPerKey: settings.streamMaxPerKey})

	var tracker presence.Tracker
	if settings.redisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: settings.redisAddr})
		defer func() {
			_ = client.Close()
		}()
		tracker, err = presence.NewRedisTracker(client, settings.presenceThreshold)
		if err != nil {
			return fmt.Errorf("creating redis presence tracker: %w", err)
		}
	} else {
		tracker = presence.NewMemTracker(settings.presenceThreshold)
	}

	monitor, err := presence.NewMonitor(presence.MonitorConfig{
		Tracker:  tracker,
		Bus:      eb,
		Interval: settings.presenceSweep,
		Logger:   logger,
	})
	if err != nil {
		return fmt.Errorf("creating presence monitor: %w", err)
	}
	if err := monitor.Start(cmd.Context()); err != nil {
		return fmt.Errorf("starting presence monitor: %w", err)
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = monitor.Stop(stopCtx)
	}()

	// --- Background maintenance ---
	maintenance := server.NewMaintenance(server.MaintenanceConfig{
		Store:  authStore,
		Logger: logger,
	})
	if err := maintenance.Start(); err != nil {
		return fmt.Errorf("starting maintenance jobs: %w", err)
	}
	defer maintenance.Stop()

	// --- HTTP server ---
	apiServer := server.NewServer(server.ServerConfig{
		Replies:           store,
		Configs:           store,
		Settings:          store,
		Tickets:           store,
		AuthStore:         authStore,
		Bus:               eb,
		Presence:          tracker,
		HeartbeatInterval: settings.heartbeatInterval,
		CORSOrigin:        settings.corsOrigin,
		MaxBody:           settings.maxBody,
		Metrics:           metrics,
		Logger:            logger,
	})

	handler := apiServer.Handler()
	if settings.otelEnabled {
		handler = replykitotel.TracingMiddleware(otelapi.GetTracerProvider().Tracer("replykit/http"), handler)
	}

	addr := net.JoinHostPort(settings.host, fmt.Sprintf("%d", settings.port))
	httpServer := &http.Server{
		Addr:        addr,
		Handler:     handler,
		ReadTimeout: settings.readTimeout,
		// WriteTimeout stays zero: stream responses are open-ended and any
		// fixed deadline would sever them.
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(cmd.OutOrStdout(), "ReplyKit listening on %s\n", addr)
		if settings.tlsCert != "" && settings.tlsKey != "" {
			errCh <- httpServer.ListenAndServeTLS(settings.tlsCert, settings.tlsKey)
		} else {
			errCh <- httpServer.ListenAndServe()
		}
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(cmd.OutOrStdout(), "Shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return exitError(exitRuntime, "shutdown error: %v", err)
		}
		_ = eb.Close()
		return nil
	case err := <-errCh:
		_ = eb.Close()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return exitError(exitRuntime, "server error: %v", err)
		}
		return nil
	}
}

// promoteAdmin flips an existing account to the admin role.
func promoteAdmin(ctx context.Context, store server.AuthStore, email string) error {
	user, found, err := store.GetUserByEmail(ctx, strings.ToLower(email))
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("no account with email %q", email)
	}
	if user.Role == server.RoleAdmin {
		return nil
	}
	user.Role = server.RoleAdmin
	user.UpdatedAt = time.Now().UTC()
	return store.UpdateUser(ctx, user)
}

func resolveSQLiteDSN(cmd *cobra.Command, fileValue string) (string, error) {
	sqlitePath, _ := cmd.Flags().GetString("sqlite-path")
	dsn := strings.TrimSpace(sqlitePath)
	if dsn == "" {
		dsn = strings.TrimSpace(os.Getenv("REPLYKIT_SQLITE_PATH"))
	}
	if dsn == "" {
		dsn = strings.TrimSpace(fileValue)
	}
	if dsn == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolving default sqlite path: %w", err)
		}
		dir := filepath.Join(homeDir, ".replykit")
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dir, "replykit.db")
	}
	return dsn, nil
}
