package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"golang.org/x/crypto/bcrypt"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/pavelanni/coursegrader/internal/cache"
	"github.com/pavelanni/coursegrader/internal/diagnostics"
	"github.com/pavelanni/coursegrader/internal/grading"
	"github.com/pavelanni/coursegrader/internal/handler"
	appI18n "github.com/pavelanni/coursegrader/internal/i18n"
	"github.com/pavelanni/coursegrader/internal/llm"
	"github.com/pavelanni/coursegrader/internal/llm/prompts"
	"github.com/pavelanni/coursegrader/internal/metrics"
	"github.com/pavelanni/coursegrader/internal/model"
	"github.com/pavelanni/coursegrader/internal/retry"
	"github.com/pavelanni/coursegrader/internal/store"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "coursegrader",
		Short: "Answer validation and AI grading for course submissions",
	}

	serve := serveCmd()
	root.AddCommand(serve, importCmd(), gradeCmd(), diagnoseCmd(), repairCmd(), exportCmd())

	// Make "serve" the default when no subcommand is given.
	root.RunE = serve.RunE

	// Register serve flags on root so bare `coursegrader --addr ...` still works.
	root.Flags().AddFlagSet(serve.Flags())

	return root
}

func commonFlags(f *pflag.FlagSet) {
	f.String("db", "coursegrader.db", "SQLite database path")
	f.StringP("lang", "l", "en", "Message language (en, ru)")
	f.String("log-level", "info", "Log level (debug, info, warn, error)")
	f.String("log-format", "text", "Log format (text, json)")
	f.String("log-file", "", "Also write logs to this rotating file")
}

func llmFlags(f *pflag.FlagSet) {
	def := retry.DefaultPolicy()
	f.String("llm-url", "http://localhost:11434/v1", "OpenAI-compatible API base URL")
	f.String("llm-key", "ollama", "API key for LLM")
	f.String("llm-model", "llama3.2", "LLM model name (empty disables AI grading)")
	f.Duration("llm-timeout", 30*time.Second, "Timeout for one grading attempt")
	f.Int("llm-max-retries", def.MaxAttempts, "Attempts per grading request, first included")
	f.Duration("llm-base-delay", def.BaseDelay, "Delay before the first retry")
	f.Float64("llm-backoff", def.Multiplier, "Retry delay multiplier")
	f.Duration("llm-max-delay", def.MaxDelay, "Upper bound for one retry delay")
	f.Int("llm-max-tokens", 2000, "Completion token limit")
	f.Float32("llm-temperature", 0.3, "Sampling temperature")
	f.Float64("llm-rps", 0, "Outgoing grading requests per second (0 = unlimited)")
	f.String("prompt-variant", string(prompts.PromptStandard), "Grading prompt variant (strict, standard, lenient)")
	f.String("redis-addr", "", "Redis address for the questionnaire cache (empty = in-memory)")
	f.Int("cache-size", 256, "In-memory cache capacity")
	f.Duration("cache-ttl", 5*time.Minute, "Questionnaire cache TTL")
	f.Int("concurrency", 4, "Parallel AI requests for batch grading")
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE:  runServe,
	}
	f := cmd.Flags()
	commonFlags(f)
	llmFlags(f)
	f.StringP("addr", "a", ":8080", "HTTP listen address")
	f.String("admin-password", "", "Initial admin password (or set COURSEGRADER_ADMIN_PASSWORD)")
	return cmd
}

func setupLogging(cmd *cobra.Command) {
	v := viperForCmd(cmd)

	var logLevel slog.Level
	switch strings.ToLower(v.GetString("log-level")) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	var out io.Writer = os.Stderr
	if path := v.GetString("log-file"); path != "" {
		out = io.MultiWriter(os.Stderr, &lumberjack.Logger{
			Filename:   path,
			MaxSize:    100,
			MaxBackups: 5,
			MaxAge:     30,
			Compress:   true,
		})
	}

	handlerOpts := &slog.HandlerOptions{Level: logLevel}
	var logHandler slog.Handler
	switch strings.ToLower(v.GetString("log-format")) {
	case "json":
		logHandler = slog.NewJSONHandler(out, handlerOpts)
	default:
		logHandler = slog.NewTextHandler(out, handlerOpts)
	}
	slog.SetDefault(slog.New(logHandler))
}

// viperForCmd binds a command's flags and environment to a fresh viper instance.
func viperForCmd(cmd *cobra.Command) *viper.Viper {
	v := viper.New()
	_ = v.BindPFlags(cmd.Flags())

	v.SetEnvPrefix("COURSEGRADER")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetConfigName("coursegrader")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.config/coursegrader")
	v.AddConfigPath("/etc/coursegrader")
	v.AddConfigPath("/data")
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			slog.Warn("error reading config file", "error", err)
		}
	} else {
		slog.Debug("loaded config file", "path", v.ConfigFileUsed())
	}

	return v
}

func openStore(v *viper.Viper) (*store.Store, error) {
	db, err := store.New(v.GetString("db"))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return db, nil
}

// initI18n loads message catalogs and returns ctx carrying a localizer for
// the configured language.
func initI18n(ctx context.Context, v *viper.Viper) (context.Context, error) {
	lang := v.GetString("lang")
	if err := appI18n.Init(lang); err != nil {
		return ctx, fmt.Errorf("init i18n: %w", err)
	}
	return appI18n.WithLocalizer(ctx, appI18n.NewLocalizer(lang)), nil
}

func newLLMClient(v *viper.Viper) (*llm.Client, error) {
	variant := strings.ToLower(strings.TrimSpace(v.GetString("prompt-variant")))
	if !prompts.IsValidVariant(variant) {
		slog.Warn("invalid prompt-variant, using standard", "variant", variant)
		variant = string(prompts.PromptStandard)
	}
	temperature := float32(v.GetFloat64("llm-temperature"))
	return llm.New(llm.Config{
		BaseURL:     v.GetString("llm-url"),
		APIKey:      v.GetString("llm-key"),
		Model:       v.GetString("llm-model"),
		Variant:     prompts.PromptVariant(variant),
		Timeout:     v.GetDuration("llm-timeout"),
		MaxTokens:   v.GetInt("llm-max-tokens"),
		Temperature: &temperature,
		Retry: retry.Policy{
			MaxAttempts: v.GetInt("llm-max-retries"),
			BaseDelay:   v.GetDuration("llm-base-delay"),
			Multiplier:  v.GetFloat64("llm-backoff"),
			MaxDelay:    v.GetDuration("llm-max-delay"),
		},
		RequestsPerSecond: v.GetFloat64("llm-rps"),
	})
}

func newCache(ctx context.Context, v *viper.Viper) (cache.Cache, func(), error) {
	if addr := v.GetString("redis-addr"); addr != "" {
		rc, err := cache.NewRedis(ctx, addr, "coursegrader:")
		if err != nil {
			return nil, nil, fmt.Errorf("connect redis: %w", err)
		}
		slog.Info("using redis cache", "addr", addr)
		return rc, func() { _ = rc.Close() }, nil
	}
	return cache.NewMemory(v.GetInt("cache-size")), func() {}, nil
}

// newService builds the grading service. With requireGrader set the AI
// endpoint must be configured and reachable.
func newService(ctx context.Context, v *viper.Viper, db *store.Store, requireGrader bool) (*grading.Service, func(), error) {
	c, closeCache, err := newCache(ctx, v)
	if err != nil {
		return nil, nil, err
	}
	opts := grading.Options{Cache: c, CacheTTL: v.GetDuration("cache-ttl")}

	if v.GetString("llm-model") != "" {
		client, err := newLLMClient(v)
		if err != nil {
			closeCache()
			return nil, nil, fmt.Errorf("create LLM client: %w", err)
		}
		if err := client.Ping(ctx); err != nil {
			if requireGrader {
				closeCache()
				return nil, nil, fmt.Errorf("LLM health check: %w", err)
			}
			slog.Warn("LLM endpoint not reachable, AI grading may fail", "url", v.GetString("llm-url"), "error", err)
		} else {
			slog.Info("LLM endpoint OK", "url", v.GetString("llm-url"), "model", v.GetString("llm-model"), "variant", client.Variant())
		}
		opts.Grader = client
	} else if requireGrader {
		closeCache()
		return nil, nil, errors.New("--llm-model is required for AI grading")
	}

	return grading.New(db, opts), closeCache, nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := openStore(v)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := seedAdmin(ctx, db, v.GetString("admin-password")); err != nil {
		return fmt.Errorf("seed admin: %w", err)
	}

	lang := v.GetString("lang")
	if _, err := initI18n(ctx, v); err != nil {
		return err
	}
	metrics.Register(prometheus.DefaultRegisterer)

	svc, closeSvc, err := newService(ctx, v, db, false)
	if err != nil {
		return err
	}
	defer closeSvc()

	h := handler.New(db, svc, diagnostics.New(db), lang)
	addr := v.GetString("addr")
	srv := &http.Server{
		Addr:              addr,
		Handler:           h.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go cleanupSessions(ctx, db, time.Hour)

	errCh := make(chan error, 1)
	go func() {
		slog.Info("starting server",
			"addr", addr,
			"model", v.GetString("llm-model"),
			"llm_url", v.GetString("llm-url"),
			"lang", lang,
		)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	slog.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func seedAdmin(ctx context.Context, db *store.Store, password string) error {
	count, err := db.UserCount(ctx)
	if err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	if password == "" {
		return fmt.Errorf("admin password is required: set --admin-password flag or COURSEGRADER_ADMIN_PASSWORD env var")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash admin password: %w", err)
	}

	_, err = db.CreateUser(ctx, model.User{
		Username:     "admin",
		DisplayName:  "Administrator",
		PasswordHash: string(hash),
		Role:         model.UserRoleAdmin,
		Active:       true,
	})
	if err != nil {
		return fmt.Errorf("create admin user: %w", err)
	}

	slog.Info("seeded default admin user", "username", "admin")
	return nil
}

// cleanupSessions drops expired bearer sessions every interval until ctx ends.
func cleanupSessions(ctx context.Context, db *store.Store, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := db.CleanupExpiredSessions(ctx); err != nil {
				slog.Warn("failed to clean up expired sessions", "error", err)
			}
		}
	}
}
