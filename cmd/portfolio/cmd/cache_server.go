package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	goredis "github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/otamoon/portfolio/cache"
	"github.com/otamoon/portfolio/cache/memory"
	cacheredis "github.com/otamoon/portfolio/cache/redis"
	"github.com/otamoon/portfolio/cacheserver"
	"github.com/otamoon/portfolio/internal/config"
	"github.com/otamoon/portfolio/internal/util"
)

const cacheKeyPrefix = "portfolio"

var cachePort int

// newCacheBackend returns the store behind the cache service: Redis when
// REDIS_ADDR is set, otherwise process memory.
func newCacheBackend(ctx context.Context, cfg *config.Config, logger *slog.Logger) (cache.Store, func(), error) {
	if cfg.Redis.Addr == "" {
		logger.Info("cache service backed by memory")
		m := memory.New(memory.WithDefaultTTL(cacheserver.DefaultTTL))
		return m, m.Close, nil
	}

	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("connecting to redis at %s: %w", cfg.Redis.Addr, err)
	}
	logger.Info("cache service backed by redis", "addr", cfg.Redis.Addr)
	return cacheredis.New(client, cacheKeyPrefix, cacheserver.DefaultTTL), func() { _ = client.Close() }, nil
}

func buildCacheService(ctx context.Context, cfg *config.Config, logger *slog.Logger) (http.Handler, func(), error) {
	if cfg.Cache.APIKey == "" {
		return nil, nil, fmt.Errorf("%w: CACHE_SERVICE_API_KEY", config.ErrMissing)
	}
	store, closeFn, err := newCacheBackend(ctx, cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	srv := cacheserver.New(store, cfg.Cache.APIKey, cacheserver.WithLogger(logger))

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Mount("/", srv.Router())
	return r, closeFn, nil
}

var cacheServerCmd = &cobra.Command{
	Use:   "cache-server",
	Short: "Start the shared session cache service",
	Long: `Runs the HTTP key/value service that site instances use as their session cache
when CACHE_SERVICE_URL and CACHE_SERVICE_API_KEY are set. Entries live in Redis
when REDIS_ADDR is set and in process memory otherwise.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("port") {
			cfg.Cache.ServerPort = cachePort
		}
		logger := cfg.Logger(os.Stderr)

		handler, closeFn, err := buildCacheService(cmd.Context(), cfg, logger)
		if err != nil {
			return err
		}
		defer closeFn()

		server := &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Cache.ServerPort),
			Handler:           handler,
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       10 * time.Second,
			WriteTimeout:      10 * time.Second,
			IdleTimeout:       60 * time.Second,
		}

		printBanner("cache service")
		fmt.Printf("Starting cache service on port %d...\n", cfg.Cache.ServerPort)
		return serveUntilSignal(server, server.ListenAndServe)
	},
}

var cacheKeygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Print a random value for CACHE_SERVICE_API_KEY",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		key, err := util.RandomToken(32)
		if err != nil {
			return fmt.Errorf("cannot generate key: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), key)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(cacheServerCmd)
	cacheServerCmd.AddCommand(cacheKeygenCmd)
	cacheServerCmd.Flags().IntVarP(&cachePort, "port", "p", config.DefaultCachePort, "Port to listen on (overrides CACHE_SERVER_PORT)")
}
