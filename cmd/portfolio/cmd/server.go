package cmd

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"

	"github.com/otamoon/portfolio/auth"
	"github.com/otamoon/portfolio/cache"
	"github.com/otamoon/portfolio/cache/memory"
	"github.com/otamoon/portfolio/cache/remote"
	"github.com/otamoon/portfolio/contact"
	"github.com/otamoon/portfolio/i18n"
	"github.com/otamoon/portfolio/identity"
	"github.com/otamoon/portfolio/imageproxy"
	"github.com/otamoon/portfolio/internal/config"
	"github.com/otamoon/portfolio/session"
	bboltstorage "github.com/otamoon/portfolio/storage/bbolt"
	"github.com/otamoon/portfolio/web"
)

var (
	port      int
	dataDir   string
	publicDir string
	tlsCert   string
	tlsKey    string
)

// sessionStore is the cache backend the resolver runs on.
type sessionStore interface {
	cache.Store
	Close()
}

func newSessionStore(cfg *config.Config, logger *slog.Logger) sessionStore {
	if cfg.CacheMode() == cache.ModeRemote {
		logger.Info("using remote session cache", "url", cfg.Cache.ServiceURL)
		return remote.New(cfg.Cache.ServiceURL, cfg.Cache.APIKey, remote.WithLogger(logger))
	}
	logger.Info("using local session cache")
	return memory.New()
}

func newMailer(cfg *config.Config, logger *slog.Logger) contact.Mailer {
	m, err := contact.NewSMTPMailer(contact.SMTPConfig{
		Host:     cfg.SMTP.Host,
		Port:     cfg.SMTP.Port,
		Username: cfg.SMTP.User,
		Password: cfg.SMTP.Password,
	})
	if err != nil {
		logger.Warn("contact mail disabled", "error", err)
		return nil
	}
	return m
}

// site is the fully wired HTTP handler plus everything that must be closed
// when the process stops.
type site struct {
	handler http.Handler
	closers []func()
}

func (s *site) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}

func buildSite(cfg *config.Config, logger *slog.Logger) (_ *site, err error) {
	st := &site{}
	defer func() {
		if err != nil {
			st.Close()
		}
	}()

	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	sessions, err := session.NewManager([]byte(cfg.Session.Secret), cfg.CookieOptions())
	if err != nil {
		return nil, fmt.Errorf("failed to set up sessions: %w", err)
	}

	store := newSessionStore(cfg, logger)
	st.closers = append(st.closers, store.Close)

	provider := identity.New(cfg.API.Host,
		identity.WithLogger(logger),
		identity.WithTimeout(cfg.API.Timeout),
	)

	var srv *web.Server
	resolver := auth.NewResolver(store, provider, sessions,
		auth.WithLogger(logger),
		auth.WithAlertFunc(func(evt auth.AlertEvent) {
			if srv != nil {
				srv.RecordAlert(evt)
			}
		}),
	)

	bundle, err := i18n.Load()
	if err != nil {
		return nil, err
	}

	repo, err := bboltstorage.NewRepositoryFromFile(cfg.ArchivePath(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open contact archive: %w", err)
	}
	st.closers = append(st.closers, func() { _ = repo.Close() })
	archive, err := contact.NewArchive(repo, []byte(cfg.Session.Secret))
	if err != nil {
		return nil, err
	}

	svc := contact.NewService(newMailer(cfg, logger), cfg.Contact.From, cfg.Contact.To,
		contact.WithLogger(logger),
		contact.WithArchive(archive),
		contact.WithSubject(func(f contact.Form) string {
			return bundle.T(i18n.Fallback, "contact.mailSubject", "name", f.Name)
		}),
	)

	images := imageproxy.New(cfg.PublicDir,
		imageproxy.WithLogger(logger),
		imageproxy.WithAllowedHosts(cfg.ImageHosts...),
	)

	proxies, err := web.ParseTrustedProxies(cfg.HTTP.TrustedProxies)
	if err != nil {
		return nil, fmt.Errorf("invalid TRUSTED_PROXIES: %w", err)
	}

	srv, err = web.New(web.Deps{
		Resolver: resolver,
		Sessions: sessions,
		Bundle:   bundle,
		Contact:  svc,
		Images:   images,
	},
		web.WithLogger(logger),
		web.WithPublicDir(cfg.PublicDir),
		web.WithSiteURL(cfg.HTTP.SiteURL),
		web.WithSecureCookies(cfg.Production()),
		web.WithTrustedProxies(proxies),
		web.WithAuditWebhook(cfg.Audit.WebhookURL, cfg.Audit.WebhookAuth),
	)
	if err != nil {
		return nil, err
	}
	st.closers = append(st.closers, srv.Close)

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Mount("/", srv.Router())
	st.handler = r
	return st, nil
}

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the portfolio site server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("port") {
			cfg.HTTP.Port = port
		}
		if cmd.Flags().Changed("data-dir") {
			cfg.DataDir = dataDir
		}
		if cmd.Flags().Changed("public-dir") {
			cfg.PublicDir = publicDir
		}
		if err := cfg.Validate(); err != nil {
			return err
		}
		logger := cfg.Logger(os.Stderr)

		st, err := buildSite(cfg, logger)
		if err != nil {
			return err
		}
		defer st.Close()

		server := &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.HTTP.Port),
			Handler:           st.handler,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
		}

		listen := server.ListenAndServe
		if tlsCert != "" && tlsKey != "" {
			cert, err := tls.LoadX509KeyPair(tlsCert, tlsKey)
			if err != nil {
				return fmt.Errorf("failed to load TLS key pair: %w", err)
			}
			server.TLSConfig = &tls.Config{
				Certificates: []tls.Certificate{cert},
				MinVersion:   tls.VersionTLS12,
			}
			listen = func() error { return server.ListenAndServeTLS("", "") }
		}

		printBanner("site")
		fmt.Printf("Starting server on port %d (env: %s, data: %s)...\n", cfg.HTTP.Port, cfg.Env, cfg.DataDir)
		return serveUntilSignal(server, listen)
	},
}

// serveUntilSignal runs listen until it fails or SIGINT/SIGTERM arrives, then
// shuts server down gracefully.
func serveUntilSignal(server *http.Server, listen func() error) error {
	done := make(chan error, 1)
	go func() {
		if err := listen(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			done <- fmt.Errorf("server failed: %w", err)
			return
		}
		done <- nil
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case sig := <-quit:
		fmt.Printf("\nReceived %s, shutting down...\n", sig)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return nil
	case err := <-done:
		return err
	}
}

func init() {
	rootCmd.AddCommand(serverCmd)
	serverCmd.Flags().IntVarP(&port, "port", "p", config.DefaultPort, "Port to listen on (overrides PORT)")
	serverCmd.Flags().StringVar(&dataDir, "data-dir", "./data", "Directory for persistent data (overrides DATA_DIR)")
	serverCmd.Flags().StringVar(&publicDir, "public-dir", "./public", "Directory of static assets (overrides PUBLIC_DIR)")
	serverCmd.Flags().StringVar(&tlsCert, "tls-cert", "", "Path to TLS certificate file")
	serverCmd.Flags().StringVar(&tlsKey, "tls-key", "", "Path to TLS key file")
}
