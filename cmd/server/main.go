// Package main implements ripple-server, a realtime event hub that holds
// authenticated WebSocket sessions and fans business events out to users
// and rooms.
package main

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	"golang.org/x/crypto/acme/autocert"

	"github.com/codeGROOVE-dev/ripple/pkg/auth"
	"github.com/codeGROOVE-dev/ripple/pkg/config"
	"github.com/codeGROOVE-dev/ripple/pkg/logger"
	"github.com/codeGROOVE-dev/ripple/pkg/membership"
	"github.com/codeGROOVE-dev/ripple/pkg/realtime"
	"github.com/codeGROOVE-dev/ripple/pkg/security"
	"github.com/codeGROOVE-dev/ripple/pkg/token"
	"github.com/codeGROOVE-dev/ripple/pkg/webhook"
)

const (
	readTimeout    = 10 * time.Second
	writeTimeout   = 10 * time.Second
	idleTimeout    = 120 * time.Second
	maxHeaderBytes = 20 // Max header size multiplier (1 << 20 = 1MB)
	shutdownWait   = 5 * time.Second
	handshakeIdle  = 10 * time.Minute
)

type options struct {
	configFile    string
	addr          string
	publicKeyFile string
	allowedEvents string
	leDomains     string
	leCacheDir    string
	leEmail       string
	maxConnsPerIP int
	maxConnsTotal int
	allowAllRooms bool
	letsencrypt   bool
	verbose       bool
}

func parseFlags(args []string) (*options, error) {
	opts := &options{}
	fs := pflag.NewFlagSet("ripple-server", pflag.ContinueOnError)
	fs.StringVarP(&opts.configFile, "config", "c", os.Getenv("RIPPLE_CONFIG"), "YAML configuration file")
	fs.StringVar(&opts.addr, "addr", "", "HTTP service address (overrides config)")
	fs.StringVar(&opts.publicKeyFile, "public-key-file", "", "Ed25519 public key used to verify access tokens (overrides config)")
	fs.StringVar(&opts.allowedEvents, "allowed-events", "*", "Comma-separated list of event types accepted on /publish ('*' for all)")
	fs.BoolVar(&opts.letsencrypt, "letsencrypt", false, "Use Let's Encrypt for automatic TLS certificates")
	fs.StringVar(&opts.leDomains, "le-domains", "", "Comma-separated list of domains for Let's Encrypt certificates")
	fs.StringVar(&opts.leCacheDir, "le-cache-dir", "./.letsencrypt", "Cache directory for Let's Encrypt certificates")
	fs.StringVar(&opts.leEmail, "le-email", "", "Contact email for Let's Encrypt notifications")
	fs.IntVar(&opts.maxConnsPerIP, "max-conns-per-ip", 0, "Maximum WebSocket connections per IP (overrides config)")
	fs.IntVar(&opts.maxConnsTotal, "max-conns-total", 0, "Maximum total WebSocket connections (overrides config)")
	fs.BoolVar(&opts.allowAllRooms, "allow-all-rooms", false, "Let any authenticated user join any room (development only)")
	fs.BoolVarP(&opts.verbose, "verbose", "v", false, "Enable debug logging")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return opts, nil
}

// applyFlags lets explicit flags win over file and environment settings.
func applyFlags(cfg *config.Config, opts *options) {
	if opts.addr != "" {
		cfg.ListenAddr = opts.addr
	}
	if opts.publicKeyFile != "" {
		cfg.PublicKeyFile = opts.publicKeyFile
	}
	if opts.maxConnsPerIP > 0 {
		cfg.MaxConnsPerIP = opts.maxConnsPerIP
	}
	if opts.maxConnsTotal > 0 {
		cfg.MaxConnsTotal = opts.maxConnsTotal
	}
	if opts.allowAllRooms {
		cfg.AllowAllRooms = true
	}
}

func loadVerifier(path string) (*auth.Ed25519Verifier, error) {
	if path == "" {
		return nil, errors.New("a public key file is required (--public-key-file or RIPPLE_PUBLIC_KEY_FILE)")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read public key: %w", err)
	}
	pub, err := token.ParsePublicKey(data)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &auth.Ed25519Verifier{PublicKey: pub}, nil
}

// authorizer picks the room membership source: the database when one is
// configured, otherwise the in-memory allow-list.
func authorizer(ctx context.Context, cfg *config.Config) (realtime.RoomAuthorizer, error) {
	if cfg.DatabaseURL != "" {
		db, err := membership.Open(cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		store := membership.NewStore(db)
		if err := store.AutoMigrate(); err != nil {
			return nil, err
		}
		logger.Info(ctx, "room membership backed by database", nil)
		return store, nil
	}
	if cfg.AllowAllRooms {
		logger.Warn(ctx, "every authenticated user may join every room", nil)
		return membership.NewStaticAuthorizer(true), nil
	}
	logger.Warn(ctx, "no membership source configured; only personal rooms are joinable", nil)
	return nil, nil
}

func allowedEventTypes(s string) []string {
	if s == "*" || s == "" {
		return nil // nil means allow all
	}
	types := strings.Split(s, ",")
	for i := range types {
		types[i] = strings.TrimSpace(types[i])
	}
	return types
}

//nolint:funlen,gocognit,maintidx // Main function orchestrates entire server setup and cannot be split without losing clarity
func main() {
	opts, err := parseFlags(os.Args[1:])
	if errors.Is(err, pflag.ErrHelp) {
		return
	}
	if err != nil {
		log.Fatalf("ERROR: %v", err)
	}
	if opts.verbose {
		logger.SetLogger(logger.NewWithLevel(os.Stderr, slog.LevelDebug))
	}

	cfg, err := config.Load(opts.configFile)
	if err != nil {
		log.Fatalf("ERROR: %v", err)
	}
	applyFlags(cfg, opts)

	verifier, err := loadVerifier(cfg.PublicKeyFile)
	if err != nil {
		log.Fatalf("ERROR: %v", err)
	}

	// Recovery tokens are optional; without a secret every reconnect is a fresh session.
	var signer *token.RecoverySigner
	if cfg.Secret != "" {
		signer, err = token.NewRecoverySigner([]byte(cfg.Secret))
		if err != nil {
			log.Fatalf("ERROR: %v", err)
		}
	} else {
		log.Print("WARNING: RIPPLE_SECRET not set; connection recovery is disabled")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	authz, err := authorizer(ctx, cfg)
	if err != nil {
		cancel()
		log.Fatalf("ERROR: membership: %v", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	opt := realtime.Options{Recovery: signer, Registerer: registry, Config: cfg}
	if authz != nil {
		opt.Authorizer = authz
	}
	rt := realtime.New(opt)
	go rt.Run(ctx)

	connLimiter := security.NewConnectionLimiter(cfg.MaxConnsPerIP, cfg.MaxConnsTotal)
	handshakes := security.NewHandshakeLimiter(cfg.RateLimit.HandshakesPerSecond, cfg.RateLimit.HandshakeBurst)
	gate := auth.NewGate(verifier, cfg.IdentityTTL)

	go func() {
		ticker := time.NewTicker(cfg.RateLimit.CleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				if n := handshakes.Prune(now, handshakeIdle); n > 0 {
					logger.Debug(ctx, "pruned idle handshake buckets", logger.Fields{"removed": n})
				}
			}
		}
	}()

	mux := http.NewServeMux()

	// Health check endpoint - exact match only
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/" {
			w.Header().Set("Content-Type", "text/plain")
			w.WriteHeader(http.StatusOK)
			if _, err := w.Write([]byte("ripple is running\n")); err != nil {
				log.Printf("failed to write health check response: %v", err)
			}
			return
		}
		log.Printf("404 Not Found: path=%s ip=%s", r.URL.Path, security.ClientIP(r))
		http.NotFound(w, r)
	})

	mux.Handle("/ws", realtime.NewHandler(rt, gate, connLimiter, handshakes))
	log.Println("Registered WebSocket handler at /ws")

	if cfg.PublishSecret != "" {
		publish := webhook.NewHandler(rt.Broadcaster(), cfg.PublishSecret, allowedEventTypes(opts.allowedEvents))
		mux.HandleFunc("/publish", func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			publish.ServeHTTP(w, r)
			log.Printf("Publish complete: ip=%s duration=%v", security.ClientIP(r), time.Since(start))
		})
		log.Println("Registered publish handler at /publish")
	} else {
		log.Print("WARNING: RIPPLE_PUBLISH_SECRET not set; /publish is disabled")
	}

	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}))
	mux.HandleFunc("/stats", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(rt.Stats()); err != nil {
			log.Printf("failed to write stats: %v", err)
		}
	})

	server := &http.Server{
		Addr:           cfg.ListenAddr,
		Handler:        mux,
		ReadTimeout:    readTimeout,
		WriteTimeout:   writeTimeout,
		IdleTimeout:    idleTimeout,
		MaxHeaderBytes: 1 << maxHeaderBytes, // 1MB
	}

	// Graceful shutdown
	done := make(chan struct{})
	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		<-sig

		log.Println("shutting down server...")

		// Closes every live socket with "server shutdown"
		cancel()
		connLimiter.Stop()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownWait)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("server shutdown error: %v", err)
		}

		rt.Wait()
		close(done)
	}()

	if opts.letsencrypt {
		if opts.leDomains == "" {
			log.Print("ERROR: Let's Encrypt requires --le-domains to be specified")
			return
		}
		domains := strings.Split(opts.leDomains, ",")
		for i := range domains {
			domains[i] = strings.TrimSpace(domains[i])
		}
		if err := os.MkdirAll(opts.leCacheDir, 0o700); err != nil {
			log.Printf("failed to create Let's Encrypt cache directory: %v", err)
			return
		}

		certManager := &autocert.Manager{
			Prompt:     autocert.AcceptTOS,
			HostPolicy: autocert.HostWhitelist(domains...),
			Cache:      autocert.DirCache(opts.leCacheDir),
			Email:      opts.leEmail,
		}
		server.Addr = ":443"
		server.TLSConfig = &tls.Config{
			GetCertificate: certManager.GetCertificate,
			MinVersion:     tls.VersionTLS13,
		}

		go func() {
			acmeServer := &http.Server{
				Addr:         ":80",
				Handler:      certManager.HTTPHandler(nil),
				ReadTimeout:  30 * time.Second,
				WriteTimeout: 30 * time.Second,
				IdleTimeout:  idleTimeout,
			}
			log.Println("starting HTTP server on :80 for Let's Encrypt ACME challenges")
			if err := acmeServer.ListenAndServe(); err != nil {
				log.Printf("HTTP ACME server error: %v", err)
				log.Print("WARNING: Let's Encrypt certificate issuance/renewal may fail without port 80")
			}
		}()

		log.Printf("starting HTTPS server on :443 with Let's Encrypt for domains: %v", domains)
		err = server.ListenAndServeTLS("", "")
	} else {
		log.Print("WARNING: TLS not enabled. Use --letsencrypt for production")
		log.Printf("starting HTTP server on %s", cfg.ListenAddr)
		err = server.ListenAndServe()
	}

	if !errors.Is(err, http.ErrServerClosed) {
		log.Printf("server error: %v", err)
		return
	}

	<-done
	log.Println("server stopped")
}
