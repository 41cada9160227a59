// Package api serves hosted accounts and contract calls over HTTP.
//
// The node hosts one wallet per account name, like a private execution service: callers
// name the account they act as, and the node executes, proves and submits on its behalf.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"notesharing/internal/client"
	"notesharing/internal/ledger"
	"notesharing/internal/metrics"
)

// ErrUnknownWallet is returned for account names the node does not host.
var ErrUnknownWallet = errors.New("unknown wallet")

// Config configures the API server.
type Config struct {
	ListenAddr         string
	WalletDir          string
	RateLimitPerSecond float64
	RateLimitBurst     int
	CallTimeout        time.Duration
	Version            string
}

// Server is the node's HTTP front end.
type Server struct {
	cfg      Config
	client   *client.Client
	seq      *ledger.Sequencer
	log      zerolog.Logger
	metrics  *metrics.Metrics
	gatherer prometheus.Gatherer
	health   *HealthChecker
	limiter  *AccountRateLimiter
	router   *mux.Router

	mu      sync.RWMutex
	wallets map[string]*client.Wallet
}

// New creates a server and loads every wallet found in cfg.WalletDir.
func New(cfg Config, c *client.Client, seq *ledger.Sequencer, m *metrics.Metrics, g prometheus.Gatherer, log zerolog.Logger) (*Server, error) {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 30 * time.Second
	}
	if m == nil {
		m = metrics.Discard()
	}
	if g == nil {
		g = prometheus.NewRegistry()
	}
	s := &Server{
		cfg:      cfg,
		client:   c,
		seq:      seq,
		log:      log.With().Str("component", "api").Logger(),
		metrics:  m,
		gatherer: g,
		health:   NewHealthChecker(cfg.Version),
		limiter:  NewAccountRateLimiter(cfg.RateLimitPerSecond, cfg.RateLimitBurst),
		wallets:  make(map[string]*client.Wallet),
	}
	if err := s.loadWallets(); err != nil {
		return nil, err
	}
	s.registerHealth()
	s.router = s.routes()
	return s, nil
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.countRequests)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	r.HandleFunc("/accounts", s.handleCreateAccount).Methods(http.MethodPost)
	r.HandleFunc("/accounts/{name}", s.handleGetAccount).Methods(http.MethodGet)
	r.HandleFunc("/accounts/{name}/notes", s.handleNotes).Methods(http.MethodGet)
	r.HandleFunc("/contracts", s.handleDeploy).Methods(http.MethodPost)
	r.HandleFunc("/contracts/{address}", s.handleGetContract).Methods(http.MethodGet)
	r.HandleFunc("/contracts/{address}/{method}", s.handleCall).Methods(http.MethodPost)
	r.HandleFunc("/txs/{hash}", s.handleGetTx).Methods(http.MethodGet)
	return r
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler { return s.router }

// Run serves until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", s.cfg.ListenAddr).Msg("api listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown api: %w", err)
	}
	s.log.Info().Msg("api stopped")
	return nil
}

// mempoolDegraded is the backlog above which the sequencer reports degraded.
const mempoolDegraded = 1000

func (s *Server) registerHealth() {
	l := s.client.Ledger()
	s.health.RegisterComponent("ledger", func() (HealthStatus, error) {
		if head := l.Head(); head > 0 {
			if _, err := l.Block(head); err != nil {
				return Unhealthy, err
			}
		}
		return Healthy, nil
	})
	s.health.RegisterComponent("sequencer", func() (HealthStatus, error) {
		if s.seq.Len() > mempoolDegraded {
			return Degraded, nil
		}
		return Healthy, nil
	})
	s.health.RegisterComponent("wallets", func() (HealthStatus, error) {
		if s.cfg.WalletDir == "" {
			return Healthy, nil
		}
		if _, err := os.Stat(s.cfg.WalletDir); err != nil {
			return Degraded, nil
		}
		return Healthy, nil
	})
}

// Wallet returns the hosted wallet called name.
func (s *Server) Wallet(name string) (*client.Wallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.wallets[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownWallet, name)
	}
	return w, nil
}

// CreateWallet creates, registers and persists a new hosted wallet.
func (s *Server) CreateWallet(name string) (*client.Wallet, error) {
	if name == "" || strings.ContainsAny(name, `/\.`) {
		return nil, fmt.Errorf("invalid wallet name %q", name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.wallets[name]; ok {
		return nil, fmt.Errorf("wallet %q already exists", name)
	}
	w, err := client.NewWallet(name)
	if err != nil {
		return nil, err
	}
	if err := s.client.Register(w); err != nil {
		return nil, err
	}
	s.wallets[name] = w
	if err := s.saveWallet(w); err != nil {
		return nil, err
	}
	return w, nil
}

func (s *Server) walletPath(name string) string {
	return filepath.Join(s.cfg.WalletDir, name+"_wallet.json")
}

func (s *Server) saveWallet(w *client.Wallet) error {
	if s.cfg.WalletDir == "" {
		return nil
	}
	if err := os.MkdirAll(s.cfg.WalletDir, 0o700); err != nil {
		return err
	}
	return w.Save(s.walletPath(w.Name))
}

func (s *Server) loadWallets() error {
	if s.cfg.WalletDir == "" {
		return nil
	}
	if err := os.MkdirAll(s.cfg.WalletDir, 0o700); err != nil {
		return fmt.Errorf("create wallet dir: %w", err)
	}
	paths, err := filepath.Glob(filepath.Join(s.cfg.WalletDir, "*_wallet.json"))
	if err != nil {
		return err
	}
	for _, p := range paths {
		w, err := client.LoadWallet(p)
		if err != nil {
			return err
		}
		if err := s.client.Register(w); err != nil {
			return err
		}
		s.wallets[w.Name] = w
		s.log.Info().Str("wallet", w.Name).Stringer("address", w.Address()).Msg("wallet loaded")
	}
	return nil
}

// SaveWallets persists every hosted wallet.
func (s *Server) SaveWallets() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, w := range s.wallets {
		if err := s.saveWallet(w); err != nil {
			return fmt.Errorf("save wallet %s: %w", w.Name, err)
		}
	}
	return nil
}
