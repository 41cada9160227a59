// main.go - Shared note node.
//
// notesharingd runs a single-sequencer ledger with the note sharing contract, hosts
// account wallets and serves contract calls over HTTP.
//
// Usage:
//
//	notesharingd serve --config config.json
//	notesharingd demo
//
// The demo command plays the two-party flow against an in-memory ledger:
//   - alice deploys the contract and shares a note with bob
//   - bob discovers the note and redeems it
//   - alice shares again and redeems her own note
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"notesharing/internal/api"
	"notesharing/internal/client"
	"notesharing/internal/ledger"
	"notesharing/internal/metrics"
	"notesharing/internal/sharednote"
	"notesharing/internal/transactions/create"
	"notesharing/internal/transactions/redeem"
)

var version = "dev"

func main() {
	if err := rootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "notesharingd",
		Short:         "Shared note ledger node",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String("config", "config.json", "path of the JSON config file")
	root.AddCommand(serveCommand(), demoCommand())
	return root
}

func serveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Runs the sequencer and the HTTP API",
		RunE:  serveFunc,
	}
}

func demoCommand() *cobra.Command {
	c := &cobra.Command{
		Use:   "demo",
		Short: "Runs the two-party shared note flow against an in-memory ledger",
		RunE:  demoFunc,
	}
	c.Flags().Bool("proofs", false, "prove and verify every transition")
	c.Flags().String("scope", "instance", "slot scope of the demo contract (instance or pair)")
	return c
}

func loadConfig(c *cobra.Command) (*Config, error) {
	path, err := c.Flags().GetString("config")
	if err != nil {
		return nil, err
	}
	cfg, err := LoadConfig(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// node is the wired ledger, sequencer and client.
type node struct {
	ledger *ledger.Ledger
	seq    *ledger.Sequencer
	client *client.Client
}

func openNode(cfg *Config, ledgerPath string, proofs bool, m *metrics.Metrics, log zerolog.Logger) (*node, error) {
	ccfg := client.Config{
		PollInterval:     cfg.pollInterval(),
		DiscoveryTimeout: cfg.discoveryTimeout(),
		Logger:           log,
	}
	lcfg := ledger.Config{
		Path:               ledgerPath,
		FinalityDepth:      cfg.FinalityDepth,
		InsecureSkipProofs: !proofs,
		Logger:             log,
		Metrics:            m,
	}
	if proofs {
		keyDir := cfg.KeyDir
		if ledgerPath == "" {
			keyDir = ""
		}
		log.Info().Str("key_dir", keyDir).Msg("loading circuit keys")
		createKeys, err := create.Setup(keyDir)
		if err != nil {
			return nil, fmt.Errorf("create circuit setup: %w", err)
		}
		redeemKeys, err := redeem.Setup(keyDir)
		if err != nil {
			return nil, fmt.Errorf("redeem circuit setup: %w", err)
		}
		verifier, err := ledger.NewProofVerifier(createKeys.VK, redeemKeys.VK, cfg.ProofCacheSize, m)
		if err != nil {
			return nil, err
		}
		lcfg.Verifier = verifier
		ccfg.CreateKeys = createKeys
		ccfg.RedeemKeys = redeemKeys
	}

	l, err := ledger.Open(lcfg)
	if err != nil {
		return nil, err
	}
	seq := ledger.NewSequencer(l, ledger.SequencerConfig{
		BlockInterval:  cfg.blockInterval(),
		MaxTxsPerBlock: cfg.MaxTxsPerBlock,
		Logger:         log,
		Metrics:        m,
	})
	c, err := client.New(seq, ccfg)
	if err != nil {
		l.Close()
		return nil, err
	}
	return &node{ledger: l, seq: seq, client: c}, nil
}

func serveFunc(c *cobra.Command, _ []string) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	auditPath := ""
	if cfg.EnableAudit {
		auditPath = cfg.AuditLogPath
	}
	logger, err := NewLogger(cfg.LogLevel, cfg.LogFile, auditPath)
	if err != nil {
		return err
	}
	defer logger.Close()
	log := logger.Logger

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	n, err := openNode(cfg, cfg.LedgerPath, cfg.EnableProofs, m, log)
	if err != nil {
		return err
	}
	defer n.ledger.Close()

	server, err := api.New(api.Config{
		ListenAddr:         cfg.ListenAddr,
		WalletDir:          cfg.WalletDir,
		RateLimitPerSecond: cfg.RateLimitPerSecond,
		RateLimitBurst:     cfg.RateLimitBurst,
		CallTimeout:        cfg.callTimeout(),
		Version:            version,
	}, n.client, n.seq, m, reg, log)
	if err != nil {
		return err
	}

	logger.Audit("node_started", map[string]any{
		"ledger":   cfg.LedgerPath,
		"listen":   cfg.ListenAddr,
		"proofs":   cfg.EnableProofs,
		"finality": cfg.FinalityDepth,
		"head":     n.ledger.Head(),
	})

	ctx, stop := signal.NotifyContext(c.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return n.seq.Run(gctx) })
	g.Go(func() error { return server.Run(gctx) })
	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}

	if serr := server.SaveWallets(); serr != nil {
		log.Error().Err(serr).Msg("failed to save wallets")
	}
	logger.Audit("node_stopped", map[string]any{"head": n.ledger.Head(), "finalized": n.ledger.Finalized()})
	return err
}

func demoFunc(c *cobra.Command, _ []string) error {
	proofs, err := c.Flags().GetBool("proofs")
	if err != nil {
		return err
	}
	scopeName, err := c.Flags().GetString("scope")
	if err != nil {
		return err
	}
	scope, err := sharednote.ParseScope(scopeName)
	if err != nil {
		return err
	}

	cfg := DefaultConfig()
	cfg.BlockIntervalMs = 50
	cfg.FinalityDepth = 1
	cfg.PollIntervalMs = 20
	logger, err := NewLogger("info", "", "")
	if err != nil {
		return err
	}
	log := logger.Logger

	n, err := openNode(cfg, "", proofs, metrics.Discard(), log)
	if err != nil {
		return err
	}
	defer n.ledger.Close()

	ctx, cancel := context.WithCancel(c.Context())
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return n.seq.Run(gctx) })
	g.Go(func() error {
		defer cancel()
		return runDemo(gctx, n.client, scope, log)
	})
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// runDemo plays both redemption paths of a shared note.
func runDemo(ctx context.Context, c *client.Client, scope sharednote.Scope, log zerolog.Logger) error {
	alice, err := client.NewWallet("alice")
	if err != nil {
		return err
	}
	bob, err := client.NewWallet("bob")
	if err != nil {
		return err
	}
	for _, w := range []*client.Wallet{alice, bob} {
		if err := c.Register(w); err != nil {
			return err
		}
	}

	contract, err := c.DeployAndWait(ctx, alice, scope)
	if err != nil {
		return err
	}
	log.Info().Stringer("contract", contract.Address()).Stringer("scope", scope).Msg("contract deployed")

	// Bob redeems a note alice shared with him.
	if err := shareNote(ctx, c, contract, alice, bob, log); err != nil {
		return err
	}
	if _, err := send(ctx, contract.WithWallet(bob).RedeemByRecipient(alice.Address())); err != nil {
		return fmt.Errorf("bob redeem: %w", err)
	}
	log.Info().Msg("bob redeemed the shared note")

	// Alice takes back the next one.
	if err := shareNote(ctx, c, contract, alice, bob, log); err != nil {
		return err
	}
	if _, err := contract.CreateAndShareNote(bob.Address()).Simulate(ctx); !errors.Is(err, sharednote.ErrNoteAlreadyExists) {
		return fmt.Errorf("second note while shared: expected %v, got %v", sharednote.ErrNoteAlreadyExists, err)
	}
	log.Info().Msg("second note rejected while the slot is shared")
	if _, err := send(ctx, contract.RedeemBySender(bob.Address())); err != nil {
		return fmt.Errorf("alice redeem: %w", err)
	}
	log.Info().Msg("alice redeemed the shared note")

	if _, err := contract.WithWallet(bob).RedeemByRecipient(alice.Address()).Simulate(ctx); !errors.Is(err, sharednote.ErrNoteNotFound) {
		return fmt.Errorf("redeem of consumed note: expected %v, got %v", sharednote.ErrNoteNotFound, err)
	}
	log.Info().Msg("demo complete")
	return nil
}

func shareNote(ctx context.Context, c *client.Client, contract *client.Contract, sender, recipient *client.Wallet, log zerolog.Logger) error {
	sent, err := contract.WithWallet(sender).CreateAndShareNote(recipient.Address()).Send(ctx)
	if err != nil {
		return err
	}
	if _, err := sent.Wait(ctx); err != nil {
		return err
	}
	notes, err := c.WaitForNotes(ctx, recipient, sent.Hash)
	if err != nil {
		return fmt.Errorf("%s discovery: %w", recipient.Name, err)
	}
	for _, n := range notes {
		log.Info().Str("owner", recipient.Name).Stringer("commitment", n.Commitment).
			Stringer("sender", n.Note.Sender).Msg("note discovered")
	}
	return nil
}

func send(ctx context.Context, i *client.Interaction) (*ledger.Receipt, error) {
	sent, err := i.Send(ctx)
	if err != nil {
		return nil, err
	}
	return sent.Wait(ctx)
}
