// Package client is the account-side harness of the shared note protocol: wallets,
// contract handles, simulate/send/wait and note discovery.
//
// Private execution happens here, against the latest ledger view. The resulting
// transition is submitted to the sequencer, which re-validates it at inclusion.
package client

import (
	"context"
	"errors"
	"fmt"
	"time"

	bls12377 "github.com/consensys/gnark-crypto/ecc/bls12-377"
	lru "github.com/hashicorp/golang-lru"
	"github.com/rs/zerolog"

	"notesharing/internal/ledger"
	"notesharing/internal/sharednote"
	"notesharing/internal/transactions"
)

// ErrDeployFailed is returned when a deployment is included but not effective.
var ErrDeployFailed = errors.New("deployment failed")

// Config configures a Client.
type Config struct {
	// PollInterval is how often WaitForNotes rescans the ledger.
	PollInterval time.Duration
	// DiscoveryTimeout bounds WaitForNotes when the caller's context has no deadline.
	DiscoveryTimeout time.Duration
	// CreateKeys and RedeemKeys enable proving. Nil sends transitions without proofs.
	CreateKeys *transactions.Keys
	RedeemKeys *transactions.Keys
	// CacheSize bounds the public key and instance caches.
	CacheSize int
	Logger    zerolog.Logger
}

// Client talks to one ledger through its sequencer.
type Client struct {
	seq       *ledger.Sequencer
	ledger    *ledger.Ledger
	cfg       Config
	log       zerolog.Logger
	keys      *lru.Cache // address -> *bls12377.G1Affine
	instances *lru.Cache // address -> *sharednote.Instance
}

// New creates a client.
func New(seq *ledger.Sequencer, cfg Config) (*Client, error) {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 100 * time.Millisecond
	}
	if cfg.DiscoveryTimeout <= 0 {
		cfg.DiscoveryTimeout = 30 * time.Second
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 1024
	}
	keys, err := lru.New(cfg.CacheSize)
	if err != nil {
		return nil, err
	}
	instances, err := lru.New(cfg.CacheSize)
	if err != nil {
		return nil, err
	}
	return &Client{
		seq:       seq,
		ledger:    seq.Ledger(),
		cfg:       cfg,
		log:       cfg.Logger.With().Str("component", "client").Logger(),
		keys:      keys,
		instances: instances,
	}, nil
}

// Ledger returns the ledger the client reads from.
func (c *Client) Ledger() *ledger.Ledger { return c.ledger }

// Proving reports whether transitions are sent with proofs.
func (c *Client) Proving() bool { return c.cfg.CreateKeys != nil && c.cfg.RedeemKeys != nil }

// Register publishes the wallet's public key so others can share notes with it.
func (c *Client) Register(w *Wallet) error {
	addr, err := c.ledger.RegisterAccount(&w.Account.Pk)
	if err != nil {
		return err
	}
	c.log.Info().Str("wallet", w.Name).Stringer("address", addr).Msg("account registered")
	return nil
}

// PublicKey returns the registered key of addr.
func (c *Client) PublicKey(addr sharednote.Address) (*bls12377.G1Affine, error) {
	if v, ok := c.keys.Get(addr); ok {
		return v.(*bls12377.G1Affine), nil
	}
	pk, err := c.ledger.PublicKey(addr)
	if err != nil {
		return nil, err
	}
	c.keys.Add(addr, pk)
	return pk, nil
}

// Deploy submits a deployment of a new contract instance from w. The returned contract's
// address is known before the deployment is included.
func (c *Client) Deploy(w *Wallet, scope sharednote.Scope) (*Contract, *SentTx, error) {
	salt, err := sharednote.RandomSalt()
	if err != nil {
		return nil, nil, err
	}
	inst, err := sharednote.NewInstance(sharednote.NoteSharingArtifact(scope), salt, w.Address())
	if err != nil {
		return nil, nil, err
	}
	tx, err := ledger.NewDeployTx(inst)
	if err != nil {
		return nil, nil, err
	}
	h, err := c.seq.Submit(tx)
	if err != nil {
		return nil, nil, fmt.Errorf("submit deployment: %w", err)
	}
	c.log.Info().Str("wallet", w.Name).Stringer("contract", inst.Address).Stringer("scope", scope).Msg("deployment submitted")
	return &Contract{client: c, instance: inst, wallet: w}, &SentTx{client: c, Hash: h, wallet: w}, nil
}

// DeployAndWait deploys and waits for the deployment to be final.
func (c *Client) DeployAndWait(ctx context.Context, w *Wallet, scope sharednote.Scope) (*Contract, error) {
	contract, sent, err := c.Deploy(w, scope)
	if err != nil {
		return nil, err
	}
	if _, err := sent.Wait(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDeployFailed, err)
	}
	deployed, err := c.ledger.IsDeployed(contract.Address())
	if err != nil {
		return nil, err
	}
	if !deployed {
		return nil, fmt.Errorf("%w: %s not deployed", ErrDeployFailed, contract.Address())
	}
	return contract, nil
}

// At returns a handle to the deployed contract at addr, acting as w.
func (c *Client) At(addr sharednote.Address, w *Wallet) (*Contract, error) {
	inst, err := c.instance(addr)
	if err != nil {
		return nil, err
	}
	return &Contract{client: c, instance: inst, wallet: w}, nil
}

func (c *Client) instance(addr sharednote.Address) (*sharednote.Instance, error) {
	if v, ok := c.instances.Get(addr); ok {
		return v.(*sharednote.Instance), nil
	}
	inst, err := c.ledger.Instance(addr)
	if err != nil {
		return nil, err
	}
	c.instances.Add(addr, inst)
	return inst, nil
}

// SentTx is a submitted transaction.
type SentTx struct {
	client *Client
	Hash   ledger.Hash
	wallet *Wallet
}

// Wait blocks until the transaction is final. A reverted transaction is returned with
// its receipt and an error wrapping the revert reason's sentinel.
func (s *SentTx) Wait(ctx context.Context) (*ledger.Receipt, error) {
	r, err := s.client.seq.Wait(ctx, s.Hash)
	if err != nil {
		return nil, err
	}
	if r.Status == ledger.StatusReverted {
		return r, fmt.Errorf("transaction %s reverted: %w", s.Hash, ledger.ReasonError(r.RevertReason))
	}
	if s.wallet != nil {
		if _, err := s.client.Sync(s.wallet); err != nil {
			return r, err
		}
	}
	return r, nil
}
