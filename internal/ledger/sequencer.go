// sequencer.go - Mempool and block production.
//
// Transactions are accepted into the mempool after a structural check and are only
// validated against ledger state at inclusion, in submission order. Each block advances
// finality; waiters are woken after every block.

package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"notesharing/internal/metrics"
)

// SequencerConfig configures block production.
type SequencerConfig struct {
	BlockInterval  time.Duration
	MaxTxsPerBlock int
	Logger         zerolog.Logger
	Metrics        *metrics.Metrics
}

type pendingTx struct {
	tx        *Tx
	hash      Hash
	submitted time.Time
}

// Sequencer orders submitted transactions into blocks.
type Sequencer struct {
	ledger   *Ledger
	interval time.Duration
	maxTxs   int
	log      zerolog.Logger
	metrics  *metrics.Metrics

	mu      sync.Mutex
	pool    []pendingTx
	pending map[Hash]struct{}
	notify  chan struct{}

	build sync.Mutex
}

// NewSequencer creates a sequencer that writes to l.
func NewSequencer(l *Ledger, cfg SequencerConfig) *Sequencer {
	m := cfg.Metrics
	if m == nil {
		m = l.metrics
	}
	interval := cfg.BlockInterval
	if interval <= 0 {
		interval = time.Second
	}
	return &Sequencer{
		ledger:   l,
		interval: interval,
		maxTxs:   cfg.MaxTxsPerBlock,
		log:      cfg.Logger.With().Str("component", "sequencer").Logger(),
		metrics:  m,
		pending:  make(map[Hash]struct{}),
		notify:   make(chan struct{}),
	}
}

// Ledger returns the ledger the sequencer writes to.
func (s *Sequencer) Ledger() *Ledger { return s.ledger }

// Submit adds tx to the mempool and returns its hash. Submission does not check ledger
// state; a transaction that is stale by the time it is included reverts.
func (s *Sequencer) Submit(tx *Tx) (Hash, error) {
	if err := tx.validate(); err != nil {
		return Hash{}, err
	}
	h := tx.Hash()
	known, err := s.ledger.Known(h)
	if err != nil {
		return h, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pending[h]; ok || known {
		return h, fmt.Errorf("%w: %s", ErrKnownTx, h)
	}
	s.pool = append(s.pool, pendingTx{tx: tx, hash: h, submitted: time.Now()})
	s.pending[h] = struct{}{}
	s.metrics.MempoolSize.Set(float64(len(s.pool)))
	s.log.Debug().Stringer("tx", h).Stringer("kind", tx.Kind).Msg("transaction submitted")
	return h, nil
}

// Pending reports whether h is waiting in the mempool.
func (s *Sequencer) Pending(h Hash) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.pending[h]
	return ok
}

// Len returns the number of transactions in the mempool.
func (s *Sequencer) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pool)
}

// Receipt returns the ledger receipt of h, or a pending receipt while it is in the
// mempool.
func (s *Sequencer) Receipt(h Hash) (*Receipt, error) {
	r, err := s.ledger.Receipt(h)
	if err == nil {
		return r, nil
	}
	if s.Pending(h) {
		return &Receipt{TxHash: h, Status: StatusPending}, nil
	}
	return nil, err
}

// BuildBlock includes up to MaxTxsPerBlock pending transactions. Empty blocks are built
// too, since they advance finality.
func (s *Sequencer) BuildBlock() (*Block, error) {
	s.build.Lock()
	defer s.build.Unlock()

	s.mu.Lock()
	n := len(s.pool)
	if s.maxTxs > 0 && n > s.maxTxs {
		n = s.maxTxs
	}
	batch := make([]pendingTx, n)
	copy(batch, s.pool[:n])
	s.mu.Unlock()

	txs := make([]*Tx, len(batch))
	for i, p := range batch {
		txs[i] = p.tx
	}
	block, _, err := s.ledger.ApplyBlock(txs, time.Now())
	if err != nil {
		return nil, err
	}

	now := time.Now()
	for _, p := range batch {
		s.metrics.InclusionLatency.Observe(now.Sub(p.submitted).Seconds())
	}

	s.mu.Lock()
	s.pool = s.pool[n:]
	for _, p := range batch {
		delete(s.pending, p.hash)
	}
	s.metrics.MempoolSize.Set(float64(len(s.pool)))
	close(s.notify)
	s.notify = make(chan struct{})
	s.mu.Unlock()
	return block, nil
}

// Run builds a block every BlockInterval until ctx is done.
func (s *Sequencer) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	s.log.Info().Dur("interval", s.interval).Msg("sequencer started")
	for {
		select {
		case <-ctx.Done():
			s.log.Info().Msg("sequencer stopped")
			return nil
		case <-ticker.C:
			if _, err := s.BuildBlock(); err != nil {
				s.log.Error().Err(err).Msg("build block")
				return err
			}
		}
	}
}

// NextBlock returns a channel that is closed once the next block has been built.
func (s *Sequencer) NextBlock() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.notify
}

// Wait blocks until h is included in a finalized block and returns its receipt. A
// reverted transaction is returned with its receipt; callers inspect Status.
func (s *Sequencer) Wait(ctx context.Context, h Hash) (*Receipt, error) {
	for {
		next := s.NextBlock()
		r, err := s.ledger.Receipt(h)
		if err == nil && r.Finalized {
			return r, nil
		}
		if err != nil && !s.Pending(h) {
			// Re-check: the block may have landed between the two lookups.
			if r, err2 := s.ledger.Receipt(h); err2 == nil {
				if r.Finalized {
					return r, nil
				}
			} else {
				return nil, err
			}
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-next:
		}
	}
}
