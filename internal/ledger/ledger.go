// ledger.go - Append-only commitment/nullifier ledger.
//
// The ledger stores the commitment set, the nullifier set, contract slots, deployed
// instances, registered account keys, receipts and encrypted logs in leveldb. A block is
// staged in one leveldb transaction and committed with its header, so it lands entirely
// or not at all. Blocks are finalized FinalityDepth blocks after inclusion; logs are only
// served from finalized blocks.

package ledger

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	bls12377 "github.com/consensys/gnark-crypto/ecc/bls12-377"
	"github.com/rs/zerolog"

	"notesharing/internal/metrics"
	"notesharing/internal/sharednote"
)

var (
	ErrAlreadySpent        = errors.New("nullifier already spent")
	ErrDuplicateCommitment = errors.New("note hash already exists")
	ErrNotFinalized        = errors.New("transaction not finalized")
	ErrUnknownTx           = errors.New("unknown transaction")
	ErrKnownTx             = errors.New("transaction already known")
	ErrNotDeployed         = errors.New("contract not deployed")
	ErrAlreadyDeployed     = errors.New("contract already deployed")
	ErrInvalidProof        = errors.New("invalid proof")
	ErrUnknownAccount      = errors.New("unknown account")
	ErrMalformedTx         = errors.New("malformed transaction")
	ErrNoVerifier          = errors.New("no proof verifier configured")
)

// ReasonError maps a revert reason to the sentinel it was produced from, so callers can
// use errors.Is on reverted receipts.
func ReasonError(reason string) error {
	if reason == "" {
		return nil
	}
	for _, sentinel := range []error{
		sharednote.ErrNoteAlreadyExists, sharednote.ErrNoteNotFound,
		ErrAlreadySpent, ErrDuplicateCommitment, ErrNotDeployed, ErrAlreadyDeployed,
		ErrInvalidProof, ErrMalformedTx,
	} {
		msg := sentinel.Error()
		if reason == msg {
			return sentinel
		}
		if strings.HasPrefix(reason, msg+": ") {
			return fmt.Errorf("%w%s", sentinel, strings.TrimPrefix(reason, msg))
		}
	}
	return sharednote.ErrorFromReason(reason)
}

// Verifier checks the proof attached to a transition.
type Verifier interface {
	Verify(t *sharednote.Transition, proof []byte) error
}

// Config configures a Ledger.
type Config struct {
	// Path of the leveldb directory. Empty keeps the ledger in memory.
	Path string
	// FinalityDepth is the number of blocks built on top of a block before it is final.
	FinalityDepth uint64
	// Verifier checks transition proofs. It is required unless InsecureSkipProofs is set.
	Verifier Verifier
	// InsecureSkipProofs includes transitions without checking any proof. Nothing then
	// ties a redeem's nullifiers to the note it consumes, so any party that reads a slot
	// can empty it. Only for tests and local demos.
	InsecureSkipProofs bool
	Logger             zerolog.Logger
	Metrics            *metrics.Metrics
}

// Ledger is safe for concurrent use. Writes are serialized by ApplyBlock.
type Ledger struct {
	mu          sync.RWMutex
	db          *store
	depth       uint64
	verifier    Verifier
	log         zerolog.Logger
	metrics     *metrics.Metrics
	head        uint64
	outstanding uint64

	// beforeCommit, if set, runs after a block is fully staged and before it is committed.
	beforeCommit func(*Block) error
}

// Open opens (or creates) a ledger.
func Open(cfg Config) (*Ledger, error) {
	if cfg.Verifier == nil && !cfg.InsecureSkipProofs {
		return nil, ErrNoVerifier
	}
	db, err := openStore(cfg.Path)
	if err != nil {
		return nil, err
	}
	m := cfg.Metrics
	if m == nil {
		m = metrics.Discard()
	}
	l := &Ledger{
		db:       db,
		depth:    cfg.FinalityDepth,
		verifier: cfg.Verifier,
		log:      cfg.Logger.With().Str("component", "ledger").Logger(),
		metrics:  m,
	}
	if l.head, err = db.getUint64(keyHead); err != nil {
		db.close()
		return nil, fmt.Errorf("read head: %w", err)
	}
	if l.outstanding, err = db.getUint64(keyOutstanding); err != nil {
		db.close()
		return nil, fmt.Errorf("read outstanding notes: %w", err)
	}
	l.updateGauges()
	if l.verifier == nil {
		l.log.Warn().Msg("proof verification disabled: redeems are not bound to their notes")
	}
	l.log.Info().Uint64("head", l.head).Uint64("finality_depth", l.depth).Msg("ledger opened")
	return l, nil
}

// Close releases the underlying store.
func (l *Ledger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.db.close()
}

// Head returns the number of the latest block, 0 before the first block.
func (l *Ledger) Head() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.head
}

// Finalized returns the number of the latest finalized block.
func (l *Ledger) Finalized() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.finalized()
}

func (l *Ledger) finalized() uint64 {
	if l.head < l.depth {
		return 0
	}
	return l.head - l.depth
}

// RegisterAccount publishes an account's public key so others can seal notes to it.
func (l *Ledger) RegisterAccount(pk *bls12377.G1Affine) (sharednote.Address, error) {
	if pk.IsInfinity() || !pk.IsInSubGroup() {
		return sharednote.Address{}, errors.New("invalid public key")
	}
	addr := sharednote.AddressOf(pk)
	raw := pk.Bytes()

	l.mu.Lock()
	defer l.mu.Unlock()
	b := newBatch()
	b.putRaw(key(prefixAccount, addr[:]), raw[:])
	if err := l.db.write(b); err != nil {
		return addr, fmt.Errorf("register account: %w", err)
	}
	return addr, nil
}

// PublicKey returns the registered public key of addr.
func (l *Ledger) PublicKey(addr sharednote.Address) (*bls12377.G1Affine, error) {
	l.mu.RLock()
	raw, ok, err := l.db.getRaw(key(prefixAccount, addr[:]))
	l.mu.RUnlock()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAccount, addr)
	}
	return sharednote.ParsePublicKey(raw)
}

// Instance returns a deployed contract instance.
func (l *Ledger) Instance(addr sharednote.Address) (*sharednote.Instance, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.db.instance(addr)
}

// IsDeployed reports whether a deploy transaction for addr has been included.
func (l *Ledger) IsDeployed(addr sharednote.Address) (bool, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.db.has(key(prefixInstance, addr[:]))
}

// Slot returns the current state of a slot.
func (l *Ledger) Slot(k sharednote.SlotKey) (sharednote.Slot, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.db.slot(k)
}

// HasNullifier reports whether nf is in the nullifier set.
func (l *Ledger) HasNullifier(nf sharednote.Nullifier) (bool, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.db.has(key(prefixNullifier, nf[:]))
}

// HasCommitment reports whether cm is in the commitment set.
func (l *Ledger) HasCommitment(cm sharednote.Commitment) (bool, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.db.has(key(prefixCommitment, cm[:]))
}

// CommitmentTx returns the hash of the transaction that inserted cm.
func (l *Ledger) CommitmentTx(cm sharednote.Commitment) (Hash, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var h Hash
	ok, err := l.db.get(key(prefixCommitment, cm[:]), &h)
	if err != nil {
		return h, err
	}
	if !ok {
		return h, fmt.Errorf("%w: no transaction for commitment %s", ErrUnknownTx, cm)
	}
	return h, nil
}

// Receipt returns the receipt of an included transaction.
func (l *Ledger) Receipt(h Hash) (*Receipt, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.receipt(h)
}

func (l *Ledger) receipt(h Hash) (*Receipt, error) {
	var r Receipt
	ok, err := l.db.get(key(prefixReceipt, h[:]), &r)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTx, h)
	}
	r.Finalized = r.Block <= l.finalized()
	return &r, nil
}

// Logs returns the encrypted logs of a finalized transaction.
func (l *Ledger) Logs(h Hash) ([]*sharednote.EncryptedNote, error) {
	r, err := l.Receipt(h)
	if err != nil {
		return nil, err
	}
	if !r.Finalized {
		return nil, fmt.Errorf("%w: %s", ErrNotFinalized, h)
	}
	return r.Logs, nil
}

// LogsFrom returns every log of finalized blocks numbered from..finalized, together with
// the block number to resume from.
func (l *Ledger) LogsFrom(from uint64) ([]LogEntry, uint64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if from == 0 {
		from = 1
	}
	fin := l.finalized()
	if from > fin {
		return nil, from, nil
	}
	var out []LogEntry
	err := l.db.iterate(prefixLog, logKey(from, 0), func(k, v []byte) error {
		var e LogEntry
		if err := cborUnmarshal(v, &e); err != nil {
			return err
		}
		if e.Block > fin {
			return errStopIteration
		}
		out = append(out, e)
		return nil
	})
	if err != nil && !errors.Is(err, errStopIteration) {
		return nil, from, err
	}
	return out, fin + 1, nil
}

// Block returns an included block header.
func (l *Ledger) Block(n uint64) (*Block, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var b Block
	ok, err := l.db.get(blockKey(n), &b)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("block %d not found", n)
	}
	return &b, nil
}

// Known reports whether h has been included.
func (l *Ledger) Known(h Hash) (bool, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.db.has(key(prefixReceipt, h[:]))
}

// Check runs tx against the current state without writing. It returns the revert error
// the transaction would produce if it were included now. A transaction without a proof
// is checked as if its proof were valid, so callers can check before proving.
func (l *Ledger) Check(tx *Tx) error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var index uint32
	r, _, err := l.execute(l.db, tx, tx.Hash(), l.head+1, &index, len(tx.Proof) > 0)
	if err != nil {
		return err
	}
	if r.Status == StatusSuccess {
		return nil
	}
	return ReasonError(r.RevertReason)
}

// ApplyBlock includes txs as the next block. Each transaction is re-validated against
// the state left by the transactions before it. The block is written atomically: on
// error nothing of it is stored and the head does not move.
func (l *Ledger) ApplyBlock(txs []*Tx, now time.Time) (*Block, []*Receipt, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	view, txn, err := l.db.begin()
	if err != nil {
		return nil, nil, err
	}
	committed := false
	defer func() {
		if !committed {
			txn.Discard()
		}
	}()

	block := &Block{Number: l.head + 1, Time: now.Unix()}
	receipts := make([]*Receipt, 0, len(txs))
	var logIndex uint32
	for _, tx := range txs {
		h := tx.Hash()
		known, err := view.has(key(prefixReceipt, h[:]))
		if err != nil {
			return nil, nil, err
		}
		if known {
			l.log.Warn().Stringer("tx", h).Msg("skipping already included transaction")
			continue
		}
		r, b, err := l.execute(view, tx, h, block.Number, &logIndex, true)
		if err != nil {
			return nil, nil, fmt.Errorf("execute %s: %w", h, err)
		}
		if err := view.write(b); err != nil {
			return nil, nil, fmt.Errorf("write %s: %w", h, err)
		}
		block.TxHashes = append(block.TxHashes, h)
		receipts = append(receipts, r)
	}

	b := newBatch()
	if err := b.put(blockKey(block.Number), block); err != nil {
		return nil, nil, err
	}
	b.putUint64(keyHead, block.Number)
	if err := view.write(b); err != nil {
		return nil, nil, fmt.Errorf("write block %d: %w", block.Number, err)
	}
	if l.beforeCommit != nil {
		if err := l.beforeCommit(block); err != nil {
			return nil, nil, fmt.Errorf("commit block %d: %w", block.Number, err)
		}
	}
	if err := txn.Commit(); err != nil {
		return nil, nil, fmt.Errorf("commit block %d: %w", block.Number, err)
	}
	committed = true
	for _, r := range receipts {
		l.record(r)
	}
	l.head = block.Number
	l.updateGauges()

	fin := l.finalized()
	for _, r := range receipts {
		r.Finalized = r.Block <= fin
	}
	l.log.Debug().Uint64("block", block.Number).Int("txs", len(block.TxHashes)).Uint64("finalized", fin).Msg("block applied")
	return block, receipts, nil
}

// execute validates tx against s and returns its receipt together with the batch that
// applies it. A reverted transaction's batch only holds its receipt. Errors are storage
// failures. verify is false only for dry runs of transactions that carry no proof yet.
func (l *Ledger) execute(s *store, tx *Tx, h Hash, block uint64, logIndex *uint32, verify bool) (*Receipt, *batch, error) {
	r := &Receipt{TxHash: h, Kind: tx.Kind, Block: block, Status: StatusSuccess}
	revert := func(cause error) (*Receipt, *batch, error) {
		r.Status = StatusReverted
		r.RevertReason = cause.Error()
		r.NoteHashes, r.Nullifiers, r.Logs = nil, nil, nil
		b := newBatch()
		if err := b.put(key(prefixReceipt, h[:]), r); err != nil {
			return nil, nil, err
		}
		return r, b, nil
	}

	if err := tx.validate(); err != nil {
		return revert(err)
	}
	b := newBatch()

	if tx.Kind == KindDeploy {
		inst := tx.Deployment
		r.Contract = inst.Address
		exists, err := s.has(key(prefixInstance, inst.Address[:]))
		if err != nil {
			return nil, nil, err
		}
		if exists {
			return revert(fmt.Errorf("%w: %s", ErrAlreadyDeployed, inst.Address))
		}
		if err := b.put(key(prefixInstance, inst.Address[:]), inst); err != nil {
			return nil, nil, err
		}
		if err := b.put(key(prefixReceipt, h[:]), r); err != nil {
			return nil, nil, err
		}
		return r, b, nil
	}

	t := tx.Transition
	r.Contract = t.Instance
	inst, err := s.instance(t.Instance)
	if errors.Is(err, ErrNotDeployed) {
		return revert(err)
	}
	if err != nil {
		return nil, nil, err
	}
	c := inst.Contract()
	if t.Scope != c.Scope {
		return revert(fmt.Errorf("%w: scope %s does not match contract scope %s", ErrMalformedTx, t.Scope, c.Scope))
	}
	if c.Scope == sharednote.ScopeInstance && t.Key != c.SlotKey(sharednote.Address{}, sharednote.Address{}) {
		return revert(fmt.Errorf("%w: wrong slot", ErrMalformedTx))
	}
	if verify && l.verifier != nil {
		if err := l.verifier.Verify(t, tx.Proof); err != nil {
			return revert(fmt.Errorf("%w: %v", ErrInvalidProof, err))
		}
	}

	slot, err := s.slot(t.Key)
	if err != nil {
		return nil, nil, err
	}
	next, err := sharednote.Apply(slot, t)
	if err != nil {
		return revert(err)
	}

	// Every insertion is checked before anything is written.
	for _, nf := range t.Effects.Nullifiers {
		spent, err := s.has(key(prefixNullifier, nf[:]))
		if err != nil {
			return nil, nil, err
		}
		if spent {
			l.metrics.InvariantBreaches.Inc()
			l.log.Error().Stringer("tx", h).Stringer("nullifier", nf).Msg("nullifier already spent at inclusion")
			return revert(fmt.Errorf("%w: %s", ErrAlreadySpent, nf))
		}
	}
	for _, cm := range t.Effects.NoteHashes {
		exists, err := s.has(key(prefixCommitment, cm[:]))
		if err != nil {
			return nil, nil, err
		}
		if exists {
			l.metrics.InvariantBreaches.Inc()
			l.log.Error().Stringer("tx", h).Stringer("commitment", cm).Msg("note hash already present at inclusion")
			return revert(fmt.Errorf("%w: %s", ErrDuplicateCommitment, cm))
		}
	}

	for _, cm := range t.Effects.NoteHashes {
		if err := b.put(key(prefixCommitment, cm[:]), h); err != nil {
			return nil, nil, err
		}
	}
	for _, nf := range t.Effects.Nullifiers {
		if err := b.put(key(prefixNullifier, nf[:]), h); err != nil {
			return nil, nil, err
		}
	}
	for _, enc := range t.Effects.Logs {
		e := LogEntry{TxHash: h, Block: block, Index: *logIndex, Contract: t.Instance, Log: enc}
		if err := b.put(logKey(block, *logIndex), e); err != nil {
			return nil, nil, err
		}
		*logIndex++
	}
	outstanding, err := s.getUint64(keyOutstanding)
	if err != nil {
		return nil, nil, err
	}
	if next.State() == sharednote.StateEmpty {
		b.delete(key(prefixSlot, t.Key[:]))
		outstanding--
	} else {
		if err := b.put(key(prefixSlot, t.Key[:]), next); err != nil {
			return nil, nil, err
		}
		outstanding++
	}
	b.putUint64(keyOutstanding, outstanding)

	r.NoteHashes = t.Effects.NoteHashes
	r.Nullifiers = t.Effects.Nullifiers
	r.Logs = t.Effects.Logs
	if err := b.put(key(prefixReceipt, h[:]), r); err != nil {
		return nil, nil, err
	}
	return r, b, nil
}

// record updates in-memory counters after a transaction's block has been committed.
func (l *Ledger) record(r *Receipt) {
	l.metrics.TxTotal.WithLabelValues(r.Kind.String(), r.Status.String()).Inc()
	if r.Status != StatusSuccess {
		l.log.Info().Stringer("tx", r.TxHash).Stringer("kind", r.Kind).Str("reason", r.RevertReason).Msg("transaction reverted")
		return
	}
	l.metrics.CommitmentsTotal.Add(float64(len(r.NoteHashes)))
	l.metrics.NullifiersTotal.Add(float64(len(r.Nullifiers)))
	l.metrics.EncryptedLogsTotal.Add(float64(len(r.Logs)))
	switch r.Kind {
	case KindCreate:
		l.outstanding++
	case KindRedeem:
		l.outstanding--
	}
	l.log.Info().Stringer("tx", r.TxHash).Stringer("kind", r.Kind).
		Int("note_hashes", len(r.NoteHashes)).Int("nullifiers", len(r.Nullifiers)).Int("logs", len(r.Logs)).
		Msg("transaction included")
}

func (l *Ledger) updateGauges() {
	l.metrics.BlockHeight.Set(float64(l.head))
	l.metrics.FinalizedHeight.Set(float64(l.finalized()))
	l.metrics.OutstandingNotes.Set(float64(l.outstanding))
}
