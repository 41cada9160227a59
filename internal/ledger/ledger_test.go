package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"notesharing/internal/metrics"
	"notesharing/internal/sharednote"
)

type env struct {
	t        *testing.T
	ledger   *Ledger
	metrics  *metrics.Metrics
	alice    *sharednote.Account
	bob      *sharednote.Account
	instance *sharednote.Instance
}

func newEnv(t *testing.T, depth uint64) *env {
	t.Helper()
	return newEnvWith(t, Config{FinalityDepth: depth, InsecureSkipProofs: true})
}

func newEnvWith(t *testing.T, cfg Config) *env {
	t.Helper()
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Discard()
	}
	m := cfg.Metrics
	cfg.Logger = zerolog.Nop()
	l, err := Open(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })

	e := &env{t: t, ledger: l, metrics: m}
	e.alice, err = sharednote.NewAccount()
	require.NoError(t, err)
	e.bob, err = sharednote.NewAccount()
	require.NoError(t, err)
	for _, a := range []*sharednote.Account{e.alice, e.bob} {
		addr, err := l.RegisterAccount(&a.Pk)
		require.NoError(t, err)
		require.Equal(t, a.Address, addr)
	}
	e.instance = e.deploy(sharednote.ScopeInstance)
	return e
}

func (e *env) deploy(scope sharednote.Scope) *sharednote.Instance {
	salt, err := sharednote.RandomSalt()
	require.NoError(e.t, err)
	inst, err := sharednote.NewInstance(sharednote.NoteSharingArtifact(scope), salt, e.alice.Address)
	require.NoError(e.t, err)
	tx, err := NewDeployTx(inst)
	require.NoError(e.t, err)
	r := e.include(tx)
	require.Equal(e.t, StatusSuccess, r.Status, r.RevertReason)
	return inst
}

func (e *env) include(txs ...*Tx) *Receipt {
	_, receipts, err := e.ledger.ApplyBlock(txs, time.Now())
	require.NoError(e.t, err)
	require.Len(e.t, receipts, len(txs))
	if len(receipts) == 0 {
		return nil
	}
	return receipts[len(receipts)-1]
}

func (e *env) create(c *sharednote.Contract, from, to *sharednote.Account) *sharednote.Transition {
	slot, err := e.ledger.Slot(c.SlotKey(from.Address, to.Address))
	require.NoError(e.t, err)
	_, tr, err := c.CreateAndShareNote(slot, from, to.Address, &to.Pk)
	require.NoError(e.t, err)
	return tr
}

func transitionTx(t *testing.T, tr *sharednote.Transition) *Tx {
	t.Helper()
	tx, err := NewTransitionTx(tr, nil)
	require.NoError(t, err)
	return tx
}

func TestCreateAndRedeem(t *testing.T) {
	require := require.New(t)
	e := newEnv(t, 0)
	c := e.instance.Contract()

	created := e.create(c, e.alice, e.bob)
	r := e.include(transitionTx(t, created))
	require.Equal(StatusSuccess, r.Status, r.RevertReason)
	require.Len(r.NoteHashes, 1)
	require.Len(r.Nullifiers, 1)
	require.Len(r.Logs, 2)

	ok, err := e.ledger.HasCommitment(created.Commitment)
	require.NoError(err)
	require.True(ok)
	h, err := e.ledger.CommitmentTx(created.Commitment)
	require.NoError(err)
	require.Equal(r.TxHash, h)

	slot, err := e.ledger.Slot(created.Key)
	require.NoError(err)
	require.Equal(sharednote.StateShared, slot.State())
	require.Equal(1.0, testutil.ToFloat64(e.metrics.OutstandingNotes))

	_, redeemed, err := c.RedeemByRecipient(slot, e.bob, e.alice.Address, r.Logs)
	require.NoError(err)
	r = e.include(transitionTx(t, redeemed))
	require.Equal(StatusSuccess, r.Status, r.RevertReason)
	require.Empty(r.NoteHashes)
	require.Len(r.Nullifiers, 2)
	require.Empty(r.Logs)

	for _, nf := range sharednote.DeriveNullifiers(created.Note()) {
		spent, err := e.ledger.HasNullifier(nf)
		require.NoError(err)
		require.True(spent)
	}
	slot, err = e.ledger.Slot(created.Key)
	require.NoError(err)
	require.Equal(sharednote.StateEmpty, slot.State())
	require.Equal(0.0, testutil.ToFloat64(e.metrics.OutstandingNotes))
	require.Equal(3.0, testutil.ToFloat64(e.metrics.NullifiersTotal))
}

func TestCreateWhileSharedReverts(t *testing.T) {
	require := require.New(t)
	e := newEnv(t, 0)
	c := e.instance.Contract()

	// Both creations are built against the same empty view; the second loses at inclusion.
	first := e.create(c, e.alice, e.bob)
	second := e.create(c, e.alice, e.bob)
	_, receipts, err := e.ledger.ApplyBlock([]*Tx{transitionTx(t, first), transitionTx(t, second)}, time.Now())
	require.NoError(err)
	require.Equal(StatusSuccess, receipts[0].Status)
	require.Equal(StatusReverted, receipts[1].Status)
	require.Equal("note already exists", receipts[1].RevertReason)
	require.ErrorIs(ReasonError(receipts[1].RevertReason), sharednote.ErrNoteAlreadyExists)

	ok, err := e.ledger.HasCommitment(second.Commitment)
	require.NoError(err)
	require.False(ok, "reverted transactions write no effects")
}

func TestConcurrentRedeemsOneWins(t *testing.T) {
	require := require.New(t)
	e := newEnv(t, 0)
	c := e.instance.Contract()

	created := e.create(c, e.alice, e.bob)
	r := e.include(transitionTx(t, created))
	slot, err := e.ledger.Slot(created.Key)
	require.NoError(err)

	_, byBob, err := c.RedeemByRecipient(slot, e.bob, e.alice.Address, r.Logs)
	require.NoError(err)
	_, byAlice, err := c.RedeemBySender(slot, e.alice, e.bob.Address, r.Logs)
	require.NoError(err)

	_, receipts, err := e.ledger.ApplyBlock([]*Tx{transitionTx(t, byAlice), transitionTx(t, byBob)}, time.Now())
	require.NoError(err)
	require.Equal(StatusSuccess, receipts[0].Status)
	require.Equal(StatusReverted, receipts[1].Status)
	require.ErrorIs(ReasonError(receipts[1].RevertReason), sharednote.ErrNoteNotFound)
	require.Equal(0.0, testutil.ToFloat64(e.metrics.InvariantBreaches))
}

func TestRedeemIsAtomic(t *testing.T) {
	require := require.New(t)
	e := newEnv(t, 0)
	c := e.instance.Contract()

	// A spent nullifier from an earlier note.
	old := e.create(c, e.alice, e.bob)
	r := e.include(transitionTx(t, old))
	slot, err := e.ledger.Slot(old.Key)
	require.NoError(err)
	_, redeemed, err := c.RedeemBySender(slot, e.alice, e.bob.Address, r.Logs)
	require.NoError(err)
	e.include(transitionTx(t, redeemed))
	spent := redeemed.Effects.Nullifiers[1]

	created := e.create(c, e.alice, e.bob)
	r = e.include(transitionTx(t, created))
	slot, err = e.ledger.Slot(created.Key)
	require.NoError(err)
	_, redeemed, err = c.RedeemBySender(slot, e.alice, e.bob.Address, r.Logs)
	require.NoError(err)
	fresh := redeemed.Effects.Nullifiers[0]
	redeemed.Effects.Nullifiers = []sharednote.Nullifier{fresh, spent}

	r = e.include(transitionTx(t, redeemed))
	require.Equal(StatusReverted, r.Status)
	require.ErrorIs(ReasonError(r.RevertReason), ErrAlreadySpent)
	require.Equal(1.0, testutil.ToFloat64(e.metrics.InvariantBreaches))

	ok, err := e.ledger.HasNullifier(fresh)
	require.NoError(err)
	require.False(ok, "no nullifier of a reverted redemption may land")
	slot, err = e.ledger.Slot(created.Key)
	require.NoError(err)
	require.Equal(sharednote.StateShared, slot.State())
}

func TestDeploy(t *testing.T) {
	require := require.New(t)
	e := newEnv(t, 0)

	ok, err := e.ledger.IsDeployed(e.instance.Address)
	require.NoError(err)
	require.True(ok)
	inst, err := e.ledger.Instance(e.instance.Address)
	require.NoError(err)
	require.Equal(e.instance.Address, inst.Address)
	require.True(inst.Salt.Equal(&e.instance.Salt))

	again, err := NewDeployTx(e.instance)
	require.NoError(err)
	r := e.include(again)
	require.Equal(StatusReverted, r.Status)
	require.ErrorIs(ReasonError(r.RevertReason), ErrAlreadyDeployed)

	// Transitions against an undeployed instance revert.
	ghost := &sharednote.Contract{Instance: e.bob.Address}
	_, tr, err := ghost.CreateAndShareNote(sharednote.Slot{}, e.alice, e.bob.Address, &e.bob.Pk)
	require.NoError(err)
	r = e.include(transitionTx(t, tr))
	require.Equal(StatusReverted, r.Status)
	require.ErrorIs(ReasonError(r.RevertReason), ErrNotDeployed)
}

func TestWrongSlotReverts(t *testing.T) {
	require := require.New(t)
	e := newEnv(t, 0)
	c := e.instance.Contract()

	tr := e.create(c, e.alice, e.bob)
	tr.Key = sharednote.SlotKey{1}
	r := e.include(transitionTx(t, tr))
	require.Equal(StatusReverted, r.Status)
	require.ErrorIs(ReasonError(r.RevertReason), ErrMalformedTx)
}

func TestPairScope(t *testing.T) {
	require := require.New(t)
	e := newEnv(t, 0)
	c := e.deploy(sharednote.ScopePair).Contract()

	r := e.include(transitionTx(t, e.create(c, e.alice, e.bob)))
	require.Equal(StatusSuccess, r.Status, r.RevertReason)
	r = e.include(transitionTx(t, e.create(c, e.bob, e.alice)))
	require.Equal(StatusSuccess, r.Status, "the reverse direction has its own slot")
	require.Equal(2.0, testutil.ToFloat64(e.metrics.OutstandingNotes))
}

func TestFinality(t *testing.T) {
	require := require.New(t)
	e := newEnv(t, 2)
	c := e.instance.Contract()

	r := e.include(transitionTx(t, e.create(c, e.alice, e.bob)))
	require.False(r.Finalized)
	_, err := e.ledger.Logs(r.TxHash)
	require.ErrorIs(err, ErrNotFinalized)

	entries, next, err := e.ledger.LogsFrom(0)
	require.NoError(err)
	require.Empty(entries)

	e.include()
	_, err = e.ledger.Logs(r.TxHash)
	require.ErrorIs(err, ErrNotFinalized)
	e.include()

	logs, err := e.ledger.Logs(r.TxHash)
	require.NoError(err)
	require.Len(logs, 2)
	got, err := e.ledger.Receipt(r.TxHash)
	require.NoError(err)
	require.True(got.Finalized)

	entries, next, err = e.ledger.LogsFrom(next)
	require.NoError(err)
	require.Len(entries, 2)
	require.Equal(r.TxHash, entries[0].TxHash)
	require.Equal(uint32(1), entries[1].Index)
	require.Equal(e.ledger.Finalized()+1, next)

	entries, _, err = e.ledger.LogsFrom(next)
	require.NoError(err)
	require.Empty(entries)
}

func TestUnknown(t *testing.T) {
	e := newEnv(t, 0)
	_, err := e.ledger.Receipt(Hash{1})
	require.ErrorIs(t, err, ErrUnknownTx)
	_, err = e.ledger.PublicKey(sharednote.Address{1})
	require.ErrorIs(t, err, ErrUnknownAccount)
	_, err = e.ledger.Instance(sharednote.Address{1})
	require.ErrorIs(t, err, ErrNotDeployed)
}

func TestPersistence(t *testing.T) {
	require := require.New(t)
	dir := t.TempDir()
	l, err := Open(Config{Path: dir, InsecureSkipProofs: true, Logger: zerolog.Nop()})
	require.NoError(err)

	alice, err := sharednote.NewAccount()
	require.NoError(err)
	bob, err := sharednote.NewAccount()
	require.NoError(err)
	_, err = l.RegisterAccount(&bob.Pk)
	require.NoError(err)
	salt, err := sharednote.RandomSalt()
	require.NoError(err)
	inst, err := sharednote.NewInstance(sharednote.NoteSharingArtifact(sharednote.ScopeInstance), salt, alice.Address)
	require.NoError(err)
	deployTx, err := NewDeployTx(inst)
	require.NoError(err)
	_, tr, err := inst.Contract().CreateAndShareNote(sharednote.Slot{}, alice, bob.Address, &bob.Pk)
	require.NoError(err)
	_, _, err = l.ApplyBlock([]*Tx{deployTx, transitionTx(t, tr)}, time.Now())
	require.NoError(err)
	require.NoError(l.Close())

	l, err = Open(Config{Path: dir, InsecureSkipProofs: true, Logger: zerolog.Nop()})
	require.NoError(err)
	defer l.Close()
	require.Equal(uint64(1), l.Head())
	slot, err := l.Slot(tr.Key)
	require.NoError(err)
	require.Equal(tr.Commitment, slot.Note.Commitment)
	pk, err := l.PublicKey(bob.Address)
	require.NoError(err)
	require.True(pk.Equal(&bob.Pk))
	h, err := l.CommitmentTx(tr.Commitment)
	require.NoError(err)
	logs, err := l.Logs(h)
	require.NoError(err)
	require.Len(logs, 2)
}

func TestSequencer(t *testing.T) {
	require := require.New(t)
	e := newEnv(t, 1)
	seq := NewSequencer(e.ledger, SequencerConfig{BlockInterval: 5 * time.Millisecond, Logger: zerolog.Nop()})

	tx := transitionTx(t, e.create(e.instance.Contract(), e.alice, e.bob))
	h, err := seq.Submit(tx)
	require.NoError(err)
	require.Equal(tx.Hash(), h)
	_, err = seq.Submit(tx)
	require.ErrorIs(err, ErrKnownTx)

	r, err := seq.Receipt(h)
	require.NoError(err)
	require.Equal(StatusPending, r.Status)

	_, err = seq.Submit(&Tx{Kind: KindRedeem})
	require.ErrorIs(err, ErrMalformedTx)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go seq.Run(ctx)

	r, err = seq.Wait(ctx, h)
	require.NoError(err)
	require.Equal(StatusSuccess, r.Status)
	require.True(r.Finalized)
	require.False(seq.Pending(h))

	_, err = seq.Submit(tx)
	require.ErrorIs(err, ErrKnownTx)
}

func TestOpenRequiresVerifier(t *testing.T) {
	_, err := Open(Config{Logger: zerolog.Nop()})
	require.ErrorIs(t, err, ErrNoVerifier)
}

func TestCheck(t *testing.T) {
	require := require.New(t)
	e := newEnv(t, 0)
	c := e.instance.Contract()
	head := e.ledger.Head()

	created := e.create(c, e.alice, e.bob)
	tx := transitionTx(t, created)
	require.NoError(e.ledger.Check(tx))
	ok, err := e.ledger.HasCommitment(created.Commitment)
	require.NoError(err)
	require.False(ok, "a dry run writes nothing")
	known, err := e.ledger.Known(tx.Hash())
	require.NoError(err)
	require.False(known)
	require.Equal(head, e.ledger.Head())

	r := e.include(tx)
	require.Equal(StatusSuccess, r.Status, r.RevertReason)
	require.ErrorIs(e.ledger.Check(transitionTx(t, created)), sharednote.ErrNoteAlreadyExists)

	pair := e.deploy(sharednote.ScopePair).Contract()
	wrongScope := e.create(pair, e.alice, e.bob)
	wrongScope.Scope = sharednote.ScopeInstance
	require.ErrorIs(e.ledger.Check(transitionTx(t, wrongScope)), ErrMalformedTx)

	ghost := &sharednote.Contract{Instance: e.bob.Address}
	_, tr, err := ghost.CreateAndShareNote(sharednote.Slot{}, e.alice, e.bob.Address, &e.bob.Pk)
	require.NoError(err)
	require.ErrorIs(e.ledger.Check(transitionTx(t, tr)), ErrNotDeployed)
}

func TestFailedBlockIsNotWritten(t *testing.T) {
	require := require.New(t)
	e := newEnv(t, 0)
	instance := e.instance.Contract()
	pair := e.deploy(sharednote.ScopePair).Contract()
	head := e.ledger.Head()

	txs := []*Tx{
		transitionTx(t, e.create(instance, e.alice, e.bob)),
		transitionTx(t, e.create(pair, e.bob, e.alice)),
	}
	e.ledger.beforeCommit = func(*Block) error { return errors.New("disk full") }
	_, _, err := e.ledger.ApplyBlock(txs, time.Now())
	require.ErrorContains(err, "disk full")
	require.Equal(head, e.ledger.Head())
	for _, tx := range txs {
		known, err := e.ledger.Known(tx.Hash())
		require.NoError(err)
		require.False(known)
		ok, err := e.ledger.HasCommitment(tx.Transition.Commitment)
		require.NoError(err)
		require.False(ok)
		slot, err := e.ledger.Slot(tx.Transition.Key)
		require.NoError(err)
		require.Equal(sharednote.StateEmpty, slot.State())
	}
	require.Equal(0.0, testutil.ToFloat64(e.metrics.OutstandingNotes))

	// The retried block reuses the number and starts its logs at index 0 again.
	e.ledger.beforeCommit = nil
	block, receipts, err := e.ledger.ApplyBlock(txs, time.Now())
	require.NoError(err)
	require.Equal(head+1, block.Number)
	require.Len(receipts, 2)
	for _, r := range receipts {
		require.Equal(StatusSuccess, r.Status, r.RevertReason)
	}
	entries, _, err := e.ledger.LogsFrom(block.Number)
	require.NoError(err)
	require.Len(entries, 4)
	for i, entry := range entries {
		require.Equal(uint32(i), entry.Index)
		require.Equal(txs[i/2].Hash(), entry.TxHash)
	}
	require.Equal(2.0, testutil.ToFloat64(e.metrics.OutstandingNotes))
}

func TestBlockSeesEarlierTransactions(t *testing.T) {
	require := require.New(t)
	e := newEnv(t, 0)
	salt, err := sharednote.RandomSalt()
	require.NoError(err)
	inst, err := sharednote.NewInstance(sharednote.NoteSharingArtifact(sharednote.ScopeInstance), salt, e.alice.Address)
	require.NoError(err)
	deployTx, err := NewDeployTx(inst)
	require.NoError(err)
	c := inst.Contract()

	first := e.create(c, e.alice, e.bob)
	second := e.create(c, e.bob, e.alice)
	_, receipts, err := e.ledger.ApplyBlock([]*Tx{deployTx, transitionTx(t, first), transitionTx(t, second)}, time.Now())
	require.NoError(err)
	require.Equal(StatusSuccess, receipts[0].Status)
	require.Equal(StatusSuccess, receipts[1].Status, receipts[1].RevertReason)
	require.Equal(StatusReverted, receipts[2].Status)
	require.ErrorIs(ReasonError(receipts[2].RevertReason), sharednote.ErrNoteAlreadyExists)
	require.Equal(1.0, testutil.ToFloat64(e.metrics.OutstandingNotes))
}
