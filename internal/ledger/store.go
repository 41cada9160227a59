package ledger

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/iterator"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"

	"notesharing/internal/sharednote"
)

// Key layout. Every record lives under a two-byte prefix.
var (
	prefixCommitment = []byte("c/") // commitment -> tx hash
	prefixNullifier  = []byte("n/") // nullifier -> tx hash
	prefixSlot       = []byte("s/") // slot key -> Slot
	prefixInstance   = []byte("i/") // address -> Instance
	prefixAccount    = []byte("a/") // address -> compressed public key
	prefixReceipt    = []byte("r/") // tx hash -> Receipt
	prefixLog        = []byte("l/") // block | index -> LogEntry
	prefixBlock      = []byte("b/") // block -> Block
	keyHead          = []byte("m/head")
	keyOutstanding   = []byte("m/outstanding")
)

func key(prefix []byte, id []byte) []byte {
	k := make([]byte, 0, len(prefix)+len(id))
	k = append(k, prefix...)
	return append(k, id...)
}

func blockKey(n uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], n)
	return key(prefixBlock, b[:])
}

func logKey(block uint64, index uint32) []byte {
	var b [12]byte
	binary.BigEndian.PutUint64(b[:8], block)
	binary.BigEndian.PutUint32(b[8:], index)
	return key(prefixLog, b[:])
}

// kv is the part of leveldb shared by the database and an open transaction.
type kv interface {
	Get(key []byte, ro *opt.ReadOptions) ([]byte, error)
	Has(key []byte, ro *opt.ReadOptions) (bool, error)
	NewIterator(slice *util.Range, ro *opt.ReadOptions) iterator.Iterator
	Write(batch *leveldb.Batch, wo *opt.WriteOptions) error
}

// store is a thin CBOR layer over leveldb.
type store struct {
	db *leveldb.DB
	kv kv
}

// openStore opens a leveldb database at path, or an in-memory one if path is empty.
func openStore(path string) (*store, error) {
	var (
		db  *leveldb.DB
		err error
	)
	if path == "" {
		db, err = leveldb.Open(storage.NewMemStorage(), nil)
	} else {
		db, err = leveldb.OpenFile(path, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("open ledger store: %w", err)
	}
	return &store{db: db, kv: db}, nil
}

func (s *store) close() error { return s.db.Close() }

// begin opens a transaction over s. Reads through the returned store see the
// transaction's own writes; nothing reaches s until the transaction is committed.
func (s *store) begin() (*store, *leveldb.Transaction, error) {
	txn, err := s.db.OpenTransaction()
	if err != nil {
		return nil, nil, fmt.Errorf("open transaction: %w", err)
	}
	return &store{db: s.db, kv: txn}, txn, nil
}

// get decodes the record at k into v. It reports false if there is none.
func (s *store) get(k []byte, v any) (bool, error) {
	b, err := s.kv.Get(k, nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := cbor.Unmarshal(b, v); err != nil {
		return false, fmt.Errorf("decode record %q: %w", k[:2], err)
	}
	return true, nil
}

func (s *store) getRaw(k []byte) ([]byte, bool, error) {
	b, err := s.kv.Get(k, nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, false, nil
	}
	return b, err == nil, err
}

func (s *store) has(k []byte) (bool, error) {
	return s.kv.Has(k, nil)
}

func (s *store) getUint64(k []byte) (uint64, error) {
	b, ok, err := s.getRaw(k)
	if err != nil || !ok {
		return 0, err
	}
	return binary.BigEndian.Uint64(b), nil
}

// iterate calls fn for every record under prefix, starting at start (inclusive).
func (s *store) iterate(prefix, start []byte, fn func(k, v []byte) error) error {
	r := util.BytesPrefix(prefix)
	if start != nil {
		r.Start = start
	}
	it := s.kv.NewIterator(r, nil)
	defer it.Release()
	for it.Next() {
		if err := fn(it.Key(), it.Value()); err != nil {
			return err
		}
	}
	return it.Error()
}

// batch collects writes that land atomically.
type batch struct {
	b *leveldb.Batch
}

func newBatch() *batch { return &batch{b: new(leveldb.Batch)} }

func (b *batch) put(k []byte, v any) error {
	enc, err := sharednote.MarshalCBOR(v)
	if err != nil {
		return fmt.Errorf("encode record %q: %w", k[:2], err)
	}
	b.b.Put(k, enc)
	return nil
}

func (b *batch) putRaw(k, v []byte) { b.b.Put(k, v) }

func (b *batch) putUint64(k []byte, n uint64) {
	var v [8]byte
	binary.BigEndian.PutUint64(v[:], n)
	b.b.Put(k, v[:])
}

func (b *batch) delete(k []byte) { b.b.Delete(k) }

func (s *store) write(b *batch) error {
	return s.kv.Write(b.b, nil)
}

func (s *store) instance(addr sharednote.Address) (*sharednote.Instance, error) {
	var inst sharednote.Instance
	ok, err := s.get(key(prefixInstance, addr[:]), &inst)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotDeployed, addr)
	}
	return &inst, nil
}

func (s *store) slot(k sharednote.SlotKey) (sharednote.Slot, error) {
	var sl sharednote.Slot
	if _, err := s.get(key(prefixSlot, k[:]), &sl); err != nil {
		return sharednote.Slot{}, err
	}
	return sl, nil
}

var errStopIteration = errors.New("stop iteration")

func cborUnmarshal(b []byte, v any) error {
	if err := cbor.Unmarshal(b, v); err != nil {
		return fmt.Errorf("decode record: %w", err)
	}
	return nil
}
