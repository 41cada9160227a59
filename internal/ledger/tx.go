package ledger

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/zeebo/blake3"

	"notesharing/internal/sharednote"
)

// Kind of a ledger transaction.
type Kind uint8

const (
	KindDeploy Kind = iota + 1
	KindCreate
	KindRedeem
)

func (k Kind) String() string {
	switch k {
	case KindDeploy:
		return "deploy"
	case KindCreate:
		return "create"
	case KindRedeem:
		return "redeem"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (k Kind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *Kind) UnmarshalText(text []byte) error {
	for _, c := range []Kind{KindDeploy, KindCreate, KindRedeem} {
		if c.String() == string(text) {
			*k = c
			return nil
		}
	}
	return fmt.Errorf("unknown transaction kind %q", text)
}

// Hash identifies a transaction.
type Hash [32]byte

func (h Hash) String() string { return "0x" + hex.EncodeToString(h[:]) }

// MarshalText implements encoding.TextMarshaler.
func (h Hash) MarshalText() ([]byte, error) { return []byte(h.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (h *Hash) UnmarshalText(text []byte) error {
	parsed, err := HashFromHex(string(text))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

// HashFromHex parses a 0x-prefixed transaction hash.
func HashFromHex(s string) (Hash, error) {
	var h Hash
	b, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return h, fmt.Errorf("invalid tx hash %q: %w", s, err)
	}
	if len(b) != len(h) {
		return h, fmt.Errorf("invalid tx hash %q: expected %d bytes, got %d", s, len(h), len(b))
	}
	copy(h[:], b)
	return h, nil
}

// Tx is a transaction as submitted to the sequencer.
type Tx struct {
	Kind       Kind                   `cbor:"1,keyasint"`
	Deployment *sharednote.Instance   `cbor:"2,keyasint,omitempty"`
	Transition *sharednote.Transition `cbor:"3,keyasint,omitempty"`
	Proof      []byte                 `cbor:"4,keyasint,omitempty"`
	Nonce      [16]byte               `cbor:"5,keyasint"`
}

// NewDeployTx wraps a contract deployment.
func NewDeployTx(inst *sharednote.Instance) (*Tx, error) {
	tx := &Tx{Kind: KindDeploy, Deployment: inst}
	return tx, tx.fillNonce()
}

// NewTransitionTx wraps a contract transition and its proof.
func NewTransitionTx(t *sharednote.Transition, proof []byte) (*Tx, error) {
	tx := &Tx{Transition: t, Proof: proof}
	switch t.Op {
	case sharednote.OpCreate:
		tx.Kind = KindCreate
	case sharednote.OpRedeem:
		tx.Kind = KindRedeem
	default:
		return nil, fmt.Errorf("%w: unknown operation %d", ErrMalformedTx, t.Op)
	}
	return tx, tx.fillNonce()
}

func (tx *Tx) fillNonce() error {
	if _, err := rand.Read(tx.Nonce[:]); err != nil {
		return fmt.Errorf("tx nonce: %w", err)
	}
	return nil
}

// Hash returns the BLAKE3 hash of the deterministic CBOR encoding.
func (tx *Tx) Hash() Hash {
	b, err := sharednote.MarshalCBOR(tx)
	if err != nil {
		panic(fmt.Sprintf("ledger: encode tx: %v", err))
	}
	return blake3.Sum256(b)
}

// validate checks the structural shape of tx. It does not look at ledger state.
func (tx *Tx) validate() error {
	switch tx.Kind {
	case KindDeploy:
		if tx.Deployment == nil || tx.Transition != nil {
			return fmt.Errorf("%w: deploy without deployment", ErrMalformedTx)
		}
		if err := tx.Deployment.Verify(); err != nil {
			return fmt.Errorf("%w: %v", ErrMalformedTx, err)
		}
	case KindCreate, KindRedeem:
		t := tx.Transition
		if t == nil || tx.Deployment != nil {
			return fmt.Errorf("%w: %s without transition", ErrMalformedTx, tx.Kind)
		}
		if (tx.Kind == KindCreate) != (t.Op == sharednote.OpCreate) {
			return fmt.Errorf("%w: kind %s does not match operation %s", ErrMalformedTx, tx.Kind, t.Op)
		}
		e := t.Effects
		if tx.Kind == KindCreate && (len(e.NoteHashes) != 1 || len(e.Nullifiers) != 1 || len(e.Logs) != 2) {
			return fmt.Errorf("%w: create must emit 1 note hash, 1 nullifier and 2 logs", ErrMalformedTx)
		}
		if tx.Kind == KindRedeem && (len(e.NoteHashes) != 0 || len(e.Nullifiers) != 2 || len(e.Logs) != 0) {
			return fmt.Errorf("%w: redeem must emit exactly 2 nullifiers", ErrMalformedTx)
		}
		if tx.Kind == KindCreate && e.NoteHashes[0] != t.Commitment {
			return fmt.Errorf("%w: note hash does not match commitment", ErrMalformedTx)
		}
		if tx.Kind == KindRedeem && e.Nullifiers[0] == e.Nullifiers[1] {
			return fmt.Errorf("%w: duplicate nullifier", ErrMalformedTx)
		}
	default:
		return fmt.Errorf("%w: unknown kind %d", ErrMalformedTx, tx.Kind)
	}
	return nil
}

// Status of a transaction.
type Status uint8

const (
	StatusPending Status = iota
	StatusSuccess
	StatusReverted
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusSuccess:
		return "success"
	case StatusReverted:
		return "reverted"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Status) UnmarshalText(text []byte) error {
	for _, c := range []Status{StatusPending, StatusSuccess, StatusReverted} {
		if c.String() == string(text) {
			*s = c
			return nil
		}
	}
	return fmt.Errorf("unknown transaction status %q", text)
}

// Receipt is the outcome of a transaction. Effects are only recorded for successful
// transactions.
type Receipt struct {
	TxHash       Hash                        `cbor:"1,keyasint" json:"tx_hash"`
	Kind         Kind                        `cbor:"2,keyasint" json:"kind"`
	Status       Status                      `cbor:"3,keyasint" json:"status"`
	RevertReason string                      `cbor:"4,keyasint,omitempty" json:"revert_reason,omitempty"`
	Block        uint64                      `cbor:"5,keyasint" json:"block"`
	Contract     sharednote.Address          `cbor:"6,keyasint" json:"contract"`
	NoteHashes   []sharednote.Commitment     `cbor:"7,keyasint" json:"note_hashes"`
	Nullifiers   []sharednote.Nullifier      `cbor:"8,keyasint" json:"nullifiers"`
	Logs         []*sharednote.EncryptedNote `cbor:"9,keyasint" json:"logs"`
	Finalized    bool                        `cbor:"-" json:"finalized"`
}

// LogEntry is one encrypted log as seen by note scanners.
type LogEntry struct {
	TxHash   Hash                      `cbor:"1,keyasint" json:"tx_hash"`
	Block    uint64                    `cbor:"2,keyasint" json:"block"`
	Index    uint32                    `cbor:"3,keyasint" json:"index"`
	Contract sharednote.Address        `cbor:"4,keyasint" json:"contract"`
	Log      *sharednote.EncryptedNote `cbor:"5,keyasint" json:"log"`
}

// Block is a header of included transactions.
type Block struct {
	Number   uint64 `cbor:"1,keyasint" json:"number"`
	Time     int64  `cbor:"2,keyasint" json:"time"`
	TxHashes []Hash `cbor:"3,keyasint" json:"tx_hashes"`
}
