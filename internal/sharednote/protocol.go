// protocol.go - Shared note state machine.
//
// A slot is Empty or Shared. Creation moves Empty -> Shared, redemption moves Shared -> Empty.
// The contract methods run client-side against the caller's latest view and produce a
// Transition; Apply re-evaluates the same preconditions against the ledger's slot at
// inclusion time.

package sharednote

import (
	"fmt"

	bls12377 "github.com/consensys/gnark-crypto/ecc/bls12-377"
)

// State of a slot.
type State uint8

const (
	StateEmpty State = iota
	StateShared
)

func (s State) String() string {
	switch s {
	case StateEmpty:
		return "empty"
	case StateShared:
		return "shared"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// Role of the redeeming party.
type Role uint8

const (
	RoleSender Role = iota
	RoleRecipient
)

func (r Role) String() string {
	if r == RoleSender {
		return "sender"
	}
	return "recipient"
}

// Operation is the kind of a Transition.
type Operation uint8

const (
	OpCreate Operation = iota + 1
	OpRedeem
)

func (o Operation) String() string {
	switch o {
	case OpCreate:
		return "create_and_share_note"
	case OpRedeem:
		return "redeem"
	default:
		return fmt.Sprintf("op(%d)", uint8(o))
	}
}

// Scope decides how many outstanding notes a contract instance may hold.
type Scope uint8

const (
	// ScopeInstance allows one outstanding note per contract instance.
	ScopeInstance Scope = iota
	// ScopePair allows one outstanding note per directed (sender, recipient) pair.
	ScopePair
)

func (s Scope) String() string {
	if s == ScopePair {
		return "pair"
	}
	return "instance"
}

// MarshalText implements encoding.TextMarshaler.
func (s Scope) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Scope) UnmarshalText(text []byte) error {
	parsed, err := ParseScope(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// ParseScope parses "instance" or "pair".
func ParseScope(s string) (Scope, error) {
	switch s {
	case "", "instance":
		return ScopeInstance, nil
	case "pair":
		return ScopePair, nil
	default:
		return 0, fmt.Errorf("unknown slot scope %q", s)
	}
}

// NoteRef is what a Shared slot points at.
type NoteRef struct {
	Commitment Commitment `cbor:"1,keyasint"`
}

// Slot tracks the outstanding note, if any. The zero value is Empty.
type Slot struct {
	Note *NoteRef `cbor:"1,keyasint,omitempty"`
}

// State returns Empty or Shared.
func (s Slot) State() State {
	if s.Note == nil {
		return StateEmpty
	}
	return StateShared
}

// Effects are the ledger writes of one transition.
type Effects struct {
	NoteHashes []Commitment     `cbor:"1,keyasint"`
	Nullifiers []Nullifier      `cbor:"2,keyasint"`
	Logs       []*EncryptedNote `cbor:"3,keyasint"`
}

// Transition is the public result of running a contract method.
type Transition struct {
	Op         Operation  `cbor:"1,keyasint"`
	Instance   Address    `cbor:"2,keyasint"`
	Key        SlotKey    `cbor:"3,keyasint"`
	Commitment Commitment `cbor:"4,keyasint"`
	Effects    Effects    `cbor:"5,keyasint"`
	Scope      Scope      `cbor:"6,keyasint"`

	// note is the private witness; it never leaves the client.
	note *SharedNote
}

// Note returns the plaintext note the transition was built from. It is nil for
// transitions decoded from the ledger.
func (t *Transition) Note() *SharedNote { return t.note }

// Contract is one deployed instance of the shared note contract.
type Contract struct {
	Instance Address
	Scope    Scope
}

// SlotKey returns the slot that tracks notes from sender to recipient.
func (c *Contract) SlotKey(sender, recipient Address) SlotKey {
	var k SlotKey
	if c.Scope == ScopeInstance {
		copy(k[:], c.Instance[:])
		return k
	}
	copy(k[:], mimcSum(DomainSlot, c.Instance[:], sender[:], recipient[:]))
	return k
}

// KeyFor returns the slot a party acting in role would redeem from.
func (c *Contract) KeyFor(role Role, caller, counterparty Address) SlotKey {
	if role == RoleSender {
		return c.SlotKey(caller, counterparty)
	}
	return c.SlotKey(counterparty, caller)
}

// CreateAndShareNote creates a note from caller to recipient and seals one copy to each.
func (c *Contract) CreateAndShareNote(slot Slot, caller *Account, recipient Address, recipientKey *bls12377.G1Affine) (Slot, *Transition, error) {
	if slot.State() != StateEmpty {
		return slot, nil, ErrNoteAlreadyExists
	}
	note, err := NewSharedNote(caller.Address, recipient)
	if err != nil {
		return slot, nil, err
	}
	senderCopy, err := Seal(note, &caller.Pk)
	if err != nil {
		return slot, nil, fmt.Errorf("seal sender copy: %w", err)
	}
	recipientCopy, err := Seal(note, recipientKey)
	if err != nil {
		return slot, nil, fmt.Errorf("seal recipient copy: %w", err)
	}
	cm := note.Commitment()
	t := &Transition{
		Op:         OpCreate,
		Instance:   c.Instance,
		Key:        c.SlotKey(caller.Address, recipient),
		Commitment: cm,
		Scope:      c.Scope,
		Effects: Effects{
			NoteHashes: []Commitment{cm},
			Nullifiers: []Nullifier{CreationNullifier(cm)},
			Logs:       []*EncryptedNote{senderCopy, recipientCopy},
		},
		note: note,
	}
	return Slot{Note: &NoteRef{Commitment: cm}}, t, nil
}

// RedeemByRecipient consumes the note sent to caller by allegedSender.
func (c *Contract) RedeemByRecipient(slot Slot, caller *Account, allegedSender Address, copies []*EncryptedNote) (Slot, *Transition, error) {
	return c.redeem(slot, caller, allegedSender, RoleRecipient, copies)
}

// RedeemBySender consumes the note caller sent to allegedRecipient.
func (c *Contract) RedeemBySender(slot Slot, caller *Account, allegedRecipient Address, copies []*EncryptedNote) (Slot, *Transition, error) {
	return c.redeem(slot, caller, allegedRecipient, RoleSender, copies)
}

func (c *Contract) redeem(slot Slot, caller *Account, counterparty Address, role Role, copies []*EncryptedNote) (Slot, *Transition, error) {
	if slot.State() != StateShared {
		return slot, nil, ErrNoteNotFound
	}
	note, ok := OpenAny(copies, &caller.Sk)
	if !ok {
		return slot, nil, ErrNoteNotFound
	}
	sender, recipient := caller.Address, counterparty
	if role == RoleRecipient {
		sender, recipient = counterparty, caller.Address
	}
	if note.Sender != sender || note.Recipient != recipient {
		return slot, nil, ErrNoteNotFound
	}
	cm := note.Commitment()
	if cm != slot.Note.Commitment {
		return slot, nil, ErrNoteNotFound
	}
	nullifiers := DeriveNullifiers(note)
	t := &Transition{
		Op:         OpRedeem,
		Instance:   c.Instance,
		Key:        c.SlotKey(sender, recipient),
		Commitment: cm,
		Scope:      c.Scope,
		Effects: Effects{
			NoteHashes: []Commitment{},
			Nullifiers: nullifiers[:],
			Logs:       []*EncryptedNote{},
		},
		note: note,
	}
	return Slot{}, t, nil
}

// Apply re-evaluates a transition's slot precondition and returns the next slot.
func Apply(slot Slot, t *Transition) (Slot, error) {
	switch t.Op {
	case OpCreate:
		if slot.State() != StateEmpty {
			return slot, ErrNoteAlreadyExists
		}
		return Slot{Note: &NoteRef{Commitment: t.Commitment}}, nil
	case OpRedeem:
		if slot.State() != StateShared || slot.Note.Commitment != t.Commitment {
			return slot, ErrNoteNotFound
		}
		return Slot{}, nil
	default:
		return slot, fmt.Errorf("unknown operation %d", t.Op)
	}
}
