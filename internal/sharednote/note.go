// note.go - SharedNote type for the shared note protocol.
//
// A SharedNote binds a sender, a recipient and a random shared key nullifier. It is never
// mutated; it lives on the ledger as one commitment and two sealed copies.

package sharednote

import (
	"fmt"

	"github.com/consensys/gnark-crypto/ecc/bls12-377/fr"
)

// SharedNote is the plaintext of a shared note.
type SharedNote struct {
	Sender             Address
	Recipient          Address
	SharedKeyNullifier fr.Element
}

// NewSharedNote creates a note from sender to recipient with a fresh shared key nullifier.
func NewSharedNote(sender, recipient Address) (*SharedNote, error) {
	n := &SharedNote{Sender: sender, Recipient: recipient}
	if _, err := n.SharedKeyNullifier.SetRandom(); err != nil {
		return nil, fmt.Errorf("sample shared key nullifier: %w", err)
	}
	return n, nil
}

// Commitment returns the note's commitment.
func (n *SharedNote) Commitment() Commitment {
	return Commit(n)
}

// Owners returns the two owners in copy order: sender first, recipient second.
func (n *SharedNote) Owners() [2]Address {
	return [2]Address{n.Sender, n.Recipient}
}

// Owns reports whether a is the sender or the recipient.
func (n *SharedNote) Owns(a Address) bool {
	return n.Sender == a || n.Recipient == a
}

// Equal reports whether both notes carry the same logical fields.
func (n *SharedNote) Equal(o *SharedNote) bool {
	if n == nil || o == nil {
		return n == o
	}
	return n.Sender == o.Sender && n.Recipient == o.Recipient && n.SharedKeyNullifier.Equal(&o.SharedKeyNullifier)
}
