package sharednote

import (
	"encoding/hex"
	"fmt"
	"strings"

	bw6761fr "github.com/consensys/gnark-crypto/ecc/bw6-761/fr"
)

// HashSize is the byte length of a MiMC digest over the BW6-761 scalar field.
const HashSize = bw6761fr.Bytes

// AddressSize is the byte length of an Address.
const AddressSize = HashSize

// Address identifies an account or a contract instance.
type Address [AddressSize]byte

// Commitment is the published hash of a SharedNote.
type Commitment [HashSize]byte

// Nullifier marks one physical copy of a note as spent.
type Nullifier [HashSize]byte

// SlotKey names the ledger slot that tracks the outstanding note of a contract.
type SlotKey [HashSize]byte

func (a Address) String() string    { return "0x" + hex.EncodeToString(a[:]) }
func (c Commitment) String() string { return "0x" + hex.EncodeToString(c[:]) }
func (n Nullifier) String() string  { return "0x" + hex.EncodeToString(n[:]) }
func (k SlotKey) String() string    { return "0x" + hex.EncodeToString(k[:]) }

// IsZero reports whether a is the zero address.
func (a Address) IsZero() bool { return a == Address{} }

// MarshalText implements encoding.TextMarshaler.
func (a Address) MarshalText() ([]byte, error) { return []byte(a.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *Address) UnmarshalText(text []byte) error {
	parsed, err := AddressFromHex(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// AddressFromHex parses a 0x-prefixed (or bare) hex address. The address must be a
// canonical BW6-761 scalar field element so it can be hashed with MiMC.
func AddressFromHex(s string) (Address, error) {
	var a Address
	b, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return a, fmt.Errorf("invalid address %q: %w", s, err)
	}
	if len(b) != AddressSize {
		return a, fmt.Errorf("invalid address %q: expected %d bytes, got %d", s, AddressSize, len(b))
	}
	copy(a[:], b)
	if !isFieldElement(a[:]) {
		return a, fmt.Errorf("invalid address %q: not a field element", s)
	}
	return a, nil
}

// isFieldElement reports whether b is the canonical big-endian encoding of a BW6-761
// scalar field element.
func isFieldElement(b []byte) bool {
	if len(b) != bw6761fr.Bytes {
		return false
	}
	_, err := bw6761fr.BigEndian.Element((*[bw6761fr.Bytes]byte)(b))
	return err == nil
}

// MarshalText implements encoding.TextMarshaler.
func (c Commitment) MarshalText() ([]byte, error) { return []byte(c.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (c *Commitment) UnmarshalText(text []byte) error {
	return decodeHash(string(text), c[:])
}

// MarshalText implements encoding.TextMarshaler.
func (n Nullifier) MarshalText() ([]byte, error) { return []byte(n.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (n *Nullifier) UnmarshalText(text []byte) error {
	return decodeHash(string(text), n[:])
}

// MarshalText implements encoding.TextMarshaler.
func (k SlotKey) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

func decodeHash(s string, dst []byte) error {
	b, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return fmt.Errorf("invalid hash %q: %w", s, err)
	}
	if len(b) != len(dst) {
		return fmt.Errorf("invalid hash %q: expected %d bytes, got %d", s, len(dst), len(b))
	}
	copy(dst, b)
	return nil
}
