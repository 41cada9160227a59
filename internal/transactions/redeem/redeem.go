package redeem

import (
	"errors"
	"math/big"

	"github.com/consensys/gnark-crypto/ecc/bls12-377/fr"
	"github.com/consensys/gnark/backend/groth16"
	"github.com/consensys/gnark/frontend"

	"notesharing/internal/sharednote"
	"notesharing/internal/transactions"
)

// KeyName prefixes the key files of this circuit.
const KeyName = "redeem"

// Setup compiles the circuit and loads or generates its keys in dir.
func Setup(dir string) (*transactions.Keys, error) {
	return transactions.Setup(&Circuit{}, dir, KeyName)
}

// Assign builds the full witness for a redemption by the owner holding ownerSk.
func Assign(t *sharednote.Transition, ownerSk *fr.Element) *Circuit {
	note := t.Note()
	w := Public(t)
	w.OwnerSk = ownerSk.BigInt(new(big.Int))
	w.Sender = transactions.Field(note.Sender[:])
	w.Recipient = transactions.Field(note.Recipient[:])
	w.SharedKeyNullifier = note.SharedKeyNullifier.BigInt(new(big.Int))
	return w
}

// Public builds the public witness of a redeem transition. Callers check the effect
// shape first.
func Public(t *sharednote.Transition) *Circuit {
	var nfs [2]frontend.Variable
	for i := range nfs {
		nfs[i] = 0
		if i < len(t.Effects.Nullifiers) {
			nfs[i] = transactions.Field(t.Effects.Nullifiers[i][:])
		}
	}
	return &Circuit{
		Commitment: transactions.Field(t.Commitment[:]),
		Nullifiers: nfs,
		Instance:   transactions.Field(t.Instance[:]),
		Scope:      uint8(t.Scope),
		SlotKey:    transactions.Field(t.Key[:]),
		G:          transactions.GnarkPoint(*sharednote.Generator()),
	}
}

// Prove proves a redeem transition on behalf of owner.
func Prove(keys *transactions.Keys, t *sharednote.Transition, owner *sharednote.Account) ([]byte, error) {
	if t.Note() == nil {
		return nil, errors.New("redeem: transition has no witness")
	}
	return transactions.Prove(keys, Assign(t, &owner.Sk))
}

// Verify checks proof against the transition's public effects.
func Verify(vk groth16.VerifyingKey, t *sharednote.Transition, proof []byte) error {
	if len(t.Effects.Nullifiers) != 2 || len(t.Effects.NoteHashes) != 0 {
		return errors.New("redeem: unexpected effect shape")
	}
	return transactions.Verify(vk, Public(t), proof)
}
