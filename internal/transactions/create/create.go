package create

import (
	"errors"
	"math/big"

	"github.com/consensys/gnark-crypto/ecc/bls12-377/fr"
	"github.com/consensys/gnark/backend/groth16"

	"notesharing/internal/sharednote"
	"notesharing/internal/transactions"
)

// KeyName prefixes the key files of this circuit.
const KeyName = "create"

// Setup compiles the circuit and loads or generates its keys in dir.
func Setup(dir string) (*transactions.Keys, error) {
	return transactions.Setup(&Circuit{}, dir, KeyName)
}

// Assign builds the full witness for a creation by sender.
func Assign(t *sharednote.Transition, senderSk *fr.Element) *Circuit {
	note := t.Note()
	w := Public(t)
	w.SenderSk = senderSk.BigInt(new(big.Int))
	w.Recipient = transactions.Field(note.Recipient[:])
	w.SharedKeyNullifier = note.SharedKeyNullifier.BigInt(new(big.Int))
	return w
}

// Public builds the public witness of a create transition.
func Public(t *sharednote.Transition) *Circuit {
	nf := sharednote.CreationNullifier(t.Commitment)
	return &Circuit{
		Commitment:        transactions.Field(t.Commitment[:]),
		CreationNullifier: transactions.Field(nf[:]),
		Instance:          transactions.Field(t.Instance[:]),
		Scope:             uint8(t.Scope),
		SlotKey:           transactions.Field(t.Key[:]),
		G:                 transactions.GnarkPoint(*sharednote.Generator()),
	}
}

// Prove proves a create transition. The transition must carry its plaintext note.
func Prove(keys *transactions.Keys, t *sharednote.Transition, sender *sharednote.Account) ([]byte, error) {
	if t.Note() == nil {
		return nil, errors.New("create: transition has no witness")
	}
	return transactions.Prove(keys, Assign(t, &sender.Sk))
}

// Verify checks proof against the transition's public effects.
func Verify(vk groth16.VerifyingKey, t *sharednote.Transition, proof []byte) error {
	if len(t.Effects.NoteHashes) != 1 || len(t.Effects.Nullifiers) != 1 {
		return errors.New("create: unexpected effect shape")
	}
	if t.Effects.NoteHashes[0] != t.Commitment || t.Effects.Nullifiers[0] != sharednote.CreationNullifier(t.Commitment) {
		return errors.New("create: effects do not match commitment")
	}
	return transactions.Verify(vk, Public(t), proof)
}
