package redeem

import (
	"github.com/consensys/gnark/frontend"
	"github.com/consensys/gnark/std/algebra/native/sw_bls12377"

	"notesharing/internal/sharednote"
	"notesharing/internal/transactions"
)

// Circuit proves that a redemption was built by one of the two owners of the committed
// note, and that the two published nullifiers are the note's copy nullifiers.
type Circuit struct {
	// ====== PUBLIC VARIABLES ======
	Commitment frontend.Variable    `gnark:",public"`
	Nullifiers [2]frontend.Variable `gnark:",public"`
	Instance   frontend.Variable    `gnark:",public"`
	Scope      frontend.Variable    `gnark:",public"`
	SlotKey    frontend.Variable    `gnark:",public"`
	G          sw_bls12377.G1Affine `gnark:",public"`

	// ====== PRIVATE VARIABLES ======
	OwnerSk            frontend.Variable
	Sender             frontend.Variable
	Recipient          frontend.Variable
	SharedKeyNullifier frontend.Variable
}

// Define implements the circuit constraints for redemption.
func (c *Circuit) Define(api frontend.API) error {
	// 1) commitment opening
	cm := transactions.Commitment(api, c.Sender, c.Recipient, c.SharedKeyNullifier)
	api.AssertIsEqual(c.Commitment, cm)

	// 2) the prover is the sender or the recipient
	owner := transactions.Address(api, c.G, c.OwnerSk)
	api.AssertIsEqual(api.Mul(api.Sub(owner, c.Sender), api.Sub(owner, c.Recipient)), 0)

	// 3) n_i = MiMC(cm, skn, owner_i, i)
	for i, o := range []frontend.Variable{c.Sender, c.Recipient} {
		nf := transactions.Hash(api, sharednote.DomainNullifier, cm, c.SharedKeyNullifier, o, i)
		api.AssertIsEqual(c.Nullifiers[i], nf)
	}

	// 4) the slot being emptied is the note's slot
	api.AssertIsEqual(c.SlotKey, transactions.SlotKey(api, c.Instance, c.Scope, c.Sender, c.Recipient))
	return nil
}
