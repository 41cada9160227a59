package create

import (
	"github.com/consensys/gnark/frontend"
	"github.com/consensys/gnark/std/algebra/native/sw_bls12377"

	"notesharing/internal/sharednote"
	"notesharing/internal/transactions"
)

// Circuit proves that a create_and_share_note transition was built by the note's sender:
// the prover knows sk with MiMC(sk·G) = sender, and the public commitment and creation
// nullifier open to (sender, recipient, skn) stored under the right slot.
type Circuit struct {
	// ====== PUBLIC VARIABLES ======
	Commitment        frontend.Variable    `gnark:",public"`
	CreationNullifier frontend.Variable    `gnark:",public"`
	Instance          frontend.Variable    `gnark:",public"`
	Scope             frontend.Variable    `gnark:",public"`
	SlotKey           frontend.Variable    `gnark:",public"`
	G                 sw_bls12377.G1Affine `gnark:",public"`

	// ====== PRIVATE VARIABLES ======
	SenderSk           frontend.Variable
	Recipient          frontend.Variable
	SharedKeyNullifier frontend.Variable
}

// Define implements the circuit constraints for note creation.
func (c *Circuit) Define(api frontend.API) error {
	// 1) sender address from the secret key
	sender := transactions.Address(api, c.G, c.SenderSk)

	// 2) cm = MiMC(sender, recipient, skn)
	cm := transactions.Commitment(api, sender, c.Recipient, c.SharedKeyNullifier)
	api.AssertIsEqual(c.Commitment, cm)

	// 3) creation nullifier
	nf := transactions.Hash(api, sharednote.DomainCreation, cm)
	api.AssertIsEqual(c.CreationNullifier, nf)

	// 4) the note lands in the slot of (sender, recipient)
	api.AssertIsEqual(c.SlotKey, transactions.SlotKey(api, c.Instance, c.Scope, sender, c.Recipient))
	return nil
}
