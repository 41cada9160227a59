package transactions

import (
	"github.com/consensys/gnark/frontend"
	"github.com/consensys/gnark/std/algebra/native/sw_bls12377"
	"github.com/consensys/gnark/std/hash/mimc"

	"notesharing/internal/sharednote"
)

// Hash is the in-circuit counterpart of the native domain-separated MiMC.
func Hash(api frontend.API, domain uint64, inputs ...frontend.Variable) frontend.Variable {
	hasher, _ := mimc.NewMiMC(api)
	hasher.Write(domain)
	hasher.Write(inputs...)
	return hasher.Sum()
}

// Address derives the address of sk·g inside the circuit.
func Address(api frontend.API, g sw_bls12377.G1Affine, sk frontend.Variable) frontend.Variable {
	pk := new(sw_bls12377.G1Affine)
	pk.ScalarMul(api, g, sk)
	return Hash(api, sharednote.DomainAddress, pk.X, pk.Y)
}

// Commitment recomputes a note commitment inside the circuit.
func Commitment(api frontend.API, sender, recipient, skn frontend.Variable) frontend.Variable {
	return Hash(api, sharednote.DomainCommitment, sender, recipient, skn)
}

// SlotKey recomputes the slot a note lives in. scope is 0 for one slot per instance and
// 1 for one slot per (sender, recipient) pair.
func SlotKey(api frontend.API, instance, scope, sender, recipient frontend.Variable) frontend.Variable {
	api.AssertIsBoolean(scope)
	pair := Hash(api, sharednote.DomainSlot, instance, sender, recipient)
	return api.Select(scope, pair, instance)
}
