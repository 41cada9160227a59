package redeem

import (
	"testing"

	"github.com/consensys/gnark-crypto/ecc"
	"github.com/consensys/gnark/test"
	"github.com/stretchr/testify/require"

	"notesharing/internal/sharednote"
	"notesharing/internal/transactions"
)

type fixture struct {
	alice, bob, eve *sharednote.Account
	contract        *sharednote.Contract
	slot            sharednote.Slot
	created         *sharednote.Transition
	redeemed        *sharednote.Transition
}

func newFixture(t *testing.T, scope sharednote.Scope) *fixture {
	t.Helper()
	f := &fixture{}
	var err error
	for _, acct := range []**sharednote.Account{&f.alice, &f.bob, &f.eve} {
		*acct, err = sharednote.NewAccount()
		require.NoError(t, err)
	}
	f.contract = &sharednote.Contract{Instance: f.alice.Address, Scope: scope}
	f.slot, f.created, err = f.contract.CreateAndShareNote(sharednote.Slot{}, f.alice, f.bob.Address, &f.bob.Pk)
	require.NoError(t, err)
	_, f.redeemed, err = f.contract.RedeemByRecipient(f.slot, f.bob, f.alice.Address, f.created.Effects.Logs)
	require.NoError(t, err)
	return f
}

func TestCircuitSolvedByEitherOwner(t *testing.T) {
	for _, scope := range []sharednote.Scope{sharednote.ScopeInstance, sharednote.ScopePair} {
		f := newFixture(t, scope)
		for name, acct := range map[string]*sharednote.Account{"sender": f.alice, "recipient": f.bob} {
			t.Run(scope.String()+"/"+name, func(t *testing.T) {
				err := test.IsSolved(&Circuit{}, Assign(f.redeemed, &acct.Sk), ecc.BW6_761.ScalarField())
				require.NoError(t, err)
			})
		}
	}
}

func TestCircuitRejectsThirdParty(t *testing.T) {
	f := newFixture(t, sharednote.ScopeInstance)
	err := test.IsSolved(&Circuit{}, Assign(f.redeemed, &f.eve.Sk), ecc.BW6_761.ScalarField())
	require.Error(t, err)
}

func TestCircuitRejectsSwappedNullifiers(t *testing.T) {
	f := newFixture(t, sharednote.ScopeInstance)
	w := Assign(f.redeemed, &f.bob.Sk)
	w.Nullifiers[0], w.Nullifiers[1] = w.Nullifiers[1], w.Nullifiers[0]
	require.Error(t, test.IsSolved(&Circuit{}, w, ecc.BW6_761.ScalarField()))
}

func TestCircuitRejectsForeignSlot(t *testing.T) {
	f := newFixture(t, sharednote.ScopePair)
	w := Assign(f.redeemed, &f.bob.Sk)
	other := f.contract.SlotKey(f.bob.Address, f.alice.Address)
	w.SlotKey = transactions.Field(other[:])
	require.Error(t, test.IsSolved(&Circuit{}, w, ecc.BW6_761.ScalarField()))
}

func TestProveVerify(t *testing.T) {
	if testing.Short() {
		t.Skip("groth16 setup is slow")
	}
	require := require.New(t)
	f := newFixture(t, sharednote.ScopeInstance)

	keys, err := Setup("")
	require.NoError(err)
	proof, err := Prove(keys, f.redeemed, f.bob)
	require.NoError(err)
	require.NoError(Verify(keys.VK, f.redeemed, proof))

	tampered := *f.redeemed
	tampered.Effects.Nullifiers = []sharednote.Nullifier{f.redeemed.Effects.Nullifiers[1], f.redeemed.Effects.Nullifiers[0]}
	require.Error(Verify(keys.VK, &tampered, proof))
}
