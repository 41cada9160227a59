package client

import (
	"context"
	"fmt"

	"notesharing/internal/ledger"
	"notesharing/internal/sharednote"
	"notesharing/internal/transactions/create"
	"notesharing/internal/transactions/redeem"
)

// Contract is a handle to a shared note contract instance, bound to the wallet that
// calls it.
type Contract struct {
	client   *Client
	instance *sharednote.Instance
	wallet   *Wallet
}

// Address returns the instance address.
func (k *Contract) Address() sharednote.Address { return k.instance.Address }

// Instance returns the deployment record.
func (k *Contract) Instance() *sharednote.Instance { return k.instance }

// WithWallet returns a handle to the same instance acting as w.
func (k *Contract) WithWallet(w *Wallet) *Contract {
	return &Contract{client: k.client, instance: k.instance, wallet: w}
}

// CreateAndShareNote prepares create_and_share_note(recipient).
func (k *Contract) CreateAndShareNote(recipient sharednote.Address) *Interaction {
	return &Interaction{contract: k, method: "create_and_share_note", build: func() (*sharednote.Transition, error) {
		pk, err := k.client.PublicKey(recipient)
		if err != nil {
			return nil, err
		}
		c := k.instance.Contract()
		slot, err := k.client.ledger.Slot(c.SlotKey(k.wallet.Address(), recipient))
		if err != nil {
			return nil, err
		}
		_, t, err := c.CreateAndShareNote(slot, k.wallet.Account, recipient, pk)
		return t, err
	}}
}

// RedeemByRecipient prepares bob_action(sender): the recipient consumes the note.
func (k *Contract) RedeemByRecipient(sender sharednote.Address) *Interaction {
	return k.redeem("redeem_by_recipient", sharednote.RoleRecipient, sender)
}

// RedeemBySender prepares alice_action(recipient): the sender consumes the note.
func (k *Contract) RedeemBySender(recipient sharednote.Address) *Interaction {
	return k.redeem("redeem_by_sender", sharednote.RoleSender, recipient)
}

func (k *Contract) redeem(method string, role sharednote.Role, counterparty sharednote.Address) *Interaction {
	return &Interaction{contract: k, method: method, build: func() (*sharednote.Transition, error) {
		if _, err := k.client.Sync(k.wallet); err != nil {
			return nil, err
		}
		c := k.instance.Contract()
		slot, err := k.client.ledger.Slot(c.KeyFor(role, k.wallet.Address(), counterparty))
		if err != nil {
			return nil, err
		}
		var copies []*sharednote.EncryptedNote
		if slot.State() == sharednote.StateShared {
			if owned, ok := k.wallet.Note(slot.Note.Commitment); ok {
				copies = owned.Copies
			}
		}
		var t *sharednote.Transition
		if role == sharednote.RoleRecipient {
			_, t, err = c.RedeemByRecipient(slot, k.wallet.Account, counterparty, copies)
		} else {
			_, t, err = c.RedeemBySender(slot, k.wallet.Account, counterparty, copies)
		}
		return t, err
	}}
}

// Interaction is a prepared contract call.
type Interaction struct {
	contract *Contract
	method   string
	build    func() (*sharednote.Transition, error)
}

// Simulate executes the call against the latest ledger view without submitting it, then
// dry-runs the resulting transaction through the ledger's inclusion checks. Protocol
// reverts are returned as sharednote sentinels, inclusion rejections as ledger ones.
func (i *Interaction) Simulate(ctx context.Context) (*sharednote.Transition, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t, err := i.build()
	if err != nil {
		return nil, fmt.Errorf("simulate %s: %w", i.method, err)
	}
	tx, err := ledger.NewTransitionTx(t, nil)
	if err != nil {
		return nil, fmt.Errorf("simulate %s: %w", i.method, err)
	}
	if err := i.contract.client.ledger.Check(tx); err != nil {
		return nil, fmt.Errorf("simulate %s: %w", i.method, err)
	}
	return t, nil
}

// Send executes the call, proves it if proving is enabled and submits the transition.
// Preconditions are checked again at inclusion; use SentTx.Wait for the outcome.
func (i *Interaction) Send(ctx context.Context) (*SentTx, error) {
	t, err := i.Simulate(ctx)
	if err != nil {
		return nil, err
	}
	k := i.contract
	var proof []byte
	if k.client.Proving() {
		if t.Op == sharednote.OpCreate {
			proof, err = create.Prove(k.client.cfg.CreateKeys, t, k.wallet.Account)
		} else {
			proof, err = redeem.Prove(k.client.cfg.RedeemKeys, t, k.wallet.Account)
		}
		if err != nil {
			return nil, fmt.Errorf("prove %s: %w", i.method, err)
		}
	}
	tx, err := ledger.NewTransitionTx(t, proof)
	if err != nil {
		return nil, err
	}
	h, err := k.client.seq.Submit(tx)
	if err != nil {
		return nil, fmt.Errorf("send %s: %w", i.method, err)
	}
	k.client.log.Info().Str("wallet", k.wallet.Name).Str("method", i.method).
		Stringer("contract", k.Address()).Stringer("tx", h).Msg("transaction sent")
	return &SentTx{client: k.client, Hash: h, wallet: k.wallet}, nil
}
