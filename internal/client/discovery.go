package client

import (
	"context"
	"fmt"
	"time"

	"notesharing/internal/ledger"
	"notesharing/internal/sharednote"
)

// Sync scans finalized logs since the wallet's cursor and records every copy the wallet
// can open of a note naming it as an owner. It marks a note spent once one of its copy
// nullifiers has landed or its slot no longer holds it. It returns the number of newly
// discovered notes.
func (c *Client) Sync(w *Wallet) (int, error) {
	entries, next, err := c.ledger.LogsFrom(w.Cursor())
	if err != nil {
		return 0, err
	}
	found := 0
	for _, e := range entries {
		note, ok := sharednote.Open(e.Log, &w.Account.Sk)
		if !ok {
			continue
		}
		if !note.Owns(w.Address()) {
			c.log.Warn().Str("wallet", w.Name).Stringer("tx", e.TxHash).Msg("ignoring note that does not name the wallet")
			continue
		}
		if w.addCopy(e, note) {
			found++
			c.log.Debug().Str("wallet", w.Name).Stringer("commitment", note.Commitment()).Uint64("block", e.Block).Msg("note discovered")
		}
	}
	w.setCursor(next)

	for _, n := range w.unspent() {
		spent, err := c.consumed(n, w.Address())
		if err != nil {
			return found, err
		}
		if spent {
			w.markSpent(n.Commitment)
		}
	}
	return found, nil
}

// consumed reports whether n can no longer be redeemed.
func (c *Client) consumed(n *OwnedNote, owner sharednote.Address) (bool, error) {
	if nf, ok := sharednote.NullifierFor(n.Note, owner); ok {
		spent, err := c.ledger.HasNullifier(nf)
		if err != nil || spent {
			return spent, err
		}
	}
	inst, err := c.instance(n.Contract)
	if err != nil {
		return false, err
	}
	slot, err := c.ledger.Slot(inst.Contract().SlotKey(n.Note.Sender, n.Note.Recipient))
	if err != nil {
		return false, err
	}
	return slot.State() != sharednote.StateShared || slot.Note.Commitment != n.Commitment, nil
}

// Notes syncs w and returns its unspent notes in contract.
func (c *Client) Notes(w *Wallet, contract sharednote.Address) ([]*OwnedNote, error) {
	if _, err := c.Sync(w); err != nil {
		return nil, err
	}
	return w.Notes(contract), nil
}

// WaitForNotes polls until the logs of tx are final and scanned into w, and returns the
// notes w discovered in it. The wait is bounded by ctx and by DiscoveryTimeout.
func (c *Client) WaitForNotes(ctx context.Context, w *Wallet, tx ledger.Hash) ([]*OwnedNote, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.DiscoveryTimeout)
	defer cancel()
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()
	for {
		r, err := c.ledger.Receipt(tx)
		if err == nil && r.Finalized {
			if _, err := c.Sync(w); err != nil {
				return nil, err
			}
			var out []*OwnedNote
			for _, cm := range r.NoteHashes {
				if n, ok := w.Note(cm); ok {
					out = append(out, n)
				}
			}
			return out, nil
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("wait for notes of %s: %w", tx, ctx.Err())
		case <-ticker.C:
		}
	}
}
