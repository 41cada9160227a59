// wallet.go - Per-account note store.
//
// A Wallet holds an account key, the notes the account has discovered and the ledger
// cursor up to which logs have been scanned. It is persisted as JSON, one file per
// account (e.g., alice_wallet.json).

package client

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"slices"
	"sort"
	"strings"
	"sync"

	"github.com/consensys/gnark-crypto/ecc/bls12-377/fr"

	"notesharing/internal/ledger"
	"notesharing/internal/sharednote"
)

// OwnedNote is a discovered note together with the copies delivered for it.
type OwnedNote struct {
	Note       *sharednote.SharedNote      `json:"note"`
	Commitment sharednote.Commitment       `json:"commitment"`
	Contract   sharednote.Address          `json:"contract"`
	TxHash     ledger.Hash                 `json:"tx_hash"`
	Block      uint64                      `json:"block"`
	Copies     []*sharednote.EncryptedNote `json:"copies"`
	Spent      bool                        `json:"spent"`
}

// Wallet stores an account's key and recognized notes.
type Wallet struct {
	Name    string
	Account *sharednote.Account

	mu     sync.Mutex
	cursor uint64
	notes  map[sharednote.Commitment]*OwnedNote
}

// NewWallet creates a wallet with a fresh account key.
func NewWallet(name string) (*Wallet, error) {
	acct, err := sharednote.NewAccount()
	if err != nil {
		return nil, err
	}
	return newWallet(name, acct), nil
}

func newWallet(name string, acct *sharednote.Account) *Wallet {
	return &Wallet{Name: name, Account: acct, notes: make(map[sharednote.Commitment]*OwnedNote)}
}

// Address returns the wallet's account address.
func (w *Wallet) Address() sharednote.Address { return w.Account.Address }

// Cursor returns the next block to scan.
func (w *Wallet) Cursor() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cursor
}

// Note returns a snapshot of the discovered note with commitment cm.
func (w *Wallet) Note(cm sharednote.Commitment) (*OwnedNote, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	n, ok := w.notes[cm]
	if !ok {
		return nil, false
	}
	return n.clone(), true
}

// Notes returns discovered notes of contract that have not been spent, oldest first.
// A zero contract address matches every contract.
func (w *Wallet) Notes(contract sharednote.Address) []*OwnedNote {
	w.mu.Lock()
	defer w.mu.Unlock()
	var out []*OwnedNote
	for _, n := range w.notes {
		if n.Spent || (!contract.IsZero() && n.Contract != contract) {
			continue
		}
		out = append(out, n.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Block < out[j].Block })
	return out
}

// addCopy records a copy of a discovered note. It reports whether the note is new.
func (w *Wallet) addCopy(e ledger.LogEntry, note *sharednote.SharedNote) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	cm := note.Commitment()
	if n, ok := w.notes[cm]; ok {
		for _, c := range n.Copies {
			if bytes.Equal(c.Ciphertext, e.Log.Ciphertext) {
				return false
			}
		}
		n.Copies = append(n.Copies, e.Log)
		return false
	}
	w.notes[cm] = &OwnedNote{
		Note:       note,
		Commitment: cm,
		Contract:   e.Contract,
		TxHash:     e.TxHash,
		Block:      e.Block,
		Copies:     []*sharednote.EncryptedNote{e.Log},
	}
	return true
}

func (n *OwnedNote) clone() *OwnedNote {
	out := *n
	out.Copies = slices.Clone(n.Copies)
	return &out
}

func (w *Wallet) unspent() []*OwnedNote {
	w.mu.Lock()
	defer w.mu.Unlock()
	var out []*OwnedNote
	for _, n := range w.notes {
		if !n.Spent {
			out = append(out, n)
		}
	}
	return out
}

func (w *Wallet) markSpent(cm sharednote.Commitment) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if n, ok := w.notes[cm]; ok {
		n.Spent = true
	}
}

func (w *Wallet) setCursor(c uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if c > w.cursor {
		w.cursor = c
	}
}

type walletFile struct {
	Name   string       `json:"name"`
	Sk     string       `json:"sk"`
	Cursor uint64       `json:"cursor"`
	Notes  []*OwnedNote `json:"notes"`
}

// LoadWallet loads a wallet from a JSON file.
func LoadWallet(path string) (*Wallet, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var wf walletFile
	if err := json.NewDecoder(f).Decode(&wf); err != nil {
		return nil, fmt.Errorf("decode wallet %s: %w", path, err)
	}
	skBytes, err := hex.DecodeString(strings.TrimPrefix(wf.Sk, "0x"))
	if err != nil || len(skBytes) != fr.Bytes {
		return nil, fmt.Errorf("decode wallet %s: invalid secret key", path)
	}
	sk, err := fr.BigEndian.Element((*[fr.Bytes]byte)(skBytes))
	if err != nil {
		return nil, fmt.Errorf("decode wallet %s: %w", path, err)
	}
	w := newWallet(wf.Name, sharednote.AccountFromSecret(&sk))
	w.cursor = wf.Cursor
	for _, n := range wf.Notes {
		w.notes[n.Commitment] = n
	}
	return w, nil
}

// Save saves the wallet to a JSON file.
func (w *Wallet) Save(path string) error {
	w.mu.Lock()
	sk := w.Account.Sk.Bytes()
	wf := walletFile{Name: w.Name, Sk: "0x" + hex.EncodeToString(sk[:]), Cursor: w.cursor}
	for _, n := range w.notes {
		wf.Notes = append(wf.Notes, n)
	}
	sort.Slice(wf.Notes, func(i, j int) bool { return wf.Notes[i].Block < wf.Notes[j].Block })
	data, err := json.MarshalIndent(wf, "", "  ")
	w.mu.Unlock()
	if err != nil {
		return fmt.Errorf("encode wallet %s: %w", w.Name, err)
	}
	return os.WriteFile(path, append(data, '\n'), 0o600)
}
