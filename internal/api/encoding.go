package api

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"

	bls12377 "github.com/consensys/gnark-crypto/ecc/bls12-377"

	"notesharing/internal/client"
	"notesharing/internal/ledger"
	"notesharing/internal/sharednote"
)

// PublicKeyJSON wraps a G1 point with base64 JSON encoding of its compressed form.
type PublicKeyJSON struct {
	bls12377.G1Affine
}

// MarshalJSON implements the json.Marshaler interface.
func (p PublicKeyJSON) MarshalJSON() ([]byte, error) {
	b := p.G1Affine.Bytes()
	return json.Marshal(base64.StdEncoding.EncodeToString(b[:]))
}

// UnmarshalJSON implements the json.Unmarshaler interface.
func (p *PublicKeyJSON) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("invalid public key: %w", err)
	}
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return err
	}
	pk, err := sharednote.ParsePublicKey(b)
	if err != nil {
		return err
	}
	p.G1Affine = *pk
	return nil
}

// AccountResponse describes a hosted account.
type AccountResponse struct {
	Name      string             `json:"name"`
	Address   sharednote.Address `json:"address"`
	PublicKey PublicKeyJSON      `json:"public_key"`
}

// CreateAccountRequest creates a hosted account.
type CreateAccountRequest struct {
	Name string `json:"name"`
}

// NoteResponse is a discovered note as shown to its owner.
type NoteResponse struct {
	Commitment sharednote.Commitment `json:"commitment"`
	Contract   sharednote.Address    `json:"contract"`
	Sender     sharednote.Address    `json:"sender"`
	Recipient  sharednote.Address    `json:"recipient"`
	TxHash     ledger.Hash           `json:"tx_hash"`
	Block      uint64                `json:"block"`
}

func noteResponse(n *client.OwnedNote) NoteResponse {
	return NoteResponse{
		Commitment: n.Commitment,
		Contract:   n.Contract,
		Sender:     n.Note.Sender,
		Recipient:  n.Note.Recipient,
		TxHash:     n.TxHash,
		Block:      n.Block,
	}
}

// DeployRequest deploys a new contract instance.
type DeployRequest struct {
	Deployer string `json:"deployer"`
	Scope    string `json:"scope"`
	Wait     bool   `json:"wait"`
}

// DeployResponse returns the predicted instance address.
type DeployResponse struct {
	Address sharednote.Address `json:"address"`
	TxHash  ledger.Hash        `json:"tx_hash"`
	Scope   string             `json:"scope"`
}

// ContractResponse describes a deployed instance.
type ContractResponse struct {
	Address  sharednote.Address  `json:"address"`
	Artifact sharednote.Artifact `json:"artifact"`
	Deployer sharednote.Address  `json:"deployer"`
	Scope    string              `json:"scope"`
}

// CallRequest invokes a contract method as Caller. Counterparty is the recipient for
// create_and_share_note and redeem_by_sender, and the sender for redeem_by_recipient.
type CallRequest struct {
	Caller       string             `json:"caller"`
	Counterparty sharednote.Address `json:"counterparty"`
	Simulate     bool               `json:"simulate"`
	Wait         bool               `json:"wait"`
}

// CallResponse reports a simulated or sent call.
type CallResponse struct {
	Method     string                  `json:"method"`
	Simulated  bool                    `json:"simulated"`
	TxHash     *ledger.Hash            `json:"tx_hash,omitempty"`
	Commitment *sharednote.Commitment  `json:"commitment,omitempty"`
	NoteHashes []sharednote.Commitment `json:"note_hashes"`
	Nullifiers []sharednote.Nullifier  `json:"nullifiers"`
	Logs       int                     `json:"logs"`
	Receipt    *ledger.Receipt         `json:"receipt,omitempty"`
}

// ErrorResponse carries an error message. Revert reasons are passed through verbatim.
type ErrorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
