package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"notesharing/internal/client"
	"notesharing/internal/ledger"
	"notesharing/internal/sharednote"
)

const maxBodyBytes = 1 << 20

// Contract methods callable over HTTP.
const (
	MethodCreateAndShareNote = "create_and_share_note"
	MethodRedeemByRecipient  = "redeem_by_recipient"
	MethodRedeemBySender     = "redeem_by_sender"
)

var errBadRequest = errors.New("bad request")

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) countRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(rec, r)
		route := r.URL.Path
		if cur := mux.CurrentRoute(r); cur != nil {
			if tpl, err := cur.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		s.metrics.APIRequests.WithLabelValues(route, strconv.Itoa(rec.code)).Inc()
	})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return nil
}

// statusFor maps an error to its HTTP status and the message shown to the caller.
// Protocol reverts keep their exact message.
func statusFor(err error) (int, string) {
	for _, sentinel := range []error{sharednote.ErrNoteNotFound, sharednote.ErrNoteAlreadyExists} {
		if errors.Is(err, sentinel) {
			return http.StatusConflict, sentinel.Error()
		}
	}
	switch {
	case errors.Is(err, ledger.ErrAlreadySpent),
		errors.Is(err, ledger.ErrDuplicateCommitment),
		errors.Is(err, ledger.ErrAlreadyDeployed),
		errors.Is(err, ledger.ErrKnownTx):
		return http.StatusConflict, err.Error()
	case errors.Is(err, ErrUnknownWallet),
		errors.Is(err, ledger.ErrUnknownAccount),
		errors.Is(err, ledger.ErrNotDeployed),
		errors.Is(err, ledger.ErrUnknownTx):
		return http.StatusNotFound, err.Error()
	case errors.Is(err, errBadRequest),
		errors.Is(err, ledger.ErrMalformedTx),
		errors.Is(err, ledger.ErrInvalidProof):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, err.Error()
	default:
		return http.StatusInternalServerError, err.Error()
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code, msg := statusFor(err)
	if code == http.StatusInternalServerError {
		s.log.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
	} else {
		s.log.Debug().Err(err).Str("path", r.URL.Path).Int("code", code).Msg("request rejected")
	}
	writeJSON(w, code, ErrorResponse{Error: msg})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	h := s.health.CheckHealth()
	code := http.StatusOK
	if h.OverallStatus == Unhealthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, h)
}

func accountResponse(wallet *client.Wallet) AccountResponse {
	return AccountResponse{
		Name:      wallet.Name,
		Address:   wallet.Address(),
		PublicKey: PublicKeyJSON{wallet.Account.Pk},
	}
}

func (s *Server) handleCreateAccount(w http.ResponseWriter, r *http.Request) {
	var req CreateAccountRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	wallet, err := s.CreateWallet(req.Name)
	if err != nil {
		s.writeError(w, r, fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}
	writeJSON(w, http.StatusCreated, accountResponse(wallet))
}

func (s *Server) handleGetAccount(w http.ResponseWriter, r *http.Request) {
	wallet, err := s.Wallet(mux.Vars(r)["name"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, accountResponse(wallet))
}

func (s *Server) handleNotes(w http.ResponseWriter, r *http.Request) {
	wallet, err := s.Wallet(mux.Vars(r)["name"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var contract sharednote.Address
	if q := r.URL.Query().Get("contract"); q != "" {
		if contract, err = sharednote.AddressFromHex(q); err != nil {
			s.writeError(w, r, fmt.Errorf("%w: %v", errBadRequest, err))
			return
		}
	}
	notes, err := s.client.Notes(wallet, contract)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.saveWallet(wallet); err != nil {
		s.log.Warn().Err(err).Str("wallet", wallet.Name).Msg("failed to persist wallet")
	}
	out := make([]NoteResponse, 0, len(notes))
	for _, n := range notes {
		out = append(out, noteResponse(n))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleDeploy(w http.ResponseWriter, r *http.Request) {
	var req DeployRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	scope, err := sharednote.ParseScope(req.Scope)
	if err != nil {
		s.writeError(w, r, fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}
	wallet, err := s.Wallet(req.Deployer)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	contract, sent, err := s.client.Deploy(wallet, scope)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	resp := DeployResponse{Address: contract.Address(), TxHash: sent.Hash, Scope: scope.String()}
	if !req.Wait {
		writeJSON(w, http.StatusAccepted, resp)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.CallTimeout)
	defer cancel()
	if _, err := sent.Wait(ctx); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (s *Server) handleGetContract(w http.ResponseWriter, r *http.Request) {
	addr, err := sharednote.AddressFromHex(mux.Vars(r)["address"])
	if err != nil {
		s.writeError(w, r, fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}
	inst, err := s.client.Ledger().Instance(addr)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ContractResponse{
		Address:  inst.Address,
		Artifact: inst.Artifact,
		Deployer: inst.Deployer,
		Scope:    inst.Artifact.Scope.String(),
	})
}

func (s *Server) handleCall(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	method := vars["method"]
	addr, err := sharednote.AddressFromHex(vars["address"])
	if err != nil {
		s.writeError(w, r, fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}
	var req CallRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.Counterparty.IsZero() {
		s.writeError(w, r, fmt.Errorf("%w: missing counterparty", errBadRequest))
		return
	}
	wallet, err := s.Wallet(req.Caller)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	// Only hosted accounts get a bucket.
	if !s.limiter.Allow(wallet.Name) {
		s.metrics.APIRateLimited.Inc()
		writeJSON(w, http.StatusTooManyRequests, ErrorResponse{Error: "rate limit exceeded"})
		return
	}
	contract, err := s.client.At(addr, wallet)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	var call *client.Interaction
	switch method {
	case MethodCreateAndShareNote:
		call = contract.CreateAndShareNote(req.Counterparty)
	case MethodRedeemByRecipient:
		call = contract.RedeemByRecipient(req.Counterparty)
	case MethodRedeemBySender:
		call = contract.RedeemBySender(req.Counterparty)
	default:
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: fmt.Sprintf("unknown method %q", method)})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.CallTimeout)
	defer cancel()

	if req.Simulate {
		t, err := call.Simulate(ctx)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		cm := t.Commitment
		writeJSON(w, http.StatusOK, CallResponse{
			Method:     method,
			Simulated:  true,
			Commitment: &cm,
			NoteHashes: t.Effects.NoteHashes,
			Nullifiers: t.Effects.Nullifiers,
			Logs:       len(t.Effects.Logs),
		})
		return
	}

	sent, err := call.Send(ctx)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	resp := CallResponse{Method: method, TxHash: &sent.Hash}
	if !req.Wait {
		writeJSON(w, http.StatusAccepted, resp)
		return
	}
	receipt, err := sent.Wait(ctx)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.saveWallet(wallet); err != nil {
		s.log.Warn().Err(err).Str("wallet", wallet.Name).Msg("failed to persist wallet")
	}
	if len(receipt.NoteHashes) > 0 {
		resp.Commitment = &receipt.NoteHashes[0]
	}
	resp.NoteHashes = receipt.NoteHashes
	resp.Nullifiers = receipt.Nullifiers
	resp.Logs = len(receipt.Logs)
	resp.Receipt = receipt
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetTx(w http.ResponseWriter, r *http.Request) {
	h, err := ledger.HashFromHex(mux.Vars(r)["hash"])
	if err != nil {
		s.writeError(w, r, fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}
	receipt, err := s.seq.Receipt(h)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, receipt)
}
