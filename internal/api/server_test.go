package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"notesharing/internal/client"
	"notesharing/internal/ledger"
	"notesharing/internal/metrics"
	"notesharing/internal/sharednote"
)

type testNode struct {
	t      *testing.T
	client *client.Client
	seq    *ledger.Sequencer
	server *Server
	http   *httptest.Server
}

func newTestNode(t *testing.T, cfg Config) *testNode {
	t.Helper()
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	l, err := ledger.Open(ledger.Config{InsecureSkipProofs: true, Logger: zerolog.Nop(), Metrics: m})
	require.NoError(t, err)
	seq := ledger.NewSequencer(l, ledger.SequencerConfig{BlockInterval: 2 * time.Millisecond, Logger: zerolog.Nop()})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		seq.Run(ctx)
	}()

	c, err := client.New(seq, client.Config{PollInterval: 2 * time.Millisecond, DiscoveryTimeout: 10 * time.Second, Logger: zerolog.Nop()})
	require.NoError(t, err)
	if cfg.CallTimeout == 0 {
		cfg.CallTimeout = 10 * time.Second
	}
	cfg.Version = "test"
	s, err := New(cfg, c, seq, m, reg, zerolog.Nop())
	require.NoError(t, err)
	hs := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		hs.Close()
		cancel()
		<-done
		l.Close()
	})
	return &testNode{t: t, client: c, seq: seq, server: s, http: hs}
}

func (n *testNode) do(method, path string, body any, out any) int {
	n.t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(n.t, err)
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, n.http.URL+path, rd)
	require.NoError(n.t, err)
	resp, err := n.http.Client().Do(req)
	require.NoError(n.t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(n.t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func (n *testNode) account(name string) AccountResponse {
	n.t.Helper()
	var acct AccountResponse
	require.Equal(n.t, http.StatusCreated, n.do(http.MethodPost, "/accounts", CreateAccountRequest{Name: name}, &acct))
	return acct
}

func (n *testNode) deploy(deployer string, scope string) sharednote.Address {
	n.t.Helper()
	var resp DeployResponse
	code := n.do(http.MethodPost, "/contracts", DeployRequest{Deployer: deployer, Scope: scope, Wait: true}, &resp)
	require.Equal(n.t, http.StatusCreated, code)
	return resp.Address
}

func (n *testNode) call(contract sharednote.Address, method string, req CallRequest, out any) int {
	n.t.Helper()
	return n.do(http.MethodPost, "/contracts/"+contract.String()+"/"+method, req, out)
}

func TestHealth(t *testing.T) {
	n := newTestNode(t, Config{})
	var h SystemHealth
	require.Equal(t, http.StatusOK, n.do(http.MethodGet, "/health", nil, &h))
	assert.Equal(t, Healthy, h.OverallStatus)
	assert.Equal(t, "test", h.Version)
	require.Len(t, h.Components, 3)
	assert.Equal(t, "ledger", h.Components[0].Name)
}

func TestAccounts(t *testing.T) {
	n := newTestNode(t, Config{})
	alice := n.account("alice")
	assert.Equal(t, "alice", alice.Name)
	assert.Equal(t, sharednote.AddressOf(&alice.PublicKey.G1Affine), alice.Address)

	var got AccountResponse
	require.Equal(t, http.StatusOK, n.do(http.MethodGet, "/accounts/alice", nil, &got))
	assert.Equal(t, alice.Address, got.Address)

	assert.Equal(t, http.StatusBadRequest, n.do(http.MethodPost, "/accounts", CreateAccountRequest{Name: "alice"}, nil))
	assert.Equal(t, http.StatusBadRequest, n.do(http.MethodPost, "/accounts", CreateAccountRequest{Name: "../x"}, nil))

	var e ErrorResponse
	assert.Equal(t, http.StatusNotFound, n.do(http.MethodGet, "/accounts/carol", nil, &e))
	assert.Contains(t, e.Error, "unknown wallet")
}

func TestSharedNoteFlow(t *testing.T) {
	n := newTestNode(t, Config{})
	alice := n.account("alice")
	bob := n.account("bob")
	contract := n.deploy("alice", "")

	var info ContractResponse
	require.Equal(t, http.StatusOK, n.do(http.MethodGet, "/contracts/"+contract.String(), nil, &info))
	assert.Equal(t, alice.Address, info.Deployer)
	assert.Equal(t, "instance", info.Scope)

	var sim CallResponse
	require.Equal(t, http.StatusOK, n.call(contract, MethodCreateAndShareNote, CallRequest{Caller: "alice", Counterparty: bob.Address, Simulate: true}, &sim))
	assert.True(t, sim.Simulated)
	assert.Nil(t, sim.TxHash)
	assert.Len(t, sim.NoteHashes, 1)
	assert.Len(t, sim.Nullifiers, 1)
	assert.Equal(t, 2, sim.Logs)

	var created CallResponse
	require.Equal(t, http.StatusOK, n.call(contract, MethodCreateAndShareNote, CallRequest{Caller: "alice", Counterparty: bob.Address, Wait: true}, &created))
	require.NotNil(t, created.TxHash)
	require.NotNil(t, created.Commitment)
	assert.Equal(t, ledger.StatusSuccess, created.Receipt.Status)
	assert.Equal(t, 2, created.Logs)

	var e ErrorResponse
	assert.Equal(t, http.StatusConflict, n.call(contract, MethodCreateAndShareNote, CallRequest{Caller: "alice", Counterparty: bob.Address, Simulate: true}, &e))
	assert.Equal(t, "note already exists", e.Error)

	var notes []NoteResponse
	require.Equal(t, http.StatusOK, n.do(http.MethodGet, "/accounts/bob/notes?contract="+contract.String(), nil, &notes))
	require.Len(t, notes, 1)
	assert.Equal(t, *created.Commitment, notes[0].Commitment)
	assert.Equal(t, alice.Address, notes[0].Sender)
	assert.Equal(t, bob.Address, notes[0].Recipient)

	var redeemed CallResponse
	require.Equal(t, http.StatusOK, n.call(contract, MethodRedeemByRecipient, CallRequest{Caller: "bob", Counterparty: alice.Address, Wait: true}, &redeemed))
	assert.Len(t, redeemed.Nullifiers, 2)
	assert.Empty(t, redeemed.NoteHashes)
	assert.Zero(t, redeemed.Logs)

	e = ErrorResponse{}
	assert.Equal(t, http.StatusConflict, n.call(contract, MethodRedeemBySender, CallRequest{Caller: "alice", Counterparty: bob.Address, Simulate: true}, &e))
	assert.Equal(t, "note not found", e.Error)

	var receipt ledger.Receipt
	require.Equal(t, http.StatusOK, n.do(http.MethodGet, "/txs/"+redeemed.TxHash.String(), nil, &receipt))
	assert.Equal(t, ledger.StatusSuccess, receipt.Status)
	assert.True(t, receipt.Finalized)

	notes = nil
	require.Equal(t, http.StatusOK, n.do(http.MethodGet, "/accounts/bob/notes", nil, &notes))
	assert.Empty(t, notes)
}

func TestCallErrors(t *testing.T) {
	n := newTestNode(t, Config{})
	bob := n.account("bob")
	n.account("alice")
	contract := n.deploy("alice", "pair")

	cases := []struct {
		name     string
		contract string
		method   string
		req      CallRequest
		code     int
	}{
		{"unknown method", contract.String(), "transfer", CallRequest{Caller: "alice", Counterparty: bob.Address}, http.StatusNotFound},
		{"bad address", "0x1234", MethodCreateAndShareNote, CallRequest{Caller: "alice", Counterparty: bob.Address}, http.StatusBadRequest},
		{"unknown caller", contract.String(), MethodCreateAndShareNote, CallRequest{Caller: "carol", Counterparty: bob.Address}, http.StatusNotFound},
		{"missing counterparty", contract.String(), MethodCreateAndShareNote, CallRequest{Caller: "alice"}, http.StatusBadRequest},
		{"not deployed", sharednote.Address{1}.String(), MethodCreateAndShareNote, CallRequest{Caller: "alice", Counterparty: bob.Address}, http.StatusNotFound},
		{"unknown counterparty", contract.String(), MethodCreateAndShareNote, CallRequest{Caller: "alice", Counterparty: sharednote.Address{1}, Simulate: true}, http.StatusNotFound},
		{"nothing to redeem", contract.String(), MethodRedeemBySender, CallRequest{Caller: "alice", Counterparty: bob.Address, Simulate: true}, http.StatusConflict},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			code := n.do(http.MethodPost, "/contracts/"+tc.contract+"/"+tc.method, tc.req, nil)
			assert.Equal(t, tc.code, code)
		})
	}

	assert.Equal(t, http.StatusNotFound, n.do(http.MethodGet, "/txs/"+ledger.Hash{9}.String(), nil, nil))
	assert.Equal(t, http.StatusBadRequest, n.do(http.MethodPost, "/contracts", DeployRequest{Deployer: "alice", Scope: "global"}, nil))
}

func TestRateLimit(t *testing.T) {
	n := newTestNode(t, Config{RateLimitPerSecond: 0.001, RateLimitBurst: 1})
	bob := n.account("bob")
	n.account("alice")
	contract := n.deploy("alice", "")

	req := CallRequest{Caller: "alice", Counterparty: bob.Address, Simulate: true}
	assert.Equal(t, http.StatusOK, n.call(contract, MethodCreateAndShareNote, req, nil))
	var e ErrorResponse
	assert.Equal(t, http.StatusTooManyRequests, n.call(contract, MethodCreateAndShareNote, req, &e))
	assert.Equal(t, "rate limit exceeded", e.Error)

	req.Caller = "bob"
	req.Counterparty = sharednote.Address{}
	assert.Equal(t, http.StatusBadRequest, n.call(contract, MethodCreateAndShareNote, req, nil))

	// Unknown callers are turned away before they reach the limiter.
	for i := 0; i < 3; i++ {
		req := CallRequest{Caller: fmt.Sprintf("ghost-%d", i), Counterparty: bob.Address, Simulate: true}
		assert.Equal(t, http.StatusNotFound, n.call(contract, MethodCreateAndShareNote, req, nil))
		assert.Equal(t, http.StatusNotFound, n.call(contract, MethodCreateAndShareNote, req, nil))
	}
	n.server.limiter.mu.Lock()
	assert.Len(t, n.server.limiter.limiters, 1)
	n.server.limiter.mu.Unlock()
}

func TestMetricsEndpoint(t *testing.T) {
	n := newTestNode(t, Config{})
	n.account("alice")
	n.do(http.MethodGet, "/accounts/alice", nil, nil)

	resp, err := n.http.Client().Get(n.http.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `notesharing_api_requests_total{code="200",route="/accounts/{name}"} 1`)
	assert.Contains(t, string(body), "notesharing_ledger_block_height")
}

func TestWalletsPersist(t *testing.T) {
	dir := t.TempDir()
	n := newTestNode(t, Config{WalletDir: dir})
	alice := n.account("alice")

	s, err := New(Config{WalletDir: dir}, n.client, n.seq, nil, nil, zerolog.Nop())
	require.NoError(t, err)
	w, err := s.Wallet("alice")
	require.NoError(t, err)
	assert.Equal(t, alice.Address, w.Address())
}
