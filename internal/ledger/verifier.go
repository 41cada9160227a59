package ledger

import (
	"errors"
	"fmt"

	"github.com/consensys/gnark/backend/groth16"
	lru "github.com/hashicorp/golang-lru"
	"github.com/zeebo/blake3"

	"notesharing/internal/metrics"
	"notesharing/internal/sharednote"
	"notesharing/internal/transactions/create"
	"notesharing/internal/transactions/redeem"
)

// ProofVerifier verifies Groth16 proofs of create and redeem transitions. Results are
// cached by the hash of (transition, proof), so a transaction verified at submission is
// not verified again at inclusion.
type ProofVerifier struct {
	createVK groth16.VerifyingKey
	redeemVK groth16.VerifyingKey
	cache    *lru.Cache
	metrics  *metrics.Metrics
}

// NewProofVerifier creates a verifier with a cache of cacheSize results.
func NewProofVerifier(createVK, redeemVK groth16.VerifyingKey, cacheSize int, m *metrics.Metrics) (*ProofVerifier, error) {
	cache, err := lru.New(cacheSize)
	if err != nil {
		return nil, err
	}
	if m == nil {
		m = metrics.Discard()
	}
	return &ProofVerifier{createVK: createVK, redeemVK: redeemVK, cache: cache, metrics: m}, nil
}

// Verify implements Verifier.
func (pv *ProofVerifier) Verify(t *sharednote.Transition, proof []byte) error {
	if len(proof) == 0 {
		return errors.New("transition missing proof")
	}
	k, err := pv.cacheKey(t, proof)
	if err != nil {
		return err
	}
	if cached, ok := pv.cache.Get(k); ok {
		pv.metrics.ProofCacheHits.Inc()
		if cached.(bool) {
			return nil
		}
		return errors.New("proof verification failed (cached)")
	}

	switch t.Op {
	case sharednote.OpCreate:
		err = create.Verify(pv.createVK, t, proof)
	case sharednote.OpRedeem:
		err = redeem.Verify(pv.redeemVK, t, proof)
	default:
		err = fmt.Errorf("no circuit for operation %s", t.Op)
	}
	result := "valid"
	if err != nil {
		result = "invalid"
	}
	pv.metrics.ProofVerifications.WithLabelValues(t.Op.String(), result).Inc()
	pv.cache.Add(k, err == nil)
	return err
}

func (pv *ProofVerifier) cacheKey(t *sharednote.Transition, proof []byte) ([32]byte, error) {
	b, err := sharednote.MarshalCBOR(t)
	if err != nil {
		return [32]byte{}, err
	}
	h := blake3.New()
	h.Write(b)
	h.Write(proof)
	var k [32]byte
	copy(k[:], h.Sum(nil))
	return k, nil
}
