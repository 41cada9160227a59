// crypto.go - Cryptographic primitives for the shared note protocol.
//
// Implements domain-separated MiMC hashing, BLS12-377 account keys and Diffie-Hellman.
// All randomness comes from crypto/rand through gnark-crypto's SetRandom.

package sharednote

import (
	"fmt"
	"math/big"

	bls12377 "github.com/consensys/gnark-crypto/ecc/bls12-377"
	"github.com/consensys/gnark-crypto/ecc/bls12-377/fr"
	mimcNative "github.com/consensys/gnark-crypto/ecc/bw6-761/fr/mimc"
)

// Domain tags, written as the first MiMC block of every hash. Circuits write the same
// constants, so changing a value changes every commitment, nullifier and address.
const (
	DomainCommitment uint64 = iota + 1
	DomainNullifier
	DomainCreation
	DomainAddress
	DomainSlot
	DomainDeploy
)

// mimcSum hashes the given blocks after the domain tag. Blocks shorter than a field element
// are left-padded by MiMC; full-width blocks must already be canonical field elements.
func mimcSum(domain uint64, blocks ...[]byte) []byte {
	h := mimcNative.NewMiMC()
	if _, err := h.Write(new(big.Int).SetUint64(domain).Bytes()); err != nil {
		panic(fmt.Sprintf("sharednote: mimc domain: %v", err))
	}
	for _, b := range blocks {
		if _, err := h.Write(b); err != nil {
			panic(fmt.Sprintf("sharednote: mimc input is not a field element: %v", err))
		}
	}
	return h.Sum(nil)
}

func indexBytes(i int) []byte {
	// MiMC ignores empty writes, so index 0 is written as a single zero byte.
	return []byte{byte(i)}
}

// Account is a party's key pair together with its derived address.
// Sk: scalar (private), Pk: G1 point (public).
type Account struct {
	Sk      fr.Element
	Pk      bls12377.G1Affine
	Address Address
}

// NewAccount generates a random BLS12-377 key pair.
func NewAccount() (*Account, error) {
	var sk fr.Element
	if _, err := sk.SetRandom(); err != nil {
		return nil, fmt.Errorf("generate account key: %w", err)
	}
	return AccountFromSecret(&sk), nil
}

// AccountFromSecret rebuilds an account from its secret scalar.
func AccountFromSecret(sk *fr.Element) *Account {
	var pk bls12377.G1Affine
	pk.ScalarMultiplication(Generator(), sk.BigInt(new(big.Int)))
	return &Account{
		Sk:      *sk,
		Pk:      pk,
		Address: AddressOf(&pk),
	}
}

// Generator returns the BLS12-377 G1 generator in affine form.
func Generator() *bls12377.G1Affine {
	_, _, g1, _ := bls12377.Generators()
	return &g1
}

// AddressOf derives the address of a public key: MiMC(pk.X, pk.Y).
func AddressOf(pk *bls12377.G1Affine) Address {
	x := pk.X.Bytes()
	y := pk.Y.Bytes()
	var a Address
	copy(a[:], mimcSum(DomainAddress, x[:], y[:]))
	return a
}

// ComputeDHShared computes the shared secret (G^ab) given our sk and their pk.
func ComputeDHShared(sk *fr.Element, pk *bls12377.G1Affine) *bls12377.G1Affine {
	var shared bls12377.G1Affine
	shared.ScalarMultiplication(pk, sk.BigInt(new(big.Int)))
	return &shared
}

// ParsePublicKey decodes a compressed G1 point and rejects the identity.
func ParsePublicKey(b []byte) (*bls12377.G1Affine, error) {
	var pk bls12377.G1Affine
	if _, err := pk.SetBytes(b); err != nil {
		return nil, fmt.Errorf("invalid public key: %w", err)
	}
	if pk.IsInfinity() {
		return nil, fmt.Errorf("invalid public key: point at infinity")
	}
	return &pk, nil
}
