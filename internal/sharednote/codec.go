// codec.go - Canonical encoding, commitment and per-owner sealing of shared notes.
//
// Each copy is sealed with an ephemeral BLS12-377 key: the DH point is expanded with
// HKDF-BLAKE3 into a ChaCha20-Poly1305 key and nonce. Opening fails closed: a copy that
// does not belong to the caller yields no plaintext and no error.

package sharednote

import (
	"errors"
	"fmt"
	"hash"
	"io"
	"math/big"

	bls12377 "github.com/consensys/gnark-crypto/ecc/bls12-377"
	"github.com/consensys/gnark-crypto/ecc/bls12-377/fr"
	"github.com/fxamacker/cbor/v2"
	"github.com/zeebo/blake3"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// EncodedNoteSize is the length of the canonical encoding: sender | recipient | skn.
const EncodedNoteSize = 2*AddressSize + fr.Bytes

var sealInfo = []byte("notesharing/sealed-note/v1")

var errMalformedNote = errors.New("malformed note encoding")

// cborEnc is the deterministic CBOR mode used wherever encoded bytes are hashed.
var cborEnc = func() cbor.EncMode {
	em, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	return em
}()

// MarshalCBOR encodes v with deterministic CBOR.
func MarshalCBOR(v any) ([]byte, error) {
	return cborEnc.Marshal(v)
}

// Encode returns the fixed-width canonical encoding of n.
func Encode(n *SharedNote) []byte {
	out := make([]byte, 0, EncodedNoteSize)
	out = append(out, n.Sender[:]...)
	out = append(out, n.Recipient[:]...)
	skn := n.SharedKeyNullifier.Bytes()
	return append(out, skn[:]...)
}

// Decode parses a canonical encoding. Non-canonical field elements are rejected so that
// Decode(Encode(n)) is the only preimage of any accepted input.
func Decode(b []byte) (*SharedNote, error) {
	if len(b) != EncodedNoteSize {
		return nil, fmt.Errorf("%w: expected %d bytes, got %d", errMalformedNote, EncodedNoteSize, len(b))
	}
	n := &SharedNote{}
	copy(n.Sender[:], b[:AddressSize])
	copy(n.Recipient[:], b[AddressSize:2*AddressSize])
	if !isFieldElement(n.Sender[:]) || !isFieldElement(n.Recipient[:]) {
		return nil, fmt.Errorf("%w: address is not a field element", errMalformedNote)
	}
	skn, err := fr.BigEndian.Element((*[fr.Bytes]byte)(b[2*AddressSize:]))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errMalformedNote, err)
	}
	n.SharedKeyNullifier = skn
	return n, nil
}

// Commit computes cm = MiMC(sender, recipient, skn).
func Commit(n *SharedNote) Commitment {
	skn := n.SharedKeyNullifier.Bytes()
	var cm Commitment
	copy(cm[:], mimcSum(DomainCommitment, n.Sender[:], n.Recipient[:], skn[:]))
	return cm
}

// EncryptedNote is one sealed physical copy of a note, as delivered in a transaction log.
type EncryptedNote struct {
	Ephemeral  []byte `cbor:"1,keyasint" json:"ephemeral"`
	Ciphertext []byte `cbor:"2,keyasint" json:"ciphertext"`
}

// Seal encrypts n to the owner's public key.
func Seal(n *SharedNote, owner *bls12377.G1Affine) (*EncryptedNote, error) {
	var r fr.Element
	if _, err := r.SetRandom(); err != nil {
		return nil, fmt.Errorf("sample ephemeral key: %w", err)
	}
	var eph bls12377.G1Affine
	eph.ScalarMultiplication(Generator(), r.BigInt(new(big.Int)))
	ephBytes := eph.Bytes()

	aead, nonce, err := sealCipher(ComputeDHShared(&r, owner), ephBytes[:])
	if err != nil {
		return nil, err
	}
	return &EncryptedNote{
		Ephemeral:  ephBytes[:],
		Ciphertext: aead.Seal(nil, nonce, Encode(n), ephBytes[:]),
	}, nil
}

// Open decrypts a copy with sk. It returns false for any copy that sk cannot open.
func Open(enc *EncryptedNote, sk *fr.Element) (*SharedNote, bool) {
	if enc == nil {
		return nil, false
	}
	var eph bls12377.G1Affine
	if _, err := eph.SetBytes(enc.Ephemeral); err != nil || eph.IsInfinity() {
		return nil, false
	}
	aead, nonce, err := sealCipher(ComputeDHShared(sk, &eph), enc.Ephemeral)
	if err != nil {
		return nil, false
	}
	plain, err := aead.Open(nil, nonce, enc.Ciphertext, enc.Ephemeral)
	if err != nil {
		return nil, false
	}
	n, err := Decode(plain)
	if err != nil {
		return nil, false
	}
	return n, true
}

// OpenAny returns the first copy that sk can open.
func OpenAny(copies []*EncryptedNote, sk *fr.Element) (*SharedNote, bool) {
	for _, c := range copies {
		if n, ok := Open(c, sk); ok {
			return n, true
		}
	}
	return nil, false
}

type aeadCipher interface {
	Seal(dst, nonce, plaintext, additionalData []byte) []byte
	Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
}

func sealCipher(shared *bls12377.G1Affine, eph []byte) (aeadCipher, []byte, error) {
	secret := shared.Bytes()
	kdf := hkdf.New(func() hash.Hash { return blake3.New() }, secret[:], eph, sealInfo)
	material := make([]byte, chacha20poly1305.KeySize+chacha20poly1305.NonceSize)
	if _, err := io.ReadFull(kdf, material); err != nil {
		return nil, nil, fmt.Errorf("derive note key: %w", err)
	}
	aead, err := chacha20poly1305.New(material[:chacha20poly1305.KeySize])
	if err != nil {
		return nil, nil, fmt.Errorf("note cipher: %w", err)
	}
	return aead, material[chacha20poly1305.KeySize:], nil
}
