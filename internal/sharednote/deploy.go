// deploy.go - Contract instance address derivation.
//
// address = MiMC(artifactHash, argsHash, salt, deployer)
// with both hashes computed as BLAKE3 over deterministic CBOR. The address is known
// before the deploy transaction is included.

package sharednote

import (
	"fmt"

	"github.com/consensys/gnark-crypto/ecc/bls12-377/fr"
	"github.com/zeebo/blake3"
)

// Artifact describes the contract code being deployed.
type Artifact struct {
	Name    string `cbor:"1,keyasint" json:"name"`
	Version uint32 `cbor:"2,keyasint" json:"version"`
	Scope   Scope  `cbor:"3,keyasint" json:"scope"`
}

// NoteSharingArtifact returns the shared note contract artifact with the given slot scope.
func NoteSharingArtifact(scope Scope) Artifact {
	return Artifact{Name: "NoteSharing", Version: 1, Scope: scope}
}

// Instance is a deployed (or about to be deployed) contract.
type Instance struct {
	Address  Address    `cbor:"1,keyasint" json:"address"`
	Artifact Artifact   `cbor:"2,keyasint" json:"artifact"`
	Salt     fr.Element `cbor:"3,keyasint" json:"-"`
	Deployer Address    `cbor:"4,keyasint" json:"deployer"`
}

// NewInstance derives the instance address for a deployment. The shared note contract
// has no constructor arguments.
func NewInstance(artifact Artifact, salt fr.Element, deployer Address) (*Instance, error) {
	addr, err := DeriveAddress(artifact, nil, salt, deployer)
	if err != nil {
		return nil, err
	}
	return &Instance{Address: addr, Artifact: artifact, Salt: salt, Deployer: deployer}, nil
}

// Verify recomputes the address from the deployment inputs.
func (i *Instance) Verify() error {
	addr, err := DeriveAddress(i.Artifact, nil, i.Salt, i.Deployer)
	if err != nil {
		return err
	}
	if addr != i.Address {
		return fmt.Errorf("instance address mismatch: expected %s, got %s", addr, i.Address)
	}
	return nil
}

// Contract returns the protocol view of the instance.
func (i *Instance) Contract() *Contract {
	return &Contract{Instance: i.Address, Scope: i.Artifact.Scope}
}

// DeriveAddress computes the deployment address.
func DeriveAddress(artifact Artifact, args []any, salt fr.Element, deployer Address) (Address, error) {
	var addr Address
	if args == nil {
		args = []any{}
	}
	ab, err := MarshalCBOR(artifact)
	if err != nil {
		return addr, fmt.Errorf("encode artifact: %w", err)
	}
	argb, err := MarshalCBOR(args)
	if err != nil {
		return addr, fmt.Errorf("encode constructor args: %w", err)
	}
	artifactHash := blake3.Sum256(ab)
	argsHash := blake3.Sum256(argb)
	s := salt.Bytes()
	copy(addr[:], mimcSum(DomainDeploy, artifactHash[:], argsHash[:], s[:], deployer[:]))
	return addr, nil
}

// RandomSalt samples a deployment salt.
func RandomSalt() (fr.Element, error) {
	var s fr.Element
	if _, err := s.SetRandom(); err != nil {
		return s, fmt.Errorf("sample salt: %w", err)
	}
	return s, nil
}
