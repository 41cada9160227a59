package sharednote

// DeriveNullifiers returns the nullifiers of both physical copies, sender copy first.
//
//	n_i = MiMC(cm, skn, owner_i, i)
//
// skn is only recoverable by opening one of the copies, so only an owner can compute the
// pair, and both owners compute the same pair.
func DeriveNullifiers(n *SharedNote) [2]Nullifier {
	cm := Commit(n)
	var out [2]Nullifier
	for i, owner := range n.Owners() {
		out[i] = copyNullifier(cm, n, owner, i)
	}
	return out
}

// NullifierFor returns the nullifier of owner's copy.
func NullifierFor(n *SharedNote, owner Address) (Nullifier, bool) {
	cm := Commit(n)
	for i, o := range n.Owners() {
		if o == owner {
			return copyNullifier(cm, n, o, i), true
		}
	}
	return Nullifier{}, false
}

// CreationNullifier is emitted when a note is created. Inserting it makes every commitment
// usable once, even across re-creations in the same slot.
func CreationNullifier(cm Commitment) Nullifier {
	var nf Nullifier
	copy(nf[:], mimcSum(DomainCreation, cm[:]))
	return nf
}

func copyNullifier(cm Commitment, n *SharedNote, owner Address, index int) Nullifier {
	skn := n.SharedKeyNullifier.Bytes()
	var nf Nullifier
	copy(nf[:], mimcSum(DomainNullifier, cm[:], skn[:], owner[:], indexBytes(index)))
	return nf
}
