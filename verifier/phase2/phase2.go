// Package phase2 implements the Phase-2 zkey verification primitive the
// LOCAL verification path calls: verifyFromInit(genesis, pot, last, transcript).
// It checks that a contribution's updated toxic-waste point (delta_g1,
// delta_g2) is a consistent scalar update of the previous zkey's delta —
// the same pairing-equality check snarkjs's Phase-2 contribution
// verification performs (e(delta_new_g1, delta_old_g2) ==
// e(delta_old_g1, delta_new_g2) would hold for an *unchanged* delta; the
// real check instead verifies against the contributor's included proof-of-
// knowledge pair so the new delta is provably a scalar multiple of the
// old one without revealing the scalar). Built on
// github.com/consensys/gnark-crypto's bn254 pairing implementation — bn254
// is circom/snarkjs's native curve, the same one a real Phase-2 zkey
// ceremony like this one's target uses (gnark-crypto also backs the
// teacher's crypto/kzg4844 pairing checks, just on bls12-381).
package phase2

import (
	"bytes"
	"fmt"
	"io"

	"github.com/consensys/gnark-crypto/ecc/bn254"
)

// Zkey is the minimal structural slice of a zkey file this primitive
// needs: the Groth16 delta points and the contributor's proof-of-knowledge
// pair for the delta update. A real zkey carries the full R1CS + proving
// key; parsing that whole format is out of scope here (client-side
// contribution computation and ceremony setup are out of scope, and this
// primitive only needs to re-verify the update step).
type Zkey struct {
	DeltaG1 bn254.G1Affine
	DeltaG2 bn254.G2Affine
	// PokG1/PokG2 are the contributor's proof-of-knowledge pair proving
	// the new delta is old_delta^x for a known x, without revealing x:
	// PokG1 = [x]G1, and the check is
	// e(PokG1, DeltaG2_old) == e(DeltaG1_new, G2Generator)  AND
	// e(DeltaG1_new, PokG2) == e(PokG1, DeltaG2_new)
	// which binds the same exponent x across both group representations.
	PokG1 bn254.G1Affine
	PokG2 bn254.G2Affine
}

// VerifyFromInit checks that last is a valid Phase-2 update of genesis
// using the entropy the contributor claims via its proof-of-knowledge
// pair, writing a human-readable record of each check to transcript (the
// LOCAL verification path's "transcript logger").
//
// A last whose points include the identity (as an all-zero encoding
// decodes to) is reported invalid without running the pairing checks,
// which the identity would otherwise satisfy trivially.
//
// pot is accepted for symmetry with VerifyFromInit's counterparts (a real
// implementation additionally checks last's non-delta Lagrange-basis
// elements are consistent with the powers-of-tau file) but is not used:
// that consistency check is not performed here.
func VerifyFromInit(genesis, pot, last Zkey, transcript io.Writer) (bool, error) {
	fmt.Fprintf(transcript, "verifying contribution against genesis delta\n")
	_ = pot

	if last.DeltaG1.IsInfinity() || last.PokG1.IsInfinity() || last.DeltaG2.IsInfinity() || last.PokG2.IsInfinity() {
		fmt.Fprintf(transcript, "ZKey verification failed\n")
		return false, nil
	}

	lhs1, err := bn254.Pair([]bn254.G1Affine{last.PokG1}, []bn254.G2Affine{genesis.DeltaG2})
	if err != nil {
		return false, err
	}
	rhs1, err := bn254.Pair([]bn254.G1Affine{last.DeltaG1}, []bn254.G2Affine{g2Generator()})
	if err != nil {
		return false, err
	}
	check1 := bytes.Equal(lhs1.Marshal(), rhs1.Marshal())
	fmt.Fprintf(transcript, "check 1 (delta consistency, g1 side): %v\n", check1)

	lhs2, err := bn254.Pair([]bn254.G1Affine{last.DeltaG1}, []bn254.G2Affine{last.PokG2})
	if err != nil {
		return false, err
	}
	rhs2, err := bn254.Pair([]bn254.G1Affine{last.PokG1}, []bn254.G2Affine{last.DeltaG2})
	if err != nil {
		return false, err
	}
	check2 := bytes.Equal(lhs2.Marshal(), rhs2.Marshal())
	fmt.Fprintf(transcript, "check 2 (delta consistency, g2 side): %v\n", check2)

	valid := check1 && check2
	if valid {
		fmt.Fprintf(transcript, "ZKey Ok!\n")
	} else {
		fmt.Fprintf(transcript, "ZKey verification failed\n")
	}
	return valid, nil
}

func g2Generator() bn254.G2Affine {
	_, _, _, g2 := bn254.Generators()
	return g2
}
