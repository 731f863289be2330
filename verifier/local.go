package verifier

import (
	"context"
	"os"
	"path/filepath"

	"github.com/consensys/gnark-crypto/ecc/bn254"
	"golang.org/x/crypto/blake2b"

	"github.com/ceremonial-labs/trustedsetup-coordinator/ceremony"
	"github.com/ceremonial-labs/trustedsetup-coordinator/coordinatorapi/errs"
	"github.com/ceremonial-labs/trustedsetup-coordinator/verifier/phase2"
)

// runLocal executes the LOCAL verification path: download the
// three artifacts to a scratch directory unique to this (circuit,
// participant) pair, run the Phase-2 verification primitive, hash the
// uploaded zkey, and upload or delete artifacts depending on the verdict.
func (v *Verifier) runLocal(ctx context.Context, bucket string, circuit ceremony.Circuit, participantID string, keys storageKeys) (bool, string, error) {
	scratch := filepath.Join(v.Config.ScratchDir, circuit.ID, participantID)
	if err := os.MkdirAll(scratch, 0o755); err != nil {
		return false, "", errs.Wrap(errs.StorageFailure, err, "verifier: create scratch dir %s", scratch)
	}
	defer os.RemoveAll(scratch)

	potPath := filepath.Join(scratch, "pot.ptau")
	genesisPath := filepath.Join(scratch, "genesis.zkey")
	lastPath := filepath.Join(scratch, "last.zkey")

	for _, dl := range []struct{ key, path string }{
		{keys.potKey, potPath},
		{keys.genesisZkeyKey, genesisPath},
		{keys.lastZkeyKey, lastPath},
	} {
		if err := v.downloadTo(ctx, bucket, dl.key, dl.path); err != nil {
			return false, "", err
		}
	}

	transcriptPath := filepath.Join(scratch, "transcript.log")
	transcript, err := os.Create(transcriptPath)
	if err != nil {
		return false, "", errs.Wrap(errs.StorageFailure, err, "verifier: create transcript file")
	}

	genesisZkey, err := loadZkeyPoints(genesisPath)
	if err != nil {
		transcript.Close()
		return false, "", errs.Wrap(errs.StorageFailure, err, "verifier: parse genesis zkey")
	}
	potZkey, err := loadZkeyPoints(potPath)
	if err != nil {
		transcript.Close()
		return false, "", errs.Wrap(errs.StorageFailure, err, "verifier: parse pot file")
	}
	lastZkey, err := loadZkeyPoints(lastPath)
	if err != nil {
		transcript.Close()
		return false, "", errs.Wrap(errs.StorageFailure, err, "verifier: parse last zkey")
	}

	valid, err := phase2.VerifyFromInit(genesisZkey, potZkey, lastZkey, transcript)
	transcript.Close()
	if err != nil {
		return false, "", errs.Wrap(errs.StorageFailure, err, "verifier: phase2 verification")
	}

	hash, err := blake2bHashFile(lastPath)
	if err != nil {
		return false, "", errs.Wrap(errs.StorageFailure, err, "verifier: hash last zkey")
	}

	if valid {
		f, err := os.Open(transcriptPath)
		if err != nil {
			return false, "", errs.Wrap(errs.StorageFailure, err, "verifier: reopen transcript")
		}
		defer f.Close()
		if err := v.Blob.Upload(ctx, bucket, keys.transcriptKey, f, true); err != nil {
			return false, "", errs.Wrap(errs.StorageFailure, err, "verifier: upload transcript")
		}
	} else {
		if err := v.Blob.DeleteObject(ctx, bucket, keys.lastZkeyKey); err != nil {
			return false, "", errs.Wrap(errs.StorageFailure, err, "verifier: delete invalid zkey")
		}
	}

	return valid, hash, nil
}

func (v *Verifier) downloadTo(ctx context.Context, bucket, key, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return errs.Wrap(errs.StorageFailure, err, "verifier: create scratch file %s", path)
	}
	defer f.Close()
	if err := v.Blob.Download(ctx, bucket, key, f); err != nil {
		return errs.Wrap(errs.StorageFailure, err, "verifier: download %s", key)
	}
	return nil
}

func blake2bHashFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	sum := blake2b.Sum512(data)
	return bytesToHex(sum[:]), nil
}

func bytesToHex(b []byte) string {
	const hexDigits = "0123456789abcdef"
	out := make([]byte, len(b)*2)
	for i, c := range b {
		out[i*2] = hexDigits[c>>4]
		out[i*2+1] = hexDigits[c&0x0f]
	}
	return string(out)
}

// loadZkeyPoints extracts the delta/proof-of-knowledge point quadruple a
// Phase-2 zkey's trailing contribution section carries. Parsing the full
// zkey container format (its R1CS, proving-key, and per-contribution
// sections) is out of scope here: only this trailing fixed-offset slice is
// read, and the rest of the file is ignored.
func loadZkeyPoints(path string) (phase2.Zkey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return phase2.Zkey{}, err
	}

	var zero bn254.G1Affine
	g1Size := len(zero.Marshal())
	var zeroG2 bn254.G2Affine
	g2Size := len(zeroG2.Marshal())

	need := 2*g1Size + 2*g2Size
	if len(data) < need {
		// A scratch file shorter than one contribution section is
		// zero-padded rather than rejected with an error; all-zero bytes
		// decode to identity points, which phase2.VerifyFromInit reports
		// as invalid, matching "malformed upload -> invalid contribution"
		// rather than a hard fault.
		data = append(data, make([]byte, need-len(data))...)
	}
	tail := data[len(data)-need:]

	var z phase2.Zkey
	off := 0
	if _, err := z.DeltaG1.SetBytes(tail[off : off+g1Size]); err != nil {
		return phase2.Zkey{}, err
	}
	off += g1Size
	if _, err := z.PokG1.SetBytes(tail[off : off+g1Size]); err != nil {
		return phase2.Zkey{}, err
	}
	off += g1Size
	if _, err := z.DeltaG2.SetBytes(tail[off : off+g2Size]); err != nil {
		return phase2.Zkey{}, err
	}
	off += g2Size
	if _, err := z.PokG2.SetBytes(tail[off : off+g2Size]); err != nil {
		return phase2.Zkey{}, err
	}

	return z, nil
}
