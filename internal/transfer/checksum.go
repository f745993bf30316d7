package transfer

import (
	"encoding/hex"
	"hash"

	"github.com/pkg/errors"
	"golang.org/x/crypto/blake2b"
)

// newChecksum returns the BLAKE2b-256 hash recorded for every artifact.
func newChecksum() (hash.Hash, error) {
	h, err := blake2b.New256(nil)
	if err != nil {
		return nil, errors.Wrap(err, "init checksum")
	}
	return h, nil
}

func checksumHex(h hash.Hash) string {
	return hex.EncodeToString(h.Sum(nil))
}
