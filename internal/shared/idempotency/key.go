// Package idempotency derives stable keys for ingested records.
//
// A key is the BLAKE3 keyed hash of a deterministic CBOR encoding of the
// record's natural identity. Each record kind hashes under its own
// domain key so a holding and a transaction with the same identity
// fields never collide.
package idempotency

import (
	"encoding/hex"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/zeebo/blake3"
)

// Domain selects the hashing key for one kind of record.
type Domain [32]byte

// ASCII domain names, zero-padded to 32 bytes. Changing a value
// invalidates every stored key in that domain.
var (
	HoldingDomain = Domain{
		'f', 'i', 'n', 'l', 'i', 'n', 'k', '.', 'i', 'n', 'g', 'e', 's', 't', '.',
		'h', 'o', 'l', 'd', 'i', 'n', 'g', 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
	}

	TransactionDomain = Domain{
		'f', 'i', 'n', 'l', 'i', 'n', 'k', '.', 'i', 'n', 'g', 'e', 's', 't', '.',
		't', 'r', 'a', 'n', 's', 'a', 'c', 't', 'i', 'o', 'n', 0, 0, 0, 0, 0, 0,
	}
)

var encMode cbor.EncMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("idempotency: CBOR encoder initialization failed: " + err.Error())
	}
}

// Key hashes parts as a single CBOR array under domain and returns the
// hex-encoded 32-byte digest. Parts must be CBOR-encodable scalars;
// callers normalise decimals and dates to strings first so equal values
// always encode to equal bytes.
func Key(domain Domain, parts ...any) (string, error) {
	encoded, err := encMode.Marshal(parts)
	if err != nil {
		return "", fmt.Errorf("failed to encode key parts: %w", err)
	}

	hasher, err := blake3.NewKeyed(domain[:])
	if err != nil {
		return "", fmt.Errorf("failed to initialise keyed hash: %w", err)
	}
	hasher.Write(encoded)

	return hex.EncodeToString(hasher.Sum(nil)), nil
}
