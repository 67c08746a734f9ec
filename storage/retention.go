package storage

import (
	"fmt"

	"github.com/ethereum/go-ethereum/rlp"
)

// retained is the envelope stored for every value written through a
// retention aware store. ExpiresAt is a unix timestamp in seconds.
type retained struct {
	ExpiresAt uint64
	Value     []byte
}

// EncodeRetained wraps value in an envelope that becomes reclaimable once
// the clock passes expiresAt.
func EncodeRetained(value []byte, expiresAt int64) ([]byte, error) {
	if expiresAt < 0 {
		return nil, fmt.Errorf("storage: negative expiry %d", expiresAt)
	}
	return rlp.EncodeToBytes(retained{ExpiresAt: uint64(expiresAt), Value: value})
}

// DecodeRetained unwraps an envelope produced by EncodeRetained.
func DecodeRetained(raw []byte) ([]byte, int64, error) {
	var env retained
	if err := rlp.DecodeBytes(raw, &env); err != nil {
		return nil, 0, fmt.Errorf("storage: decode retained record: %w", err)
	}
	return env.Value, int64(env.ExpiresAt), nil
}

// Expired reports whether a record expiring at expiresAt is gone at now.
func Expired(expiresAt, now int64) bool {
	return now > expiresAt
}
