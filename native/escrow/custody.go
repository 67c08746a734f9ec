package escrow

import (
	"context"
	"math/big"

	"proofpay/crypto"
)

// Custody moves and reports balances of the configured asset on the external
// ledger. Transfer is all-or-nothing and Balance reflects every completed
// transfer.
type Custody interface {
	Transfer(ctx context.Context, asset AssetID, from, to Address, amount *big.Int) error
	Balance(ctx context.Context, asset AssetID, holder Address) (*big.Int, error)
}

// Config is built once at startup and shared by every operation the engine
// executes.
type Config struct {
	// CustodyAddress holds the pooled value of every open fund.
	CustodyAddress Address
}

// DefaultCustodyAddress derives the custody address used when none is
// configured.
func DefaultCustodyAddress() Address {
	var out Address
	digest := crypto.Keccak256([]byte("proofpay/escrow-custody"))
	copy(out[:], digest[len(digest)-len(out):])
	return out
}
