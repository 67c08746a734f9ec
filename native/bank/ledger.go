package bank

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"

	"proofpay/native/escrow"
	"proofpay/storage"
)

var (
	// ErrInsufficientFunds is returned when the sender cannot cover a transfer.
	ErrInsufficientFunds = errors.New("bank: insufficient funds")
	// ErrInvalidAmount is returned for nil, non-positive or oversized amounts.
	ErrInvalidAmount = errors.New("bank: invalid amount")
	// ErrOverflow is returned when a credit would exceed 256 bits.
	ErrOverflow = errors.New("bank: balance overflow")
)

var balancePrefix = []byte("bank/balance/")

func balanceKey(asset escrow.AssetID, holder escrow.Address) []byte {
	buf := make([]byte, 0, len(balancePrefix)+len(asset)+1+len(holder))
	buf = append(buf, balancePrefix...)
	buf = append(buf, asset...)
	buf = append(buf, ':')
	buf = append(buf, holder[:]...)
	return ethcrypto.Keccak256(buf)
}

// Ledger is an in-process asset ledger persisted in a key-value store. It
// satisfies escrow.Custody.
type Ledger struct {
	mu sync.Mutex
	db storage.Database
}

// NewLedger returns a ledger storing balances in db.
func NewLedger(db storage.Database) *Ledger {
	return &Ledger{db: db}
}

func toUint256(amount *big.Int) (*uint256.Int, error) {
	if amount == nil || amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	value, overflow := uint256.FromBig(amount)
	if overflow {
		return nil, ErrInvalidAmount
	}
	return value, nil
}

func (l *Ledger) load(asset escrow.AssetID, holder escrow.Address) (*uint256.Int, error) {
	raw, err := l.db.Get(balanceKey(asset, holder))
	if errors.Is(err, storage.ErrNotFound) {
		return new(uint256.Int), nil
	}
	if err != nil {
		return nil, fmt.Errorf("bank: load balance: %w", err)
	}
	return new(uint256.Int).SetBytes(raw), nil
}

// Balance returns the holder's balance of asset.
func (l *Ledger) Balance(_ context.Context, asset escrow.AssetID, holder escrow.Address) (*big.Int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	balance, err := l.load(asset, holder)
	if err != nil {
		return nil, err
	}
	return balance.ToBig(), nil
}

// Transfer moves amount of asset between holders in one batch.
func (l *Ledger) Transfer(ctx context.Context, asset escrow.AssetID, from, to escrow.Address, amount *big.Int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	value, err := toUint256(amount)
	if err != nil {
		return err
	}
	if asset == "" {
		return fmt.Errorf("bank: asset required")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if from == to {
		balance, err := l.load(asset, from)
		if err != nil {
			return err
		}
		if balance.Lt(value) {
			return ErrInsufficientFunds
		}
		return nil
	}
	fromBal, err := l.load(asset, from)
	if err != nil {
		return err
	}
	if fromBal.Lt(value) {
		return ErrInsufficientFunds
	}
	toBal, err := l.load(asset, to)
	if err != nil {
		return err
	}
	credited, overflow := new(uint256.Int).AddOverflow(toBal, value)
	if overflow {
		return ErrOverflow
	}
	debited := new(uint256.Int).Sub(fromBal, value)
	batch := l.db.NewBatch()
	batch.Put(balanceKey(asset, from), debited.Bytes())
	batch.Put(balanceKey(asset, to), credited.Bytes())
	if err := batch.Write(); err != nil {
		return fmt.Errorf("bank: write transfer: %w", err)
	}
	return nil
}

// Mint credits amount of asset to holder out of thin air. It backs the
// development faucet and test fixtures.
func (l *Ledger) Mint(ctx context.Context, asset escrow.AssetID, holder escrow.Address, amount *big.Int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	value, err := toUint256(amount)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	balance, err := l.load(asset, holder)
	if err != nil {
		return err
	}
	credited, overflow := new(uint256.Int).AddOverflow(balance, value)
	if overflow {
		return ErrOverflow
	}
	if err := l.db.Put(balanceKey(asset, holder), credited.Bytes()); err != nil {
		return fmt.Errorf("bank: write mint: %w", err)
	}
	return nil
}
