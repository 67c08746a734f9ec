package state

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"

	"proofpay/native/escrow"
	"proofpay/storage"
)

// DefaultRetention is how long a record survives after its last write,
// roughly six months.
const DefaultRetention = 15_768_000 * time.Second

var (
	fundPrefix      = []byte("escrow/fund/")
	nextFundIDKey   = ethcrypto.Keccak256([]byte("escrow/next-fund-id"))
	assetKey        = ethcrypto.Keccak256([]byte("escrow/asset"))
	errTxnClosed    = errors.New("state: transaction already closed")
	errIDCollision  = errors.New("state: fund identifier already in use")
	errNegativeTime = errors.New("state: negative timestamp")
)

func fundKey(id uint64) []byte {
	buf := make([]byte, len(fundPrefix)+8)
	copy(buf, fundPrefix)
	binary.BigEndian.PutUint64(buf[len(fundPrefix):], id)
	return ethcrypto.Keccak256(buf)
}

// fundRecord is the RLP layout of a stored fund. RLP has no signed integers
// or optionals, so timestamps are unsigned and the proof carries a flag.
type fundRecord struct {
	ID              uint64
	Funder          [20]byte
	Beneficiary     [20]byte
	Verifier        [20]byte
	Amount          *big.Int
	Deadline        uint64
	HasProof        bool
	ProofHash       [32]byte
	RequirementHash [32]byte
	Status          uint8
	CreatedAt       uint64
}

func encodeFund(f *escrow.Fund) ([]byte, error) {
	if f == nil {
		return nil, fmt.Errorf("state: nil fund")
	}
	if f.Deadline < 0 || f.CreatedAt < 0 {
		return nil, errNegativeTime
	}
	if f.Amount == nil || f.Amount.Sign() < 0 {
		return nil, fmt.Errorf("state: fund %d has invalid amount", f.ID)
	}
	rec := fundRecord{
		ID:              f.ID,
		Funder:          f.Funder,
		Beneficiary:     f.Beneficiary,
		Verifier:        f.Verifier,
		Amount:          f.Amount,
		Deadline:        uint64(f.Deadline),
		RequirementHash: f.RequirementHash,
		Status:          uint8(f.Status),
		CreatedAt:       uint64(f.CreatedAt),
	}
	if f.ProofHash != nil {
		rec.HasProof = true
		rec.ProofHash = *f.ProofHash
	}
	return rlp.EncodeToBytes(rec)
}

func decodeFund(data []byte) (*escrow.Fund, error) {
	var rec fundRecord
	if err := rlp.DecodeBytes(data, &rec); err != nil {
		return nil, fmt.Errorf("state: decode fund: %w", err)
	}
	f := &escrow.Fund{
		ID:              rec.ID,
		Funder:          rec.Funder,
		Beneficiary:     rec.Beneficiary,
		Verifier:        rec.Verifier,
		Amount:          rec.Amount,
		Deadline:        int64(rec.Deadline),
		RequirementHash: rec.RequirementHash,
		Status:          escrow.FundStatus(rec.Status),
		CreatedAt:       int64(rec.CreatedAt),
	}
	if f.Amount == nil {
		f.Amount = big.NewInt(0)
	}
	if rec.HasProof {
		proof := escrow.Digest(rec.ProofHash)
		f.ProofHash = &proof
	}
	return f, nil
}

// Registry is the durable fund registry and configuration store backing the
// escrow engine. Every value is kept in a retention envelope; a record not
// rewritten within the retention window reads as absent.
type Registry struct {
	db        storage.Database
	retention int64
}

// NewRegistry creates a registry over db. A non-positive retention selects
// DefaultRetention.
func NewRegistry(db storage.Database, retention time.Duration) *Registry {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Registry{db: db, retention: int64(retention / time.Second)}
}

// Retention returns the configured retention window.
func (r *Registry) Retention() time.Duration {
	return time.Duration(r.retention) * time.Second
}

// Begin opens a transaction whose reads and expiry computations use now.
func (r *Registry) Begin(now int64) (escrow.StateTxn, error) {
	if r == nil || r.db == nil {
		return nil, fmt.Errorf("state: registry database not configured")
	}
	if now < 0 {
		return nil, errNegativeTime
	}
	return &Txn{
		reg:     r,
		now:     now,
		batch:   r.db.NewBatch(),
		pending: make(map[string][]byte),
	}, nil
}

// Txn buffers registry writes in a storage batch. It implements
// escrow.StateTxn.
type Txn struct {
	reg     *Registry
	now     int64
	batch   storage.Batch
	pending map[string][]byte
	closed  bool
}

func (t *Txn) expiry() int64 { return t.now + t.reg.retention }

// get returns the live value under key, honoring staged writes.
func (t *Txn) get(key []byte) ([]byte, bool, error) {
	if t.closed {
		return nil, false, errTxnClosed
	}
	raw, ok := t.pending[string(key)]
	if !ok {
		var err error
		raw, err = t.reg.db.Get(key)
		if errors.Is(err, storage.ErrNotFound) {
			return nil, false, nil
		}
		if err != nil {
			return nil, false, err
		}
	}
	value, expiresAt, err := storage.DecodeRetained(raw)
	if err != nil {
		return nil, false, err
	}
	if storage.Expired(expiresAt, t.now) {
		return nil, false, nil
	}
	return value, true, nil
}

// put stages value with a retention window starting now.
func (t *Txn) put(key, value []byte) error {
	if t.closed {
		return errTxnClosed
	}
	raw, err := storage.EncodeRetained(value, t.expiry())
	if err != nil {
		return err
	}
	t.pending[string(key)] = raw
	t.batch.Put(key, raw)
	return nil
}

func (t *Txn) Asset() (escrow.AssetID, bool, error) {
	value, ok, err := t.get(assetKey)
	if err != nil || !ok {
		return "", false, err
	}
	var asset string
	if err := rlp.DecodeBytes(value, &asset); err != nil {
		return "", false, fmt.Errorf("state: decode asset: %w", err)
	}
	return escrow.AssetID(asset), true, nil
}

func (t *Txn) SetAsset(asset escrow.AssetID) error {
	encoded, err := rlp.EncodeToBytes(string(asset))
	if err != nil {
		return err
	}
	return t.put(assetKey, encoded)
}

func (t *Txn) NextFundID() (uint64, error) {
	value, ok, err := t.get(nextFundIDKey)
	if err != nil || !ok {
		return 0, err
	}
	var next uint64
	if err := rlp.DecodeBytes(value, &next); err != nil {
		return 0, fmt.Errorf("state: decode fund counter: %w", err)
	}
	return next, nil
}

func (t *Txn) AllocateFundID() (uint64, error) {
	id, err := t.NextFundID()
	if err != nil {
		return 0, err
	}
	if _, exists, err := t.get(fundKey(id)); err != nil {
		return 0, err
	} else if exists {
		// Only reachable when the counter lapsed while funds survived.
		return 0, fmt.Errorf("%w: %d", errIDCollision, id)
	}
	if err := t.putCounter(id + 1); err != nil {
		return 0, err
	}
	return id, nil
}

func (t *Txn) putCounter(next uint64) error {
	encoded, err := rlp.EncodeToBytes(next)
	if err != nil {
		return err
	}
	if err := t.put(nextFundIDKey, encoded); err != nil {
		return err
	}
	// The counter and the asset share one retention horizon.
	return t.touch(assetKey)
}

// touch restages key with a fresh retention window if it is live.
func (t *Txn) touch(key []byte) error {
	value, ok, err := t.get(key)
	if err != nil || !ok {
		return err
	}
	return t.put(key, value)
}

func (t *Txn) GetFund(id uint64) (*escrow.Fund, bool, error) {
	value, ok, err := t.get(fundKey(id))
	if err != nil || !ok {
		return nil, false, err
	}
	fund, err := decodeFund(value)
	if err != nil {
		return nil, false, err
	}
	return fund, true, nil
}

func (t *Txn) PutFund(f *escrow.Fund) error {
	encoded, err := encodeFund(f)
	if err != nil {
		return err
	}
	return t.put(fundKey(f.ID), encoded)
}

func (t *Txn) RefreshConfiguration() error {
	if err := t.touch(assetKey); err != nil {
		return err
	}
	return t.touch(nextFundIDKey)
}

// Commit writes every staged record atomically.
func (t *Txn) Commit() error {
	if t.closed {
		return errTxnClosed
	}
	t.closed = true
	if t.batch.Len() == 0 {
		return nil
	}
	return t.batch.Write()
}

// Discard drops staged writes. It is safe to call after Commit.
func (t *Txn) Discard() {
	if t.closed {
		return
	}
	t.closed = true
	t.batch.Reset()
	t.pending = nil
}
