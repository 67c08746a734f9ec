package escrow

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"proofpay/core/events"
)

var (
	errNilState   = errors.New("escrow engine: state not configured")
	errNilCustody = errors.New("escrow engine: custody not configured")
)

const (
	// DefaultListLimit is used when ListFunds is called without a limit.
	DefaultListLimit = 50
	// MaxListLimit caps a single ListFunds page.
	MaxListLimit = 500
	// MaxListScan caps the identifiers one ListFunds call examines, so a
	// sparse filter returns a short page instead of walking the registry.
	MaxListScan = 10 * MaxListLimit
)

// StateTxn is a registry transaction. Reads observe the transaction's own
// staged writes and nothing is visible elsewhere until Commit.
type StateTxn interface {
	Asset() (AssetID, bool, error)
	SetAsset(AssetID) error
	// NextFundID returns the identifier the next allocation will yield.
	NextFundID() (uint64, error)
	// AllocateFundID returns the current counter and stages counter+1.
	AllocateFundID() (uint64, error)
	GetFund(id uint64) (*Fund, bool, error)
	PutFund(*Fund) error
	// RefreshConfiguration rewrites the configuration records so their
	// retention window restarts at the transaction clock.
	RefreshConfiguration() error
	Commit() error
	Discard()
}

type engineState interface {
	Begin(now int64) (StateTxn, error)
}

// Engine is the fund state machine. Every mutating operation holds the engine
// lock for its whole duration and runs inside one registry transaction, so
// invocations are totally ordered and leave no partial state behind. Queries
// share a read lock and only observe committed batches.
type Engine struct {
	mu      sync.RWMutex
	cfg     Config
	state   engineState
	custody Custody
	emitter events.Emitter
	nowFn   func() int64
}

// NewEngine creates an escrow engine with a no-op emitter. Callers must set
// the state and custody backends before invoking operations.
func NewEngine(cfg Config) *Engine {
	if cfg.CustodyAddress.IsZero() {
		cfg.CustodyAddress = DefaultCustodyAddress()
	}
	return &Engine{
		cfg:     cfg,
		emitter: events.NoopEmitter{},
		nowFn:   func() int64 { return time.Now().Unix() },
	}
}

// SetState configures the registry backend used by the engine.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetCustody configures the ledger adapter that moves value.
func (e *Engine) SetCustody(custody Custody) { e.custody = custody }

// SetNowFunc overrides the time source used by the engine. Primarily intended
// for tests to provide deterministic timestamps.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

// SetEmitter configures the event emitter used by the engine. Passing nil resets
// the emitter to a no-op implementation.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// Config returns the configuration the engine was built with.
func (e *Engine) Config() Config { return e.cfg }

func (e *Engine) emit(evt events.Event) {
	if e == nil || e.emitter == nil {
		return
	}
	e.emitter.Emit(evt)
}

func (e *Engine) now() int64 {
	if e == nil || e.nowFn == nil {
		return time.Now().Unix()
	}
	return e.nowFn()
}

func (e *Engine) begin(now int64) (StateTxn, error) {
	if e.state == nil {
		return nil, errNilState
	}
	return e.state.Begin(now)
}

func requireAsset(tx StateTxn) (AssetID, error) {
	asset, ok, err := tx.Asset()
	if err != nil {
		return "", err
	}
	if !ok {
		return "", ErrNotInitialized
	}
	return asset, nil
}

func loadFund(tx StateTxn, id uint64) (*Fund, error) {
	fund, ok, err := tx.GetFund(id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrFundNotFound
	}
	return fund, nil
}

// Initialize configures the asset every fund is denominated in. It succeeds
// exactly once; a repeated call fails even with the same asset.
func (e *Engine) Initialize(ctx context.Context, asset AssetID) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	tx, err := e.begin(e.now())
	if err != nil {
		return err
	}
	defer tx.Discard()
	if _, ok, err := tx.Asset(); err != nil {
		return err
	} else if ok {
		return ErrAlreadyInitialized
	}
	normalized, err := NormalizeAsset(string(asset))
	if err != nil {
		return err
	}
	if err := tx.SetAsset(normalized); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("escrow engine: commit initialize: %w", err)
	}
	e.emit(NewInitializedEvent(normalized))
	return nil
}

// CreateFund pulls amount from the funder into custody and records a Pending
// fund. It returns the allocated identifier.
func (e *Engine) CreateFund(ctx context.Context, authz AuthorizationProvider, funder, beneficiary, verifier Address, amount *big.Int, deadline int64, requirement Digest) (uint64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, err := authenticate(ctx, authz, funder); err != nil {
		return 0, err
	}
	now := e.now()
	tx, err := e.begin(now)
	if err != nil {
		return 0, err
	}
	defer tx.Discard()
	asset, err := requireAsset(tx)
	if err != nil {
		return 0, err
	}
	if err := validateAmount(amount); err != nil {
		return 0, err
	}
	if deadline <= now {
		return 0, ErrDeadlinePassed
	}
	if !distinctRoles(funder, beneficiary, verifier, e.cfg.CustodyAddress) {
		return 0, ErrInvalidConfiguration
	}
	if e.custody == nil {
		return 0, errNilCustody
	}
	id, err := tx.AllocateFundID()
	if err != nil {
		return 0, err
	}
	fund := &Fund{
		ID:              id,
		Funder:          funder,
		Beneficiary:     beneficiary,
		Verifier:        verifier,
		Amount:          cloneBigInt(amount),
		Deadline:        deadline,
		RequirementHash: requirement,
		Status:          StatusPending,
		CreatedAt:       now,
	}
	if err := tx.PutFund(fund); err != nil {
		return 0, err
	}
	if err := e.custody.Transfer(ctx, asset, funder, e.cfg.CustodyAddress, fund.Amount); err != nil {
		return 0, fmt.Errorf("escrow engine: deposit: %w", err)
	}
	if err := e.commit(ctx, tx, asset, e.cfg.CustodyAddress, funder, fund.Amount); err != nil {
		return 0, err
	}
	e.emit(newFundEvent(EventTypeFundCreated, fund))
	return id, nil
}

// SubmitProof attaches (or replaces) the beneficiary's proof digest while the
// fund is not yet approved and the deadline has not passed.
func (e *Engine) SubmitProof(ctx context.Context, authz AuthorizationProvider, beneficiary Address, id uint64, proof Digest) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	identity, err := authenticate(ctx, authz, beneficiary)
	if err != nil {
		return err
	}
	now := e.now()
	tx, err := e.begin(now)
	if err != nil {
		return err
	}
	defer tx.Discard()
	fund, err := loadFund(tx, id)
	if err != nil {
		return err
	}
	if err := requireRole(identity, fund.Beneficiary); err != nil {
		return err
	}
	switch fund.Status {
	case StatusPending, StatusProofSubmitted:
	case StatusApproved, StatusReleased, StatusRefunded:
		return ErrInvalidState
	default:
		return unknownStatus(fund.Status)
	}
	if now > fund.Deadline {
		return ErrFundExpired
	}
	fund.ProofHash = &proof
	fund.Status = StatusProofSubmitted
	if err := tx.PutFund(fund); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("escrow engine: commit proof: %w", err)
	}
	e.emit(newFundEvent(EventTypeProofSubmitted, fund))
	return nil
}

// ApproveProof accepts the submitted proof. It performs no deadline check.
func (e *Engine) ApproveProof(ctx context.Context, authz AuthorizationProvider, verifier Address, id uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	identity, err := authenticate(ctx, authz, verifier)
	if err != nil {
		return err
	}
	tx, err := e.begin(e.now())
	if err != nil {
		return err
	}
	defer tx.Discard()
	fund, err := loadFund(tx, id)
	if err != nil {
		return err
	}
	if err := requireRole(identity, fund.Verifier); err != nil {
		return err
	}
	switch fund.Status {
	case StatusProofSubmitted:
	case StatusPending, StatusApproved, StatusReleased, StatusRefunded:
		return ErrInvalidState
	default:
		return unknownStatus(fund.Status)
	}
	if !fund.HasProof() {
		return ErrNoProofSubmitted
	}
	fund.Status = StatusApproved
	if err := tx.PutFund(fund); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("escrow engine: commit approval: %w", err)
	}
	e.emit(newFundEvent(EventTypeFundApproved, fund))
	return nil
}

// ReleaseFunds pays an approved fund to its beneficiary.
func (e *Engine) ReleaseFunds(ctx context.Context, authz AuthorizationProvider, beneficiary Address, id uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	identity, err := authenticate(ctx, authz, beneficiary)
	if err != nil {
		return err
	}
	tx, err := e.begin(e.now())
	if err != nil {
		return err
	}
	defer tx.Discard()
	fund, err := loadFund(tx, id)
	if err != nil {
		return err
	}
	if err := requireRole(identity, fund.Beneficiary); err != nil {
		return err
	}
	switch fund.Status {
	case StatusApproved:
	case StatusPending, StatusProofSubmitted, StatusReleased, StatusRefunded:
		return ErrInvalidState
	default:
		return unknownStatus(fund.Status)
	}
	fund.Status = StatusReleased
	if err := e.payOut(ctx, tx, fund, fund.Beneficiary); err != nil {
		return err
	}
	e.emit(newFundEvent(EventTypeFundReleased, fund))
	return nil
}

// RefundFunder returns the amount of an unapproved fund to its funder once
// the deadline has passed.
func (e *Engine) RefundFunder(ctx context.Context, authz AuthorizationProvider, funder Address, id uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	identity, err := authenticate(ctx, authz, funder)
	if err != nil {
		return err
	}
	now := e.now()
	tx, err := e.begin(now)
	if err != nil {
		return err
	}
	defer tx.Discard()
	fund, err := loadFund(tx, id)
	if err != nil {
		return err
	}
	if err := requireRole(identity, fund.Funder); err != nil {
		return err
	}
	if now <= fund.Deadline {
		return ErrDeadlineNotExpired
	}
	switch fund.Status {
	case StatusPending, StatusProofSubmitted:
	case StatusApproved:
		return ErrAlreadyApproved
	case StatusReleased:
		return ErrAlreadyReleased
	case StatusRefunded:
		return ErrAlreadyRefunded
	default:
		return unknownStatus(fund.Status)
	}
	fund.Status = StatusRefunded
	if err := e.payOut(ctx, tx, fund, fund.Funder); err != nil {
		return err
	}
	e.emit(newFundEvent(EventTypeFundRefunded, fund))
	return nil
}

// payOut stages the terminal fund record, checks custody can cover the
// amount, moves it to recipient and commits.
func (e *Engine) payOut(ctx context.Context, tx StateTxn, fund *Fund, recipient Address) error {
	asset, err := requireAsset(tx)
	if err != nil {
		return err
	}
	if e.custody == nil {
		return errNilCustody
	}
	balance, err := e.custody.Balance(ctx, asset, e.cfg.CustodyAddress)
	if err != nil {
		return fmt.Errorf("escrow engine: custody balance: %w", err)
	}
	if balance == nil || balance.Cmp(fund.Amount) < 0 {
		return ErrInsufficientBalance
	}
	if err := tx.PutFund(fund); err != nil {
		return err
	}
	if err := e.custody.Transfer(ctx, asset, e.cfg.CustodyAddress, recipient, fund.Amount); err != nil {
		return fmt.Errorf("escrow engine: payout: %w", err)
	}
	return e.commit(ctx, tx, asset, recipient, e.cfg.CustodyAddress, fund.Amount)
}

// commit persists tx after value already moved. When the commit fails the
// transfer is reversed from `from` back to `to`.
func (e *Engine) commit(ctx context.Context, tx StateTxn, asset AssetID, from, to Address, amount *big.Int) error {
	commitErr := tx.Commit()
	if commitErr == nil {
		return nil
	}
	commitErr = fmt.Errorf("escrow engine: commit: %w", commitErr)
	if err := e.custody.Transfer(context.WithoutCancel(ctx), asset, from, to, amount); err != nil {
		return errors.Join(commitErr, fmt.Errorf("escrow engine: reverse transfer: %w", err))
	}
	return commitErr
}

// Fund returns a copy of the stored fund.
func (e *Engine) Fund(ctx context.Context, id uint64) (*Fund, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	tx, err := e.begin(e.now())
	if err != nil {
		return nil, err
	}
	defer tx.Discard()
	return loadFund(tx, id)
}

// ListOptions pages through funds in identifier order. Role and Address
// together select the funds where Address holds Role.
type ListOptions struct {
	Offset  uint64
	Limit   int
	Status  *FundStatus
	Role    Role
	Address Address
}

func (o ListOptions) matches(f *Fund) bool {
	if o.Status != nil && f.Status != *o.Status {
		return false
	}
	if o.Role != "" {
		holder, _ := f.Participant(o.Role)
		return holder == o.Address
	}
	return true
}

// ListResult is one page of funds. Next is the offset to resume from and
// equals Total once the scan is complete. A filtered page may hold fewer
// than Limit funds while Next is still below Total.
type ListResult struct {
	Funds []*Fund
	Next  uint64
	Total uint64
}

// ListFunds scans the registry by identifier, examining at most MaxListScan
// identifiers per call. Records that lapsed from storage are skipped.
func (e *Engine) ListFunds(ctx context.Context, opts ListOptions) (ListResult, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}
	if opts.Role != "" {
		if _, err := ParseRole(string(opts.Role)); err != nil {
			return ListResult{}, err
		}
		if opts.Address.IsZero() {
			return ListResult{}, errors.New("escrow: role filter requires an address")
		}
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	tx, err := e.begin(e.now())
	if err != nil {
		return ListResult{}, err
	}
	defer tx.Discard()
	total, err := tx.NextFundID()
	if err != nil {
		return ListResult{}, err
	}
	result := ListResult{Total: total, Next: total}
	scanned := 0
	for id := opts.Offset; id < total; id++ {
		if err := ctx.Err(); err != nil {
			return ListResult{}, err
		}
		if len(result.Funds) == limit || scanned == MaxListScan {
			result.Next = id
			break
		}
		scanned++
		fund, ok, err := tx.GetFund(id)
		if err != nil {
			return ListResult{}, err
		}
		if ok && opts.matches(fund) {
			result.Funds = append(result.Funds, fund)
		}
	}
	return result, nil
}

// Asset returns the configured asset.
func (e *Engine) Asset(ctx context.Context) (AssetID, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	tx, err := e.begin(e.now())
	if err != nil {
		return "", err
	}
	defer tx.Discard()
	return requireAsset(tx)
}

// CustodyBalance reports the pooled balance held for open funds.
func (e *Engine) CustodyBalance(ctx context.Context) (*big.Int, error) {
	asset, err := e.Asset(ctx)
	if err != nil {
		return nil, err
	}
	if e.custody == nil {
		return nil, errNilCustody
	}
	return e.custody.Balance(ctx, asset, e.cfg.CustodyAddress)
}

// RefreshConfiguration restarts the retention window of the configuration
// records without changing them.
func (e *Engine) RefreshConfiguration(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	tx, err := e.begin(e.now())
	if err != nil {
		return err
	}
	defer tx.Discard()
	if err := tx.RefreshConfiguration(); err != nil {
		return err
	}
	return tx.Commit()
}
