package escrow

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/big"
	"testing"
	"time"

	"proofpay/core/events"
)

const testNow int64 = 1_700_000_000

type mockState struct {
	funds      map[uint64]*Fund
	asset      AssetID
	nextID     uint64
	refreshes  int
	failCommit error
	commits    int
}

func newMockState() *mockState {
	return &mockState{funds: make(map[uint64]*Fund)}
}

func (m *mockState) Begin(now int64) (StateTxn, error) {
	return &mockTxn{state: m, asset: m.asset, nextID: m.nextID, staged: make(map[uint64]*Fund)}, nil
}

type mockTxn struct {
	state     *mockState
	asset     AssetID
	nextID    uint64
	staged    map[uint64]*Fund
	refreshed bool
}

func (t *mockTxn) Asset() (AssetID, bool, error) { return t.asset, t.asset != "", nil }

func (t *mockTxn) SetAsset(asset AssetID) error {
	t.asset = asset
	return nil
}

func (t *mockTxn) NextFundID() (uint64, error) { return t.nextID, nil }

func (t *mockTxn) AllocateFundID() (uint64, error) {
	id := t.nextID
	t.nextID++
	return id, nil
}

func (t *mockTxn) GetFund(id uint64) (*Fund, bool, error) {
	if fund, ok := t.staged[id]; ok {
		return fund.Clone(), true, nil
	}
	fund, ok := t.state.funds[id]
	if !ok {
		return nil, false, nil
	}
	return fund.Clone(), true, nil
}

func (t *mockTxn) PutFund(f *Fund) error {
	if f == nil {
		return fmt.Errorf("nil fund")
	}
	t.staged[f.ID] = f.Clone()
	return nil
}

func (t *mockTxn) RefreshConfiguration() error {
	t.refreshed = true
	return nil
}

func (t *mockTxn) Commit() error {
	if t.state.failCommit != nil {
		return t.state.failCommit
	}
	t.state.commits++
	t.state.asset = t.asset
	t.state.nextID = t.nextID
	for id, fund := range t.staged {
		t.state.funds[id] = fund
	}
	if t.refreshed {
		t.state.refreshes++
	}
	t.staged = make(map[uint64]*Fund)
	return nil
}

func (t *mockTxn) Discard() { t.staged = make(map[uint64]*Fund) }

type transferRecord struct {
	from, to Address
	amount   *big.Int
}

type mockCustody struct {
	balances     map[Address]*big.Int
	transfers    []transferRecord
	failTransfer error
	balanceErr   error
}

func newMockCustody() *mockCustody {
	return &mockCustody{balances: make(map[Address]*big.Int)}
}

func (m *mockCustody) credit(addr Address, amount int64) {
	m.balances[addr] = new(big.Int).Add(m.balanceOf(addr), big.NewInt(amount))
}

func (m *mockCustody) balanceOf(addr Address) *big.Int {
	if bal, ok := m.balances[addr]; ok {
		return new(big.Int).Set(bal)
	}
	return big.NewInt(0)
}

func (m *mockCustody) Transfer(_ context.Context, asset AssetID, from, to Address, amount *big.Int) error {
	if m.failTransfer != nil {
		return m.failTransfer
	}
	if asset == "" {
		return fmt.Errorf("asset required")
	}
	if m.balanceOf(from).Cmp(amount) < 0 {
		return fmt.Errorf("ledger: insufficient funds")
	}
	m.balances[from] = new(big.Int).Sub(m.balanceOf(from), amount)
	m.balances[to] = new(big.Int).Add(m.balanceOf(to), amount)
	m.transfers = append(m.transfers, transferRecord{from: from, to: to, amount: new(big.Int).Set(amount)})
	return nil
}

func (m *mockCustody) Balance(_ context.Context, _ AssetID, holder Address) (*big.Int, error) {
	if m.balanceErr != nil {
		return nil, m.balanceErr
	}
	return m.balanceOf(holder), nil
}

func newTestAddress(fill byte) Address {
	var addr Address
	copy(addr[:], bytes.Repeat([]byte{fill}, 20))
	return addr
}

func newTestDigest(fill byte) Digest {
	var d Digest
	copy(d[:], bytes.Repeat([]byte{fill}, 32))
	return d
}

var (
	funderAddr      = newTestAddress(0x01)
	beneficiaryAddr = newTestAddress(0x02)
	verifierAddr    = newTestAddress(0x03)
	outsiderAddr    = newTestAddress(0x04)
	custodyAddr     = newTestAddress(0xCC)
)

// allowAll proves whatever identity the caller claims.
var allowAll = AuthorizerFunc(func(_ context.Context, claimed Address) (Identity, error) {
	return VerifiedIdentity(claimed), nil
})

var denyAll = AuthorizerFunc(func(context.Context, Address) (Identity, error) {
	return Identity{}, errors.New("signature invalid")
})

// provenAs always proves addr, whatever is claimed.
func provenAs(addr Address) AuthorizationProvider {
	return AuthorizerFunc(func(context.Context, Address) (Identity, error) {
		return VerifiedIdentity(addr), nil
	})
}

type testEnv struct {
	engine  *Engine
	state   *mockState
	custody *mockCustody
	events  *events.Buffer
	clock   *int64
}

func newTestEngine(t *testing.T) *testEnv {
	t.Helper()
	state := newMockState()
	custody := newMockCustody()
	custody.credit(funderAddr, 10_000)
	buf := &events.Buffer{}
	clock := testNow
	engine := NewEngine(Config{CustodyAddress: custodyAddr})
	engine.SetState(state)
	engine.SetCustody(custody)
	engine.SetEmitter(buf)
	engine.SetNowFunc(func() int64 { return clock })
	if err := engine.Initialize(context.Background(), "XLM"); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	return &testEnv{engine: engine, state: state, custody: custody, events: buf, clock: &clock}
}

func (env *testEnv) at(ts int64) { *env.clock = ts }

func (env *testEnv) create(t *testing.T, amount int64, deadline int64) uint64 {
	t.Helper()
	id, err := env.engine.CreateFund(context.Background(), allowAll, funderAddr, beneficiaryAddr, verifierAddr, big.NewInt(amount), deadline, newTestDigest(0xAB))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	return id
}

func (env *testEnv) fund(t *testing.T, id uint64) *Fund {
	t.Helper()
	fund, err := env.engine.Fund(context.Background(), id)
	if err != nil {
		t.Fatalf("fund %d: %v", id, err)
	}
	return fund
}

// seed stores a fund directly, bypassing the state machine.
func (env *testEnv) seed(status FundStatus, proof *Digest) uint64 {
	id := env.state.nextID
	env.state.nextID++
	env.state.funds[id] = &Fund{
		ID:          id,
		Funder:      funderAddr,
		Beneficiary: beneficiaryAddr,
		Verifier:    verifierAddr,
		Amount:      big.NewInt(100),
		Deadline:    testNow + 100,
		ProofHash:   proof,
		Status:      status,
		CreatedAt:   testNow,
	}
	env.custody.credit(custodyAddr, 100)
	return id
}

func TestInitializeOnlyOnce(t *testing.T) {
	env := newTestEngine(t)
	ctx := context.Background()
	asset, err := env.engine.Asset(ctx)
	if err != nil || asset != "XLM" {
		t.Fatalf("asset: %q %v", asset, err)
	}
	for _, candidate := range []AssetID{"XLM", "USDC"} {
		if err := env.engine.Initialize(ctx, candidate); !errors.Is(err, ErrAlreadyInitialized) {
			t.Fatalf("initialize %s: expected ErrAlreadyInitialized, got %v", candidate, err)
		}
	}
}

func TestInitializeNormalizesAndValidatesAsset(t *testing.T) {
	engine := NewEngine(Config{})
	state := newMockState()
	engine.SetState(state)
	ctx := context.Background()
	if _, err := engine.Asset(ctx); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("expected ErrNotInitialized, got %v", err)
	}
	for _, bad := range []AssetID{"", "  ", "usd-c", "ABCDEFGHIJKLM"} {
		if err := engine.Initialize(ctx, bad); !errors.Is(err, ErrInvalidConfiguration) {
			t.Fatalf("asset %q: expected ErrInvalidConfiguration, got %v", bad, err)
		}
	}
	if err := engine.Initialize(ctx, " usdc "); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if state.asset != "USDC" {
		t.Fatalf("expected normalized asset, got %q", state.asset)
	}
	if engine.Config().CustodyAddress != DefaultCustodyAddress() {
		t.Fatalf("expected default custody address")
	}
}

func TestCreateValidations(t *testing.T) {
	overflow := new(big.Int).Lsh(big.NewInt(1), 127)
	cases := []struct {
		name        string
		authz       AuthorizationProvider
		funder      Address
		beneficiary Address
		verifier    Address
		amount      *big.Int
		deadline    int64
		want        error
	}{
		{"denied", denyAll, funderAddr, beneficiaryAddr, verifierAddr, big.NewInt(1), testNow + 10, ErrUnauthorized},
		{"proven as someone else", provenAs(outsiderAddr), funderAddr, beneficiaryAddr, verifierAddr, big.NewInt(1), testNow + 10, ErrUnauthorized},
		{"nil provider", nil, funderAddr, beneficiaryAddr, verifierAddr, big.NewInt(1), testNow + 10, ErrUnauthorized},
		{"zero amount", allowAll, funderAddr, beneficiaryAddr, verifierAddr, big.NewInt(0), testNow + 10, ErrInvalidAmount},
		{"negative amount", allowAll, funderAddr, beneficiaryAddr, verifierAddr, big.NewInt(-5), testNow + 10, ErrInvalidAmount},
		{"nil amount", allowAll, funderAddr, beneficiaryAddr, verifierAddr, nil, testNow + 10, ErrInvalidAmount},
		{"amount beyond int128", allowAll, funderAddr, beneficiaryAddr, verifierAddr, overflow, testNow + 10, ErrInvalidAmount},
		{"deadline now", allowAll, funderAddr, beneficiaryAddr, verifierAddr, big.NewInt(1), testNow, ErrDeadlinePassed},
		{"deadline past", allowAll, funderAddr, beneficiaryAddr, verifierAddr, big.NewInt(1), testNow - 1, ErrDeadlinePassed},
		{"funder is beneficiary", allowAll, funderAddr, funderAddr, verifierAddr, big.NewInt(1), testNow + 10, ErrInvalidConfiguration},
		{"funder is verifier", allowAll, funderAddr, beneficiaryAddr, funderAddr, big.NewInt(1), testNow + 10, ErrInvalidConfiguration},
		{"beneficiary is verifier", allowAll, funderAddr, beneficiaryAddr, beneficiaryAddr, big.NewInt(1), testNow + 10, ErrInvalidConfiguration},
		{"role is custody", allowAll, funderAddr, custodyAddr, verifierAddr, big.NewInt(1), testNow + 10, ErrInvalidConfiguration},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestEngine(t)
			_, err := env.engine.CreateFund(context.Background(), tc.authz, tc.funder, tc.beneficiary, tc.verifier, tc.amount, tc.deadline, Digest{})
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
			if env.state.nextID != 0 || len(env.state.funds) != 0 {
				t.Fatalf("failed create must not allocate (next=%d funds=%d)", env.state.nextID, len(env.state.funds))
			}
			if len(env.custody.transfers) != 0 {
				t.Fatalf("failed create must not move value")
			}
		})
	}
}

func TestCreateBeforeInitialize(t *testing.T) {
	engine := NewEngine(Config{CustodyAddress: custodyAddr})
	engine.SetState(newMockState())
	engine.SetCustody(newMockCustody())
	engine.SetNowFunc(func() int64 { return testNow })
	_, err := engine.CreateFund(context.Background(), allowAll, funderAddr, beneficiaryAddr, verifierAddr, big.NewInt(1), testNow+10, Digest{})
	if !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("expected ErrNotInitialized, got %v", err)
	}
}

func TestCreateAllocatesSequentialIDs(t *testing.T) {
	env := newTestEngine(t)
	ctx := context.Background()
	for want := uint64(0); want < 4; want++ {
		// A failed attempt between successes never consumes an identifier.
		if _, err := env.engine.CreateFund(ctx, allowAll, funderAddr, beneficiaryAddr, verifierAddr, big.NewInt(0), testNow+10, Digest{}); !errors.Is(err, ErrInvalidAmount) {
			t.Fatalf("expected ErrInvalidAmount, got %v", err)
		}
		id := env.create(t, 10, testNow+100)
		if id != want {
			t.Fatalf("expected id %d, got %d", want, id)
		}
	}
	fund := env.fund(t, 2)
	if fund.Status != StatusPending || fund.HasProof() || fund.CreatedAt != testNow {
		t.Fatalf("unexpected fresh fund %+v", fund)
	}
	if fund.RequirementHash != newTestDigest(0xAB) {
		t.Fatalf("requirement hash not stored")
	}
	if got := env.custody.balanceOf(custodyAddr); got.Int64() != 40 {
		t.Fatalf("expected custody 40, got %s", got)
	}
}

func TestCreateTransferFailureLeavesNoTrace(t *testing.T) {
	env := newTestEngine(t)
	env.custody.failTransfer = errors.New("ledger offline")
	_, err := env.engine.CreateFund(context.Background(), allowAll, funderAddr, beneficiaryAddr, verifierAddr, big.NewInt(10), testNow+10, Digest{})
	if err == nil || !errors.Is(err, env.custody.failTransfer) {
		t.Fatalf("expected transfer failure, got %v", err)
	}
	if _, typed := CodeOf(err); typed {
		t.Fatalf("infrastructure failure must not carry a code")
	}
	if env.state.nextID != 0 || len(env.state.funds) != 0 {
		t.Fatalf("transfer failure must discard staged writes")
	}
}

func TestCreateCommitFailureReversesDeposit(t *testing.T) {
	env := newTestEngine(t)
	env.state.failCommit = errors.New("disk full")
	_, err := env.engine.CreateFund(context.Background(), allowAll, funderAddr, beneficiaryAddr, verifierAddr, big.NewInt(10), testNow+10, Digest{})
	if !errors.Is(err, env.state.failCommit) {
		t.Fatalf("expected commit failure, got %v", err)
	}
	if got := env.custody.balanceOf(funderAddr); got.Int64() != 10_000 {
		t.Fatalf("deposit not reversed, funder holds %s", got)
	}
	if got := env.custody.balanceOf(custodyAddr); got.Sign() != 0 {
		t.Fatalf("custody should be empty, holds %s", got)
	}
	if len(env.custody.transfers) != 2 {
		t.Fatalf("expected deposit and reversal, got %d transfers", len(env.custody.transfers))
	}
}

func TestSubmitProofResubmission(t *testing.T) {
	env := newTestEngine(t)
	ctx := context.Background()
	id := env.create(t, 100, testNow+100)
	for i, fill := range []byte{0x10, 0x20, 0x30} {
		env.at(testNow + int64(i)*50)
		if err := env.engine.SubmitProof(ctx, allowAll, beneficiaryAddr, id, newTestDigest(fill)); err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
		fund := env.fund(t, id)
		if fund.Status != StatusProofSubmitted || *fund.ProofHash != newTestDigest(fill) {
			t.Fatalf("submit %d: unexpected fund %+v", i, fund)
		}
	}
}

func TestSubmitProofFailures(t *testing.T) {
	env := newTestEngine(t)
	ctx := context.Background()
	id := env.create(t, 100, testNow+100)

	if err := env.engine.SubmitProof(ctx, allowAll, beneficiaryAddr, 42, Digest{}); !errors.Is(err, ErrFundNotFound) {
		t.Fatalf("expected ErrFundNotFound, got %v", err)
	}
	if err := env.engine.SubmitProof(ctx, allowAll, outsiderAddr, id, Digest{}); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("outsider: expected ErrUnauthorized, got %v", err)
	}
	if err := env.engine.SubmitProof(ctx, allowAll, verifierAddr, id, Digest{}); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("verifier: expected ErrUnauthorized, got %v", err)
	}
	if err := env.engine.SubmitProof(ctx, provenAs(outsiderAddr), beneficiaryAddr, id, Digest{}); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("unproven claim: expected ErrUnauthorized, got %v", err)
	}
	env.at(testNow + 100)
	if err := env.engine.SubmitProof(ctx, allowAll, beneficiaryAddr, id, newTestDigest(1)); err != nil {
		t.Fatalf("submit at deadline: %v", err)
	}
	env.at(testNow + 101)
	if err := env.engine.SubmitProof(ctx, allowAll, beneficiaryAddr, id, newTestDigest(2)); !errors.Is(err, ErrFundExpired) {
		t.Fatalf("expected ErrFundExpired, got %v", err)
	}
	pending := env.seed(StatusPending, nil)
	if err := env.engine.SubmitProof(ctx, allowAll, beneficiaryAddr, pending, newTestDigest(2)); !errors.Is(err, ErrFundExpired) {
		t.Fatalf("pending after deadline: expected ErrFundExpired, got %v", err)
	}
}

func TestZeroDigestIsAValidProof(t *testing.T) {
	env := newTestEngine(t)
	ctx := context.Background()
	id := env.create(t, 100, testNow+100)
	if err := env.engine.SubmitProof(ctx, allowAll, beneficiaryAddr, id, Digest{}); err != nil {
		t.Fatalf("submit zero digest: %v", err)
	}
	if !env.fund(t, id).HasProof() {
		t.Fatalf("zero digest should count as a proof")
	}
	if err := env.engine.ApproveProof(ctx, allowAll, verifierAddr, id); err != nil {
		t.Fatalf("approve zero digest: %v", err)
	}
}

func TestApproveProof(t *testing.T) {
	env := newTestEngine(t)
	ctx := context.Background()
	id := env.create(t, 100, testNow+100)

	if err := env.engine.ApproveProof(ctx, allowAll, verifierAddr, id); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("pending: expected ErrInvalidState, got %v", err)
	}
	if err := env.engine.SubmitProof(ctx, allowAll, beneficiaryAddr, id, newTestDigest(0x11)); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := env.engine.ApproveProof(ctx, allowAll, beneficiaryAddr, id); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("beneficiary approving: expected ErrUnauthorized, got %v", err)
	}
	// Approval has no deadline check.
	env.at(testNow + 10_000)
	if err := env.engine.ApproveProof(ctx, allowAll, verifierAddr, id); err != nil {
		t.Fatalf("approve after deadline: %v", err)
	}
	if status := env.fund(t, id).Status; status != StatusApproved {
		t.Fatalf("expected approved, got %s", status)
	}
	if err := env.engine.ApproveProof(ctx, allowAll, verifierAddr, id); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("second approval: expected ErrInvalidState, got %v", err)
	}
}

func TestApproveWithoutProofDigest(t *testing.T) {
	env := newTestEngine(t)
	id := env.seed(StatusProofSubmitted, nil)
	if err := env.engine.ApproveProof(context.Background(), allowAll, verifierAddr, id); !errors.Is(err, ErrNoProofSubmitted) {
		t.Fatalf("expected ErrNoProofSubmitted, got %v", err)
	}
}

func TestReleaseScenario(t *testing.T) {
	env := newTestEngine(t)
	ctx := context.Background()
	id := env.create(t, 1000, testNow+100)

	env.at(testNow + 10)
	if err := env.engine.SubmitProof(ctx, allowAll, beneficiaryAddr, id, newTestDigest(0xE1)); err != nil {
		t.Fatalf("submit: %v", err)
	}
	env.at(testNow + 20)
	if err := env.engine.ApproveProof(ctx, allowAll, verifierAddr, id); err != nil {
		t.Fatalf("approve: %v", err)
	}
	env.at(testNow + 30)
	if err := env.engine.ReleaseFunds(ctx, allowAll, funderAddr, id); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("funder releasing: expected ErrUnauthorized, got %v", err)
	}
	if err := env.engine.ReleaseFunds(ctx, allowAll, beneficiaryAddr, id); err != nil {
		t.Fatalf("release: %v", err)
	}
	if got := env.custody.balanceOf(beneficiaryAddr); got.Int64() != 1000 {
		t.Fatalf("beneficiary expected 1000, got %s", got)
	}
	if got := env.custody.balanceOf(custodyAddr); got.Sign() != 0 {
		t.Fatalf("custody expected 0, got %s", got)
	}
	if status := env.fund(t, id).Status; status != StatusReleased {
		t.Fatalf("expected released, got %s", status)
	}
	if err := env.engine.ReleaseFunds(ctx, allowAll, beneficiaryAddr, id); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("second release: expected ErrInvalidState, got %v", err)
	}
	env.at(testNow + 150)
	if err := env.engine.RefundFunder(ctx, allowAll, funderAddr, id); !errors.Is(err, ErrAlreadyReleased) {
		t.Fatalf("refund after release: expected ErrAlreadyReleased, got %v", err)
	}
}

func TestRefundScenario(t *testing.T) {
	env := newTestEngine(t)
	ctx := context.Background()
	id := env.create(t, 1000, testNow+100)

	env.at(testNow + 100)
	if err := env.engine.RefundFunder(ctx, allowAll, funderAddr, id); !errors.Is(err, ErrDeadlineNotExpired) {
		t.Fatalf("refund at deadline: expected ErrDeadlineNotExpired, got %v", err)
	}
	env.at(testNow + 101)
	if err := env.engine.RefundFunder(ctx, allowAll, beneficiaryAddr, id); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("beneficiary refunding: expected ErrUnauthorized, got %v", err)
	}
	if err := env.engine.RefundFunder(ctx, allowAll, funderAddr, id); err != nil {
		t.Fatalf("refund: %v", err)
	}
	if got := env.custody.balanceOf(funderAddr); got.Int64() != 10_000 {
		t.Fatalf("funder expected full balance back, got %s", got)
	}
	if status := env.fund(t, id).Status; status != StatusRefunded {
		t.Fatalf("expected refunded, got %s", status)
	}
	if err := env.engine.SubmitProof(ctx, allowAll, beneficiaryAddr, id, newTestDigest(1)); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("submit after refund: expected ErrInvalidState, got %v", err)
	}
	if err := env.engine.RefundFunder(ctx, allowAll, funderAddr, id); !errors.Is(err, ErrAlreadyRefunded) {
		t.Fatalf("second refund: expected ErrAlreadyRefunded, got %v", err)
	}
}

func TestRefundBeforeDeadlineIgnoresStatus(t *testing.T) {
	for _, status := range AllStatuses() {
		t.Run(status.String(), func(t *testing.T) {
			env := newTestEngine(t)
			proof := newTestDigest(0x01)
			id := env.seed(status, &proof)
			if err := env.engine.RefundFunder(context.Background(), allowAll, funderAddr, id); !errors.Is(err, ErrDeadlineNotExpired) {
				t.Fatalf("expected ErrDeadlineNotExpired, got %v", err)
			}
		})
	}
}

func TestRefundAfterDeadlineByStatus(t *testing.T) {
	cases := map[FundStatus]error{
		StatusPending:        nil,
		StatusProofSubmitted: nil,
		StatusApproved:       ErrAlreadyApproved,
		StatusReleased:       ErrAlreadyReleased,
		StatusRefunded:       ErrAlreadyRefunded,
	}
	for status, want := range cases {
		t.Run(status.String(), func(t *testing.T) {
			env := newTestEngine(t)
			proof := newTestDigest(0x01)
			id := env.seed(status, &proof)
			env.at(testNow + 101)
			err := env.engine.RefundFunder(context.Background(), allowAll, funderAddr, id)
			if want == nil {
				if err != nil {
					t.Fatalf("refund: %v", err)
				}
				if env.fund(t, id).Status != StatusRefunded {
					t.Fatalf("expected refunded")
				}
				return
			}
			if !errors.Is(err, want) {
				t.Fatalf("expected %v, got %v", want, err)
			}
		})
	}
}

func TestPayoutRequiresCustodyBalance(t *testing.T) {
	env := newTestEngine(t)
	ctx := context.Background()
	proof := newTestDigest(0x01)
	id := env.seed(StatusApproved, &proof)
	env.custody.balances[custodyAddr] = big.NewInt(99)

	if err := env.engine.ReleaseFunds(ctx, allowAll, beneficiaryAddr, id); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	if status := env.fund(t, id).Status; status != StatusApproved {
		t.Fatalf("status must stay approved, got %s", status)
	}
	env.custody.credit(custodyAddr, 1)
	if err := env.engine.ReleaseFunds(ctx, allowAll, beneficiaryAddr, id); err != nil {
		t.Fatalf("retry release: %v", err)
	}

	refundable := env.seed(StatusPending, nil)
	env.custody.balances[custodyAddr] = big.NewInt(0)
	env.at(testNow + 101)
	if err := env.engine.RefundFunder(ctx, allowAll, funderAddr, refundable); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("refund: expected ErrInsufficientBalance, got %v", err)
	}
	if status := env.fund(t, refundable).Status; status != StatusPending {
		t.Fatalf("status must stay pending, got %s", status)
	}
}

func TestPayoutTransferFailureKeepsStatus(t *testing.T) {
	env := newTestEngine(t)
	proof := newTestDigest(0x01)
	id := env.seed(StatusApproved, &proof)
	env.custody.failTransfer = errors.New("ledger offline")
	err := env.engine.ReleaseFunds(context.Background(), allowAll, beneficiaryAddr, id)
	if !errors.Is(err, env.custody.failTransfer) {
		t.Fatalf("expected transfer failure, got %v", err)
	}
	if status := env.fund(t, id).Status; status != StatusApproved {
		t.Fatalf("status must stay approved, got %s", status)
	}
	env.custody.failTransfer = nil
	env.custody.balanceErr = errors.New("balance unavailable")
	if err := env.engine.ReleaseFunds(context.Background(), allowAll, beneficiaryAddr, id); !errors.Is(err, env.custody.balanceErr) {
		t.Fatalf("expected balance failure, got %v", err)
	}
}

func TestPayoutCommitFailureReversesTransfer(t *testing.T) {
	env := newTestEngine(t)
	proof := newTestDigest(0x01)
	id := env.seed(StatusApproved, &proof)
	env.state.failCommit = errors.New("disk full")
	if err := env.engine.ReleaseFunds(context.Background(), allowAll, beneficiaryAddr, id); !errors.Is(err, env.state.failCommit) {
		t.Fatalf("expected commit failure, got %v", err)
	}
	if got := env.custody.balanceOf(custodyAddr); got.Int64() != 100 {
		t.Fatalf("payout not reversed, custody holds %s", got)
	}
	if got := env.custody.balanceOf(beneficiaryAddr); got.Sign() != 0 {
		t.Fatalf("beneficiary should hold nothing, holds %s", got)
	}
}

// Every operation must handle every status explicitly and reject values
// outside the closed set without a typed error.
func TestOperationsCoverEveryStatus(t *testing.T) {
	type op struct {
		name string
		run  func(env *testEnv, id uint64) error
	}
	ops := []op{
		{"submit", func(env *testEnv, id uint64) error {
			return env.engine.SubmitProof(context.Background(), allowAll, beneficiaryAddr, id, newTestDigest(9))
		}},
		{"approve", func(env *testEnv, id uint64) error {
			return env.engine.ApproveProof(context.Background(), allowAll, verifierAddr, id)
		}},
		{"release", func(env *testEnv, id uint64) error {
			return env.engine.ReleaseFunds(context.Background(), allowAll, beneficiaryAddr, id)
		}},
		{"refund", func(env *testEnv, id uint64) error {
			env.at(testNow + 101)
			return env.engine.RefundFunder(context.Background(), allowAll, funderAddr, id)
		}},
	}
	legal := map[string]map[FundStatus]bool{
		"submit":  {StatusPending: true, StatusProofSubmitted: true},
		"approve": {StatusProofSubmitted: true},
		"release": {StatusApproved: true},
		"refund":  {StatusPending: true, StatusProofSubmitted: true},
	}
	for _, o := range ops {
		for _, status := range append(AllStatuses(), FundStatus(99)) {
			t.Run(fmt.Sprintf("%s/%s", o.name, status), func(t *testing.T) {
				env := newTestEngine(t)
				proof := newTestDigest(0x01)
				id := env.seed(status, &proof)
				err := o.run(env, id)
				switch {
				case !status.Valid():
					if err == nil {
						t.Fatalf("unknown status accepted")
					}
					if _, typed := CodeOf(err); typed {
						t.Fatalf("unknown status must not map to a precondition code: %v", err)
					}
				case legal[o.name][status]:
					if err != nil {
						t.Fatalf("expected success, got %v", err)
					}
				default:
					if _, typed := CodeOf(err); !typed {
						t.Fatalf("expected typed rejection, got %v", err)
					}
					if env.fund(t, id).Status != status {
						t.Fatalf("rejected operation changed status")
					}
				}
			})
		}
	}
}

// The custody balance always equals the sum of open fund amounts.
func TestCustodyCoversOpenFunds(t *testing.T) {
	env := newTestEngine(t)
	ctx := context.Background()
	check := func(step string) {
		t.Helper()
		open := big.NewInt(0)
		for _, fund := range env.state.funds {
			if !fund.Status.Terminal() {
				open.Add(open, fund.Amount)
			}
		}
		if got := env.custody.balanceOf(custodyAddr); got.Cmp(open) != 0 {
			t.Fatalf("%s: custody %s != open %s", step, got, open)
		}
	}
	a := env.create(t, 300, testNow+50)
	check("create a")
	b := env.create(t, 200, testNow+50)
	check("create b")
	c := env.create(t, 100, testNow+500)
	check("create c")
	if err := env.engine.SubmitProof(ctx, allowAll, beneficiaryAddr, a, newTestDigest(1)); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := env.engine.ApproveProof(ctx, allowAll, verifierAddr, a); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if err := env.engine.ReleaseFunds(ctx, allowAll, beneficiaryAddr, a); err != nil {
		t.Fatalf("release: %v", err)
	}
	check("release a")
	env.at(testNow + 51)
	if err := env.engine.RefundFunder(ctx, allowAll, funderAddr, b); err != nil {
		t.Fatalf("refund: %v", err)
	}
	check("refund b")
	if err := env.engine.RefundFunder(ctx, allowAll, funderAddr, c); !errors.Is(err, ErrDeadlineNotExpired) {
		t.Fatalf("refund c: expected ErrDeadlineNotExpired, got %v", err)
	}
	check("refund c rejected")
	paid := 0
	for _, tr := range env.custody.transfers {
		if tr.from == custodyAddr {
			paid++
		}
	}
	if paid != 2 {
		t.Fatalf("expected exactly two payouts, got %d", paid)
	}
}

func TestEventsEmitted(t *testing.T) {
	env := newTestEngine(t)
	ctx := context.Background()
	id := env.create(t, 10, testNow+100)
	if err := env.engine.SubmitProof(ctx, allowAll, beneficiaryAddr, id, newTestDigest(7)); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := env.engine.ApproveProof(ctx, allowAll, verifierAddr, id); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if err := env.engine.ReleaseFunds(ctx, allowAll, beneficiaryAddr, id); err != nil {
		t.Fatalf("release: %v", err)
	}
	captured := env.events.Events()
	want := []string{EventTypeInitialized, EventTypeFundCreated, EventTypeProofSubmitted, EventTypeFundApproved, EventTypeFundReleased}
	if len(captured) != len(want) {
		t.Fatalf("expected %d events, got %d", len(want), len(captured))
	}
	for i, evt := range captured {
		if evt.EventType() != want[i] {
			t.Fatalf("event %d: expected %s, got %s", i, want[i], evt.EventType())
		}
	}
	released := captured[len(captured)-1].(events.Record)
	if released.Attributes["status"] != "released" || released.Attributes["amount"] != "10" {
		t.Fatalf("unexpected attributes %v", released.Attributes)
	}
	if released.Attributes["beneficiary"] != beneficiaryAddr.String() {
		t.Fatalf("beneficiary attribute not bech32")
	}
	if _, ok := released.Attributes["proofHash"]; !ok {
		t.Fatalf("proof hash attribute missing")
	}
}

func TestListFunds(t *testing.T) {
	env := newTestEngine(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		env.create(t, int64(10+i), testNow+100)
	}
	if err := env.engine.SubmitProof(ctx, allowAll, beneficiaryAddr, 3, newTestDigest(1)); err != nil {
		t.Fatalf("submit: %v", err)
	}
	page, err := env.engine.ListFunds(ctx, ListOptions{Limit: 2})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(page.Funds) != 2 || page.Next != 2 || page.Total != 5 {
		t.Fatalf("unexpected first page %+v", page)
	}
	page, err = env.engine.ListFunds(ctx, ListOptions{Offset: page.Next, Limit: 10})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(page.Funds) != 3 || page.Funds[0].ID != 2 || page.Next != 5 {
		t.Fatalf("unexpected second page %+v", page)
	}
	status := StatusProofSubmitted
	page, err = env.engine.ListFunds(ctx, ListOptions{Status: &status})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(page.Funds) != 1 || page.Funds[0].ID != 3 {
		t.Fatalf("status filter returned %+v", page.Funds)
	}
}

func TestListFundsByParticipant(t *testing.T) {
	env := newTestEngine(t)
	ctx := context.Background()
	env.create(t, 10, testNow+100)
	if _, err := env.engine.CreateFund(ctx, allowAll, funderAddr, beneficiaryAddr, outsiderAddr, big.NewInt(20), testNow+100, newTestDigest(2)); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := env.engine.CreateFund(ctx, allowAll, funderAddr, outsiderAddr, verifierAddr, big.NewInt(30), testNow+100, newTestDigest(3)); err != nil {
		t.Fatalf("create: %v", err)
	}

	cases := []struct {
		name    string
		role    Role
		address Address
		want    []uint64
	}{
		{name: "funder", role: RoleFunder, address: funderAddr, want: []uint64{0, 1, 2}},
		{name: "verifier", role: RoleVerifier, address: outsiderAddr, want: []uint64{1}},
		{name: "beneficiary", role: RoleBeneficiary, address: outsiderAddr, want: []uint64{2}},
		{name: "no match", role: RoleFunder, address: outsiderAddr, want: nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			page, err := env.engine.ListFunds(ctx, ListOptions{Role: tc.role, Address: tc.address})
			if err != nil {
				t.Fatalf("list: %v", err)
			}
			var got []uint64
			for _, fund := range page.Funds {
				got = append(got, fund.ID)
			}
			if fmt.Sprint(got) != fmt.Sprint(tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, got)
			}
		})
	}

	if _, err := env.engine.ListFunds(ctx, ListOptions{Role: "arbiter", Address: funderAddr}); err == nil {
		t.Fatalf("expected unknown role to fail")
	}
	if _, err := env.engine.ListFunds(ctx, ListOptions{Role: RoleFunder}); err == nil {
		t.Fatalf("expected role without address to fail")
	}
}

func TestListFundsBoundsScan(t *testing.T) {
	env := newTestEngine(t)
	ctx := context.Background()
	env.state.nextID = MaxListScan + 10

	page, err := env.engine.ListFunds(ctx, ListOptions{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(page.Funds) != 0 || page.Next != MaxListScan || page.Total != MaxListScan+10 {
		t.Fatalf("unexpected sparse page next=%d total=%d funds=%d", page.Next, page.Total, len(page.Funds))
	}
	page, err = env.engine.ListFunds(ctx, ListOptions{Offset: page.Next})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if page.Next != page.Total {
		t.Fatalf("expected scan to finish, next=%d total=%d", page.Next, page.Total)
	}
}

func TestQueriesDoNotWaitForEachOther(t *testing.T) {
	env := newTestEngine(t)
	env.create(t, 10, testNow+100)
	env.engine.mu.RLock()
	defer env.engine.mu.RUnlock()

	done := make(chan error, 1)
	go func() {
		_, err := env.engine.Fund(context.Background(), 0)
		done <- err
	}()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("fund: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("read blocked behind another reader")
	}
}

func TestCustodyBalanceAndRefresh(t *testing.T) {
	env := newTestEngine(t)
	ctx := context.Background()
	env.create(t, 25, testNow+100)
	balance, err := env.engine.CustodyBalance(ctx)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance.Int64() != 25 {
		t.Fatalf("expected 25, got %s", balance)
	}
	if err := env.engine.RefreshConfiguration(ctx); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if env.state.refreshes != 1 {
		t.Fatalf("expected one refresh commit, got %d", env.state.refreshes)
	}
}

func TestEngineWithoutStateFails(t *testing.T) {
	engine := NewEngine(Config{})
	if _, err := engine.Fund(context.Background(), 0); !errors.Is(err, errNilState) {
		t.Fatalf("expected errNilState, got %v", err)
	}
}
