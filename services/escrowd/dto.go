package escrowd

import (
	"proofpay/native/escrow"
)

// FundView is the JSON representation of a fund.
type FundView struct {
	ID              uint64            `json:"id"`
	Funder          escrow.Address    `json:"funder"`
	Beneficiary     escrow.Address    `json:"beneficiary"`
	Verifier        escrow.Address    `json:"verifier"`
	Amount          string            `json:"amount"`
	Deadline        int64             `json:"deadline"`
	RequirementHash escrow.Digest     `json:"requirementHash"`
	ProofHash       *escrow.Digest    `json:"proofHash"`
	Status          escrow.FundStatus `json:"status"`
	CreatedAt       int64             `json:"createdAt"`
}

func newFundView(f *escrow.Fund) FundView {
	view := FundView{
		ID:              f.ID,
		Funder:          f.Funder,
		Beneficiary:     f.Beneficiary,
		Verifier:        f.Verifier,
		Amount:          "0",
		Deadline:        f.Deadline,
		RequirementHash: f.RequirementHash,
		Status:          f.Status,
		CreatedAt:       f.CreatedAt,
	}
	if f.Amount != nil {
		view.Amount = f.Amount.String()
	}
	if f.ProofHash != nil {
		proof := *f.ProofHash
		view.ProofHash = &proof
	}
	return view
}

// CreateFundRequest opens a fund. Amount is a base-10 integer string.
type CreateFundRequest struct {
	Funder          escrow.Address `json:"funder"`
	Beneficiary     escrow.Address `json:"beneficiary"`
	Verifier        escrow.Address `json:"verifier"`
	Amount          string         `json:"amount"`
	Deadline        int64          `json:"deadline"`
	RequirementHash escrow.Digest  `json:"requirementHash"`
}

// CreateFundResponse carries the allocated identifier and stored fund.
type CreateFundResponse struct {
	ID   uint64   `json:"id"`
	Fund FundView `json:"fund"`
}

// SubmitProofRequest attaches evidence. Beneficiary defaults to the
// authenticated caller.
type SubmitProofRequest struct {
	Beneficiary *escrow.Address `json:"beneficiary,omitempty"`
	ProofHash   escrow.Digest   `json:"proofHash"`
}

// ActorRequest names the party invoking approve, release or refund. An
// empty actor defaults to the authenticated caller.
type ActorRequest struct {
	Verifier    *escrow.Address `json:"verifier,omitempty"`
	Beneficiary *escrow.Address `json:"beneficiary,omitempty"`
	Funder      *escrow.Address `json:"funder,omitempty"`
}

// ListFundsResponse is one page of funds.
type ListFundsResponse struct {
	Funds []FundView `json:"funds"`
	Next  uint64     `json:"next"`
	Total uint64     `json:"total"`
}

// InitializeRequest configures the asset.
type InitializeRequest struct {
	Asset string `json:"asset"`
}

// ConfigResponse describes the running escrow.
type ConfigResponse struct {
	Initialized    bool           `json:"initialized"`
	Asset          string         `json:"asset,omitempty"`
	CustodyAddress escrow.Address `json:"custodyAddress"`
}

// BalanceResponse reports a ledger balance.
type BalanceResponse struct {
	Asset   string         `json:"asset"`
	Address escrow.Address `json:"address"`
	Balance string         `json:"balance"`
}

// MintRequest credits a holder on the local ledger.
type MintRequest struct {
	Holder escrow.Address `json:"holder"`
	Amount string         `json:"amount"`
}

// HealthResponse is served on /healthz.
type HealthResponse struct {
	Status      string `json:"status"`
	Initialized bool   `json:"initialized"`
	Error       string `json:"error,omitempty"`
}
