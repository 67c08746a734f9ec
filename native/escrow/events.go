package escrow

import (
	"strconv"

	"proofpay/core/events"
)

const (
	EventTypeInitialized    = "escrow.initialized"
	EventTypeFundCreated    = "escrow.fund.created"
	EventTypeProofSubmitted = "escrow.fund.proof_submitted"
	EventTypeFundApproved   = "escrow.fund.approved"
	EventTypeFundReleased   = "escrow.fund.released"
	EventTypeFundRefunded   = "escrow.fund.refunded"
)

// NewInitializedEvent returns the event emitted once the asset is configured.
func NewInitializedEvent(asset AssetID) events.Record {
	return events.Record{
		Type:       EventTypeInitialized,
		Attributes: map[string]string{"asset": string(asset)},
	}
}

func newFundEvent(eventType string, f *Fund) events.Record {
	attrs := map[string]string{
		"id":              strconv.FormatUint(f.ID, 10),
		"funder":          f.Funder.String(),
		"beneficiary":     f.Beneficiary.String(),
		"verifier":        f.Verifier.String(),
		"amount":          cloneBigInt(f.Amount).String(),
		"deadline":        strconv.FormatInt(f.Deadline, 10),
		"requirementHash": f.RequirementHash.String(),
		"status":          f.Status.String(),
	}
	if f.ProofHash != nil {
		attrs["proofHash"] = f.ProofHash.String()
	}
	return events.Record{Type: eventType, Attributes: attrs}
}
