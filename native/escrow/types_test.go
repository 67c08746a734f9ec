package escrow

import (
	"encoding/json"
	"errors"
	"math/big"
	"strings"
	"testing"
)

func TestFundStatusText(t *testing.T) {
	for _, status := range AllStatuses() {
		text, err := status.MarshalText()
		if err != nil {
			t.Fatalf("marshal %d: %v", status, err)
		}
		var parsed FundStatus
		if err := parsed.UnmarshalText(text); err != nil {
			t.Fatalf("unmarshal %s: %v", text, err)
		}
		if parsed != status {
			t.Fatalf("expected %s, got %s", status, parsed)
		}
	}
	if _, err := FundStatus(42).MarshalText(); err == nil {
		t.Fatalf("expected invalid status to fail")
	}
	if _, err := ParseFundStatus("disputed"); err == nil {
		t.Fatalf("expected unknown status to fail")
	}
	if !StatusReleased.Terminal() || !StatusRefunded.Terminal() || StatusApproved.Terminal() {
		t.Fatalf("unexpected terminal classification")
	}
}

func TestAddressText(t *testing.T) {
	addr := newTestAddress(0x5A)
	encoded := addr.String()
	if !strings.HasPrefix(encoded, "pp1") {
		t.Fatalf("unexpected encoding %s", encoded)
	}
	parsed, err := ParseAddress(encoded)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if parsed != addr {
		t.Fatalf("round trip mismatch")
	}
	if _, err := ParseAddress(""); err == nil {
		t.Fatalf("expected empty address to fail")
	}
	// Valid bech32 with a foreign prefix.
	if _, err := ParseAddress("bc1qar0srrr7xfkvy5l643lydnw9re59gtzzwf5mdq"); err == nil {
		t.Fatalf("expected foreign prefix to fail")
	}
}

func TestDigestParsing(t *testing.T) {
	d := newTestDigest(0xAB)
	for _, raw := range []string{d.String(), strings.TrimPrefix(d.String(), "0x"), strings.ToUpper(strings.TrimPrefix(d.String(), "0x"))} {
		parsed, err := ParseDigest(raw)
		if err != nil {
			t.Fatalf("parse %s: %v", raw, err)
		}
		if parsed != d {
			t.Fatalf("digest mismatch for %s", raw)
		}
	}
	if _, err := ParseDigest("0x1234"); err == nil {
		t.Fatalf("expected short digest to fail")
	}
	if _, err := ParseDigest(strings.Repeat("zz", 32)); err == nil {
		t.Fatalf("expected non-hex digest to fail")
	}
}

func TestFundJSONUsesTextForms(t *testing.T) {
	proof := newTestDigest(0x01)
	fund := &Fund{
		ID:          7,
		Funder:      funderAddr,
		Beneficiary: beneficiaryAddr,
		Verifier:    verifierAddr,
		Amount:      big.NewInt(1000),
		ProofHash:   &proof,
		Status:      StatusProofSubmitted,
	}
	raw, err := json.Marshal(fund)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	body := string(raw)
	for _, want := range []string{`"Status":"proof_submitted"`, `"Funder":"` + funderAddr.String() + `"`, `"ProofHash":"` + proof.String() + `"`} {
		if !strings.Contains(body, want) {
			t.Fatalf("expected %s in %s", want, body)
		}
	}
}

func TestFundCloneIsDeep(t *testing.T) {
	proof := newTestDigest(0x01)
	fund := &Fund{Amount: big.NewInt(5), ProofHash: &proof}
	clone := fund.Clone()
	clone.Amount.SetInt64(9)
	clone.ProofHash[0] = 0xFF
	if fund.Amount.Int64() != 5 || fund.ProofHash[0] != 0x01 {
		t.Fatalf("clone aliases original")
	}
	if (*Fund)(nil).Clone() != nil {
		t.Fatalf("nil clone should be nil")
	}
}

func TestErrorCodes(t *testing.T) {
	seen := make(map[Code]bool)
	for code := CodeFundNotFound; code <= CodeInvalidConfiguration; code++ {
		sentinel, ok := ErrorForCode(code)
		if !ok {
			t.Fatalf("no sentinel for code %d", code)
		}
		if seen[sentinel.Code()] {
			t.Fatalf("duplicate code %d", code)
		}
		seen[sentinel.Code()] = true
	}
	wrapped := errors.Join(errors.New("context"), ErrFundExpired)
	code, ok := CodeOf(wrapped)
	if !ok || code != CodeFundExpired {
		t.Fatalf("expected FundExpired code, got %d %v", code, ok)
	}
	typed, _ := AsError(wrapped)
	if typed.Name() != "FundExpired" {
		t.Fatalf("unexpected name %s", typed.Name())
	}
	if _, ok := CodeOf(errors.New("disk")); ok {
		t.Fatalf("plain error must not carry a code")
	}
	if _, ok := ErrorForCode(0); ok {
		t.Fatalf("code 0 must be unassigned")
	}
}
