package escrow

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"proofpay/crypto"
)

// FundStatus represents the lifecycle states of a fund. The set is closed:
// every switch over a status names all five values and treats anything else
// as corruption.
type FundStatus uint8

const (
	StatusPending FundStatus = iota
	StatusProofSubmitted
	StatusApproved
	StatusReleased
	StatusRefunded
)

// AllStatuses lists every status in lifecycle order.
func AllStatuses() []FundStatus {
	return []FundStatus{StatusPending, StatusProofSubmitted, StatusApproved, StatusReleased, StatusRefunded}
}

// Valid reports whether the status value is within the supported range.
func (s FundStatus) Valid() bool {
	switch s {
	case StatusPending, StatusProofSubmitted, StatusApproved, StatusReleased, StatusRefunded:
		return true
	default:
		return false
	}
}

// Terminal reports whether no further transition is legal.
func (s FundStatus) Terminal() bool {
	switch s {
	case StatusReleased, StatusRefunded:
		return true
	case StatusPending, StatusProofSubmitted, StatusApproved:
		return false
	default:
		return false
	}
}

func (s FundStatus) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusProofSubmitted:
		return "proof_submitted"
	case StatusApproved:
		return "approved"
	case StatusReleased:
		return "released"
	case StatusRefunded:
		return "refunded"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// ParseFundStatus accepts the String form of a status.
func ParseFundStatus(raw string) (FundStatus, error) {
	normalized := strings.ToLower(strings.TrimSpace(raw))
	for _, status := range AllStatuses() {
		if status.String() == normalized {
			return status, nil
		}
	}
	return 0, fmt.Errorf("escrow: unknown fund status %q", raw)
}

func (s FundStatus) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("escrow: invalid fund status %d", uint8(s))
	}
	return []byte(s.String()), nil
}

func (s *FundStatus) UnmarshalText(text []byte) error {
	parsed, err := ParseFundStatus(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Role names one of the three participants of a fund.
type Role string

const (
	RoleFunder      Role = "funder"
	RoleBeneficiary Role = "beneficiary"
	RoleVerifier    Role = "verifier"
)

// ParseRole accepts a role name in any case.
func ParseRole(raw string) (Role, error) {
	switch role := Role(strings.ToLower(strings.TrimSpace(raw))); role {
	case RoleFunder, RoleBeneficiary, RoleVerifier:
		return role, nil
	default:
		return "", fmt.Errorf("escrow: unknown role %q", raw)
	}
}

// Participant returns the address holding role in f.
func (f *Fund) Participant(role Role) (Address, bool) {
	switch role {
	case RoleFunder:
		return f.Funder, true
	case RoleBeneficiary:
		return f.Beneficiary, true
	case RoleVerifier:
		return f.Verifier, true
	default:
		return Address{}, false
	}
}

// Address identifies a principal. Its text form is bech32 with the pp prefix.
type Address [20]byte

// ParseAddress decodes a bech32 principal address.
func ParseAddress(raw string) (Address, error) {
	var out Address
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return out, fmt.Errorf("escrow: address required")
	}
	decoded, err := crypto.DecodeAddress(trimmed)
	if err != nil {
		return out, fmt.Errorf("escrow: parse address %q: %w", raw, err)
	}
	if decoded.Prefix() != crypto.ProofPayPrefix {
		return out, fmt.Errorf("escrow: address %q must use %s prefix", raw, crypto.ProofPayPrefix)
	}
	copy(out[:], decoded.Bytes())
	return out, nil
}

func (a Address) IsZero() bool { return a == Address{} }

func (a Address) String() string {
	return crypto.MustNewAddress(crypto.ProofPayPrefix, a[:]).String()
}

func (a Address) MarshalText() ([]byte, error) { return []byte(a.String()), nil }

func (a *Address) UnmarshalText(text []byte) error {
	parsed, err := ParseAddress(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// Digest is an opaque 32-byte hash referencing an off-chain artifact.
type Digest [32]byte

// ParseDigest decodes a 64 character hex digest with an optional 0x prefix.
func ParseDigest(raw string) (Digest, error) {
	var out Digest
	trimmed := strings.TrimSpace(raw)
	if strings.HasPrefix(trimmed, "0x") || strings.HasPrefix(trimmed, "0X") {
		trimmed = trimmed[2:]
	}
	if len(trimmed) != hex.EncodedLen(len(out)) {
		return out, fmt.Errorf("escrow: digest must be 32 bytes (got %d hex chars)", len(trimmed))
	}
	decoded, err := hex.DecodeString(trimmed)
	if err != nil {
		return out, fmt.Errorf("escrow: decode digest: %w", err)
	}
	copy(out[:], decoded)
	return out, nil
}

func (d Digest) String() string { return "0x" + hex.EncodeToString(d[:]) }

func (d Digest) MarshalText() ([]byte, error) { return []byte(d.String()), nil }

func (d *Digest) UnmarshalText(text []byte) error {
	parsed, err := ParseDigest(string(text))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// AssetID names the single value asset every fund is denominated in.
type AssetID string

const maxAssetLength = 12

// NormalizeAsset trims and upper-cases an asset code. Codes are 1 to 12
// characters of A-Z and 0-9.
func NormalizeAsset(raw string) (AssetID, error) {
	trimmed := strings.ToUpper(strings.TrimSpace(raw))
	if trimmed == "" || len(trimmed) > maxAssetLength {
		return "", fmt.Errorf("%w: asset code must be 1-%d characters", ErrInvalidConfiguration, maxAssetLength)
	}
	for _, r := range trimmed {
		if (r < 'A' || r > 'Z') && (r < '0' || r > '9') {
			return "", fmt.Errorf("%w: asset code %q contains %q", ErrInvalidConfiguration, raw, r)
		}
	}
	return AssetID(trimmed), nil
}

// Fund captures one escrow instance. ProofHash is nil until the beneficiary
// submits a proof; an all-zero digest is a legitimate proof.
type Fund struct {
	ID              uint64
	Funder          Address
	Beneficiary     Address
	Verifier        Address
	Amount          *big.Int
	Deadline        int64
	ProofHash       *Digest
	RequirementHash Digest
	Status          FundStatus
	CreatedAt       int64
}

// Clone returns a deep copy of the fund so callers can safely mutate the copy
// without affecting the stored instance.
func (f *Fund) Clone() *Fund {
	if f == nil {
		return nil
	}
	clone := *f
	clone.Amount = cloneBigInt(f.Amount)
	if f.ProofHash != nil {
		proof := *f.ProofHash
		clone.ProofHash = &proof
	}
	return &clone
}

// HasProof reports whether a proof digest is attached.
func (f *Fund) HasProof() bool { return f != nil && f.ProofHash != nil }

// maxAmountBits bounds amounts to the positive range of a signed 128-bit
// integer.
const maxAmountBits = 127

func validateAmount(amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 || amount.BitLen() > maxAmountBits {
		return ErrInvalidAmount
	}
	return nil
}

func distinctRoles(roles ...Address) bool {
	for i := range roles {
		for j := i + 1; j < len(roles); j++ {
			if roles[i] == roles[j] {
				return false
			}
		}
	}
	return true
}

func cloneBigInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}
