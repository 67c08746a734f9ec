package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"proofpay/integrations/exports"
	"proofpay/native/escrow"
	"proofpay/services/escrowd"
)

func runCreate(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("create", stderr)
	endpoint := endpointFlag(fs)
	keystore := keystoreFlag(fs)
	var (
		beneficiary, verifier, amount, deadline string
		requirement, requirementFile, alg       string
	)
	fs.StringVar(&beneficiary, "beneficiary", "", "beneficiary address")
	fs.StringVar(&verifier, "verifier", "", "verifier address")
	fs.StringVar(&amount, "amount", "", "amount in base units (supports 100e18 shorthand)")
	fs.StringVar(&deadline, "deadline", "", "deadline as +duration (e.g. +72h, +7d) or RFC3339 timestamp")
	fs.StringVar(&requirement, "requirement", "", "0x-prefixed 32-byte requirement digest")
	fs.StringVar(&requirementFile, "requirement-file", "", "file hashed into the requirement digest")
	fs.StringVar(&alg, "alg", algBlake3, "digest algorithm for -requirement-file")
	if !parseFlags(fs, args, stderr) {
		return 1
	}
	beneficiaryAddr, err := requireAddress("beneficiary", beneficiary)
	if err != nil {
		return printError(stderr, err.Error())
	}
	verifierAddr, err := requireAddress("verifier", verifier)
	if err != nil {
		return printError(stderr, err.Error())
	}
	normalizedAmount, err := normalizeAmount(amount)
	if err != nil {
		return printError(stderr, err.Error())
	}
	deadlineUnix, err := parseDeadline(deadline, cliNow())
	if err != nil {
		return printError(stderr, err.Error())
	}
	requirementHash, err := resolveDigest(requirement, requirementFile, alg, "requirement")
	if err != nil {
		return printError(stderr, err.Error())
	}
	key, err := loadSigner(*keystore)
	if err != nil {
		return printError(stderr, err.Error())
	}
	funder, err := escrow.ParseAddress(key.PubKey().Address().String())
	if err != nil {
		return printError(stderr, err.Error())
	}

	req := escrowd.CreateFundRequest{
		Funder:          funder,
		Beneficiary:     beneficiaryAddr,
		Verifier:        verifierAddr,
		Amount:          normalizedAmount,
		Deadline:        deadlineUnix,
		RequirementHash: requirementHash,
	}
	var result json.RawMessage
	if err := newAPIClient(*endpoint, key).do(context.Background(), http.MethodPost, "/v1/funds", req, &result); err != nil {
		return handleCallError(stderr, err)
	}
	writeJSON(stdout, result)
	return 0
}

func runSubmitProof(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("submit-proof", stderr)
	endpoint := endpointFlag(fs)
	keystore := keystoreFlag(fs)
	id := fs.String("id", "", "fund identifier")
	proof := fs.String("proof", "", "0x-prefixed 32-byte proof digest")
	proofFile := fs.String("proof-file", "", "file hashed into the proof digest")
	alg := fs.String("alg", algBlake3, "digest algorithm for -proof-file")
	if !parseFlags(fs, args, stderr) {
		return 1
	}
	fundID, err := parseFundID(*id)
	if err != nil {
		return printError(stderr, err.Error())
	}
	proofHash, err := resolveDigest(*proof, *proofFile, *alg, "proof")
	if err != nil {
		return printError(stderr, err.Error())
	}
	key, err := loadSigner(*keystore)
	if err != nil {
		return printError(stderr, err.Error())
	}
	var result json.RawMessage
	path := fmt.Sprintf("/v1/funds/%d/proof", fundID)
	if err := newAPIClient(*endpoint, key).do(context.Background(), http.MethodPost, path, escrowd.SubmitProofRequest{ProofHash: proofHash}, &result); err != nil {
		return handleCallError(stderr, err)
	}
	writeJSON(stdout, result)
	return 0
}

// runTransition drives approve, release and refund. The caller is the
// signer; escrowd checks it against the fund's recorded role.
func runTransition(action string, args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet(action, stderr)
	endpoint := endpointFlag(fs)
	keystore := keystoreFlag(fs)
	id := fs.String("id", "", "fund identifier")
	if !parseFlags(fs, args, stderr) {
		return 1
	}
	fundID, err := parseFundID(*id)
	if err != nil {
		return printError(stderr, err.Error())
	}
	key, err := loadSigner(*keystore)
	if err != nil {
		return printError(stderr, err.Error())
	}
	var result json.RawMessage
	path := fmt.Sprintf("/v1/funds/%d/%s", fundID, action)
	if err := newAPIClient(*endpoint, key).do(context.Background(), http.MethodPost, path, nil, &result); err != nil {
		return handleCallError(stderr, err)
	}
	writeJSON(stdout, result)
	return 0
}

func runGet(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("get", stderr)
	endpoint := endpointFlag(fs)
	id := fs.String("id", "", "fund identifier")
	if !parseFlags(fs, args, stderr) {
		return 1
	}
	fundID, err := parseFundID(*id)
	if err != nil {
		return printError(stderr, err.Error())
	}
	var result json.RawMessage
	if err := newAPIClient(*endpoint, nil).do(context.Background(), http.MethodGet, fmt.Sprintf("/v1/funds/%d", fundID), nil, &result); err != nil {
		return handleCallError(stderr, err)
	}
	writeJSON(stdout, result)
	return 0
}

func runList(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("list", stderr)
	endpoint := endpointFlag(fs)
	status := fs.String("status", "", "only funds in this status")
	offset := fs.Uint64("offset", 0, "first fund identifier to scan")
	limit := fs.Int("limit", 0, "maximum funds to return")
	role := fs.String("role", "", "only funds where -address is the funder, beneficiary or verifier")
	address := fs.String("address", "", "participant address for -role")
	if !parseFlags(fs, args, stderr) {
		return 1
	}
	filter := listFilter{offset: *offset, limit: *limit}
	if *status != "" {
		parsed, err := escrow.ParseFundStatus(*status)
		if err != nil {
			return printError(stderr, err.Error())
		}
		filter.status = parsed.String()
	}
	if (*role == "") != (*address == "") {
		return printError(stderr, "-role and -address must be given together")
	}
	if *role != "" {
		parsed, err := escrow.ParseRole(*role)
		if err != nil {
			return printError(stderr, err.Error())
		}
		holder, err := requireAddress("address", *address)
		if err != nil {
			return printError(stderr, err.Error())
		}
		filter.role, filter.address = string(parsed), holder.String()
	}
	var result json.RawMessage
	if err := newAPIClient(*endpoint, nil).do(context.Background(), http.MethodGet, filter.path(), nil, &result); err != nil {
		return handleCallError(stderr, err)
	}
	writeJSON(stdout, result)
	return 0
}

// listFilter holds the GET /v1/funds query parameters.
type listFilter struct {
	offset  uint64
	limit   int
	status  string
	role    string
	address string
}

func (f listFilter) path() string {
	query := url.Values{}
	if f.offset > 0 {
		query.Set("offset", strconv.FormatUint(f.offset, 10))
	}
	if f.limit > 0 {
		query.Set("limit", strconv.Itoa(f.limit))
	}
	if f.status != "" {
		query.Set("status", f.status)
	}
	if f.role != "" {
		query.Set("role", f.role)
		query.Set("address", f.address)
	}
	if len(query) == 0 {
		return "/v1/funds"
	}
	return "/v1/funds?" + query.Encode()
}

func runExport(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("export", stderr)
	endpoint := endpointFlag(fs)
	out := fs.String("out", "", "output file")
	format := fs.String("format", exports.FormatParquet, "parquet, jsonl or csv")
	if !parseFlags(fs, args, stderr) {
		return 1
	}
	if *out == "" {
		return printError(stderr, "-out is required")
	}
	funds, err := fetchAllFunds(context.Background(), newAPIClient(*endpoint, nil))
	if err != nil {
		return handleCallError(stderr, err)
	}
	checksum, err := exports.WriteFile(*out, *format, funds)
	if err != nil {
		return printError(stderr, err.Error())
	}
	fmt.Fprintf(stdout, "wrote %d funds to %s\nsha256: %s\n", len(funds), *out, checksum)
	return 0
}

func fetchAllFunds(ctx context.Context, client *apiClient) ([]*escrow.Fund, error) {
	var (
		funds  []*escrow.Fund
		offset uint64
	)
	for {
		var page escrowd.ListFundsResponse
		if err := client.do(ctx, http.MethodGet, listFilter{offset: offset, limit: escrow.MaxListLimit}.path(), nil, &page); err != nil {
			return nil, err
		}
		for _, view := range page.Funds {
			fund, err := fundFromView(view)
			if err != nil {
				return nil, err
			}
			funds = append(funds, fund)
		}
		if page.Next >= page.Total || page.Next <= offset {
			return funds, nil
		}
		offset = page.Next
	}
}

func fundFromView(view escrowd.FundView) (*escrow.Fund, error) {
	amount, ok := new(big.Int).SetString(view.Amount, 10)
	if !ok {
		return nil, fmt.Errorf("fund %d: invalid amount %q", view.ID, view.Amount)
	}
	return &escrow.Fund{
		ID:              view.ID,
		Funder:          view.Funder,
		Beneficiary:     view.Beneficiary,
		Verifier:        view.Verifier,
		Amount:          amount,
		Deadline:        view.Deadline,
		RequirementHash: view.RequirementHash,
		ProofHash:       view.ProofHash,
		Status:          view.Status,
		CreatedAt:       view.CreatedAt,
	}, nil
}

func requireAddress(name, raw string) (escrow.Address, error) {
	if strings.TrimSpace(raw) == "" {
		return escrow.Address{}, fmt.Errorf("-%s is required", name)
	}
	addr, err := escrow.ParseAddress(raw)
	if err != nil {
		return escrow.Address{}, fmt.Errorf("-%s: %v", name, err)
	}
	return addr, nil
}

func parseFundID(raw string) (uint64, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return 0, fmt.Errorf("-id is required")
	}
	id, err := strconv.ParseUint(trimmed, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("-id must be an unsigned integer")
	}
	return id, nil
}

// normalizeAmount expands decimal and exponent shorthand into a base-10
// integer string.
func normalizeAmount(value string) (string, error) {
	trimmed := strings.ReplaceAll(strings.TrimSpace(value), "_", "")
	if trimmed == "" {
		return "", fmt.Errorf("-amount is required")
	}
	var exponent int
	base := trimmed
	if idx := strings.IndexAny(trimmed, "eE"); idx != -1 {
		base = trimmed[:idx]
		expValue, err := strconv.ParseInt(strings.TrimSpace(trimmed[idx+1:]), 10, 32)
		if err != nil {
			return "", fmt.Errorf("invalid scientific notation in -amount")
		}
		exponent = int(expValue)
	}
	base = strings.TrimPrefix(strings.TrimSpace(base), "+")
	if strings.HasPrefix(base, "-") {
		return "", fmt.Errorf("-amount must be positive")
	}
	parts := strings.Split(base, ".")
	if len(parts) > 2 {
		return "", fmt.Errorf("invalid amount format")
	}
	fraction := ""
	if len(parts) == 2 {
		fraction = parts[1]
	}
	digits := parts[0] + fraction
	if digits == "" || !isDigits(digits) {
		return "", fmt.Errorf("invalid amount format")
	}
	digits = strings.TrimLeft(digits, "0")
	fracLen := len(fraction)
	for fracLen > 0 && len(digits) > 0 && digits[len(digits)-1] == '0' {
		digits = digits[:len(digits)-1]
		fracLen--
	}
	if digits == "" {
		return "", fmt.Errorf("-amount must be positive")
	}
	shift := exponent - fracLen
	if shift < 0 {
		return "", fmt.Errorf("-amount must be an integer")
	}
	return digits + strings.Repeat("0", shift), nil
}

func isDigits(value string) bool {
	for _, r := range value {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func parseDeadline(value string, now time.Time) (int64, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return 0, fmt.Errorf("-deadline is required")
	}
	if strings.HasPrefix(trimmed, "+") {
		dur, err := parseDeadlineDuration(strings.TrimSpace(trimmed[1:]))
		if err != nil {
			return 0, err
		}
		if dur <= 0 {
			return 0, fmt.Errorf("deadline duration must be positive")
		}
		return now.Add(dur).Unix(), nil
	}
	ts, err := time.Parse(time.RFC3339, trimmed)
	if err != nil {
		return 0, fmt.Errorf("invalid RFC3339 deadline")
	}
	return ts.Unix(), nil
}

func parseDeadlineDuration(value string) (time.Duration, error) {
	if value == "" {
		return 0, fmt.Errorf("invalid deadline duration")
	}
	if strings.HasSuffix(value, "d") || strings.HasSuffix(value, "D") {
		days, err := strconv.ParseFloat(value[:len(value)-1], 64)
		if err != nil {
			return 0, fmt.Errorf("invalid deadline duration")
		}
		return time.Duration(days * 24 * float64(time.Hour)), nil
	}
	dur, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid deadline duration")
	}
	return dur, nil
}
