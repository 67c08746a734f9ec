package main

import (
	"bytes"
	"context"
	"encoding/json"
	"math/big"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"lukechampine.com/blake3"

	"proofpay/core/state"
	"proofpay/crypto"
	"proofpay/gateway/auth"
	"proofpay/native/bank"
	"proofpay/native/escrow"
	"proofpay/services/escrowd"
	"proofpay/storage"
)

type cliEnv struct {
	endpoint string
	keys     map[string]*crypto.PrivateKey
	addrs    map[string]escrow.Address
	engine   *escrow.Engine
	ledger   *bank.Ledger
}

func newCLIEnv(t *testing.T) *cliEnv {
	t.Helper()
	env := &cliEnv{keys: map[string]*crypto.PrivateKey{}, addrs: map[string]escrow.Address{}}
	for _, name := range []string{"funder", "beneficiary", "verifier"} {
		key, err := crypto.GeneratePrivateKey()
		require.NoError(t, err)
		addr, err := escrow.ParseAddress(key.PubKey().Address().String())
		require.NoError(t, err)
		env.keys[name] = key
		env.addrs[name] = addr
	}

	db := storage.NewMemDB()
	env.ledger = bank.NewLedger(db)
	env.engine = escrow.NewEngine(escrow.Config{})
	env.engine.SetState(state.NewRegistry(db, 0))
	env.engine.SetCustody(env.ledger)
	ctx := context.Background()
	require.NoError(t, env.engine.Initialize(ctx, "XLM"))
	require.NoError(t, env.ledger.Mint(ctx, "XLM", env.addrs["funder"], big.NewInt(5000)))

	srv, err := escrowd.New(escrowd.Config{
		Engine:        env.engine,
		Ledger:        env.ledger,
		Authenticator: auth.NewSignatureAuthenticator(time.Minute, 5*time.Minute, 0, nil, nil),
	})
	require.NoError(t, err)
	server := httptest.NewServer(srv.Handler())
	t.Cleanup(server.Close)
	env.endpoint = server.URL

	original := loadSigner
	loadSigner = func(path string) (*crypto.PrivateKey, error) {
		key, ok := env.keys[path]
		if !ok {
			return nil, os.ErrNotExist
		}
		return key, nil
	}
	t.Cleanup(func() { loadSigner = original })
	return env
}

func (e *cliEnv) run(t *testing.T, args ...string) (string, string, int) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	args = append(args[:1:1], append([]string{"-endpoint", e.endpoint}, args[1:]...)...)
	code := run(args, &stdout, &stderr)
	return stdout.String(), stderr.String(), code
}

func TestFundLifecycleThroughCLI(t *testing.T) {
	env := newCLIEnv(t)

	stdout, stderr, code := env.run(t, "create",
		"-keystore", "funder",
		"-beneficiary", env.addrs["beneficiary"].String(),
		"-verifier", env.addrs["verifier"].String(),
		"-amount", "1.5e3",
		"-deadline", "+2h",
		"-requirement", escrow.Digest{0xAA}.String(),
	)
	require.Equal(t, 0, code, stderr)
	var created escrowd.CreateFundResponse
	require.NoError(t, json.Unmarshal([]byte(stdout), &created))
	require.Equal(t, "1500", created.Fund.Amount)
	require.Equal(t, escrow.StatusPending, created.Fund.Status)

	proofPath := filepath.Join(t.TempDir(), "delivery.pdf")
	require.NoError(t, os.WriteFile(proofPath, []byte("signed delivery note"), 0o600))
	stdout, stderr, code = env.run(t, "submit-proof", "-keystore", "beneficiary", "-id", "0", "-proof-file", proofPath)
	require.Equal(t, 0, code, stderr)
	var view escrowd.FundView
	require.NoError(t, json.Unmarshal([]byte(stdout), &view))
	want := escrow.Digest(blake3.Sum256([]byte("signed delivery note")))
	require.Equal(t, want, *view.ProofHash)

	// Only the verifier may approve.
	_, stderr, code = env.run(t, "approve", "-keystore", "funder", "-id", "0")
	require.Equal(t, 1, code)
	require.Contains(t, stderr, "Unauthorized (code 2)")

	_, stderr, code = env.run(t, "approve", "-keystore", "verifier", "-id", "0")
	require.Equal(t, 0, code, stderr)
	_, stderr, code = env.run(t, "release", "-keystore", "beneficiary", "-id", "0")
	require.Equal(t, 0, code, stderr)

	stdout, stderr, code = env.run(t, "get", "-id", "0")
	require.Equal(t, 0, code, stderr)
	require.NoError(t, json.Unmarshal([]byte(stdout), &view))
	require.Equal(t, escrow.StatusReleased, view.Status)

	balance, err := env.ledger.Balance(context.Background(), "XLM", env.addrs["beneficiary"])
	require.NoError(t, err)
	require.Equal(t, "1500", balance.String())

	stdout, stderr, code = env.run(t, "list", "-status", "released")
	require.Equal(t, 0, code, stderr)
	var page escrowd.ListFundsResponse
	require.NoError(t, json.Unmarshal([]byte(stdout), &page))
	require.Len(t, page.Funds, 1)

	out := filepath.Join(t.TempDir(), "funds.jsonl")
	stdout, stderr, code = env.run(t, "export", "-out", out, "-format", "jsonl")
	require.Equal(t, 0, code, stderr)
	require.Contains(t, stdout, "wrote 1 funds")
	data, err := os.ReadFile(out)
	require.NoError(t, err)
	require.Contains(t, string(data), `"status":"released"`)
	sidecar, err := os.ReadFile(out + ".sha256")
	require.NoError(t, err)
	checksum := strings.Fields(string(sidecar))[0]
	require.Contains(t, stdout, "sha256: "+checksum)
}

func TestListByParticipantThroughCLI(t *testing.T) {
	env := newCLIEnv(t)
	_, stderr, code := env.run(t, "create",
		"-keystore", "funder",
		"-beneficiary", env.addrs["beneficiary"].String(),
		"-verifier", env.addrs["verifier"].String(),
		"-amount", "10",
		"-deadline", "+2h",
		"-requirement", escrow.Digest{0x01}.String(),
	)
	require.Equal(t, 0, code, stderr)

	stdout, stderr, code := env.run(t, "list", "-role", "Verifier", "-address", env.addrs["verifier"].String())
	require.Equal(t, 0, code, stderr)
	var page escrowd.ListFundsResponse
	require.NoError(t, json.Unmarshal([]byte(stdout), &page))
	require.Len(t, page.Funds, 1)

	stdout, stderr, code = env.run(t, "list", "-role", "funder", "-address", env.addrs["verifier"].String())
	require.Equal(t, 0, code, stderr)
	page = escrowd.ListFundsResponse{}
	require.NoError(t, json.Unmarshal([]byte(stdout), &page))
	require.Empty(t, page.Funds)
}

func TestGetUnknownFund(t *testing.T) {
	env := newCLIEnv(t)
	_, stderr, code := env.run(t, "get", "-id", "9")
	require.Equal(t, 1, code)
	require.Contains(t, stderr, "FundNotFound (code 1)")
}

func TestArgumentValidation(t *testing.T) {
	cases := []struct {
		name string
		args []string
		want string
	}{
		{name: "no command", args: nil, want: "Usage:"},
		{name: "unknown", args: []string{"dispute"}, want: "Unknown command: dispute"},
		{name: "missing beneficiary", args: []string{"create", "-verifier", "x"}, want: "-beneficiary is required"},
		{name: "bad id", args: []string{"get", "-id", "0x12"}, want: "-id must be an unsigned integer"},
		{name: "positional", args: []string{"get", "extra"}, want: "unexpected positional arguments"},
		{name: "digest needs file", args: []string{"digest"}, want: "-file is required"},
		{name: "proof sources exclusive", args: []string{"submit-proof", "-id", "1", "-proof", "0x00", "-proof-file", "p"}, want: "mutually exclusive"},
		{name: "bad status", args: []string{"list", "-status", "open"}, want: "Error:"},
		{name: "role without address", args: []string{"list", "-role", "funder"}, want: "-role and -address must be given together"},
		{name: "unknown role", args: []string{"list", "-role", "arbiter", "-address", "pp1x"}, want: "unknown role"},
		{name: "bad address", args: []string{"list", "-role", "funder", "-address", "nope"}, want: "-address:"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var stdout, stderr bytes.Buffer
			require.Equal(t, 1, run(tc.args, &stdout, &stderr))
			require.Contains(t, stderr.String(), tc.want)
		})
	}
}

func TestNormalizeAmount(t *testing.T) {
	cases := map[string]string{
		"100":    "100",
		"1e3":    "1000",
		"1.25e2": "125",
		"1_000":  "1000",
		"0010":   "10",
		"2.50e1": "25",
	}
	for in, want := range cases {
		got, err := normalizeAmount(in)
		require.NoError(t, err, in)
		require.Equal(t, want, got, in)
	}
	for _, bad := range []string{"", "-5", "1.5", "0", "abc", "1e"} {
		_, err := normalizeAmount(bad)
		require.Error(t, err, bad)
	}
}

func TestParseDeadline(t *testing.T) {
	now := time.Unix(1_700_000_000, 0).UTC()
	got, err := parseDeadline("+2d", now)
	require.NoError(t, err)
	require.Equal(t, now.Add(48*time.Hour).Unix(), got)

	got, err = parseDeadline("2024-01-01T00:00:00Z", now)
	require.NoError(t, err)
	require.Equal(t, int64(1_704_067_200), got)

	_, err = parseDeadline("+0s", now)
	require.Error(t, err)
}

func TestDigestAlgorithms(t *testing.T) {
	path := filepath.Join(t.TempDir(), "doc.txt")
	require.NoError(t, os.WriteFile(path, []byte("abc"), 0o600))

	var stdout, stderr bytes.Buffer
	require.Equal(t, 0, run([]string{"digest", "-file", path, "-alg", "sha256"}, &stdout, &stderr), stderr.String())
	require.Equal(t, "0xba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad", strings.TrimSpace(stdout.String()))

	stdout.Reset()
	require.Equal(t, 0, run([]string{"digest", "-file", path, "-alg", "keccak"}, &stdout, &stderr), stderr.String())
	require.Equal(t, "0x4e03657aea45a94fc7d47ba826c8d667c0d1e6e33a64a036ec44f58fa12d6c45", strings.TrimSpace(stdout.String()))

	require.Equal(t, 1, run([]string{"digest", "-file", path, "-alg", "md5"}, &stdout, &stderr))
}

func TestKeygenAndAddress(t *testing.T) {
	t.Setenv(passphraseEnv, "correct horse")
	dir := t.TempDir()
	var stdout, stderr bytes.Buffer
	require.Equal(t, 0, run([]string{"keygen", "-dir", dir, "-light"}, &stdout, &stderr), stderr.String())
	lines := strings.Split(strings.TrimSpace(stdout.String()), "\n")
	require.Len(t, lines, 2)
	address := strings.TrimPrefix(lines[0], "address: ")
	keystore := strings.TrimPrefix(lines[1], "keystore: ")
	require.Equal(t, filepath.Join(dir, address+".json"), keystore)

	stdout.Reset()
	require.Equal(t, 0, run([]string{"address", "-keystore", keystore}, &stdout, &stderr), stderr.String())
	require.Equal(t, address, strings.TrimSpace(stdout.String()))
}

func TestTokenIsAcceptedByJWTAuthenticator(t *testing.T) {
	key, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	subject := key.PubKey().Address().String()

	var stdout, stderr bytes.Buffer
	require.Equal(t, 0, run([]string{"token", "-subject", subject, "-secret", "s3cret", "-ttl", "10m"}, &stdout, &stderr), stderr.String())

	authn, err := auth.NewJWTAuthenticator(auth.JWTConfig{HMACSecret: "s3cret"}, nil)
	require.NoError(t, err)
	req := httptest.NewRequest("GET", "/v1/funds", nil)
	req.Header.Set("Authorization", "Bearer "+strings.TrimSpace(stdout.String()))
	principal, err := authn.Authenticate(req, nil)
	require.NoError(t, err)
	require.Equal(t, subject, principal.Address.String())
}
