package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"proofpay/cmd/internal/passphrase"
	"proofpay/crypto"
)

const (
	endpointEnv   = "PROOFPAY_ENDPOINT"
	passphraseEnv = "PROOFPAY_PASSPHRASE"
	keystoreEnv   = "PROOFPAY_KEYSTORE"
)

var (
	cliNow     = time.Now
	loadSigner = loadKeystore
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(stderr, usage())
		return 1
	}
	switch args[0] {
	case "keygen":
		return runKeygen(args[1:], stdout, stderr)
	case "address":
		return runAddress(args[1:], stdout, stderr)
	case "digest":
		return runDigest(args[1:], stdout, stderr)
	case "token":
		return runToken(args[1:], stdout, stderr)
	case "create":
		return runCreate(args[1:], stdout, stderr)
	case "submit-proof":
		return runSubmitProof(args[1:], stdout, stderr)
	case "approve":
		return runTransition("approve", args[1:], stdout, stderr)
	case "release":
		return runTransition("release", args[1:], stdout, stderr)
	case "refund":
		return runTransition("refund", args[1:], stdout, stderr)
	case "get":
		return runGet(args[1:], stdout, stderr)
	case "list":
		return runList(args[1:], stdout, stderr)
	case "export":
		return runExport(args[1:], stdout, stderr)
	case "help", "-h", "--help":
		fmt.Fprintln(stdout, usage())
		return 0
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n", args[0])
		fmt.Fprintln(stderr, usage())
		return 1
	}
}

func usage() string {
	return strings.TrimSpace(`Usage:
  proofpay <command> [flags]

Keys:
  keygen        Create an encrypted signing key
  address       Print the address of a stored key
  digest        Hash a file into a 32-byte digest
  token         Issue a bearer token for an address

Funds:
  create        Deposit value into a new fund
  submit-proof  Attach a proof digest as beneficiary
  approve       Approve the submitted proof as verifier
  release       Collect an approved fund as beneficiary
  refund        Reclaim an expired fund as funder
  get           Show one fund
  list          Page through funds
  export        Write every fund to an audit file

Environment:
  PROOFPAY_ENDPOINT     escrowd base URL (default http://localhost:8080)
  PROOFPAY_KEYSTORE     default keystore file
  PROOFPAY_PASSPHRASE   keystore passphrase; prompts when unset
`)
}

func newFlagSet(name string, stderr io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	return fs
}

// parseFlags parses args and refuses positional arguments.
func parseFlags(fs *flag.FlagSet, args []string, stderr io.Writer) bool {
	if err := fs.Parse(args); err != nil {
		return false
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(stderr, "Error: unexpected positional arguments")
		return false
	}
	return true
}

func endpointFlag(fs *flag.FlagSet) *string {
	def := strings.TrimSpace(os.Getenv(endpointEnv))
	if def == "" {
		def = "http://localhost:8080"
	}
	return fs.String("endpoint", def, "escrowd base URL")
}

func keystoreFlag(fs *flag.FlagSet) *string {
	return fs.String("keystore", os.Getenv(keystoreEnv), "keystore file holding the signing key")
}

func printError(w io.Writer, msg string) int {
	fmt.Fprintf(w, "Error: %s\n", msg)
	return 1
}

func handleCallError(w io.Writer, err error) int {
	if apiErr, ok := err.(*apiError); ok {
		fmt.Fprintf(w, "API error: %v\n", apiErr)
		return 1
	}
	fmt.Fprintf(w, "Request failed: %v\n", err)
	return 1
}

func writeJSON(w io.Writer, payload json.RawMessage) {
	if len(payload) == 0 {
		fmt.Fprintln(w, "null")
		return
	}
	var out bytes.Buffer
	if err := json.Indent(&out, payload, "", "  "); err != nil {
		w.Write(payload)
		fmt.Fprintln(w)
		return
	}
	out.WriteByte('\n')
	w.Write(out.Bytes())
}

func loadKeystore(path string) (*crypto.PrivateKey, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("-keystore is required (or set %s)", keystoreEnv)
	}
	secret, err := passphrase.NewSource(passphraseEnv, "signer keystore").Get()
	if err != nil {
		return nil, err
	}
	key, err := crypto.LoadFromKeystore(path, secret)
	if err != nil {
		return nil, fmt.Errorf("load keystore: %w", err)
	}
	return key, nil
}
