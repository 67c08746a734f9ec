package main

import (
	"crypto/sha256"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"lukechampine.com/blake3"

	"proofpay/cmd/internal/passphrase"
	"proofpay/crypto"
	"proofpay/gateway/auth"
	"proofpay/native/escrow"
)

func runKeygen(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("keygen", stderr)
	dir := fs.String("dir", ".", "directory to write the keystore file into")
	light := fs.Bool("light", false, "DEV ONLY: use weak scrypt parameters")
	if !parseFlags(fs, args, stderr) {
		return 1
	}
	secret, err := passphrase.NewSource(passphraseEnv, "new keystore").Get()
	if err != nil {
		return printError(stderr, err.Error())
	}
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		return printError(stderr, err.Error())
	}
	address := key.PubKey().Address().String()
	path := filepath.Join(*dir, address+".json")
	save := crypto.SaveToKeystore
	if *light {
		save = crypto.SaveToKeystoreLight
	}
	if err := save(path, key, secret); err != nil {
		return printError(stderr, fmt.Sprintf("write keystore: %v", err))
	}
	fmt.Fprintf(stdout, "address: %s\nkeystore: %s\n", address, path)
	return 0
}

func runAddress(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("address", stderr)
	keystore := keystoreFlag(fs)
	if !parseFlags(fs, args, stderr) {
		return 1
	}
	key, err := loadSigner(*keystore)
	if err != nil {
		return printError(stderr, err.Error())
	}
	fmt.Fprintln(stdout, key.PubKey().Address().String())
	return 0
}

// Digest algorithms accepted by -alg.
const (
	algBlake3 = "blake3"
	algSHA256 = "sha256"
	algKeccak = "keccak"
)

func runDigest(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("digest", stderr)
	file := fs.String("file", "", "file to hash")
	alg := fs.String("alg", algBlake3, "hash algorithm: blake3, sha256 or keccak")
	if !parseFlags(fs, args, stderr) {
		return 1
	}
	if *file == "" {
		return printError(stderr, "-file is required")
	}
	digest, err := digestFile(*file, *alg)
	if err != nil {
		return printError(stderr, err.Error())
	}
	fmt.Fprintln(stdout, digest.String())
	return 0
}

func digestFile(path, alg string) (escrow.Digest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return escrow.Digest{}, fmt.Errorf("read %s: %w", path, err)
	}
	return digestBytes(data, alg)
}

func digestBytes(data []byte, alg string) (escrow.Digest, error) {
	var out escrow.Digest
	switch strings.ToLower(strings.TrimSpace(alg)) {
	case algBlake3, "":
		out = blake3.Sum256(data)
	case algSHA256:
		out = sha256.Sum256(data)
	case algKeccak:
		copy(out[:], crypto.Keccak256(data))
	default:
		return escrow.Digest{}, fmt.Errorf("unknown digest algorithm %q", alg)
	}
	return out, nil
}

// resolveDigest takes an explicit hex digest or hashes a file, never both.
func resolveDigest(raw, file, alg, name string) (escrow.Digest, error) {
	switch {
	case raw != "" && file != "":
		return escrow.Digest{}, fmt.Errorf("-%s and -%s-file are mutually exclusive", name, name)
	case raw != "":
		return escrow.ParseDigest(raw)
	case file != "":
		return digestFile(file, alg)
	default:
		return escrow.Digest{}, fmt.Errorf("-%s or -%s-file is required", name, name)
	}
}

func runToken(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("token", stderr)
	subject := fs.String("subject", "", "address the token authenticates")
	secret := fs.String("secret", os.Getenv("PROOFPAY_JWT_SECRET"), "HMAC secret shared with escrowd")
	issuer := fs.String("issuer", "", "optional iss claim")
	audience := fs.String("audience", "", "optional aud claim")
	ttl := fs.Duration("ttl", time.Hour, "token lifetime")
	if !parseFlags(fs, args, stderr) {
		return 1
	}
	addr, err := escrow.ParseAddress(*subject)
	if err != nil {
		return printError(stderr, fmt.Sprintf("-subject: %v", err))
	}
	token, err := auth.IssueToken(auth.JWTConfig{HMACSecret: *secret, Issuer: *issuer, Audience: *audience}, addr, *ttl, cliNow())
	if err != nil {
		return printError(stderr, err.Error())
	}
	fmt.Fprintln(stdout, token)
	return 0
}
