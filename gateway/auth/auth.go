package auth

import (
	"container/list"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"proofpay/crypto"
	"proofpay/native/escrow"
)

const (
	// HeaderIdentity is the bech32 address the caller claims to control.
	HeaderIdentity = "X-Identity"
	// HeaderTimestamp is the unix timestamp (seconds) used when signing the request.
	HeaderTimestamp = "X-Timestamp"
	// HeaderNonce provides replay protection when combined with the timestamp.
	HeaderNonce = "X-Nonce"
	// HeaderSignature carries the hex-encoded recoverable secp256k1 signature.
	HeaderSignature = "X-Signature"
	// MaxBodyForSignature is the maximum body size we will hash when authenticating.
	MaxBodyForSignature int = 1 << 20 // 1 MiB

	maxAllowedTimestampSkew  = 5 * time.Minute
	defaultTimestampSkew     = 2 * time.Minute
	maxNonceWindow           = 30 * time.Minute
	defaultNonceWindow       = 10 * time.Minute
	defaultNonceCapacity     = 4096
	maxNonceCapacity         = 65536
	persistencePruneInterval = time.Minute
)

// Principal represents an authenticated caller.
type Principal struct {
	Address escrow.Address
	// Method names the scheme that proved the address, "signature" or "jwt".
	Method string
}

// RequestAuthenticator proves the identity behind an HTTP request.
type RequestAuthenticator interface {
	Authenticate(r *http.Request, body []byte) (*Principal, error)
}

// NonceRecord captures persisted nonce usage metadata.
type NonceRecord struct {
	Identity   string
	Timestamp  string
	Nonce      string
	ObservedAt time.Time
}

// NoncePersistence provides durable storage for per-identity nonce usage.
type NoncePersistence interface {
	EnsureNonce(ctx context.Context, record NonceRecord) (bool, error)
	RecentNonces(ctx context.Context, cutoff time.Time) ([]NonceRecord, error)
	PruneNonces(ctx context.Context, cutoff time.Time) error
}

// SignatureAuthenticator verifies that a request was signed by the key behind
// the claimed identity.
type SignatureAuthenticator struct {
	allowedTimestampSkew time.Duration
	nonceTTL             time.Duration
	nonceCapacity        int
	nowFn                func() time.Time

	nonceMu sync.Mutex
	nonces  map[string]*nonceStore

	lastSeenMu sync.Mutex
	lastSeen   map[string]int64

	persistence NoncePersistence
	pruneMu     sync.Mutex
	lastPruned  time.Time
}

// NewSignatureAuthenticator builds a SignatureAuthenticator. Zero values
// select defaults; values above the hard limits are clamped.
func NewSignatureAuthenticator(skew time.Duration, nonceTTL time.Duration, nonceCapacity int, nowFn func() time.Time, persistence NoncePersistence) *SignatureAuthenticator {
	if nowFn == nil {
		nowFn = time.Now
	}
	if skew <= 0 {
		skew = defaultTimestampSkew
	}
	if skew > maxAllowedTimestampSkew {
		skew = maxAllowedTimestampSkew
	}
	if nonceTTL <= 0 {
		nonceTTL = defaultNonceWindow
	}
	if nonceTTL > maxNonceWindow {
		nonceTTL = maxNonceWindow
	}
	if nonceCapacity <= 0 {
		nonceCapacity = defaultNonceCapacity
	}
	if nonceCapacity > maxNonceCapacity {
		nonceCapacity = maxNonceCapacity
	}
	return &SignatureAuthenticator{
		allowedTimestampSkew: skew,
		nonceTTL:             nonceTTL,
		nonceCapacity:        nonceCapacity,
		nowFn:                nowFn,
		nonces:               make(map[string]*nonceStore),
		lastSeen:             make(map[string]int64),
		persistence:          persistence,
	}
}

// Authenticate validates headers and signature, returning the caller principal.
func (a *SignatureAuthenticator) Authenticate(r *http.Request, body []byte) (*Principal, error) {
	if len(body) > MaxBodyForSignature {
		return nil, fmt.Errorf("request body exceeds %d bytes", MaxBodyForSignature)
	}
	identityHeader := strings.TrimSpace(r.Header.Get(HeaderIdentity))
	if identityHeader == "" {
		return nil, errors.New("missing X-Identity header")
	}
	claimed, err := escrow.ParseAddress(identityHeader)
	if err != nil {
		return nil, fmt.Errorf("invalid identity: %w", err)
	}
	timestampHeader := strings.TrimSpace(r.Header.Get(HeaderTimestamp))
	if timestampHeader == "" {
		return nil, errors.New("missing X-Timestamp header")
	}
	ts, err := parseUnixTimestamp(timestampHeader)
	if err != nil {
		return nil, fmt.Errorf("invalid timestamp: %w", err)
	}
	now := a.nowFn().UTC()
	skew := now.Sub(ts)
	if skew < 0 {
		skew = -skew
	}
	if skew > a.allowedTimestampSkew {
		return nil, fmt.Errorf("timestamp outside allowed skew of %s", a.allowedTimestampSkew)
	}
	nonce := strings.TrimSpace(r.Header.Get(HeaderNonce))
	if nonce == "" {
		return nil, errors.New("missing X-Nonce header")
	}
	providedSig := strings.TrimPrefix(strings.TrimSpace(r.Header.Get(HeaderSignature)), "0x")
	if providedSig == "" {
		return nil, errors.New("missing X-Signature header")
	}
	sig, err := hex.DecodeString(providedSig)
	if err != nil {
		return nil, fmt.Errorf("invalid signature encoding: %w", err)
	}
	digest := SigningDigest(timestampHeader, nonce, r.Method, CanonicalRequestPath(r), body)
	signer, err := crypto.RecoverAddress(digest, sig)
	if err != nil {
		return nil, fmt.Errorf("invalid signature: %w", err)
	}
	var recovered escrow.Address
	copy(recovered[:], signer.Bytes())
	if recovered != claimed {
		return nil, errors.New("signature does not match identity")
	}
	identity := claimed.String()
	duplicate, err := a.registerNonce(r.Context(), identity, timestampHeader, nonce, now)
	if err != nil {
		return nil, err
	}
	if duplicate {
		return nil, errors.New("nonce already used")
	}
	if a.isTimestampReplay(identity, ts, now) {
		return nil, errors.New("timestamp not increasing")
	}
	return &Principal{Address: claimed, Method: "signature"}, nil
}

// HydrateNonces warms the in-memory cache with persisted nonce usage records.
func (a *SignatureAuthenticator) HydrateNonces(ctx context.Context, cutoff time.Time) error {
	if a == nil || a.persistence == nil {
		return nil
	}
	records, err := a.persistence.RecentNonces(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("load persistent nonces: %w", err)
	}
	for _, rec := range records {
		if strings.TrimSpace(rec.Identity) == "" || strings.TrimSpace(rec.Timestamp) == "" || strings.TrimSpace(rec.Nonce) == "" {
			continue
		}
		observed := rec.ObservedAt
		if observed.IsZero() {
			observed = cutoff
		}
		a.nonceStore(rec.Identity).Add(rec.Timestamp+"|"+rec.Nonce, observed)
	}
	return nil
}

func (a *SignatureAuthenticator) registerNonce(ctx context.Context, identity, timestamp, nonce string, now time.Time) (bool, error) {
	cache := a.nonceStore(identity)
	composite := timestamp + "|" + nonce
	if cache.Contains(composite, now) {
		return true, nil
	}
	if a.persistence != nil {
		if err := a.prunePersistent(ctx, now); err != nil {
			return false, err
		}
		existed, err := a.persistence.EnsureNonce(ctx, NonceRecord{
			Identity:   identity,
			Timestamp:  timestamp,
			Nonce:      nonce,
			ObservedAt: now,
		})
		if err != nil {
			return false, fmt.Errorf("persist nonce: %w", err)
		}
		if existed {
			cache.Add(composite, now)
			return true, nil
		}
	}
	cache.Add(composite, now)
	return false, nil
}

func (a *SignatureAuthenticator) prunePersistent(ctx context.Context, now time.Time) error {
	a.pruneMu.Lock()
	defer a.pruneMu.Unlock()
	if !a.lastPruned.IsZero() && now.Sub(a.lastPruned) < persistencePruneInterval {
		return nil
	}
	if err := a.persistence.PruneNonces(ctx, now.Add(-a.nonceTTL)); err != nil {
		return fmt.Errorf("prune persistent nonces: %w", err)
	}
	a.lastPruned = now
	return nil
}

// isTimestampReplay rejects a timestamp that does not move forward for an
// identity within the skew window.
func (a *SignatureAuthenticator) isTimestampReplay(identity string, ts time.Time, now time.Time) bool {
	cutoff := now.Add(-a.allowedTimestampSkew)
	current := ts.Unix()

	a.lastSeenMu.Lock()
	defer a.lastSeenMu.Unlock()

	last, ok := a.lastSeen[identity]
	if ok {
		if time.Unix(last, 0).UTC().After(cutoff) {
			if current < last {
				return true
			}
		} else {
			delete(a.lastSeen, identity)
			ok = false
		}
	}
	if !ok || current > last {
		a.lastSeen[identity] = current
	}
	return false
}

func (a *SignatureAuthenticator) nonceStore(identity string) *nonceStore {
	a.nonceMu.Lock()
	defer a.nonceMu.Unlock()
	cache, ok := a.nonces[identity]
	if ok {
		return cache
	}
	cache = newNonceStore(a.nonceTTL, a.nonceCapacity)
	a.nonces[identity] = cache
	return cache
}

// CanonicalRequestPath normalises URL paths and query ordering for signing.
func CanonicalRequestPath(r *http.Request) string {
	path := r.URL.Path
	if path == "" {
		path = "/"
	}
	if r.URL.RawQuery != "" {
		path += "?" + CanonicalQuery(r.URL.RawQuery)
	}
	return path
}

// CanonicalQuery normalises raw query strings for stable signing.
func CanonicalQuery(raw string) string {
	if raw == "" {
		return ""
	}
	parts := strings.Split(raw, "&")
	sort.Strings(parts)
	return strings.Join(parts, "&")
}

// SigningDigest is the keccak256 hash a caller signs for a request.
func SigningDigest(timestamp, nonce, method, path string, body []byte) []byte {
	bodyHash := sha256.Sum256(body)
	payload := strings.Join([]string{timestamp, nonce, strings.ToUpper(method), path, hex.EncodeToString(bodyHash[:])}, "\n")
	return crypto.Keccak256([]byte(payload))
}

// SignRequest sets the identity, timestamp, nonce and signature headers on
// req for body. The body itself is not attached.
func SignRequest(req *http.Request, key *crypto.PrivateKey, body []byte, now time.Time, nonce string) error {
	if key == nil {
		return errors.New("auth: signing key required")
	}
	if strings.TrimSpace(nonce) == "" {
		return errors.New("auth: nonce required")
	}
	timestamp := strconv.FormatInt(now.Unix(), 10)
	sig, err := key.Sign(SigningDigest(timestamp, nonce, req.Method, CanonicalRequestPath(req), body))
	if err != nil {
		return fmt.Errorf("auth: sign request: %w", err)
	}
	req.Header.Set(HeaderIdentity, key.PubKey().Address().String())
	req.Header.Set(HeaderTimestamp, timestamp)
	req.Header.Set(HeaderNonce, nonce)
	req.Header.Set(HeaderSignature, hex.EncodeToString(sig))
	return nil
}

func parseUnixTimestamp(v string) (time.Time, error) {
	secs, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(secs, 0).UTC(), nil
}

type nonceStore struct {
	ttl      time.Duration
	capacity int

	mu      sync.Mutex
	entries map[string]*list.Element
	order   *list.List
}

type nonceEntry struct {
	key string
	ts  time.Time
}

func newNonceStore(ttl time.Duration, capacity int) *nonceStore {
	return &nonceStore{
		ttl:      ttl,
		capacity: capacity,
		entries:  make(map[string]*list.Element),
		order:    list.New(),
	}
}

// Contains reports whether the nonce has been observed without mutating the cache when new.
func (n *nonceStore) Contains(key string, now time.Time) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.evictExpired(now.Add(-n.ttl))
	_, exists := n.entries[key]
	return exists
}

// Add registers a nonce in the cache, applying eviction as required.
func (n *nonceStore) Add(key string, now time.Time) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.evictExpired(now.Add(-n.ttl))
	if elem, exists := n.entries[key]; exists {
		elem.Value = nonceEntry{key: key, ts: now}
		n.order.MoveToBack(elem)
		return
	}
	for n.capacity > 0 && n.order.Len() >= n.capacity {
		front := n.order.Front()
		n.order.Remove(front)
		delete(n.entries, front.Value.(nonceEntry).key)
	}
	n.entries[key] = n.order.PushBack(nonceEntry{key: key, ts: now})
}

func (n *nonceStore) evictExpired(cutoff time.Time) {
	for {
		front := n.order.Front()
		if front == nil {
			return
		}
		entry := front.Value.(nonceEntry)
		if !entry.ts.Before(cutoff) {
			return
		}
		n.order.Remove(front)
		delete(n.entries, entry.key)
	}
}
