// Package schemaverify implements ECDSA-signed tool schema verification:
// canonicalization of a schema's JSON form, SHA-256 digesting, P-256
// signing and verification, and a trust-on-first-use pinned-key store.
package schemaverify

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/asn1"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"math/big"
	"sort"
)

// ErrorKind distinguishes why verification failed.
type ErrorKind string

const (
	ErrBinaryNotFound  ErrorKind = "binary_not_found"
	ErrSchemaMissing   ErrorKind = "schema_missing"
	ErrInvalidKeyURL   ErrorKind = "invalid_key_url"
	ErrParseError      ErrorKind = "parse_error"
	ErrHashMismatch    ErrorKind = "hash_mismatch"
	ErrSignatureBad    ErrorKind = "signature_mismatch"
	ErrPinMismatch     ErrorKind = "pin_mismatch"
	ErrTimeout         ErrorKind = "timeout"
)

// Error is a schema-verification failure carrying a specific kind.
type Error struct {
	Kind    ErrorKind
	Message string
}

func (e *Error) Error() string { return fmt.Sprintf("schemaverify: %s: %s", e.Kind, e.Message) }

func newError(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Canonicalize produces a byte-exact form of a JSON schema: object keys
// sorted ASCII, arrays preserve order, numbers and strings re-encoded through
// encoding/json's canonical float/string formatting.
func Canonicalize(schema json.RawMessage) ([]byte, error) {
	var v any
	if err := json.Unmarshal(schema, &v); err != nil {
		return nil, newError(ErrParseError, "invalid schema JSON: %v", err)
	}
	var buf bytes.Buffer
	if err := canonicalizeValue(&buf, v); err != nil {
		return nil, newError(ErrParseError, "canonicalization failed: %v", err)
	}
	return buf.Bytes(), nil
}

func canonicalizeValue(buf *bytes.Buffer, v any) error {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, err := json.Marshal(k)
			if err != nil {
				return err
			}
			buf.Write(kb)
			buf.WriteByte(':')
			if err := canonicalizeValue(buf, val[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	case []any:
		buf.WriteByte('[')
		for i, e := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := canonicalizeValue(buf, e); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return err
		}
		buf.Write(b)
	}
	return nil
}

// Hash returns the SHA-256 digest of a schema's canonical form.
func Hash(schema json.RawMessage) ([32]byte, error) {
	canon, err := Canonicalize(schema)
	if err != nil {
		return [32]byte{}, err
	}
	return sha256.Sum256(canon), nil
}

type ecdsaSignature struct {
	R, S *big.Int
}

// Sign produces a DER-encoded ECDSA/P-256 signature over a schema's
// canonical SHA-256 hash, using a PEM-encoded EC private key.
func Sign(schema json.RawMessage, pemKey []byte) ([]byte, error) {
	priv, err := parsePrivateKey(pemKey)
	if err != nil {
		return nil, err
	}
	hash, err := Hash(schema)
	if err != nil {
		return nil, err
	}
	r, s, err := ecdsa.Sign(rand.Reader, priv, hash[:])
	if err != nil {
		return nil, newError(ErrSignatureBad, "signing failed: %v", err)
	}
	return asn1.Marshal(ecdsaSignature{R: r, S: s})
}

func parsePrivateKey(pemKey []byte) (*ecdsa.PrivateKey, error) {
	block, _ := pem.Decode(pemKey)
	if block == nil {
		return nil, newError(ErrParseError, "no PEM block found in private key")
	}
	key, err := x509.ParseECPrivateKey(block.Bytes)
	if err != nil {
		return nil, newError(ErrParseError, "invalid EC private key: %v", err)
	}
	return key, nil
}

func parsePublicKey(pemKey []byte) (*ecdsa.PublicKey, error) {
	block, _ := pem.Decode(pemKey)
	if block == nil {
		return nil, newError(ErrParseError, "no PEM block found in public key")
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, newError(ErrParseError, "invalid public key: %v", err)
	}
	ecKey, ok := pub.(*ecdsa.PublicKey)
	if !ok || ecKey.Curve != elliptic.P256() {
		return nil, newError(ErrParseError, "public key is not ECDSA P-256")
	}
	return ecKey, nil
}

// Fingerprint returns a stable hex-ish identifier for a public key, derived
// from the SHA-256 of its PEM bytes. Used for pinning and display.
func Fingerprint(pemKey []byte) string {
	sum := sha256.Sum256(pemKey)
	return fmt.Sprintf("%x", sum[:8])
}

// KeyStore pins provider identifiers to public keys on trust-on-first-use.
type KeyStore interface {
	// Lookup returns the pinned key and fingerprint for provider, or
	// (nil, "", false) if no key is pinned yet.
	Lookup(provider string) (pemKey []byte, fingerprint string, ok bool)
	// Pin records provider's key. Implementations must reject overwriting
	// an existing pin with a different key (see Verifier.Verify).
	Pin(provider string, pemKey []byte, fingerprint string) error
}

// MemoryKeyStore is an in-process KeyStore. Safe for concurrent use by a
// single Verifier, which serializes access via its own lock.
type MemoryKeyStore struct {
	pins map[string]pinnedKey
}

type pinnedKey struct {
	pem         []byte
	fingerprint string
}

// NewMemoryKeyStore returns an empty in-memory key store.
func NewMemoryKeyStore() *MemoryKeyStore {
	return &MemoryKeyStore{pins: make(map[string]pinnedKey)}
}

func (s *MemoryKeyStore) Lookup(provider string) ([]byte, string, bool) {
	p, ok := s.pins[provider]
	if !ok {
		return nil, "", false
	}
	return p.pem, p.fingerprint, true
}

func (s *MemoryKeyStore) Pin(provider string, pemKey []byte, fingerprint string) error {
	s.pins[provider] = pinnedKey{pem: pemKey, fingerprint: fingerprint}
	return nil
}

// KeyFetcher resolves a provider's current public key from its published
// discovery information (e.g. a well-known URL). Kept as an interface so
// verification never depends on a transport directly.
type KeyFetcher interface {
	FetchPublicKey(provider, keyURL string) ([]byte, error)
}

// Verifier performs schema verification with trust-on-first-use key pinning.
type Verifier struct {
	keys    KeyStore
	fetcher KeyFetcher
}

// NewVerifier builds a Verifier over the given pinned-key store and fetcher.
func NewVerifier(keys KeyStore, fetcher KeyFetcher) *Verifier {
	return &Verifier{keys: keys, fetcher: fetcher}
}

// Verify checks a schema's signature for the given provider/tool, pinning
// the provider's key on first use. Rotation is not performed implicitly: a
// mismatch between the presented key and a previously pinned key is always
// an error.
func (v *Verifier) Verify(provider, toolName string, schema json.RawMessage, signature []byte, keyURL string) error {
	if len(schema) == 0 {
		return newError(ErrSchemaMissing, "schema missing for tool %q", toolName)
	}
	if keyURL == "" {
		return newError(ErrInvalidKeyURL, "empty key URL for provider %q", provider)
	}

	pinnedPEM, pinnedFP, havePin := v.keys.Lookup(provider)

	var pemKey []byte
	if havePin {
		pemKey = pinnedPEM
	} else {
		fetched, err := v.fetcher.FetchPublicKey(provider, keyURL)
		if err != nil {
			return newError(ErrInvalidKeyURL, "fetching public key for %q: %v", provider, err)
		}
		pemKey = fetched
	}

	fp := Fingerprint(pemKey)
	if havePin && fp != pinnedFP {
		return newError(ErrPinMismatch, "presented key fingerprint %s does not match pinned %s for provider %q", fp, pinnedFP, provider)
	}

	pub, err := parsePublicKey(pemKey)
	if err != nil {
		return err
	}

	hash, err := Hash(schema)
	if err != nil {
		return err
	}

	var sig ecdsaSignature
	if _, err := asn1.Unmarshal(signature, &sig); err != nil {
		return newError(ErrSignatureBad, "invalid signature encoding: %v", err)
	}
	if !ecdsa.Verify(pub, hash[:], sig.R, sig.S) {
		return newError(ErrSignatureBad, "signature verification failed for tool %q", toolName)
	}

	if !havePin {
		if err := v.keys.Pin(provider, pemKey, fp); err != nil {
			return newError(ErrPinMismatch, "pinning key for provider %q: %v", provider, err)
		}
	}
	return nil
}

// Rotate explicitly replaces a provider's pinned key. Distinct from Verify's
// implicit trust-on-first-use pinning: rotation is always an operator-driven
// action, never automatic.
func (v *Verifier) Rotate(provider string, newPEMKey []byte) error {
	if _, err := parsePublicKey(newPEMKey); err != nil {
		return err
	}
	return v.keys.Pin(provider, newPEMKey, Fingerprint(newPEMKey))
}
