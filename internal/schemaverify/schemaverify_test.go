package schemaverify

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"testing"
)

func genKeyPair(t *testing.T) (privPEM, pubPEM []byte) {
	t.Helper()
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	privDER, err := x509.MarshalECPrivateKey(priv)
	if err != nil {
		t.Fatal(err)
	}
	pubDER, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		t.Fatal(err)
	}
	privPEM = pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: privDER})
	pubPEM = pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER})
	return privPEM, pubPEM
}

type staticFetcher struct{ key []byte }

func (f staticFetcher) FetchPublicKey(provider, keyURL string) ([]byte, error) {
	return f.key, nil
}

func TestCanonicalizeSortsKeys(t *testing.T) {
	a, err := Canonicalize(json.RawMessage(`{"b":1,"a":2}`))
	if err != nil {
		t.Fatal(err)
	}
	b, err := Canonicalize(json.RawMessage(`{"a":2,"b":1}`))
	if err != nil {
		t.Fatal(err)
	}
	if string(a) != string(b) {
		t.Fatalf("canonical forms diverged: %s vs %s", a, b)
	}
	if string(a) != `{"a":2,"b":1}` {
		t.Fatalf("unexpected canonical form: %s", a)
	}
}

func TestSignAndVerifyRoundTrip(t *testing.T) {
	privPEM, pubPEM := genKeyPair(t)
	schema := json.RawMessage(`{"type":"object","properties":{"x":{"type":"string"}}}`)

	sig, err := Sign(schema, privPEM)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	v := NewVerifier(NewMemoryKeyStore(), staticFetcher{key: pubPEM})
	if err := v.Verify("provider-a", "tool-x", schema, sig, "https://provider-a.example/keys"); err != nil {
		t.Fatalf("verify: %v", err)
	}
}

func TestVerifyPinsKeyOnFirstUse(t *testing.T) {
	privPEM, pubPEM := genKeyPair(t)
	schema := json.RawMessage(`{"type":"object"}`)
	sig, err := Sign(schema, privPEM)
	if err != nil {
		t.Fatal(err)
	}

	store := NewMemoryKeyStore()
	v := NewVerifier(store, staticFetcher{key: pubPEM})
	if err := v.Verify("provider-a", "tool-x", schema, sig, "https://keys"); err != nil {
		t.Fatal(err)
	}

	if _, _, ok := store.Lookup("provider-a"); !ok {
		t.Fatalf("expected key to be pinned after first verification")
	}
}

func TestVerifyRejectsPinMismatch(t *testing.T) {
	_, pubPEMOld := genKeyPair(t)
	privNew, pubPEMNew := genKeyPair(t)
	schema := json.RawMessage(`{"type":"object"}`)
	sig, err := Sign(schema, privNew)
	if err != nil {
		t.Fatal(err)
	}

	store := NewMemoryKeyStore()
	store.Pin("provider-a", pubPEMOld, Fingerprint(pubPEMOld))

	v := NewVerifier(store, staticFetcher{key: pubPEMNew})
	err = v.Verify("provider-a", "tool-x", schema, sig, "https://keys")
	if err == nil {
		t.Fatalf("expected pin mismatch error")
	}
	if verr, ok := err.(*Error); !ok || verr.Kind != ErrPinMismatch {
		t.Fatalf("want ErrPinMismatch, got %v", err)
	}
}

func TestVerifyDetectsTamperedSchema(t *testing.T) {
	privPEM, pubPEM := genKeyPair(t)
	schema := json.RawMessage(`{"type":"object"}`)
	sig, err := Sign(schema, privPEM)
	if err != nil {
		t.Fatal(err)
	}

	tampered := json.RawMessage(`{"type":"array"}`)
	v := NewVerifier(NewMemoryKeyStore(), staticFetcher{key: pubPEM})
	err = v.Verify("provider-a", "tool-x", tampered, sig, "https://keys")
	if err == nil {
		t.Fatalf("expected signature mismatch for tampered schema")
	}
	if verr, ok := err.(*Error); !ok || verr.Kind != ErrSignatureBad {
		t.Fatalf("want ErrSignatureBad, got %v", err)
	}
}

func TestVerifyMissingSchema(t *testing.T) {
	v := NewVerifier(NewMemoryKeyStore(), staticFetcher{})
	err := v.Verify("provider-a", "tool-x", nil, nil, "https://keys")
	if verr, ok := err.(*Error); !ok || verr.Kind != ErrSchemaMissing {
		t.Fatalf("want ErrSchemaMissing, got %v", err)
	}
}

func TestRotateReplacesPinnedKey(t *testing.T) {
	_, pubPEMOld := genKeyPair(t)
	privNew, pubPEMNew := genKeyPair(t)

	store := NewMemoryKeyStore()
	store.Pin("provider-a", pubPEMOld, Fingerprint(pubPEMOld))

	v := NewVerifier(store, staticFetcher{})
	if err := v.Rotate("provider-a", pubPEMNew); err != nil {
		t.Fatalf("rotate: %v", err)
	}

	schema := json.RawMessage(`{"type":"object"}`)
	sig, err := Sign(schema, privNew)
	if err != nil {
		t.Fatal(err)
	}
	if err := v.Verify("provider-a", "tool-x", schema, sig, "https://keys"); err != nil {
		t.Fatalf("verify after rotation: %v", err)
	}
}
