package secret

import (
	"strings"
	"testing"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	c := New("test-encryption-key")

	cookie := "sso=abc123; cf_clearance=xyz"
	enc, err := c.EncryptCookie(cookie)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if strings.Contains(enc, "abc123") {
		t.Fatal("ciphertext contains plaintext")
	}
	if !strings.Contains(enc, ":") {
		t.Fatalf("unexpected format: %q", enc)
	}

	dec, err := c.DecryptCookie(enc)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if dec != cookie {
		t.Fatalf("round trip = %q, want %q", dec, cookie)
	}
}

func TestEncryptUniqueIV(t *testing.T) {
	c := New("test-encryption-key")
	a, _ := c.EncryptCookie("same input")
	b, _ := c.EncryptCookie("same input")
	if a == b {
		t.Fatal("two encryptions must differ by IV")
	}
}

func TestDecryptRejectsGarbage(t *testing.T) {
	c := New("test-encryption-key")
	if _, err := c.DecryptCookie("no-separator"); err == nil {
		t.Fatal("missing separator must fail")
	}
	if _, err := c.DecryptCookie("zz:zz"); err == nil {
		t.Fatal("bad hex must fail")
	}
}

func TestHashCookieStable(t *testing.T) {
	a := HashCookie("sso=abc")
	b := HashCookie("sso=abc")
	if a != b {
		t.Fatal("hash must be stable")
	}
	if HashCookie("sso=abc") != HashCookie("  sso=abc \n") {
		t.Fatal("hash must ignore surrounding whitespace")
	}
	if HashCookie("sso=abc") == HashCookie("sso=def") {
		t.Fatal("different cookies must hash differently")
	}
	if len(a) != 64 {
		t.Fatalf("hash length = %d", len(a))
	}
}
