package apikey

import (
	"testing"
	"time"
)

func TestGenerateParseVerify(t *testing.T) {
	key, prefix, hash, err := Generate("dev")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	env, parsedPrefix, secret, err := Parse(key)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if env != "dev" {
		t.Fatalf("expected env dev, got %s", env)
	}
	if parsedPrefix != prefix {
		t.Fatalf("expected prefix %s, got %s", prefix, parsedPrefix)
	}
	if secret == "" {
		t.Fatalf("expected secret")
	}

	record := Record{KeyHash: hash}
	if err := Verify(key, record, time.Now()); err != nil {
		t.Fatalf("verify: %v", err)
	}
}

func TestParseRejectsMalformed(t *testing.T) {
	cases := []string{
		"",
		"mk_dev_abc",
		"ck_dev_abc.secret",
		"mk__abc.secret",
		"mk_dev_.secret",
		"mk_dev_abc.",
	}
	for _, key := range cases {
		if _, _, _, err := Parse(key); err != ErrInvalidKey {
			t.Fatalf("expected invalid key for %q, got %v", key, err)
		}
	}
}

func TestVerifyRejectsRevoked(t *testing.T) {
	key, _, hash, _ := Generate("dev")
	now := time.Now()
	record := Record{KeyHash: hash, RevokedAt: &now}
	if err := Verify(key, record, now); err != ErrRevokedKey {
		t.Fatalf("expected revoked error, got %v", err)
	}
}

func TestVerifyRejectsExpired(t *testing.T) {
	key, _, hash, _ := Generate("dev")
	past := time.Now().Add(-time.Hour)
	record := Record{KeyHash: hash, ExpiresAt: &past}
	if err := Verify(key, record, time.Now()); err != ErrExpiredKey {
		t.Fatalf("expected expired error, got %v", err)
	}
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	key, _, _, _ := Generate("dev")
	_, _, otherHash, _ := Generate("dev")
	if err := Verify(key, Record{KeyHash: otherHash}, time.Now()); err != ErrInvalidKey {
		t.Fatalf("expected invalid key, got %v", err)
	}
}
