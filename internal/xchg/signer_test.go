package xchg

import "testing"

func TestSignIsDeterministic(t *testing.T) {
	a := Sign("secret", "1690000000000", "apikey", "5000", `{"symbol":"BTCUSDT"}`)
	b := Sign("secret", "1690000000000", "apikey", "5000", `{"symbol":"BTCUSDT"}`)
	if a != b {
		t.Fatalf("expected deterministic signature, got %q vs %q", a, b)
	}
	if len(a) != 64 {
		t.Errorf("expected 64 hex chars (sha256), got %d", len(a))
	}
}

func TestSignChangesWithPayload(t *testing.T) {
	a := Sign("secret", "1690000000000", "apikey", "5000", `{"symbol":"BTCUSDT"}`)
	b := Sign("secret", "1690000000000", "apikey", "5000", `{"symbol":"ETHUSDT"}`)
	if a == b {
		t.Error("expected different signatures for different payloads")
	}
}

func TestSignChangesWithSecret(t *testing.T) {
	a := Sign("secret1", "1690000000000", "apikey", "5000", "")
	b := Sign("secret2", "1690000000000", "apikey", "5000", "")
	if a == b {
		t.Error("expected different signatures for different secrets")
	}
}

func TestSignWSAuthDeterministic(t *testing.T) {
	a := SignWSAuth("secret", "1690000001000")
	b := SignWSAuth("secret", "1690000001000")
	if a != b {
		t.Fatalf("expected deterministic WS auth signature, got %q vs %q", a, b)
	}
}
