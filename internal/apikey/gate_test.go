package apikey

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"
)

func newTestGate(t *testing.T, onAdmit AdmitFunc) (*Gate, *Store, *fakeClock) {
	t.Helper()
	store := newTestStore(t)
	clock := &fakeClock{t: time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)}
	limiter := NewRateLimiter().WithClock(clock.now)
	return NewGate(store, limiter, zap.NewNop(), onAdmit), store, clock
}

func TestGateMissingKey(t *testing.T) {
	gate, _, _ := newTestGate(t, nil)

	_, err := gate.Check(context.Background(), "")
	if !errors.Is(err, ErrUnauthenticated) {
		t.Errorf("missing key error = %v, want ErrUnauthenticated", err)
	}
}

func TestGateUnknownKeyLooksLikeMissing(t *testing.T) {
	gate, _, _ := newTestGate(t, nil)

	// A well-formed secret that matches no record, and a structurally
	// foreign token, must both fail exactly like a missing key.
	plaintext, _, err := GenerateSecret()
	if err != nil {
		t.Fatal(err)
	}
	_, unknownErr := gate.Check(context.Background(), plaintext)
	_, missingErr := gate.Check(context.Background(), "")
	_, foreignErr := gate.Check(context.Background(), "sk-totally-different-system")

	if !errors.Is(unknownErr, ErrUnauthenticated) {
		t.Errorf("unknown key error = %v", unknownErr)
	}
	if unknownErr.Error() != missingErr.Error() {
		t.Errorf("unknown (%q) and missing (%q) must be indistinguishable", unknownErr, missingErr)
	}
	if foreignErr.Error() != missingErr.Error() {
		t.Errorf("foreign (%q) and missing (%q) must be indistinguishable", foreignErr, missingErr)
	}
}

func TestGateVerifiesDigestNotJustIndex(t *testing.T) {
	gate, store, _ := newTestGate(t, nil)
	created, err := store.Create("victim", nil)
	if err != nil {
		t.Fatal(err)
	}

	// A corrupted index entry pointing another secret's digest at this
	// record must still fail: the stored digest is the authentication,
	// the map is only the address.
	other, _, err := GenerateSecret()
	if err != nil {
		t.Fatal(err)
	}
	store.mu.Lock()
	store.byHash[HashSecret(other)] = created.ID
	store.mu.Unlock()

	if _, err := gate.Check(context.Background(), other); !errors.Is(err, ErrUnauthenticated) {
		t.Errorf("mismatched digest error = %v, want ErrUnauthenticated", err)
	}
	if _, err := gate.Check(context.Background(), created.Secret); err != nil {
		t.Errorf("legitimate secret denied: %v", err)
	}
}

func TestGateInactiveKey(t *testing.T) {
	gate, store, _ := newTestGate(t, nil)
	created, _ := store.Create("inactive soon", nil)

	if _, err := gate.Check(context.Background(), created.Secret); err != nil {
		t.Fatalf("active key denied: %v", err)
	}

	if _, err := store.Deactivate(created.ID); err != nil {
		t.Fatal(err)
	}

	// The very next admission attempt with the still-valid secret fails.
	_, err := gate.Check(context.Background(), created.Secret)
	if !errors.Is(err, ErrUnauthenticated) {
		t.Errorf("deactivated key error = %v, want ErrUnauthenticated", err)
	}
}

func TestGateRateLimited(t *testing.T) {
	gate, store, _ := newTestGate(t, nil)
	created, _ := store.Create("limited", &Limits{PerMinute: 1, PerDay: 0})

	if _, err := gate.Check(context.Background(), created.Secret); err != nil {
		t.Fatalf("first request denied: %v", err)
	}

	_, err := gate.Check(context.Background(), created.Secret)
	var rle *RateLimitedError
	if !errors.As(err, &rle) {
		t.Fatalf("second request error = %v, want RateLimitedError", err)
	}
	if rle.Reason != ReasonMinuteQuotaExceeded {
		t.Errorf("Reason = %q", rle.Reason)
	}
	if rle.RetryAfter <= 0 {
		t.Errorf("RetryAfter = %d, want > 0", rle.RetryAfter)
	}
}

func TestGateAdmittedReturnsIdentityNotSecret(t *testing.T) {
	gate, store, _ := newTestGate(t, nil)
	created, _ := store.Create("caller one", nil)

	adm, err := gate.Check(context.Background(), created.Secret)
	if err != nil {
		t.Fatalf("Check returned error: %v", err)
	}
	if adm.KeyID != created.ID {
		t.Errorf("KeyID = %q, want %q", adm.KeyID, created.ID)
	}
	if adm.KeyName != "caller one" {
		t.Errorf("KeyName = %q", adm.KeyName)
	}
}

func TestGateTotalRequestsMatchesAdmissions(t *testing.T) {
	gate, store, clock := newTestGate(t, nil)
	created, _ := store.Create("counted", &Limits{PerMinute: 3, PerDay: 0})

	admissions := 0
	for i := 0; i < 10; i++ {
		if _, err := gate.Check(context.Background(), created.Secret); err == nil {
			admissions++
		}
		if i == 5 {
			clock.advance(time.Minute)
		}
	}

	key, _ := store.Get(created.ID)
	if key.TotalRequests != int64(admissions) {
		t.Errorf("TotalRequests = %d, admissions = %d", key.TotalRequests, admissions)
	}
	if admissions != 6 { // 3 in the first bucket, 3 in the second
		t.Errorf("admissions = %d, want 6", admissions)
	}
}

func TestGateAdmitHook(t *testing.T) {
	var gotKeyID string
	hook := func(ctx context.Context, keyID string) { gotKeyID = keyID }

	gate, store, _ := newTestGate(t, hook)
	created, _ := store.Create("hooked", nil)

	if _, err := gate.Check(context.Background(), created.Secret); err != nil {
		t.Fatalf("Check returned error: %v", err)
	}
	if gotKeyID != created.ID {
		t.Errorf("hook key id = %q, want %q", gotKeyID, created.ID)
	}

	// Denied requests never reach the hook.
	gotKeyID = ""
	if _, err := gate.Check(context.Background(), "ocr_bogus"); err == nil {
		t.Fatal("expected denial")
	}
	if gotKeyID != "" {
		t.Error("hook invoked for denied request")
	}
}
