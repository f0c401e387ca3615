package tradenet

import (
	"encoding/base64"
	"errors"
	"testing"
	"time"
)

var testSecret = base64.StdEncoding.EncodeToString([]byte("identity-secret-for-tests"))

func TestConfirmationKeyVerifies(t *testing.T) {
	now := time.Unix(1700000000, 0)
	proof, err := ConfirmationKey(testSecret, now, "allow")
	if err != nil {
		t.Fatalf("key: %v", err)
	}
	if err := VerifyConfirmation(testSecret, proof, now.Add(5*time.Second), time.Minute); err != nil {
		t.Fatalf("verify: %v", err)
	}

	other := base64.StdEncoding.EncodeToString([]byte("someone else"))
	if err := VerifyConfirmation(other, proof, now, time.Minute); !errors.Is(err, ErrConfirmation) {
		t.Fatalf("expected ErrConfirmation for wrong secret, got %v", err)
	}
	if err := VerifyConfirmation(testSecret, proof, now.Add(time.Hour), time.Minute); !errors.Is(err, ErrConfirmation) {
		t.Fatalf("expected ErrConfirmation for stale proof, got %v", err)
	}
}

func TestConfirmationKeyRejectsBadSecret(t *testing.T) {
	if _, err := ConfirmationKey("%%%", time.Now(), "allow"); !errors.Is(err, ErrConfirmation) {
		t.Fatalf("expected ErrConfirmation, got %v", err)
	}
}

func TestGuardCodeStableWithinWindow(t *testing.T) {
	base := time.Unix(1700000010, 0)
	a, err := GuardCode(testSecret, base)
	if err != nil {
		t.Fatalf("guard code: %v", err)
	}
	b, _ := GuardCode(testSecret, base.Add(5*time.Second))
	if len(a) != 5 || a != b {
		t.Fatalf("codes %q and %q should match within one window", a, b)
	}
}
