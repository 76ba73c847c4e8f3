package errs

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindOfWrappedChain(t *testing.T) {
	base := New(KindNotFound, "target 42 not found")
	wrapped := fmt.Errorf("loading target: %w", base)
	deeper := fmt.Errorf("optimization run: %w", wrapped)

	if KindOf(deeper) != KindNotFound {
		t.Fatalf("expected not_found through wrap chain, got %s", KindOf(deeper))
	}
	if !IsNotFound(deeper) {
		t.Fatal("IsNotFound should see through wrapping")
	}
}

func TestKindOfUnclassified(t *testing.T) {
	if KindOf(errors.New("plain")) != KindInternal {
		t.Fatal("unclassified errors default to internal")
	}
	if KindOf(nil) != KindInternal {
		t.Fatal("nil defaults to internal")
	}
	if IsKind(nil, KindInternal) {
		t.Fatal("nil is never any kind")
	}
}

func TestWrapNil(t *testing.T) {
	if Wrap(KindExternal, "call", nil) != nil {
		t.Fatal("wrapping nil must stay nil")
	}
}

func TestErrorMessageIncludesCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := Wrap(KindExternal, "update bid", cause)
	want := "update bid: connection refused"
	if err.Error() != want {
		t.Fatalf("got %q want %q", err.Error(), want)
	}
	if !errors.Is(err, cause) {
		t.Fatal("cause must remain reachable via errors.Is")
	}
}

func TestKindNames(t *testing.T) {
	cases := map[Kind]string{
		KindInternal:    "internal",
		KindNotFound:    "not_found",
		KindValidation:  "validation",
		KindConflict:    "conflict",
		KindExternal:    "external_failure",
		KindStale:       "stale",
		KindAuthExpired: "auth_expired",
	}
	for k, want := range cases {
		if k.String() != want {
			t.Errorf("kind %d: got %q want %q", int(k), k.String(), want)
		}
	}
}
