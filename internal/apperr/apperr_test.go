package apperr

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindOf(t *testing.T) {
	err := New(KindNotFound, "layer not found")
	if KindOf(err) != KindNotFound {
		t.Errorf("KindOf = %v, want KindNotFound", KindOf(err))
	}
	if KindOf(errors.New("plain")) != KindUnknown {
		t.Error("plain errors must report KindUnknown")
	}
	if KindOf(nil) != KindUnknown {
		t.Error("nil must report KindUnknown")
	}
}

func TestKindSurvivesWrapping(t *testing.T) {
	inner := New(KindDataIntegrity, "truncated result")
	outer := fmt.Errorf("evaluating monitor: %w", inner)

	if KindOf(outer) != KindDataIntegrity {
		t.Errorf("KindOf(wrapped) = %v, want KindDataIntegrity", KindOf(outer))
	}
	if !IsKind(outer, KindDataIntegrity) {
		t.Error("IsKind must see through fmt.Errorf wrapping")
	}
}

func TestWrapUnwrapsToCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := Wrap(KindUnavailable, cause, "catalog lookup failed")

	if !errors.Is(err, cause) {
		t.Error("Wrap must keep the cause reachable for errors.Is")
	}
	if got := err.Error(); got != "catalog lookup failed: connection refused" {
		t.Errorf("Error() = %q", got)
	}
}

func TestWith(t *testing.T) {
	err := New(KindNotFound, "layer not found").
		With("layer", "Trucks").
		With("attempt", 2)

	if err.Data["layer"] != "Trucks" || err.Data["attempt"] != 2 {
		t.Errorf("Data = %v", err.Data)
	}
}
