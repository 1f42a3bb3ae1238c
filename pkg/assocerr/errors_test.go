package assocerr

import (
	"errors"
	"testing"
)

func TestWrapNilIsNil(t *testing.T) {
	if err := Wrap("op", KindInternal, nil); err != nil {
		t.Errorf("Wrap(nil) = %v, want nil", err)
	}
}

func TestKindOf(t *testing.T) {
	err := New("engine.get", KindNotFound, "memory not found: abc")
	if KindOf(err) != KindNotFound {
		t.Errorf("KindOf = %v, want KindNotFound", KindOf(err))
	}
	if KindOf(errors.New("plain error")) != KindInternal {
		t.Errorf("KindOf(plain error) should default to KindInternal")
	}
}

func TestErrorsIsMatchesByKind(t *testing.T) {
	err := New("metadata.get", KindNotFound, "memory not found: xyz")
	if !errors.Is(err, ErrNotFound) {
		t.Error("errors.Is should match ErrNotFound by Kind")
	}
	if errors.Is(err, ErrOverload) {
		t.Error("errors.Is should not match a different Kind")
	}
}

func TestUnwrap(t *testing.T) {
	cause := errors.New("disk full")
	err := Wrap("vectorindex.upsert", KindStoreUnavailable, cause)
	if !errors.Is(err, cause) {
		t.Error("Wrap should preserve Unwrap chain to the original cause")
	}
}

func TestErrorMessageIncludesOpAndKind(t *testing.T) {
	err := New("engine.store", KindValidation, "content must not be empty")
	msg := err.Error()
	if msg == "" {
		t.Fatal("Error() returned empty string")
	}
	want := "assocmem: engine.store: validation_error: content must not be empty"
	if msg != want {
		t.Errorf("Error() = %q, want %q", msg, want)
	}
}
