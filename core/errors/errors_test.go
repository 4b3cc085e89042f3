package errors

import (
	stderrors "errors"
	"fmt"
	"testing"
)

func TestClassification(t *testing.T) {
	v := Validation(CodeNonceMismatch, "want %d got %d", 2, 3).WithTx([]byte{0xAB})
	wrapped := fmt.Errorf("apply block 5: %w", v)
	got, ok := AsValidation(wrapped)
	if !ok || got.Code != CodeNonceMismatch {
		t.Fatalf("expected nonce mismatch validation error, got %v", wrapped)
	}
	if IsInvariant(wrapped) {
		t.Fatalf("validation error classified as invariant")
	}
	if want := "validation: nonce_mismatch: want 2 got 3 (tx ab)"; v.Error() != want {
		t.Fatalf("unexpected message %q", v.Error())
	}

	inv := fmt.Errorf("flush: %w", Invariant("bit %d cleared", 4))
	if !IsInvariant(inv) || IsValidation(inv) {
		t.Fatalf("invariant misclassified: %v", inv)
	}
	if !stderrors.Is(ErrNotInDomain, ErrInvariant) {
		t.Fatalf("ErrNotInDomain must wrap ErrInvariant")
	}
}
