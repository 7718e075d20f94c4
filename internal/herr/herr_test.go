package herr

import (
	"errors"
	"fmt"
	"testing"
)

func TestIsAndKindOf(t *testing.T) {
	err := New(NotFound, "id 7")
	if !Is(err, NotFound) {
		t.Fatalf("expected Is(err, NotFound) to be true")
	}
	if Is(err, AlreadyExists) {
		t.Fatalf("expected Is(err, AlreadyExists) to be false")
	}
	if KindOf(err) != NotFound {
		t.Fatalf("KindOf = %v, want NotFound", KindOf(err))
	}
}

func TestWrapUnwrap(t *testing.T) {
	cause := fmt.Errorf("disk full")
	err := Wrap(Io, cause, "writing vectors.bin")
	if !Is(err, Io) {
		t.Fatalf("expected Is(err, Io) to be true")
	}
	var e *Error
	if !errors.As(err, &e) {
		t.Fatalf("expected *Error in chain")
	}
	if e.Err != cause {
		t.Fatalf("expected wrapped cause to be preserved")
	}
}

func TestKindOfPlainError(t *testing.T) {
	if KindOf(fmt.Errorf("plain")) != Unknown {
		t.Fatalf("expected Unknown kind for a plain error")
	}
}
