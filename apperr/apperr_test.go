package apperr

import (
	"errors"
	"testing"
)

func TestErrorUnwrap(t *testing.T) {
	cause := errors.New("boom")
	e := Wrap(AppFailure, 500, "handler panicked", cause)
	if !errors.Is(e, cause) {
		t.Fatalf("errors.Is(e, cause) = false, want true")
	}
}

func TestShouldTerminateDirectOOM(t *testing.T) {
	oom := &OOMError{Wrapped: errors.New("heap exhausted")}
	if !ShouldTerminate(oom) {
		t.Fatal("expected OOM to trigger termination")
	}
}

func TestShouldTerminateWrappedOOM(t *testing.T) {
	oom := &OOMError{Wrapped: errors.New("heap exhausted")}
	e := Wrap(AppFailure, 500, "handler panicked", oom)
	if !ShouldTerminate(e) {
		t.Fatal("expected wrapped OOM to trigger termination")
	}
}

func TestShouldTerminateSuppressedOOM(t *testing.T) {
	oom := &OOMError{Wrapped: errors.New("heap exhausted")}
	e := New(AppFailure, 500, "handler panicked")
	e.AddSuppressed(oom)
	if !ShouldTerminate(e) {
		t.Fatal("expected suppressed OOM to trigger termination")
	}
}

func TestShouldTerminateNoOOM(t *testing.T) {
	e := Wrap(AppFailure, 500, "handler panicked", errors.New("plain failure"))
	if ShouldTerminate(e) {
		t.Fatal("expected no termination for a non-OOM error")
	}
}

func TestShouldTerminateCycleBounded(t *testing.T) {
	// Build a self-referential chain; ShouldTerminate must not hang.
	e := New(AppFailure, 500, "cyclic")
	e.Wrapped = e
	if ShouldTerminate(e) {
		t.Fatal("cyclic chain should not report OOM")
	}
}

func TestAddSuppressedCap(t *testing.T) {
	e := New(AppFailure, 500, "many")
	for i := 0; i < maxSuppressed+5; i++ {
		e.AddSuppressed(errors.New("x"))
	}
	if len(e.Suppressed) != maxSuppressed {
		t.Fatalf("len(Suppressed) = %d, want %d", len(e.Suppressed), maxSuppressed)
	}
}

func TestKindString(t *testing.T) {
	if HardDeadline.String() != "HardDeadline" {
		t.Fatalf("HardDeadline.String() = %q", HardDeadline.String())
	}
	if Kind(999).String() != "Unknown" {
		t.Fatalf("unknown kind should stringify to Unknown")
	}
}
