package classify

import (
	"testing"

	"github.com/toolproxy/toolproxy/internal/model"
)

func TestTimeoutAlwaysCrashOrHang(t *testing.T) {
	if got := Classify("", true); got != model.OutcomeCrashOrHang {
		t.Fatalf("expected crash_or_hang on timeout, got %s", got)
	}
	if got := Classify("some ordinary error", true); got != model.OutcomeCrashOrHang {
		t.Fatalf("timeout must win even with an error message, got %s", got)
	}
}

func TestNoErrorIsPass(t *testing.T) {
	if got := Classify("", false); got != model.OutcomePass {
		t.Fatalf("expected pass, got %s", got)
	}
}

func TestValidationVocabularyIsGracefulFail(t *testing.T) {
	// scenario 3 from spec.md.
	got := Classify("Invalid argument: path must be a string", false)
	if got != model.OutcomeGracefulFail {
		t.Fatalf("expected graceful_fail, got %s", got)
	}
}

func TestCrashVocabularyIsCrashOrHang(t *testing.T) {
	got := Classify("unhandled exception: nil pointer dereference", false)
	if got != model.OutcomeCrashOrHang {
		t.Fatalf("expected crash_or_hang, got %s", got)
	}
}

func TestUnrecognizedErrorFallsBackToGracefulFail(t *testing.T) {
	got := Classify("disk quota exceeded", false)
	if got != model.OutcomeGracefulFail {
		t.Fatalf("expected graceful_fail fallback, got %s", got)
	}
}

func TestValidationVocabularyTakesPrecedenceOverCrash(t *testing.T) {
	got := Classify("invalid argument caused a panic in the handler", false)
	if got != model.OutcomeGracefulFail {
		t.Fatalf("expected validation vocabulary to win, got %s", got)
	}
}

func TestCaseInsensitive(t *testing.T) {
	if got := Classify("REQUIRED field missing", false); got != model.OutcomeGracefulFail {
		t.Fatalf("expected case-insensitive match, got %s", got)
	}
}
