package errors

import (
	stderrors "errors"
	"fmt"
	"testing"
)

func TestErrorMessageIncludesCause(t *testing.T) {
	cause := stderrors.New("unexpected EOF")
	err := Wrap(CodeMalformedFrame, "malformed frame", cause)
	if err.Error() != "malformed frame: unexpected EOF" {
		t.Fatalf("expected wrapped message, got %q", err.Error())
	}
	if !stderrors.Is(err, cause) {
		t.Fatal("expected cause in chain")
	}
}

func TestErrorIsMatchesByCode(t *testing.T) {
	err := fmt.Errorf("handle frame: %w", New(CodeRateLimited, "rate limit exceeded"))
	if !stderrors.Is(err, New(CodeRateLimited, "")) {
		t.Fatal("expected code match")
	}
	if stderrors.Is(err, New(CodeFrameTooLarge, "")) {
		t.Fatal("expected code mismatch")
	}

	var relayErr *Error
	if !stderrors.As(err, &relayErr) || relayErr.Code != CodeRateLimited {
		t.Fatalf("expected *Error with rate limit code, got %v", relayErr)
	}
}

func TestClosesConnection(t *testing.T) {
	closing := []Code{CodeNotConnected, CodeRateLimited}
	for _, code := range closing {
		if !code.ClosesConnection() {
			t.Fatalf("expected %s to close connection", code)
		}
	}
	open := []Code{CodeUnknown, CodeUnsupportedCommand, CodeMalformedFrame, CodeFrameTooLarge, CodeMissingHeader, CodeInvalidArgument}
	for _, code := range open {
		if code.ClosesConnection() {
			t.Fatalf("expected %s to keep connection", code)
		}
	}
}
