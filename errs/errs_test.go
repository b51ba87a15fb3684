package errs

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestErrorFormattingIncludesRemoteAndMetadata(t *testing.T) {
	err := New(
		"wallet",
		CodeChainRejected,
		WithMessage("mint rejected"),
		WithRemoteCode("7"),
		WithRemoteMessage("nonce mismatch"),
		WithMetadata(map[string]string{
			"tx":     "abc",
			"method": "mint",
		}),
		WithIndex(3),
		WithRemediation("resubmit after the base account nonce settles"),
		WithCause(errors.New("broadcast failed")),
	)

	out := err.Error()
	if !strings.Contains(out, "component=wallet") {
		t.Fatalf("expected component marker in error string: %s", out)
	}
	if !strings.Contains(out, "code=chain_rejected") {
		t.Fatalf("expected code in error string: %s", out)
	}
	if !strings.Contains(out, `remote_code="7"`) {
		t.Fatalf("expected remote code in error string: %s", out)
	}
	expectedMeta := `meta=index="3",method="mint",tx="abc"`
	if !strings.Contains(out, expectedMeta) {
		t.Fatalf("expected metadata %q in error string: %s", expectedMeta, out)
	}
	if !strings.Contains(out, `cause="broadcast failed"`) {
		t.Fatalf("expected wrapped cause in error string: %s", out)
	}
}

func TestWithFieldSkipsBlankKeys(t *testing.T) {
	err := New("wallet", CodeInvalidParameter, WithField("  ", "x"))
	if len(err.Metadata) != 0 {
		t.Fatalf("expected blank key to be ignored, got %v", err.Metadata)
	}
}

func TestUnwrapExposesCause(t *testing.T) {
	root := errors.New("timeout")
	err := New("retry", CodeRetryExhausted, WithCause(root))
	if !errors.Is(err, root) {
		t.Fatalf("expected errors.Is to find cause")
	}
}

func TestIsCodeWalksNestedEnvelopes(t *testing.T) {
	inner := New("relayer", CodeChainRejected, WithRemoteCode("42"))
	outer := New("retry", CodeRetryExhausted, WithCause(inner))
	wrapped := fmt.Errorf("close order: %w", outer)

	if !IsCode(wrapped, CodeRetryExhausted) {
		t.Fatalf("expected outer code to match")
	}
	if !IsCode(wrapped, CodeChainRejected) {
		t.Fatalf("expected inner code to match")
	}
	if IsCode(wrapped, CodeNotFound) {
		t.Fatalf("unexpected match for not_found")
	}
	if got := RemoteCodeOf(wrapped); got != "42" {
		t.Fatalf("expected remote code 42, got %q", got)
	}
	code, ok := CodeOf(wrapped)
	if !ok || code != CodeRetryExhausted {
		t.Fatalf("expected outer code, got %q", code)
	}
}

func TestErrorsIsMatchesByCode(t *testing.T) {
	err := fmt.Errorf("get: %w", New("account", CodeNotFound, WithIndex(9)))
	if !errors.Is(err, New("", CodeNotFound)) {
		t.Fatalf("expected errors.Is to match on code")
	}
	if errors.Is(err, New("wallet", CodeNotFound)) {
		t.Fatalf("expected component mismatch to fail")
	}
}

func TestNilEnvelopeString(t *testing.T) {
	var e *E
	if e.Error() != "<nil>" {
		t.Fatalf("unexpected nil rendering %q", e.Error())
	}
}
