package provider

import (
	"errors"
	"strings"
	"testing"
)

func TestReadSSE(t *testing.T) {
	body := ": ping\n\nevent: message_start\ndata: {\"a\":1}\n\ndata: plain\r\n\ndata: tail"
	type got struct{ event, data string }
	var seen []got
	err := ReadSSE(strings.NewReader(body), func(event, data string) error {
		seen = append(seen, got{event, data})
		return nil
	})
	if err != nil {
		t.Fatalf("ReadSSE: %v", err)
	}
	want := []got{{"message_start", `{"a":1}`}, {"", "plain"}, {"", "tail"}}
	if len(seen) != len(want) {
		t.Fatalf("got %+v", seen)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("entry %d = %+v, want %+v", i, seen[i], want[i])
		}
	}
}

func TestReadSSEStop(t *testing.T) {
	calls := 0
	err := ReadSSE(strings.NewReader("data: a\n\ndata: b\n\n"), func(string, string) error {
		calls++
		return ErrStopStream
	})
	if err != nil || calls != 1 {
		t.Fatalf("err=%v calls=%d", err, calls)
	}
	boom := errors.New("boom")
	if err := ReadSSE(strings.NewReader("data: a\n"), func(string, string) error { return boom }); !errors.Is(err, boom) {
		t.Fatalf("expected callback error, got %v", err)
	}
}

func TestErrorFormatting(t *testing.T) {
	e := &Error{Provider: TypeAnthropic, Status: 429, Message: "rate limited"}
	if e.Error() != "anthropic: http 429: rate limited" || !e.Retryable() {
		t.Fatalf("unexpected %q retry=%v", e.Error(), e.Retryable())
	}
	wrapped := &Error{Provider: TypeGemini, Err: errors.New("dial tcp")}
	if !errors.Is(wrapped, wrapped.Err) || wrapped.Retryable() {
		t.Fatalf("unexpected unwrap/retry for %v", wrapped)
	}
}
