package testutil

import (
	"bufio"
	"encoding/json"
	"io"
	"strings"
	"testing"

	"github.com/tokligence/tokligence-chat/internal/stream"
)

// CollectSSE reads data frames from r until EOF or a terminal event and
// returns them in order. Comment frames are skipped.
func CollectSSE(t *testing.T, r io.Reader) []stream.Event {
	t.Helper()
	var events []stream.Event
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		data, ok := strings.CutPrefix(line, "data: ")
		if !ok {
			continue
		}
		var ev stream.Event
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			t.Fatalf("decode sse frame %q: %v", data, err)
		}
		events = append(events, ev)
		if ev.Terminal() {
			return events
		}
	}
	if err := scanner.Err(); err != nil {
		t.Fatalf("read sse: %v", err)
	}
	return events
}

// JoinText concatenates init and text payloads, which is what a client
// renders for the turn.
func JoinText(events []stream.Event) string {
	var sb strings.Builder
	for _, ev := range events {
		if ev.Type == stream.EventInit || ev.Type == stream.EventText {
			sb.WriteString(ev.Content)
		}
	}
	return sb.String()
}
