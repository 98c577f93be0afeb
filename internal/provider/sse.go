package provider

import (
	"bufio"
	"errors"
	"io"
	"strings"
)

// ErrStopStream may be returned by a ReadSSE callback to end reading without error.
var ErrStopStream = errors.New("stop stream")

// ReadSSE parses a server-sent-events body and calls fn once per data line
// with the most recent event name. Comment lines and blank separators are
// skipped. It returns nil at EOF or when fn returns ErrStopStream.
func ReadSSE(r io.Reader, fn func(event, data string) error) error {
	br := bufio.NewReaderSize(r, 8192)
	event := ""
	for {
		line, err := br.ReadString('\n')
		if len(line) > 0 {
			line = strings.TrimRight(line, "\r\n")
			switch {
			case line == "":
				event = ""
			case strings.HasPrefix(line, ":"):
			case strings.HasPrefix(line, "event:"):
				event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
			case strings.HasPrefix(line, "data:"):
				data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
				if ferr := fn(event, data); ferr != nil {
					if errors.Is(ferr, ErrStopStream) {
						return nil
					}
					return ferr
				}
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}
