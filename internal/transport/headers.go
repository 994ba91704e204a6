package transport

import (
	"strings"

	"github.com/vayu-load/vayu/internal/model"
)

// ParseHeaderBlock parses a raw CRLF-terminated header block into
// lowercase-keyed headers: it trims a trailing CRLF, skips the leading
// status line and any blank lines, splits each remaining line on the
// first colon, trims leading spaces from the value, lowercases the key,
// and lets the last occurrence of a repeated key win. It is the worker
// loop's rule for reducing a raw header blob (e.g. HTTP trailers) into
// the Headers map attached to a Response.
func ParseHeaderBlock(raw string) model.Headers {
	raw = strings.TrimRight(raw, "\r\n")
	lines := strings.Split(raw, "\n")

	headers := make(model.Headers)
	for i, line := range lines {
		line = strings.TrimRight(line, "\r")
		if line == "" {
			continue
		}
		if i == 0 && !strings.Contains(line, ":") {
			// status line, e.g. "HTTP/1.1 200 OK"
			continue
		}
		idx := strings.IndexByte(line, ':')
		if idx < 0 {
			continue
		}
		key := strings.ToLower(strings.TrimSpace(line[:idx]))
		value := strings.TrimLeft(line[idx+1:], " ")
		if key == "" {
			continue
		}
		headers[key] = value
	}
	return headers
}
