// Package sse folds a chunked server-sent event stream into a single
// accumulated string, as produced by OpenAI-style streaming chat endpoints.
package sse

import (
	"bufio"
	"io"
	"strings"

	"github.com/tidwall/gjson"
)

const (
	dataPrefix = "data:"
	doneMarker = "[DONE]"

	// Scanner buffer sizing: start at 64 KiB, refuse lines above 1 MiB.
	initialBufSize = 64 * 1024
	maxLineSize    = 1024 * 1024
)

// deltaPath is where OpenAI-style chunks carry incremental text.
const deltaPath = "choices.0.delta.content"

// Aggregate consumes the stream incrementally and returns the concatenation
// of every chunk's delta content. Reading is line-buffered over raw bytes, so
// a multi-byte UTF-8 sequence split across transport chunks is reassembled
// before decoding and the result does not depend on chunk boundaries.
//
// Blank lines, SSE comments and the "data: [DONE]" terminator are ignored;
// the optional "data: " prefix is stripped; the remainder must be one JSON
// object. A line that fails to parse is counted in skipped and dropped
// without aborting the stream. A transport read error returns the text
// accumulated so far alongside the error.
func Aggregate(r io.Reader) (text string, skipped int, err error) {
	var b strings.Builder
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, initialBufSize), maxLineSize)

	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), "\r")
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, ":") {
			// SSE comment / keep-alive.
			continue
		}
		payload := line
		if strings.HasPrefix(payload, dataPrefix) {
			payload = strings.TrimPrefix(payload, dataPrefix)
			payload = strings.TrimPrefix(payload, " ")
		}
		if payload == doneMarker {
			break
		}
		if !gjson.Valid(payload) {
			skipped++
			continue
		}
		if delta := gjson.Get(payload, deltaPath); delta.Exists() {
			b.WriteString(delta.String())
		}
	}
	return b.String(), skipped, sc.Err()
}
