package provider

import (
	"bufio"
	"bytes"
	"strings"
)

// maxFrameSize bounds a single SSE line; some providers emit very large
// delta frames when tool call arguments stream through.
const maxFrameSize = 1 << 20

// scanSSE walks a buffered SSE body and invokes fn for every data frame
// payload. Blank lines, comment/heartbeat lines (": ping") and the terminal
// [DONE] marker are skipped. Returns the number of frames passed to fn.
func scanSSE(body []byte, fn func(data []byte)) int {
	sc := bufio.NewScanner(bytes.NewReader(body))
	sc.Buffer(make([]byte, 0, 64*1024), maxFrameSize)

	frames := 0
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}
		data, ok := strings.CutPrefix(line, "data:")
		if !ok {
			// Field lines other than data (event:, id:, retry:) carry no usage.
			continue
		}
		data = strings.TrimSpace(data)
		if data == "" || data == "[DONE]" {
			continue
		}
		frames++
		fn([]byte(data))
	}
	return frames
}
