package executor

import "strings"

// toValidUTF8 replaces invalid byte sequences with U+FFFD, matching the
// "UTF-8 with lossy replacement" decoding rule used for stderr_tail.
func toValidUTF8(b []byte) string {
	return strings.ToValidUTF8(string(b), "�")
}

// stderrRing is a head-dropping ring buffer capped at a fixed byte limit —
// the same shape as the teacher's tailBuffer (fish-agent-wrapper/utils.go),
// kept here under the executor's own name since it now backs exactly one
// thing: the stderr_tail field of task.Result.
type stderrRing struct {
	limit int
	data  []byte
}

func newStderrRing(limit int) *stderrRing {
	return &stderrRing{limit: limit}
}

func (b *stderrRing) Write(p []byte) (int, error) {
	if b.limit <= 0 {
		return len(p), nil
	}
	if len(p) >= b.limit {
		b.data = append(b.data[:0], p[len(p)-b.limit:]...)
		return len(p), nil
	}
	total := len(b.data) + len(p)
	if total <= b.limit {
		b.data = append(b.data, p...)
		return len(p), nil
	}
	overflow := total - b.limit
	b.data = append(b.data[overflow:], p...)
	return len(p), nil
}

func (b *stderrRing) String() string {
	return toValidUTF8(b.data)
}

// stripANSI removes ANSI escape sequences and non-printable bytes other
// than newline/tab, grounded on sanitizeOutput (fish-agent-wrapper/utils.go)
// and used only for the optional mirrored "[BACKEND] " stderr lines.
func stripANSI(s string) string {
	var out strings.Builder
	inEscape := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == '\x1b' && i+1 < len(s) && s[i+1] == '[' {
			inEscape = true
			i++
			continue
		}
		if inEscape {
			if (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z') {
				inEscape = false
			}
			continue
		}
		if c >= 32 || c == '\n' || c == '\t' {
			out.WriteByte(c)
		}
	}
	return out.String()
}
