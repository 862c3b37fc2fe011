// Package streamparser implements the streaming, backend-agnostic JSON
// event pipeline: split child stdout into lines, skip non-JSON, decode,
// classify backend flavor from the first classifiable event, and extract a
// bounded (message, session_id, progress) stream.
//
// The decoded event is kept as an opaque map rather than a rigid typed sum
// — the four backends' schemas overlap and drift, so extraction goes
// through small flavor-specific accessor helpers instead of a fixed
// struct, per the design note that a tagged sum up front would fight the
// data rather than describe it.
package streamparser

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/example/codeagent/internal/task"
)

// MaxMessageBytes bounds cumulative extracted message bytes per stream.
const MaxMessageBytes = 10 * 1024 * 1024

const (
	lineReaderSize   = 64 * 1024
	lineMaxBytes     = 10 * 1024 * 1024
	linePreviewBytes = 256
)

// ParsedStream is the parser's output for one child's stdout.
type ParsedStream struct {
	Message   string
	SessionID string
	Flavor    task.BackendFlavor
}

// Parser consumes one child's stdout and accumulates a ParsedStream. It is
// not safe for concurrent use; one Parser serves exactly one stream.
type Parser struct {
	flavor      task.BackendFlavor
	flavorLocked bool

	sessionID string

	msg      strings.Builder
	msgBytes int
	capped   bool

	onProgress func(task.ProgressUpdate)
	onComplete func()

	warnf func(string)
}

// New creates a Parser. onProgress and onComplete may be nil; onComplete
// fires on a flavor-specific completion event and is informational only —
// it never halts parsing, which stops at EOF.
func New(onProgress func(task.ProgressUpdate), onComplete func()) *Parser {
	return &Parser{
		flavor:     task.FlavorUnknown,
		onProgress: onProgress,
		onComplete: onComplete,
		warnf:      func(string) {},
	}
}

// SetWarnFunc installs a callback for non-fatal parse diagnostics (bad
// JSON lines, overlong lines). Defaults to a no-op.
func (p *Parser) SetWarnFunc(fn func(string)) {
	if fn == nil {
		fn = func(string) {}
	}
	p.warnf = fn
}

// Result returns the accumulated ParsedStream. Safe to call at any time,
// including mid-stream.
func (p *Parser) Result() ParsedStream {
	return ParsedStream{
		Message:   p.msg.String(),
		SessionID: p.sessionID,
		Flavor:    p.flavor,
	}
}

// ErrParseAborted is returned by Run only when the underlying reader fails
// irrecoverably; individual bad lines never produce this error.
var ErrParseAborted = errors.New("stream parser: underlying stream failed")

// Run reads r to EOF, feeding each line through the pipeline. It returns
// nil on a clean EOF and ErrParseAborted (wrapping the cause) if the
// reader itself errors.
func (p *Parser) Run(r io.Reader) error {
	reader := bufio.NewReaderSize(r, lineReaderSize)
	for {
		line, tooLong, err := readLineWithLimit(reader, lineMaxBytes, linePreviewBytes)
		if err != nil {
			if errors.Is(err, io.EOF) {
				if len(line) > 0 {
					p.feedLine(line, tooLong)
				}
				return nil
			}
			return fmt.Errorf("%w: %v", ErrParseAborted, err)
		}
		p.feedLine(line, tooLong)
	}
}

func (p *Parser) feedLine(line []byte, tooLong bool) {
	trimmed := bytes.TrimSpace(line)
	if len(trimmed) == 0 {
		return
	}
	if tooLong {
		p.warnf(fmt.Sprintf("skipped overlong line (> %d bytes): %s", lineMaxBytes, truncateBytes(trimmed, 100)))
		return
	}

	first := trimmed[0]
	if first != '{' && first != '[' {
		return
	}

	var event map[string]any
	if err := json.Unmarshal(trimmed, &event); err != nil {
		p.warnf(fmt.Sprintf("failed to decode event: %s", truncateBytes(trimmed, 100)))
		return
	}

	p.handleEvent(event)
}

func (p *Parser) handleEvent(event map[string]any) {
	flavor := p.flavor
	if !p.flavorLocked {
		if classified := classify(event); classified != task.FlavorUnknown {
			flavor = classified
			p.flavor = classified
			p.flavorLocked = true
		} else {
			flavor = task.FlavorUnknown
		}
	}

	if sid := extractSessionID(flavor, event); sid != "" && p.sessionID == "" {
		p.sessionID = sid
	}

	if msg := extractMessage(flavor, event); msg != "" {
		p.appendMessage(msg)
	}

	if p.onProgress != nil {
		if update, ok := inferProgress(flavor, event); ok {
			p.onProgress(update)
		}
	}

	if p.onComplete != nil && isComplete(flavor, event) {
		p.onComplete()
	}
}

func (p *Parser) appendMessage(fragment string) {
	if p.capped {
		return
	}
	if p.msgBytes+len(fragment) > MaxMessageBytes {
		p.capped = true
		return
	}
	p.msg.WriteString(fragment)
	p.msgBytes += len(fragment)
}

// classify applies the flavor rules in order; the first match wins.
func classify(event map[string]any) task.BackendFlavor {
	if _, ok := event["thread_id"]; ok {
		return task.FlavorCodex
	}
	if item, ok := asMap(event["item"]); ok {
		if _, ok := item["type"]; ok {
			return task.FlavorCodex
		}
	}

	if _, ok := event["subtype"]; ok {
		return task.FlavorClaude
	}
	if _, ok := event["result"]; ok {
		return task.FlavorClaude
	}
	if typ, _ := event["type"].(string); typ == "result" {
		if sid, _ := event["session_id"].(string); sid != "" {
			return task.FlavorClaude
		}
	}

	if _, ok := event["role"]; ok {
		return task.FlavorGemini
	}
	if _, ok := event["delta"]; ok {
		return task.FlavorGemini
	}
	if typ, _ := event["type"].(string); typ == "init" {
		if sid, _ := event["session_id"].(string); sid != "" {
			return task.FlavorGemini
		}
	}

	if sid, _ := event["sessionID"].(string); sid != "" {
		if _, ok := event["part"]; ok {
			return task.FlavorOpencode
		}
	}

	return task.FlavorUnknown
}

func extractMessage(flavor task.BackendFlavor, event map[string]any) string {
	switch flavor {
	case task.FlavorCodex:
		return extractCodexMessage(event["item"])
	case task.FlavorClaude:
		if s, ok := event["result"].(string); ok && s != "" {
			return s
		}
		if s, ok := event["content"].(string); ok && s != "" {
			return s
		}
		if tur, ok := asMap(event["tool_use_result"]); ok {
			if s, ok := tur["stdout"].(string); ok {
				return s
			}
		}
		return ""
	case task.FlavorGemini:
		content, _ := event["content"].(string)
		if typ, _ := event["type"].(string); typ == "tool_result" {
			if out, ok := event["output"].(string); ok && out != "" {
				return out
			}
		}
		return content
	case task.FlavorOpencode:
		return extractOpencodeMessage(event["part"])
	default:
		if s, ok := event["content"].(string); ok && s != "" {
			return s
		}
		if s, ok := event["text"].(string); ok && s != "" {
			return s
		}
		if s, ok := event["message"].(string); ok && s != "" {
			return s
		}
		return ""
	}
}

func extractCodexMessage(raw any) string {
	switch v := raw.(type) {
	case string:
		var decoded any
		if err := json.Unmarshal([]byte(v), &decoded); err == nil {
			if m, ok := decoded.(map[string]any); ok {
				return extractCodexMessage(m)
			}
		}
		return ""
	case map[string]any:
		if typ, _ := v["type"].(string); typ == "command_execution" {
			if out, ok := v["aggregated_output"]; ok {
				return normalizeText(out)
			}
		}
		if content, ok := v["content"]; ok {
			if s := normalizeText(content); s != "" {
				return s
			}
		}
		return normalizeText(v["text"])
	default:
		return ""
	}
}

func extractOpencodeMessage(raw any) string {
	switch v := raw.(type) {
	case string:
		var decoded any
		if err := json.Unmarshal([]byte(v), &decoded); err == nil {
			if m, ok := decoded.(map[string]any); ok {
				return extractOpencodeMessage(m)
			}
		}
		return ""
	case map[string]any:
		if typ, _ := v["type"].(string); typ == "tool" {
			if state, ok := asMap(v["state"]); ok {
				if out, ok := state["output"].(string); ok && out != "" {
					return out
				}
			}
		}
		if s, ok := v["text"].(string); ok && s != "" {
			return s
		}
		if s, ok := v["content"].(string); ok && s != "" {
			return s
		}
		return ""
	default:
		return ""
	}
}

func extractSessionID(flavor task.BackendFlavor, event map[string]any) string {
	switch flavor {
	case task.FlavorCodex:
		s, _ := event["thread_id"].(string)
		return s
	case task.FlavorClaude, task.FlavorGemini:
		s, _ := event["session_id"].(string)
		return s
	case task.FlavorOpencode:
		s, _ := event["sessionID"].(string)
		return s
	default:
		if s, ok := event["session_id"].(string); ok && s != "" {
			return s
		}
		if s, ok := event["sessionId"].(string); ok && s != "" {
			return s
		}
		if s, ok := event["thread_id"].(string); ok && s != "" {
			return s
		}
		return ""
	}
}

func inferProgress(flavor task.BackendFlavor, event map[string]any) (task.ProgressUpdate, bool) {
	switch flavor {
	case task.FlavorClaude:
		subtype, _ := event["subtype"].(string)
		switch subtype {
		case "tool_use":
			name, _ := event["tool_name"].(string)
			return task.ProgressUpdate{Stage: task.StageExecuting, ToolName: name}, true
		case "tool_result":
			return task.ProgressUpdate{Stage: task.StageExecuting}, true
		}
		return task.ProgressUpdate{}, false

	case task.FlavorOpencode:
		part, ok := asMap(event["part"])
		if !ok {
			return task.ProgressUpdate{}, false
		}
		state, _ := part["state"].(string)
		switch state {
		case "input":
			return task.ProgressUpdate{Stage: task.StageAnalyzing}, true
		case "running":
			return task.ProgressUpdate{Stage: task.StageExecuting}, true
		case "completed":
			return task.ProgressUpdate{Stage: task.StageCompleted}, true
		case "error":
			return task.ProgressUpdate{Stage: task.StageCompleted}, true
		case "":
			return task.ProgressUpdate{}, false
		default:
			return task.ProgressUpdate{Stage: task.StageExecuting}, true
		}

	case task.FlavorCodex:
		if typ, _ := event["type"].(string); typ == "command_execution" {
			return task.ProgressUpdate{Stage: task.StageExecuting}, true
		}
		if item, ok := asMap(event["item"]); ok {
			if itemType, _ := item["type"].(string); itemType == "message" {
				content := normalizeText(item["content"])
				if !strings.HasPrefix(content, "Thinking") {
					return task.ProgressUpdate{Stage: task.StageAnalyzing}, true
				}
			}
		}
		return task.ProgressUpdate{}, false

	case task.FlavorGemini:
		if typ, _ := event["type"].(string); typ == "tool_use" {
			return task.ProgressUpdate{Stage: task.StageExecuting}, true
		}
		if truthy(event["tool_use"]) {
			return task.ProgressUpdate{Stage: task.StageExecuting}, true
		}
		if role, _ := event["role"].(string); role == "model" {
			if _, ok := event["delta"]; ok {
				return task.ProgressUpdate{Stage: task.StageAnalyzing}, true
			}
		}
		return task.ProgressUpdate{}, false

	default:
		return task.ProgressUpdate{}, false
	}
}

func isComplete(flavor task.BackendFlavor, event map[string]any) bool {
	switch flavor {
	case task.FlavorCodex:
		typ, _ := event["type"].(string)
		return typ == "completed" || typ == "done"
	case task.FlavorClaude:
		typ, _ := event["type"].(string)
		subtype, _ := event["subtype"].(string)
		return typ == "result" || subtype == "success"
	case task.FlavorGemini:
		status, _ := event["status"].(string)
		typ, _ := event["type"].(string)
		return status == "completed" || typ == "done"
	case task.FlavorOpencode:
		typ, _ := event["type"].(string)
		return typ == "done" || typ == "completed"
	default:
		return false
	}
}

func asMap(v any) (map[string]any, bool) {
	m, ok := v.(map[string]any)
	return m, ok
}

func truthy(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		return t != "" && t != "false"
	default:
		return v != nil
	}
}

// normalizeText handles Codex/Opencode fields that are either a plain
// string or a list of string fragments to concatenate.
func normalizeText(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case []any:
		var sb strings.Builder
		for _, item := range t {
			if s, ok := item.(string); ok {
				sb.WriteString(s)
			}
		}
		return sb.String()
	default:
		return ""
	}
}

func readLineWithLimit(r *bufio.Reader, maxBytes, previewBytes int) (line []byte, tooLong bool, err error) {
	part, isPrefix, err := r.ReadLine()
	if err != nil {
		return nil, false, err
	}
	if !isPrefix {
		if len(part) > maxBytes {
			return part[:min(len(part), previewBytes)], true, nil
		}
		return part, false, nil
	}

	preview := append([]byte{}, part[:min(previewBytes, len(part))]...)
	buf := append([]byte{}, part...)
	total := len(part)
	if total > maxBytes {
		tooLong = true
	}

	for isPrefix {
		part, isPrefix, err = r.ReadLine()
		if err != nil {
			return nil, tooLong, err
		}
		if len(preview) < previewBytes {
			preview = append(preview, part[:min(previewBytes-len(preview), len(part))]...)
		}
		if !tooLong {
			if total+len(part) > maxBytes {
				tooLong = true
				continue
			}
			buf = append(buf, part...)
			total += len(part)
		}
	}

	if tooLong {
		return preview, true, nil
	}
	return buf, false, nil
}

func truncateBytes(b []byte, maxLen int) string {
	if len(b) <= maxLen {
		return string(b)
	}
	return string(b[:maxLen]) + "..."
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
