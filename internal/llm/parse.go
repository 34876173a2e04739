package llm

import (
	"encoding/json"
	"strings"
)

// Model output rarely arrives as clean JSON: it may be wrapped in
// markdown fences or surrounded by prose. Decoding runs an ordered
// ladder of candidate extractions and stops at the first that
// unmarshals; callers supply the guaranteed default when every
// strategy misses.

type candidateFn func(raw string) (string, bool)

var objectCandidates = []candidateFn{
	direct,
	fencedBlock,
	delimited('{', '}'),
}

var arrayCandidates = []candidateFn{
	direct,
	fencedBlock,
	delimited('[', ']'),
}

// UnmarshalObject decodes a JSON object out of free-form model output.
// It reports false when no strategy produced a parseable object.
func UnmarshalObject(raw string, v any) bool {
	return unmarshal(raw, v, objectCandidates)
}

// UnmarshalArray decodes a JSON array out of free-form model output.
func UnmarshalArray(raw string, v any) bool {
	return unmarshal(raw, v, arrayCandidates)
}

func unmarshal(raw string, v any, candidates []candidateFn) bool {
	for _, extract := range candidates {
		candidate, ok := extract(raw)
		if !ok {
			continue
		}
		if err := json.Unmarshal([]byte(candidate), v); err == nil {
			return true
		}
	}
	return false
}

func direct(raw string) (string, bool) {
	trimmed := strings.TrimSpace(raw)
	return trimmed, trimmed != ""
}

// fencedBlock strips markdown code fences like ```json ... ```.
func fencedBlock(raw string) (string, bool) {
	content := strings.TrimSpace(raw)
	if !strings.HasPrefix(content, "```") {
		return "", false
	}

	start := 3
	// Skip the language identifier line, e.g. "json".
	if idx := strings.Index(content[start:], "\n"); idx != -1 {
		start += idx + 1
	}
	if end := strings.Index(content[start:], "```"); end != -1 {
		content = content[start : start+end]
	} else {
		content = content[start:]
	}

	content = strings.TrimSpace(content)
	return content, content != ""
}

// delimited extracts the substring between the first open delimiter and
// the last matching close delimiter.
func delimited(open, close byte) candidateFn {
	return func(raw string) (string, bool) {
		start := strings.IndexByte(raw, open)
		if start == -1 {
			return "", false
		}
		end := strings.LastIndexByte(raw, close)
		if end <= start {
			return "", false
		}
		return raw[start : end+1], true
	}
}
