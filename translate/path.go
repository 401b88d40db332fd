// Package translate converts uniform requests into provider HTTP requests
// and provider responses (JSON bodies and SSE streams) back into uniform
// responses, driven entirely by the path descriptors in provider templates.
package translate

import (
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Template paths are dotted JSONPath-subset expressions: dotted member names
// with optional [i] array indices, e.g. "choices[0].message.content".
// gjson/sjson address the same shape with numeric segments ("choices.0"), so
// normalizePath rewrites bracket indices into dotted segments once, at the
// boundary.
func normalizePath(path string) string {
	if !strings.Contains(path, "[") {
		return path
	}
	var sb strings.Builder
	sb.Grow(len(path))
	for i := 0; i < len(path); i++ {
		switch path[i] {
		case '[':
			if sb.Len() > 0 {
				sb.WriteByte('.')
			}
		case ']':
			// Swallow; a following '.' in the input keeps segments apart.
		default:
			sb.WriteByte(path[i])
		}
	}
	return sb.String()
}

// getPath reads the value at a template path, or a non-existent Result for
// an empty path.
func getPath(doc gjson.Result, path string) gjson.Result {
	if path == "" {
		return gjson.Result{}
	}
	return doc.Get(normalizePath(path))
}

// setPath assigns a Go value at a template path, creating intermediate
// objects as needed.
func setPath(body []byte, path string, value any) ([]byte, error) {
	return sjson.SetBytes(body, normalizePath(path), value)
}

// setRawPath assigns a pre-serialized JSON fragment at a template path.
func setRawPath(body []byte, path string, raw []byte) ([]byte, error) {
	return sjson.SetRawBytes(body, normalizePath(path), raw)
}
