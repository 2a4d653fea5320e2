package bridge

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// SerializeArgs encodes args as the literal JSON array used as the inner
// table key. Map-valued arguments are written with sorted keys by
// encoding/json, while CompactArgs keeps whatever order the text had, so
// the same object built two ways may produce two different keys.
func SerializeArgs(args []any) (string, error) {
	if args == nil {
		args = []any{}
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	if err := enc.Encode(args); err != nil {
		return "", fmt.Errorf("failed to serialize arguments: %w", err)
	}

	return string(bytes.TrimRight(buf.Bytes(), "\n")), nil
}

// CompactArgs normalises whitespace in a JSON argument array and leaves
// everything else, including object key order, as written.
func CompactArgs(raw string) (string, error) {
	var buf bytes.Buffer
	if err := json.Compact(&buf, []byte(raw)); err != nil {
		return "", fmt.Errorf("failed to parse arguments: %w", err)
	}

	if buf.Len() == 0 || buf.Bytes()[0] != '[' {
		return "", fmt.Errorf("arguments must be a JSON array, got %q", raw)
	}

	return buf.String(), nil
}
