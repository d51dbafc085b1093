package app

import (
	"encoding/json"
	"io"
)

// WriteJSON prints v as indented JSON, the machine-readable output of every command
func WriteJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
