package report

import (
	"encoding/json"
	"io"

	"github.com/anstrom/batchscan/internal/batch"
)

// JSONRenderer writes the structured-data encoding.
type JSONRenderer struct {
	Indent bool
}

// Render implements Renderer.
func (r JSONRenderer) Render(w io.Writer, result *batch.Result) error {
	encoder := json.NewEncoder(w)
	encoder.SetEscapeHTML(false)
	if r.Indent {
		encoder.SetIndent("", "  ")
	}
	return encoder.Encode(result)
}
