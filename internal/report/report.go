// Package report renders a sealed batch result into its output encodings.
// Every renderer reads the same *batch.Result, so counts agree across
// formats. Rendering is deterministic and has no side effects; WriteFile is
// the only function that touches the filesystem.
package report

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/anstrom/batchscan/internal/batch"
	"github.com/anstrom/batchscan/internal/errors"
)

// Format names an output encoding.
type Format string

const (
	FormatJSON  Format = "json"
	FormatCSV   Format = "csv"
	FormatHTML  Format = "html"
	FormatXML   Format = "xml"
	FormatTable Format = "table"
)

// Formats lists every supported format.
var Formats = []Format{FormatJSON, FormatCSV, FormatHTML, FormatXML, FormatTable}

// Renderer encodes a sealed result.
type Renderer interface {
	Render(w io.Writer, result *batch.Result) error
}

var renderers = map[Format]Renderer{
	FormatJSON:  JSONRenderer{Indent: true},
	FormatCSV:   CSVRenderer{},
	FormatHTML:  HTMLRenderer{},
	FormatXML:   XMLRenderer{},
	FormatTable: TableRenderer{},
}

// ParseFormat resolves a format name, case-insensitively.
func ParseFormat(name string) (Format, error) {
	f := Format(strings.ToLower(strings.TrimSpace(name)))
	if _, ok := renderers[f]; !ok {
		return "", errors.NewScanError(errors.CodeValidation,
			fmt.Sprintf("unknown report format %q (supported: %s)", name, formatList()))
	}
	return f, nil
}

// FormatForPath infers the format from a file extension.
func FormatForPath(path string) (Format, bool) {
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
	if ext == "txt" {
		return FormatTable, true
	}
	f := Format(ext)
	_, ok := renderers[f]
	return f, ok
}

// Extension returns the file extension used for a format, without the dot.
func (f Format) Extension() string {
	if f == FormatTable {
		return "txt"
	}
	return string(f)
}

func formatList() string {
	names := make([]string, 0, len(Formats))
	for _, f := range Formats {
		names = append(names, string(f))
	}
	return strings.Join(names, ", ")
}

// Render writes result to w in the given format. Unsealed results are
// rejected.
func Render(w io.Writer, result *batch.Result, format Format) error {
	if !result.Sealed() {
		return errors.NewScanError(errors.CodeValidation, "cannot render an unsealed batch result")
	}
	r, ok := renderers[format]
	if !ok {
		return errors.NewScanError(errors.CodeValidation,
			fmt.Sprintf("unknown report format %q (supported: %s)", format, formatList()))
	}
	return r.Render(w, result)
}

// RenderString renders result into a string.
func RenderString(result *batch.Result, format Format) (string, error) {
	var sb strings.Builder
	if err := Render(&sb, result, format); err != nil {
		return "", err
	}
	return sb.String(), nil
}

// WriteFile renders result into path atomically: output goes to a temporary
// file in the same directory which replaces path only after a successful
// render, flush and close.
func WriteFile(path string, result *batch.Result, format Format) (err error) {
	if !result.Sealed() {
		return errors.NewScanError(errors.CodeValidation, "cannot write an unsealed batch result")
	}
	if !slices.Contains(Formats, format) {
		return errors.NewScanError(errors.CodeValidation, fmt.Sprintf("unknown report format %q", format))
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return errors.ErrIO("create report directory", dir, err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return errors.ErrIO("create report file", path, err)
	}
	tmpName := tmp.Name()

	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmpName)
		}
	}()

	buf := bufio.NewWriter(tmp)
	if err = Render(buf, result, format); err != nil {
		return err
	}
	if err = buf.Flush(); err != nil {
		return errors.ErrIO("write report", path, err)
	}
	if err = tmp.Chmod(0o600); err != nil {
		return errors.ErrIO("chmod report", path, err)
	}
	if err = tmp.Close(); err != nil {
		return errors.ErrIO("close report", path, err)
	}
	if err = os.Rename(tmpName, path); err != nil {
		return errors.ErrIO("rename report", path, err)
	}
	return nil
}
