// Package render formats command output for the dictum CLI.
//
// Format selection:
//   - a terminal on stdout defaults to table
//   - anything else defaults to json
//   - --format always overrides the default
//
// --no-color affects table output only. Status columns are colored when
// the writer is a color-capable terminal.
package render

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"reflect"
	"slices"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"
)

// Format represents an output format.
type Format string

// Supported formats.
const (
	FormatJSON  Format = "json"
	FormatTable Format = "table"
	FormatYAML  Format = "yaml"
)

// ParseFormat parses a format string, returning an error for invalid formats.
// The empty string is returned unchanged so callers can pick a default.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(s) {
	case "json":
		return FormatJSON, nil
	case "table":
		return FormatTable, nil
	case "yaml":
		return FormatYAML, nil
	case "":
		return "", nil
	default:
		return "", fmt.Errorf("invalid format: %q (must be json, table, or yaml)", s)
	}
}

// Renderer handles output formatting.
type Renderer struct {
	format  Format
	noColor bool
	out     io.Writer
	styles  *lipgloss.Renderer
}

// NewRenderer creates a renderer for stdout from the --format and
// --no-color flags.
func NewRenderer(c *cli.Context) (*Renderer, error) {
	format, err := ParseFormat(c.String("format"))
	if err != nil {
		return nil, err
	}
	if format == "" {
		if isTTY(os.Stdout) {
			format = FormatTable
		} else {
			format = FormatJSON
		}
	}
	return NewRendererWithWriter(format, c.Bool("no-color"), os.Stdout), nil
}

// NewRendererWithWriter creates a renderer with a custom writer.
func NewRendererWithWriter(format Format, noColor bool, out io.Writer) *Renderer {
	return &Renderer{
		format:  format,
		noColor: noColor,
		out:     out,
		styles:  lipgloss.NewRenderer(out),
	}
}

// Render outputs the data in the configured format.
func (r *Renderer) Render(data any) error {
	switch r.format {
	case FormatJSON:
		enc := json.NewEncoder(r.out)
		enc.SetIndent("", "  ")
		return enc.Encode(data)
	case FormatYAML:
		enc := yaml.NewEncoder(r.out)
		enc.SetIndent(2)
		if err := enc.Encode(data); err != nil {
			return err
		}
		return enc.Close()
	case FormatTable:
		return r.renderTable(data)
	default:
		return fmt.Errorf("unknown format: %s", r.format)
	}
}

func (r *Renderer) renderTable(data any) error {
	v := reflect.ValueOf(data)
	for v.Kind() == reflect.Pointer && !v.IsNil() {
		v = v.Elem()
	}

	switch v.Kind() {
	case reflect.Slice, reflect.Array:
		if v.Len() == 0 {
			_, err := fmt.Fprintln(r.out, "(no results)")
			return err
		}
		headers := columns(v.Index(0))
		rows := make([][]string, v.Len())
		for i := range rows {
			rows[i] = cells(v.Index(i), headers)
		}
		return r.writeGrid(headers, rows, false)
	case reflect.Struct, reflect.Map:
		headers := columns(v)
		values := cells(v, headers)
		rows := make([][]string, len(headers))
		for i, h := range headers {
			rows[i] = []string{h + ":", values[i]}
		}
		return r.writeGrid([]string{"", ""}, rows, true)
	default:
		_, err := fmt.Fprintf(r.out, "%v\n", data)
		return err
	}
}

// writeGrid pads every column to its widest plain-text cell before styling,
// so color escapes do not break alignment.
func (r *Renderer) writeGrid(headers []string, rows [][]string, keyValue bool) error {
	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = len(h)
	}
	for _, row := range rows {
		for i, cell := range row {
			widths[i] = max(widths[i], lipgloss.Width(cell))
		}
	}

	var b strings.Builder
	writeRow := func(row []string, colored bool) {
		for i, cell := range row {
			padded := cell
			if i < len(row)-1 {
				padded += strings.Repeat(" ", widths[i]-lipgloss.Width(cell)+2)
			}
			if colored && !keyValue {
				padded = r.style(headers[i], cell, padded)
			}
			if colored && keyValue && i == 1 {
				padded = r.style(strings.TrimSuffix(row[0], ":"), cell, padded)
			}
			b.WriteString(padded)
		}
		b.WriteByte('\n')
	}

	if !keyValue {
		writeRow(headers, false)
	}
	for _, row := range rows {
		writeRow(row, true)
	}
	_, err := io.WriteString(r.out, b.String())
	return err
}

var statusColors = map[string]lipgloss.Color{
	"completed":  lipgloss.Color("2"),
	"recording":  lipgloss.Color("2"),
	"processing": lipgloss.Color("3"),
	"pending":    lipgloss.Color("3"),
	"failed":     lipgloss.Color("1"),
}

func (r *Renderer) style(column, value, padded string) string {
	if r.noColor || (column != "status" && column != "state") {
		return padded
	}
	color, ok := statusColors[strings.ToLower(value)]
	if !ok {
		return padded
	}
	return r.styles.NewStyle().Foreground(color).Render(padded)
}

// columns returns json field names for structs and sorted keys for maps.
func columns(v reflect.Value) []string {
	for v.Kind() == reflect.Pointer || v.Kind() == reflect.Interface {
		if v.IsNil() {
			return nil
		}
		v = v.Elem()
	}

	var headers []string
	switch v.Kind() {
	case reflect.Struct:
		t := v.Type()
		for i := range t.NumField() {
			if name, ok := fieldName(t.Field(i)); ok {
				headers = append(headers, name)
			}
		}
	case reflect.Map:
		for _, key := range v.MapKeys() {
			headers = append(headers, fmt.Sprintf("%v", key.Interface()))
		}
		slices.Sort(headers)
	}
	return headers
}

func cells(v reflect.Value, headers []string) []string {
	for v.Kind() == reflect.Pointer || v.Kind() == reflect.Interface {
		if v.IsNil() {
			return make([]string, len(headers))
		}
		v = v.Elem()
	}

	values := make([]string, 0, len(headers))
	switch v.Kind() {
	case reflect.Struct:
		t := v.Type()
		for i := range t.NumField() {
			if _, ok := fieldName(t.Field(i)); ok {
				values = append(values, formatValue(v.Field(i)))
			}
		}
	case reflect.Map:
		byKey := make(map[string]reflect.Value, v.Len())
		iter := v.MapRange()
		for iter.Next() {
			byKey[fmt.Sprintf("%v", iter.Key().Interface())] = iter.Value()
		}
		for _, h := range headers {
			values = append(values, formatValue(byKey[h]))
		}
	}
	return values
}

func fieldName(f reflect.StructField) (string, bool) {
	if !f.IsExported() {
		return "", false
	}
	tag := f.Tag.Get("json")
	name, _, _ := strings.Cut(tag, ",")
	switch name {
	case "-":
		return "", false
	case "":
		return strings.ToLower(f.Name), true
	default:
		return name, true
	}
}

var (
	timeType     = reflect.TypeFor[time.Time]()
	durationType = reflect.TypeFor[time.Duration]()
)

func formatValue(v reflect.Value) string {
	if !v.IsValid() {
		return ""
	}
	for v.Kind() == reflect.Pointer || v.Kind() == reflect.Interface {
		if v.IsNil() {
			return ""
		}
		v = v.Elem()
	}

	switch {
	case v.Type() == timeType:
		ts := v.Interface().(time.Time)
		if ts.IsZero() {
			return ""
		}
		return ts.UTC().Format(time.RFC3339)
	case v.Type() == durationType:
		return v.Interface().(time.Duration).String()
	}

	switch v.Kind() {
	case reflect.Slice, reflect.Array:
		if v.Type().Elem().Kind() == reflect.Uint8 {
			return fmt.Sprintf("%d bytes", v.Len())
		}
		if v.Len() == 0 {
			return "[]"
		}
		return fmt.Sprintf("[%d items]", v.Len())
	case reflect.Map:
		if v.Len() == 0 {
			return "{}"
		}
		return fmt.Sprintf("{%d keys}", v.Len())
	case reflect.Struct:
		return "{...}"
	default:
		return fmt.Sprintf("%v", v.Interface())
	}
}

func isTTY(f *os.File) bool {
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}
