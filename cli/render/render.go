// Package render writes CLI results as json, yaml or a plain table.
//
// Without --format, a terminal gets a table and anything else gets json.
// --no-color only affects tables.
package render

import (
	"encoding"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"reflect"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"

	"github.com/nzilbb/jsendpraat/cli/tui"
	"github.com/nzilbb/jsendpraat/router"
)

// Format is an output format name.
type Format string

// Output formats.
const (
	FormatJSON  Format = "json"
	FormatTable Format = "table"
	FormatYAML  Format = "yaml"
)

var formats = map[string]Format{
	"json":  FormatJSON,
	"table": FormatTable,
	"yaml":  FormatYAML,
}

// ParseFormat maps a --format value to a Format. The empty string means
// "not chosen" and returns "".
func ParseFormat(s string) (Format, error) {
	if s == "" {
		return "", nil
	}
	if f, ok := formats[strings.ToLower(s)]; ok {
		return f, nil
	}
	return "", fmt.Errorf("invalid format: %q (must be json, table, or yaml)", s)
}

// Renderer writes values to one output in one format.
type Renderer struct {
	format Format
	color  bool
	out    io.Writer
}

// NewRenderer builds a renderer for stdout from the --format and
// --no-color flags.
func NewRenderer(c *cli.Context) (*Renderer, error) {
	format, err := ParseFormat(c.String("format"))
	if err != nil {
		return nil, err
	}
	if format == "" {
		format = FormatJSON
		if isatty.IsTerminal(os.Stdout.Fd()) {
			format = FormatTable
		}
	}
	return NewRendererWithWriter(format, c.Bool("no-color"), os.Stdout), nil
}

// NewRendererWithWriter builds a renderer writing to out.
func NewRendererWithWriter(format Format, noColor bool, out io.Writer) *Renderer {
	return &Renderer{format: format, color: !noColor, out: out}
}

// Format returns the selected format.
func (r *Renderer) Format() Format { return r.format }

// Render writes data in the selected format.
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
		return r.table(data)
	default:
		return fmt.Errorf("unknown format: %s", r.format)
	}
}

// RenderTUI hands data to the interactive view for viewType.
func (r *Renderer) RenderTUI(viewType string, data any) error {
	if !tui.IsTUISupported(viewType) {
		return fmt.Errorf("--tui is not supported for %s", viewType)
	}
	return tui.Run(viewType, data)
}

func (r *Renderer) table(data any) error {
	w := tabwriter.NewWriter(r.out, 0, 0, 2, ' ', 0)

	if s, ok := data.(router.Status); ok {
		writePairs(w, r.statusPairs(s))
		return w.Flush()
	}

	v := indirect(reflect.ValueOf(data))
	switch v.Kind() {
	case reflect.Slice, reflect.Array:
		if v.Len() == 0 {
			fmt.Fprintln(r.out, "(no results)")
			return nil
		}
		cols := columns(indirect(v.Index(0)))
		fmt.Fprintln(w, strings.Join(cols.names, "\t"))
		for i := range v.Len() {
			fmt.Fprintln(w, strings.Join(cols.cells(indirect(v.Index(i))), "\t"))
		}
	case reflect.Struct, reflect.Map:
		cols := columns(v)
		writePairs(w, zip(cols.names, cols.cells(v)))
	default:
		fmt.Fprintf(w, "%v\n", data)
	}
	return w.Flush()
}

// statusPairs lists the status fields shown in a table. The state is
// colored unless color is off.
func (r *Renderer) statusPairs(s router.Status) [][2]string {
	state := s.State.String()
	if r.color {
		state = tui.StateStyle(state).Render(state)
	}
	senders := make([]string, len(s.Senders))
	for i, id := range s.Senders {
		senders[i] = string(id)
	}
	pairs := [][2]string{
		{"state", state},
		{"host_version", s.HostVersion},
		{"minimum_version", s.MinimumVersion},
		{"generation", fmt.Sprint(s.Generation)},
		{"installation_id", s.InstallationID},
		{"ever_ready", fmt.Sprint(s.EverReady)},
		{"senders", strings.Join(senders, ",")},
		{"pending", fmt.Sprint(s.Pending)},
		{"requests_forwarded", fmt.Sprint(s.Metrics.RequestsForwarded)},
		{"requests_dropped", fmt.Sprint(s.Metrics.RequestsDropped)},
		{"replies_delivered", fmt.Sprint(s.Metrics.RepliesDelivered)},
		{"delivery_misses", fmt.Sprint(s.Metrics.DeliveryMisses)},
	}
	if s.LastRejection != "" {
		pairs = append(pairs, [2]string{"last_rejection", s.LastRejection})
	}
	return pairs
}

func writePairs(w io.Writer, pairs [][2]string) {
	for _, p := range pairs {
		fmt.Fprintf(w, "%s:\t%s\n", p[0], p[1])
	}
}

func zip(names, cells []string) [][2]string {
	pairs := make([][2]string, len(names))
	for i := range names {
		pairs[i] = [2]string{names[i], cells[i]}
	}
	return pairs
}

// columnSet names the table columns of a struct or map row.
type columnSet struct {
	names []string
	// fields holds struct field indexes; nil for map rows.
	fields []int
}

func columns(row reflect.Value) columnSet {
	var cs columnSet
	switch row.Kind() {
	case reflect.Struct:
		t := row.Type()
		for i := range t.NumField() {
			f := t.Field(i)
			if !f.IsExported() {
				continue
			}
			cs.names = append(cs.names, fieldName(f))
			cs.fields = append(cs.fields, i)
		}
	case reflect.Map:
		for _, k := range row.MapKeys() {
			cs.names = append(cs.names, fmt.Sprint(k.Interface()))
		}
	}
	return cs
}

func (cs columnSet) cells(row reflect.Value) []string {
	out := make([]string, len(cs.names))
	switch row.Kind() {
	case reflect.Struct:
		for i, idx := range cs.fields {
			out[i] = cell(row.Field(idx))
		}
	case reflect.Map:
		for i, name := range cs.names {
			out[i] = cell(row.MapIndex(reflect.ValueOf(name)))
		}
	}
	return out
}

// fieldName is the json name of f, or its lowercased Go name.
func fieldName(f reflect.StructField) string {
	name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
	if name == "" || name == "-" {
		return strings.ToLower(f.Name)
	}
	return name
}

func indirect(v reflect.Value) reflect.Value {
	for v.IsValid() && (v.Kind() == reflect.Pointer || v.Kind() == reflect.Interface) {
		if v.IsNil() {
			return reflect.Value{}
		}
		v = v.Elem()
	}
	return v
}

// cell formats one table value. Nested collections are summarized.
func cell(v reflect.Value) string {
	v = indirect(v)
	if !v.IsValid() {
		return ""
	}
	if v.CanInterface() {
		switch x := v.Interface().(type) {
		case time.Time:
			return x.Format(time.RFC3339)
		case encoding.TextMarshaler:
			if b, err := x.MarshalText(); err == nil {
				return string(b)
			}
		case fmt.Stringer:
			return x.String()
		}
	}
	switch v.Kind() {
	case reflect.Slice, reflect.Array:
		return fmt.Sprintf("[%d items]", v.Len())
	case reflect.Map:
		return fmt.Sprintf("{%d keys}", v.Len())
	case reflect.Struct:
		return "{...}"
	default:
		return fmt.Sprint(v.Interface())
	}
}
