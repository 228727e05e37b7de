// Package backend renders proxy records into backend-specific configuration
// text. Converters are selected through an open registry keyed by name;
// adding a backend is one Register call, existing dispatch code never
// changes.
package backend

import (
	"fmt"
	"sort"
	"strings"

	"github.com/medusa-proxy/medusa/internal/model"
)

// Converter renders a record sequence into one backend's configuration text.
// Convert must be a pure function of the record sequence: same input order
// and content, byte-identical output. Records outside the supported scheme
// set are dropped into the report, never a fatal error.
type Converter interface {
	Name() string
	SupportedSchemes() map[model.Scheme]struct{}
	Convert(records []model.Record, report *model.ConversionReport) (model.RenderedConfig, error)
}

type RenderError struct {
	AppError model.AppError
	Cause    error
}

func (e *RenderError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Cause == nil {
		return fmt.Sprintf("%s: %s", e.AppError.Code, e.AppError.Message)
	}
	return fmt.Sprintf("%s: %s: %v", e.AppError.Code, e.AppError.Message, e.Cause)
}

func (e *RenderError) Unwrap() error { return e.Cause }

const (
	CodeUnknownBackend    = "UNKNOWN_BACKEND"
	CodeUnsupportedScheme = "BACKEND_UNSUPPORTED_SCHEME"
)

// Registry maps backend names to converters.
type Registry struct {
	converters map[string]Converter
}

func NewRegistry() *Registry {
	return &Registry{converters: make(map[string]Converter)}
}

func (r *Registry) Register(c Converter) {
	r.converters[c.Name()] = c
}

// Lookup returns the named converter. Unknown names are a configuration
// error surfaced before any network call.
func (r *Registry) Lookup(name string) (Converter, error) {
	c, ok := r.converters[name]
	if !ok {
		return nil, &RenderError{
			AppError: model.AppError{
				Code:    CodeUnknownBackend,
				Message: fmt.Sprintf("未知的后端：%s", name),
				Stage:   "convert",
				Hint:    "available: " + strings.Join(r.Backends(), ", "),
			},
		}
	}
	return c, nil
}

// Backends returns registered backend names in sorted order.
func (r *Registry) Backends() []string {
	out := make([]string, 0, len(r.converters))
	for name := range r.converters {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// DefaultRegistry returns a registry with the built-in converters.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(Glider{})
	r.Register(List{})
	return r
}

// unsupported builds the per-record failure for a scheme outside a backend's
// supported set.
func unsupported(backendName string, rec model.Record) error {
	return &RenderError{
		AppError: model.AppError{
			Code:    CodeUnsupportedScheme,
			Message: fmt.Sprintf("后端 %s 不支持 %s 节点", backendName, rec.Scheme),
			Stage:   "convert",
			Snippet: recordLabel(rec),
		},
	}
}

// recordLabel identifies a record in report entries produced at render time,
// where no source line is available.
func recordLabel(rec model.Record) string {
	return fmt.Sprintf("%s://%s:%d", rec.Scheme, bracketHost(rec.Server), rec.Port)
}

func bracketHost(host string) string {
	if strings.Contains(host, ":") && !strings.HasPrefix(host, "[") {
		return "[" + host + "]"
	}
	return host
}
