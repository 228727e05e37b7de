// Package sub parses decoded subscription text into proxy records.
//
// Dispatch is table-driven: the scheme token before "://" selects a Handler
// by exact string match. Subscription content is never interpreted as
// anything but data; adding a scheme is one Register call.
package sub

import (
	"sort"

	"github.com/medusa-proxy/medusa/internal/model"
)

// Handler normalizes one scheme's URI line into a scheme-agnostic Record.
type Handler interface {
	Convert(line string) (model.Record, error)
}

// Registry maps scheme tokens (e.g. "ss") to handlers. Registration happens
// once at startup; lookups are read-only afterwards.
type Registry struct {
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

func (r *Registry) Register(scheme string, h Handler) {
	r.handlers[scheme] = h
}

func (r *Registry) Lookup(scheme string) (Handler, bool) {
	h, ok := r.handlers[scheme]
	return h, ok
}

// Schemes returns the registered scheme tokens in sorted order.
func (r *Registry) Schemes() []string {
	out := make([]string, 0, len(r.handlers))
	for s := range r.handlers {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// DefaultRegistry returns a registry with every built-in scheme handler.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register("ss", ssHandler{})
	r.Register("trojan", trojanHandler{})
	r.Register("vmess", vmessHandler{})
	r.Register("vless", vlessHandler{})
	return r
}
