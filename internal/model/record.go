package model

// Scheme identifies the proxy protocol of a Record.
type Scheme string

const (
	SchemeShadowsocks Scheme = "shadowsocks"
	SchemeTrojan      Scheme = "trojan"
	SchemeVmess       Scheme = "vmess"
	SchemeVless       Scheme = "vless"
	SchemeUnknown     Scheme = "unknown"
)

// Record is the scheme-agnostic node representation produced by a scheme
// handler from one subscription line and consumed by a backend converter.
// A Record is never constructed with an empty server or a port outside
// [1,65535]; the handler fails instead. Records are not mutated after
// construction.
type Record struct {
	Scheme Scheme

	// Name comes from the URI fragment (#name). It may be empty and is not
	// guaranteed to be unique across a subscription.
	Name string

	Server string
	Port   int

	// Secret is the scheme's credential blob, kept opaque here:
	// "method:password" for shadowsocks, the password for trojan, the uuid
	// for vmess/vless. Backend converters split it as their format requires.
	Secret string

	// Params carries scheme-specific optional values (sni, security, plugin,
	// ...). Renderers must read named keys only; map order is unspecified.
	Params map[string]string
}

// Param returns the named optional parameter, or "" when absent.
func (r Record) Param(key string) string {
	if r.Params == nil {
		return ""
	}
	return r.Params[key]
}
