package backend

import (
	"encoding/base64"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/medusa-proxy/medusa/internal/model"
)

// List re-emits records as canonical proxy URIs, one per line. Useful for
// merging several subscriptions into one clean feed, and as the second
// registry entry proving the backend set is open.
type List struct{}

func (List) Name() string { return "list" }

func (List) SupportedSchemes() map[model.Scheme]struct{} {
	return map[model.Scheme]struct{}{
		model.SchemeShadowsocks: {},
		model.SchemeTrojan:      {},
		model.SchemeVmess:       {},
		model.SchemeVless:       {},
	}
}

func (l List) Convert(records []model.Record, report *model.ConversionReport) (model.RenderedConfig, error) {
	supported := l.SupportedSchemes()
	lines := make([]string, 0, len(records))
	for _, rec := range records {
		if _, ok := supported[rec.Scheme]; !ok {
			report.AddFailure("", 0, recordLabel(rec), unsupported(l.Name(), rec))
			continue
		}
		lines = append(lines, canonicalURI(rec))
	}

	text := ""
	if len(lines) > 0 {
		text = strings.Join(lines, "\n") + "\n"
	}
	return model.RenderedConfig{Backend: l.Name(), Text: text}, nil
}

func canonicalURI(rec model.Record) string {
	switch rec.Scheme {
	case model.SchemeShadowsocks:
		return canonicalSS(rec)
	case model.SchemeVmess:
		return canonicalVmess(rec)
	default:
		// trojan and vless share the plain uuid/password@host:port shape.
		return canonicalUserinfoURI(rec)
	}
}

func canonicalSS(rec model.Record) string {
	var b strings.Builder
	b.WriteString("ss://")
	b.WriteString(base64.RawURLEncoding.EncodeToString([]byte(rec.Secret)))
	b.WriteByte('@')
	b.WriteString(bracketHost(rec.Server))
	b.WriteByte(':')
	b.WriteString(strconv.Itoa(rec.Port))
	if plugin := rec.Param("plugin"); plugin != "" {
		b.WriteString("/?plugin=")
		b.WriteString(pctEncode(plugin))
	}
	if rec.Name != "" {
		b.WriteByte('#')
		b.WriteString(pctEncode(rec.Name))
	}
	return b.String()
}

func canonicalUserinfoURI(rec model.Record) string {
	scheme := "trojan"
	if rec.Scheme == model.SchemeVless {
		scheme = "vless"
	}
	var b strings.Builder
	b.WriteString(scheme)
	b.WriteString("://")
	b.WriteString(pctEncode(rec.Secret))
	b.WriteByte('@')
	b.WriteString(bracketHost(rec.Server))
	b.WriteByte(':')
	b.WriteString(strconv.Itoa(rec.Port))
	if q := canonicalQuery(rec.Params); q != "" {
		b.WriteByte('?')
		b.WriteString(q)
	}
	if rec.Name != "" {
		b.WriteByte('#')
		b.WriteString(pctEncode(rec.Name))
	}
	return b.String()
}

// canonicalVmess emits the base64-JSON form. Keys are written in a fixed
// order by hand; encoding/json on a map would also sort, but would drop the
// quoted-number convention clients expect for "port".
func canonicalVmess(rec model.Record) string {
	var b strings.Builder
	b.WriteString(`{"v":"2"`)
	fmt.Fprintf(&b, `,"ps":%s`, jsonString(rec.Name))
	fmt.Fprintf(&b, `,"add":%s`, jsonString(rec.Server))
	fmt.Fprintf(&b, `,"port":"%d"`, rec.Port)
	fmt.Fprintf(&b, `,"id":%s`, jsonString(rec.Secret))
	aid := rec.Param("aid")
	if aid == "" {
		aid = "0"
	}
	fmt.Fprintf(&b, `,"aid":%s`, jsonString(aid))
	for _, key := range []string{"security", "net", "type", "host", "path", "tls", "sni"} {
		if v := rec.Param(key); v != "" {
			fmt.Fprintf(&b, `,%s:%s`, jsonString(jsonKey(key)), jsonString(v))
		}
	}
	b.WriteByte('}')
	return "vmess://" + base64.StdEncoding.EncodeToString([]byte(b.String()))
}

// jsonKey maps our param names back to the wire field names.
func jsonKey(key string) string {
	if key == "security" {
		return "scy"
	}
	return key
}

func jsonString(s string) string {
	var b strings.Builder
	b.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"':
			b.WriteString(`\"`)
		case '\\':
			b.WriteString(`\\`)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		case '\t':
			b.WriteString(`\t`)
		default:
			b.WriteRune(r)
		}
	}
	b.WriteByte('"')
	return b.String()
}

// canonicalQuery serializes params with sorted keys so output is stable no
// matter the map iteration order.
func canonicalQuery(params map[string]string) string {
	if len(params) == 0 {
		return ""
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(pctEncode(k))
		b.WriteByte('=')
		b.WriteString(pctEncode(params[k]))
	}
	return b.String()
}

// pctEncode percent-encodes for query/fragment use. Go's QueryEscape uses
// '+' for spaces, rewritten to %20 to avoid ambiguity.
func pctEncode(s string) string {
	return strings.ReplaceAll(url.QueryEscape(s), "+", "%20")
}
