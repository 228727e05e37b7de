package backend

import (
	"strconv"
	"strings"

	"github.com/samber/lo"

	"github.com/medusa-proxy/medusa/internal/model"
)

// Glider renders records as glider forward directives, one per line:
//
//	forward=ss://method:password@host:port#name
//	forward=trojan://password@host:port?serverName=sni&skip-cert-verify=true#name
type Glider struct{}

func (Glider) Name() string { return "glider" }

func (Glider) SupportedSchemes() map[model.Scheme]struct{} {
	return map[model.Scheme]struct{}{
		model.SchemeShadowsocks: {},
		model.SchemeTrojan:      {},
	}
}

func (g Glider) Convert(records []model.Record, report *model.ConversionReport) (model.RenderedConfig, error) {
	supported := g.SupportedSchemes()
	lines := make([]string, 0, len(records))
	for _, rec := range records {
		if _, ok := supported[rec.Scheme]; !ok {
			report.AddFailure("", 0, recordLabel(rec), unsupported(g.Name(), rec))
			continue
		}
		line, err := gliderForward(rec)
		if err != nil {
			report.AddFailure("", 0, recordLabel(rec), err)
			continue
		}
		lines = append(lines, line)
	}

	// Subscriptions repeat nodes under different names; keep the first
	// occurrence, compare ignoring the #name fragment.
	lines = lo.UniqBy(lines, func(line string) string {
		base, _, _ := strings.Cut(line, "#")
		return base
	})

	text := ""
	if len(lines) > 0 {
		text = strings.Join(lines, "\n") + "\n"
	}
	return model.RenderedConfig{Backend: g.Name(), Text: text}, nil
}

func gliderForward(rec model.Record) (string, error) {
	var b strings.Builder
	b.WriteString("forward=")

	switch rec.Scheme {
	case model.SchemeShadowsocks:
		method, password, ok := strings.Cut(rec.Secret, ":")
		if !ok || method == "" || password == "" {
			return "", &RenderError{
				AppError: model.AppError{
					Code:    CodeUnsupportedScheme,
					Message: "ss 节点缺少 method:password 凭据",
					Stage:   "convert",
					Snippet: recordLabel(rec),
				},
			}
		}
		b.WriteString("ss://")
		b.WriteString(method)
		b.WriteByte(':')
		b.WriteString(password)
	case model.SchemeTrojan:
		b.WriteString("trojan://")
		b.WriteString(rec.Secret)
	}

	b.WriteByte('@')
	b.WriteString(bracketHost(rec.Server))
	b.WriteByte(':')
	b.WriteString(strconv.Itoa(rec.Port))

	if rec.Scheme == model.SchemeTrojan {
		b.WriteByte('?')
		if sni := trojanSNI(rec); sni != "" {
			b.WriteString("serverName=")
			b.WriteString(sni)
			b.WriteByte('&')
		}
		b.WriteString("skip-cert-verify=true")
	}

	if rec.Name != "" {
		// glider reads the fragment as an opaque label; write the decoded
		// name as is.
		b.WriteByte('#')
		b.WriteString(rec.Name)
	}
	return b.String(), nil
}

func trojanSNI(rec model.Record) string {
	if sni := rec.Param("sni"); sni != "" {
		return sni
	}
	// "peer" is the older spelling of the same parameter.
	return rec.Param("peer")
}
