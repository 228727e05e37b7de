package sub

import (
	"errors"
	"strings"

	"github.com/medusa-proxy/medusa/internal/decode"
	"github.com/medusa-proxy/medusa/internal/model"
)

// Parse walks decoded text line by line and produces one Record per valid
// proxy URI. Every line's outcome, success or failure, lands in report; one
// malformed or unsupported line never stops processing of the rest.
func Parse(text decode.Text, reg *Registry, report *model.ConversionReport) []model.Record {
	records := make([]model.Record, 0, len(text.Lines))
	for i, raw := range text.Lines {
		lineNo := i + 1
		line := strings.TrimSpace(raw)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		scheme, _, ok := strings.Cut(line, "://")
		if !ok || scheme == "" {
			report.AddFailure(text.URL, lineNo, truncateSnippet(line, 200), &ParseError{
				AppError: model.AppError{
					Code:    CodeMalformedURI,
					Message: "缺少 scheme:// 前缀",
					Stage:   "parse",
					Field:   "scheme",
					URL:     text.URL,
					Line:    lineNo,
					Snippet: truncateSnippet(line, 200),
				},
			})
			continue
		}

		h, ok := reg.Lookup(scheme)
		if !ok {
			report.AddFailure(text.URL, lineNo, truncateSnippet(line, 200), &ParseError{
				AppError: model.AppError{
					Code:    CodeUnsupportedScheme,
					Message: "不支持的协议：" + scheme,
					Stage:   "parse",
					URL:     text.URL,
					Line:    lineNo,
					Snippet: truncateSnippet(line, 200),
					Hint:    "supported: " + strings.Join(reg.Schemes(), ", "),
				},
			})
			continue
		}

		rec, err := h.Convert(line)
		if err != nil {
			var pe *ParseError
			if errors.As(err, &pe) {
				pe.AppError.URL = text.URL
				pe.AppError.Line = lineNo
			}
			report.AddFailure(text.URL, lineNo, truncateSnippet(line, 200), err)
			continue
		}

		report.AddSuccess(text.URL, lineNo, &rec)
		records = append(records, rec)
	}
	return records
}
