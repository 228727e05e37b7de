// Package decode turns raw subscription payloads into candidate URI lines by
// trying a fixed priority order of decoding strategies. The ordering is a
// design commitment: the first strategy whose output contains at least one
// URI-looking line wins, so decoding is deterministic for a given payload.
// No strategy interprets payload content as anything but text.
package decode

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/medusa-proxy/medusa/internal/fetch"
	"github.com/medusa-proxy/medusa/internal/model"
)

// Text is the line-oriented result of decoding one payload. Every line is
// non-empty after trimming.
type Text struct {
	URL   string
	Lines []string
}

// Strategy decodes raw payload bytes into text lines, or rejects the payload
// with an error.
type Strategy interface {
	Name() string
	Decode(body []byte) (string, error)
}

type DecodeError struct {
	AppError model.AppError
	Cause    error
}

func (e *DecodeError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Cause == nil {
		return fmt.Sprintf("%s: %s", e.AppError.Code, e.AppError.Message)
	}
	return fmt.Sprintf("%s: %s: %v", e.AppError.Code, e.AppError.Message, e.Cause)
}

func (e *DecodeError) Unwrap() error { return e.Cause }

// DefaultStrategies returns the built-in strategies in priority order:
// standard base64 first, then URL-safe base64 with padding correction, then
// plain-text passthrough.
func DefaultStrategies() []Strategy {
	return []Strategy{base64Std{}, base64URLSafe{}, plainText{}}
}

// Decode runs the default strategy chain against payload.
func Decode(payload fetch.Payload) (Text, error) {
	return DecodeWith(DefaultStrategies(), payload)
}

// DecodeWith tries strategies in order and returns the first result that
// yields at least one line containing "://". It fails only when every
// strategy rejects the payload.
func DecodeWith(strategies []Strategy, payload fetch.Payload) (Text, error) {
	sourceURL := payload.Source.URL
	if len(strings.TrimSpace(string(payload.Body))) == 0 {
		return Text{}, &DecodeError{
			AppError: model.AppError{
				Code:    "DECODE_NO_STRATEGY",
				Message: "订阅内容为空",
				Stage:   "decode",
				URL:     sourceURL,
			},
		}
	}

	var attempts []string
	for _, s := range strategies {
		decoded, err := s.Decode(payload.Body)
		if err != nil {
			attempts = append(attempts, s.Name()+": "+err.Error())
			continue
		}
		lines := splitLines(decoded)
		if !hasURILine(lines) {
			attempts = append(attempts, s.Name()+": no uri lines")
			continue
		}
		return Text{URL: sourceURL, Lines: lines}, nil
	}

	return Text{}, &DecodeError{
		AppError: model.AppError{
			Code:    "DECODE_NO_STRATEGY",
			Message: "所有解码策略均不匹配",
			Stage:   "decode",
			URL:     sourceURL,
			Snippet: truncateSnippet(string(payload.Body), 200),
		},
		Cause: errors.New(strings.Join(attempts, "; ")),
	}
}

type base64Std struct{}

func (base64Std) Name() string { return "base64" }

func (base64Std) Decode(body []byte) (string, error) {
	s := removeSpaceTabCRLF(string(body))
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return "", err
	}
	if !utf8.Valid(b) {
		return "", errors.New("decoded payload is not valid utf-8")
	}
	return string(b), nil
}

type base64URLSafe struct{}

func (base64URLSafe) Name() string { return "base64url" }

func (base64URLSafe) Decode(body []byte) (string, error) {
	s := removeSpaceTabCRLF(string(body))
	if m := len(s) % 4; m != 0 {
		s += strings.Repeat("=", 4-m)
	}
	b, err := base64.URLEncoding.DecodeString(s)
	if err != nil {
		// Unpadded standard-alphabet payloads land here too: the first
		// strategy rejected them on padding alone, and + / are not part of
		// the URL-safe alphabet.
		var stdErr error
		if b, stdErr = base64.StdEncoding.DecodeString(s); stdErr != nil {
			return "", err
		}
	}
	if !utf8.Valid(b) {
		return "", errors.New("decoded payload is not valid utf-8")
	}
	return string(b), nil
}

type plainText struct{}

func (plainText) Name() string { return "plain" }

func (plainText) Decode(body []byte) (string, error) {
	if !utf8.Valid(body) {
		return "", errors.New("payload is not valid utf-8 text")
	}
	return string(body), nil
}

// splitLines is CRLF-tolerant and drops blank lines, so every returned line
// is a non-empty candidate.
func splitLines(s string) []string {
	s = strings.TrimPrefix(s, "\uFEFF")
	raw := strings.Split(s, "\n")
	out := make([]string, 0, len(raw))
	for _, line := range raw {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		out = append(out, line)
	}
	return out
}

func hasURILine(lines []string) bool {
	for _, line := range lines {
		if strings.Contains(line, "://") {
			return true
		}
	}
	return false
}

func removeSpaceTabCRLF(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case ' ', '\t', '\r', '\n':
			continue
		default:
			b.WriteByte(s[i])
		}
	}
	return b.String()
}

func truncateSnippet(s string, max int) string {
	s = strings.ReplaceAll(s, "\r", "")
	s = strings.ReplaceAll(s, "\n", "")
	if max <= 0 {
		return ""
	}
	if len(s) <= max {
		return s
	}
	return s[:max]
}
