package sub

import (
	"encoding/base64"
	"errors"
	"net"
	"net/url"
	"strconv"
	"strings"
	"unicode/utf8"
)

// cutFragment splits "rest#name" and percent-decodes the name.
func cutFragment(line string) (rest, name string, err error) {
	rest, frag, hasFrag := strings.Cut(line, "#")
	if !hasFrag {
		return rest, "", nil
	}
	decoded, err := url.PathUnescape(frag)
	if err != nil {
		return "", "", malformed("name", "节点名称 URL 解码失败", line, err)
	}
	name = strings.TrimSpace(decoded)
	if strings.ContainsAny(name, "\r\n\x00") {
		return "", "", malformed("name", "节点名称包含非法控制字符", line, nil)
	}
	return rest, name, nil
}

// parseHostPort validates "host:port". A record is never constructed with an
// empty host or a port outside [1,65535]; callers fail the line instead.
func parseHostPort(s string) (string, int, string, error) {
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return "", 0, "port", err
	}
	host = strings.TrimSpace(host)
	if host == "" {
		return "", 0, "host", errors.New("empty host")
	}
	port, err := strconv.Atoi(strings.TrimSpace(portStr))
	if err != nil {
		return "", 0, "port", err
	}
	if port < 1 || port > 65535 {
		return "", 0, "port", errors.New("port out of range")
	}
	return host, port, "", nil
}

// parseQueryParams parses "?k=v&..." without net/url.ParseQuery, which
// rejects the raw semicolons SIP002 puts inside plugin values. Only '&'
// separates pairs; keys without '=' are rejected.
func parseQueryParams(query, line string) (map[string]string, error) {
	if query == "" {
		return nil, nil
	}
	params := make(map[string]string)
	for _, part := range strings.Split(query, "&") {
		if part == "" {
			continue
		}
		kRaw, vRaw, hasEq := strings.Cut(part, "=")
		if !hasEq {
			return nil, malformed("query", "query 参数必须是 key=value 形式", line, nil)
		}
		k, err := url.PathUnescape(kRaw)
		if err != nil {
			return nil, malformed("query", "query 参数解码失败", line, err)
		}
		v, err := url.PathUnescape(vRaw)
		if err != nil {
			return nil, malformed("query", "query 参数解码失败", line, err)
		}
		k = strings.TrimSpace(k)
		if k == "" {
			return nil, malformed("query", "query 参数 key 不能为空", line, nil)
		}
		params[k] = v
	}
	if len(params) == 0 {
		return nil, nil
	}
	return params, nil
}

func decodeB64ToString(s string) (string, error) {
	b, err := decodeB64ToBytes(s)
	if err != nil {
		return "", err
	}
	if !utf8.Valid(b) {
		return "", errors.New("decoded value is not valid utf-8")
	}
	return string(b), nil
}

func decodeB64ToBytes(s string) ([]byte, error) {
	// Try standard alphabet (with padding) first, then URL-safe, then raw
	// (no padding).
	encodings := []*base64.Encoding{
		base64.StdEncoding,
		base64.URLEncoding,
		base64.RawStdEncoding,
		base64.RawURLEncoding,
	}
	var lastErr error
	for _, enc := range encodings {
		b, err := enc.DecodeString(s)
		if err == nil {
			return b, nil
		}
		lastErr = err
	}
	return nil, lastErr
}
