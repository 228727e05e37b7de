package sub

import (
	"errors"
	"strings"
	"unicode/utf8"

	"github.com/medusa-proxy/medusa/internal/model"
)

// ssHandler converts ss:// URIs. Two wire forms exist:
//
//	A (SIP002): ss://<b64(method:password)>@<host>:<port>[/?plugin=...][#name]
//	B (legacy): ss://<b64(method:password@host:port)>[#name]
type ssHandler struct{}

func (ssHandler) Convert(line string) (model.Record, error) {
	withoutFrag, name, err := cutFragment(line)
	if err != nil {
		return model.Record{}, err
	}

	withoutQuery, query, _ := strings.Cut(withoutFrag, "?")
	params, err := parseQueryParams(query, line)
	if err != nil {
		return model.Record{}, err
	}

	rest := strings.TrimPrefix(withoutQuery, "ss://")
	if rest == "" {
		return model.Record{}, malformed("host", "ss:// 后缺少内容", line, nil)
	}

	// SIP002 allows an empty path or a single trailing "/".
	if idx := strings.IndexByte(rest, '/'); idx >= 0 {
		if rest[idx:] != "/" {
			return model.Record{}, malformed("host", "ss uri path 不支持（仅允许空或 /）", line, nil)
		}
		rest = rest[:idx]
	}

	if userB64, hostPart, ok := strings.Cut(rest, "@"); ok {
		// Form A.
		if userB64 == "" || hostPart == "" {
			return model.Record{}, malformed("userinfo", "ss uri 格式不合法", line, nil)
		}
		method, password, err := decodeMethodPassword(userB64)
		if err != nil {
			return model.Record{}, malformed("userinfo", "ss userinfo base64 解码失败", line, err)
		}
		server, port, field, err := parseHostPort(hostPart)
		if err != nil {
			return model.Record{}, malformed(field, "服务器地址或端口不合法", line, err)
		}
		return model.Record{
			Scheme: model.SchemeShadowsocks,
			Name:   name,
			Server: server,
			Port:   port,
			Secret: method + ":" + password,
			Params: params,
		}, nil
	}

	// Form B.
	decoded, err := decodeB64ToString(rest)
	if err != nil {
		return model.Record{}, malformed("userinfo", "ss base64 解码失败", line, err)
	}
	at := strings.LastIndex(decoded, "@")
	if at < 0 {
		return model.Record{}, malformed("userinfo", "ss base64 解码结果缺少 @ 分隔符", line, nil)
	}
	method, password, err := splitMethodPassword(decoded[:at])
	if err != nil {
		return model.Record{}, malformed("userinfo", "ss 解码结果缺少 method:password", line, err)
	}
	server, port, field, err := parseHostPort(decoded[at+1:])
	if err != nil {
		return model.Record{}, malformed(field, "服务器地址或端口不合法", line, err)
	}
	return model.Record{
		Scheme: model.SchemeShadowsocks,
		Name:   name,
		Server: server,
		Port:   port,
		Secret: method + ":" + password,
		Params: params,
	}, nil
}

func decodeMethodPassword(userB64 string) (string, string, error) {
	decoded, err := decodeB64ToString(userB64)
	if err != nil {
		return "", "", err
	}
	return splitMethodPassword(decoded)
}

func splitMethodPassword(decoded string) (string, string, error) {
	if !utf8.ValidString(decoded) {
		return "", "", errors.New("method:password is not valid utf-8")
	}
	colon := strings.IndexByte(decoded, ':')
	if colon <= 0 {
		return "", "", errors.New("missing ':'")
	}
	method := strings.TrimSpace(decoded[:colon])
	password := strings.TrimSpace(decoded[colon+1:])
	if method == "" || password == "" {
		return "", "", errors.New("empty method or password")
	}
	if strings.ContainsAny(method, "\r\n\x00") || strings.ContainsAny(password, "\r\n\x00") {
		return "", "", errors.New("control chars in method/password")
	}
	return method, password, nil
}
