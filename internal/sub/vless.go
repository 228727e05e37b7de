package sub

import (
	"strings"

	"github.com/google/uuid"

	"github.com/medusa-proxy/medusa/internal/model"
)

// vlessHandler converts vless:// URIs:
//
//	vless://<uuid>@<host>:<port>[?security=...&...][#name]
type vlessHandler struct{}

func (vlessHandler) Convert(line string) (model.Record, error) {
	withoutFrag, name, err := cutFragment(line)
	if err != nil {
		return model.Record{}, err
	}

	withoutQuery, query, _ := strings.Cut(withoutFrag, "?")
	params, err := parseQueryParams(query, line)
	if err != nil {
		return model.Record{}, err
	}

	rest := strings.TrimPrefix(withoutQuery, "vless://")
	rest = strings.TrimSuffix(rest, "/")
	id, hostPart, ok := strings.Cut(rest, "@")
	if !ok || hostPart == "" {
		return model.Record{}, malformed("id", "vless uri 缺少 @host:port", line, nil)
	}
	id = strings.TrimSpace(id)
	if _, err := uuid.Parse(id); err != nil {
		return model.Record{}, malformed("id", "vless id 不是合法 UUID", line, err)
	}

	server, port, field, err := parseHostPort(hostPart)
	if err != nil {
		return model.Record{}, malformed(field, "服务器地址或端口不合法", line, err)
	}

	return model.Record{
		Scheme: model.SchemeVless,
		Name:   name,
		Server: server,
		Port:   port,
		Secret: id,
		Params: params,
	}, nil
}
