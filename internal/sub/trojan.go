package sub

import (
	"strings"

	"github.com/medusa-proxy/medusa/internal/model"
)

// trojanHandler converts trojan:// URIs:
//
//	trojan://<password>@<host>:<port>[?sni=...&...][#name]
//
// The password is carried plain (percent-encoded at most), unlike ss://.
type trojanHandler struct{}

func (trojanHandler) Convert(line string) (model.Record, error) {
	withoutFrag, name, err := cutFragment(line)
	if err != nil {
		return model.Record{}, err
	}

	withoutQuery, query, _ := strings.Cut(withoutFrag, "?")
	params, err := parseQueryParams(query, line)
	if err != nil {
		return model.Record{}, err
	}

	rest := strings.TrimPrefix(withoutQuery, "trojan://")
	rest = strings.TrimSuffix(rest, "/")
	password, hostPart, ok := strings.Cut(rest, "@")
	if !ok || hostPart == "" {
		return model.Record{}, malformed("password", "trojan uri 缺少 @host:port", line, nil)
	}
	password = strings.TrimSpace(password)
	if password == "" {
		return model.Record{}, malformed("password", "trojan 密码不能为空", line, nil)
	}
	if strings.ContainsAny(password, "\r\n\x00") {
		return model.Record{}, malformed("password", "trojan 密码包含非法控制字符", line, nil)
	}

	server, port, field, err := parseHostPort(hostPart)
	if err != nil {
		return model.Record{}, malformed(field, "服务器地址或端口不合法", line, err)
	}

	return model.Record{
		Scheme: model.SchemeTrojan,
		Name:   name,
		Server: server,
		Port:   port,
		Secret: password,
		Params: params,
	}, nil
}
