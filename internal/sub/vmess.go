package sub

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/medusa-proxy/medusa/internal/model"
)

// vmessHandler converts vmess:// URIs in the V2rayN convention: the entire
// body after the scheme is base64 of a JSON object.
type vmessHandler struct{}

// flexInt tolerates the port/aid fields arriving as either a JSON number or
// a quoted string, both of which occur in the wild.
type flexInt int

func (f *flexInt) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return fmt.Errorf("not an integer: %q", s)
	}
	*f = flexInt(n)
	return nil
}

type vmessPayload struct {
	PS   string  `json:"ps"`
	Add  string  `json:"add"`
	Port flexInt `json:"port"`
	ID   string  `json:"id"`
	Aid  flexInt `json:"aid"`
	Scy  string  `json:"scy"`
	Net  string  `json:"net"`
	Type string  `json:"type"`
	Host string  `json:"host"`
	Path string  `json:"path"`
	TLS  string  `json:"tls"`
	SNI  string  `json:"sni"`
}

func (vmessHandler) Convert(line string) (model.Record, error) {
	body := strings.TrimPrefix(strings.TrimSpace(line), "vmess://")
	if body == "" {
		return model.Record{}, malformed("body", "vmess:// 后缺少内容", line, nil)
	}

	decoded, err := decodeB64ToBytes(body)
	if err != nil {
		return model.Record{}, malformed("body", "vmess base64 解码失败", line, err)
	}

	var p vmessPayload
	if err := json.Unmarshal(decoded, &p); err != nil {
		return model.Record{}, malformed("body", "vmess JSON 解析失败", line, err)
	}

	server := strings.TrimSpace(p.Add)
	if server == "" {
		return model.Record{}, malformed("host", "vmess 缺少服务器地址", line, nil)
	}
	port := int(p.Port)
	if port < 1 || port > 65535 {
		return model.Record{}, malformed("port", "vmess 端口不合法", line, nil)
	}
	id := strings.TrimSpace(p.ID)
	if _, err := uuid.Parse(id); err != nil {
		return model.Record{}, malformed("id", "vmess id 不是合法 UUID", line, err)
	}

	params := map[string]string{
		"aid": strconv.Itoa(int(p.Aid)),
	}
	for k, v := range map[string]string{
		"security": p.Scy,
		"net":      p.Net,
		"type":     p.Type,
		"host":     p.Host,
		"path":     p.Path,
		"tls":      p.TLS,
		"sni":      p.SNI,
	} {
		if v != "" {
			params[k] = v
		}
	}

	return model.Record{
		Scheme: model.SchemeVmess,
		Name:   strings.TrimSpace(p.PS),
		Server: server,
		Port:   port,
		Secret: id,
		Params: params,
	}, nil
}
