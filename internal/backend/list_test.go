package backend

import (
	"encoding/base64"
	"encoding/json"
	"strings"
	"testing"

	"github.com/medusa-proxy/medusa/internal/model"
)

func TestListCanonicalSS(t *testing.T) {
	rec := model.Record{
		Scheme: model.SchemeShadowsocks,
		Name:   "test",
		Server: "1.2.3.4",
		Port:   8388,
		Secret: "aes-256-gcm:password",
	}
	var report model.ConversionReport
	cfg, err := List{}.Convert([]model.Record{rec}, &report)
	if err != nil {
		t.Fatalf("Convert: %v", err)
	}
	want := "ss://YWVzLTI1Ni1nY206cGFzc3dvcmQ@1.2.3.4:8388#test\n"
	if cfg.Text != want {
		t.Fatalf("text = %q, want %q", cfg.Text, want)
	}
}

func TestListSSKeepsPlugin(t *testing.T) {
	rec := model.Record{
		Scheme: model.SchemeShadowsocks,
		Server: "1.2.3.4",
		Port:   8388,
		Secret: "aes-128-gcm:pw",
		Params: map[string]string{"plugin": "obfs-local;obfs=http"},
	}
	var report model.ConversionReport
	cfg, err := List{}.Convert([]model.Record{rec}, &report)
	if err != nil {
		t.Fatalf("Convert: %v", err)
	}
	if !strings.Contains(cfg.Text, "/?plugin=obfs-local%3Bobfs%3Dhttp") {
		t.Fatalf("plugin missing or unescaped: %q", cfg.Text)
	}
}

func TestListCanonicalTrojanSortsQuery(t *testing.T) {
	rec := model.Record{
		Scheme: model.SchemeTrojan,
		Name:   "jp",
		Server: "tr.example.com",
		Port:   443,
		Secret: "letmein",
		Params: map[string]string{"sni": "cdn.example.com", "allowInsecure": "1"},
	}
	var report model.ConversionReport
	cfg, err := List{}.Convert([]model.Record{rec}, &report)
	if err != nil {
		t.Fatalf("Convert: %v", err)
	}
	want := "trojan://letmein@tr.example.com:443?allowInsecure=1&sni=cdn.example.com#jp\n"
	if cfg.Text != want {
		t.Fatalf("text = %q, want %q", cfg.Text, want)
	}
}

func TestListCanonicalVless(t *testing.T) {
	rec := model.Record{
		Scheme: model.SchemeVless,
		Server: "vl.example.com",
		Port:   443,
		Secret: "b831381d-6324-4d53-ad4f-8cda48b30811",
		Params: map[string]string{"type": "ws", "security": "tls"},
	}
	var report model.ConversionReport
	cfg, err := List{}.Convert([]model.Record{rec}, &report)
	if err != nil {
		t.Fatalf("Convert: %v", err)
	}
	want := "vless://b831381d-6324-4d53-ad4f-8cda48b30811@vl.example.com:443?security=tls&type=ws\n"
	if cfg.Text != want {
		t.Fatalf("text = %q, want %q", cfg.Text, want)
	}
}

func TestListCanonicalVmessRoundTrips(t *testing.T) {
	rec := model.Record{
		Scheme: model.SchemeVmess,
		Name:   "vm 节点",
		Server: "vm.example.com",
		Port:   443,
		Secret: "b831381d-6324-4d53-ad4f-8cda48b30811",
		Params: map[string]string{"aid": "0", "net": "ws", "tls": "tls", "host": "cdn.example.com"},
	}
	var report model.ConversionReport
	cfg, err := List{}.Convert([]model.Record{rec}, &report)
	if err != nil {
		t.Fatalf("Convert: %v", err)
	}
	line := strings.TrimSuffix(cfg.Text, "\n")
	body, ok := strings.CutPrefix(line, "vmess://")
	if !ok {
		t.Fatalf("line = %q, want vmess:// prefix", line)
	}
	raw, err := base64.StdEncoding.DecodeString(body)
	if err != nil {
		t.Fatalf("base64: %v", err)
	}
	var got map[string]any
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatalf("json: %v (%s)", err, raw)
	}
	for key, want := range map[string]string{
		"v":    "2",
		"ps":   "vm 节点",
		"add":  "vm.example.com",
		"port": "443",
		"id":   "b831381d-6324-4d53-ad4f-8cda48b30811",
		"aid":  "0",
		"net":  "ws",
		"tls":  "tls",
		"host": "cdn.example.com",
	} {
		if got[key] != want {
			t.Fatalf("%s = %v, want %q", key, got[key], want)
		}
	}
}

func TestListRejectsUnknownScheme(t *testing.T) {
	rec := model.Record{Scheme: model.SchemeUnknown, Server: "x", Port: 1, Secret: "s"}
	var report model.ConversionReport
	cfg, err := List{}.Convert([]model.Record{rec}, &report)
	if err != nil {
		t.Fatalf("Convert: %v", err)
	}
	if cfg.Text != "" {
		t.Fatalf("text = %q, want empty", cfg.Text)
	}
	if report.Failed() != 1 {
		t.Fatalf("failed = %d, want 1", report.Failed())
	}
}
