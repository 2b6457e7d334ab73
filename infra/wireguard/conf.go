package wireguard

import (
	"bytes"
	"net/netip"
	"strconv"
	"strings"
	"text/template"
	"time"

	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

// Conf is a wg-quick style configuration file.
type Conf struct {
	PrivateKey wgtypes.Key
	Addresses  []netip.Prefix
	ListenPort int
	DNS        []netip.Addr
	Peers      []ConfPeer
}

// ConfPeer is one [Peer] section.
type ConfPeer struct {
	PublicKey           wgtypes.Key
	PresharedKey        *wgtypes.Key
	AllowedIPs          []netip.Prefix
	Endpoint            string // host:port; the host may be a DNS name
	PersistentKeepalive time.Duration
}

type confData struct {
	PrivateKey string
	Addresses  string
	ListenPort int
	DNS        string
	Peers      []confPeerData
}

type confPeerData struct {
	PublicKey    string
	PresharedKey string
	AllowedIPs   string
	Endpoint     string
	Keepalive    string
}

var confTmpl = template.Must(template.New("conf").Parse(confText))

const confText = `[Interface]
PrivateKey = {{.PrivateKey}}
{{- with .Addresses}}
Address = {{.}}
{{- end}}
{{- if .ListenPort}}
ListenPort = {{.ListenPort}}
{{- end}}
{{- with .DNS}}
DNS = {{.}}
{{- end}}
{{- range .Peers}}

[Peer]
PublicKey = {{.PublicKey}}
{{- with .PresharedKey}}
PresharedKey = {{.}}
{{- end}}
{{- with .AllowedIPs}}
AllowedIPs = {{.}}
{{- end}}
{{- with .Endpoint}}
Endpoint = {{.}}
{{- end}}
{{- with .Keepalive}}
PersistentKeepalive = {{.}}
{{- end}}
{{- end}}
`

// Render returns the configuration file text.
func (c Conf) Render() ([]byte, error) {
	data := confData{
		PrivateKey: c.PrivateKey.String(),
		Addresses:  joinPrefixes(c.Addresses),
		ListenPort: c.ListenPort,
	}
	dns := make([]string, 0, len(c.DNS))
	for _, a := range c.DNS {
		dns = append(dns, a.String())
	}
	data.DNS = strings.Join(dns, ", ")

	for _, p := range c.Peers {
		pd := confPeerData{
			PublicKey:  p.PublicKey.String(),
			AllowedIPs: joinPrefixes(p.AllowedIPs),
			Endpoint:   p.Endpoint,
		}
		if p.PresharedKey != nil {
			pd.PresharedKey = p.PresharedKey.String()
		}
		if p.PersistentKeepalive > 0 {
			pd.Keepalive = strconv.Itoa(int(p.PersistentKeepalive / time.Second))
		}
		data.Peers = append(data.Peers, pd)
	}

	var buf bytes.Buffer
	if err := confTmpl.Execute(&buf, data); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func joinPrefixes(ps []netip.Prefix) string {
	out := make([]string, 0, len(ps))
	for _, p := range ps {
		out = append(out, p.String())
	}
	return strings.Join(out, ", ")
}
