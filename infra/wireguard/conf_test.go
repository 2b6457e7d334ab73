package wireguard

import (
	"net/netip"
	"testing"
	"time"

	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

func TestConfRender(t *testing.T) {
	priv, err := wgtypes.GeneratePrivateKey()
	if err != nil {
		t.Fatal(err)
	}
	peerKey := priv.PublicKey()
	psk, err := wgtypes.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}

	conf := Conf{
		PrivateKey: priv,
		Addresses:  []netip.Prefix{netip.MustParsePrefix("fd77:6d00:1::2/128"), netip.MustParsePrefix("10.77.0.2/32")},
		DNS:        []netip.Addr{netip.MustParseAddr("fd77:6d00:1::1")},
		Peers: []ConfPeer{{
			PublicKey:           peerKey,
			PresharedKey:        &psk,
			AllowedIPs:          []netip.Prefix{netip.MustParsePrefix("fd77:6d00:1::/64")},
			Endpoint:            "vpn.example.com:51820",
			PersistentKeepalive: 25 * time.Second,
		}},
	}
	got, err := conf.Render()
	if err != nil {
		t.Fatal(err)
	}

	want := "[Interface]\n" +
		"PrivateKey = " + priv.String() + "\n" +
		"Address = fd77:6d00:1::2/128, 10.77.0.2/32\n" +
		"DNS = fd77:6d00:1::1\n" +
		"\n" +
		"[Peer]\n" +
		"PublicKey = " + peerKey.String() + "\n" +
		"PresharedKey = " + psk.String() + "\n" +
		"AllowedIPs = fd77:6d00:1::/64\n" +
		"Endpoint = vpn.example.com:51820\n" +
		"PersistentKeepalive = 25\n"
	if string(got) != want {
		t.Errorf("rendered:\n%s\nwant:\n%s", got, want)
	}
}

func TestConfRender_ServerSide(t *testing.T) {
	priv, err := wgtypes.GeneratePrivateKey()
	if err != nil {
		t.Fatal(err)
	}
	got, err := Conf{PrivateKey: priv, ListenPort: 51820}.Render()
	if err != nil {
		t.Fatal(err)
	}
	want := "[Interface]\nPrivateKey = " + priv.String() + "\nListenPort = 51820\n"
	if string(got) != want {
		t.Errorf("rendered:\n%s\nwant:\n%s", got, want)
	}
}

func TestHostPrefix(t *testing.T) {
	if got := HostPrefix(netip.MustParseAddr("10.0.0.1")); got.Bits() != 32 {
		t.Errorf("v4 host prefix = %s", got)
	}
	if got := HostPrefix(netip.MustParseAddr("fd00::1")); got.Bits() != 128 {
		t.Errorf("v6 host prefix = %s", got)
	}
}
