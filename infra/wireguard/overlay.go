package wireguard

import "net/netip"

// HostPrefix returns the single-host prefix of ip (/128 for IPv6, /32 for
// IPv4). Client allowed IPs are built from it.
func HostPrefix(ip netip.Addr) netip.Prefix {
	return netip.PrefixFrom(ip, ip.BitLen())
}
