package ui

import (
	"time"

	"wiremesh"
)

const timeLayout = "2006-01-02 15:04"

func SubnetTable(subnets []wiremesh.Subnet) string {
	out := make([][]string, 0, len(subnets))
	for _, s := range subnets {
		out = append(out, []string{s.Name, s.Network.String()})
	}
	return Table([]string{"SUBNET", "NETWORK"}, out)
}

// ClientTable lists clients with their liveness columns. now decides which
// deadlines have already passed.
func ClientTable(clients []wiremesh.Client, now time.Time) string {
	out := make([][]string, 0, len(clients))
	for _, c := range clients {
		v4 := "-"
		if c.AddressV4.IsValid() {
			v4 = c.AddressV4.String()
		}
		out = append(out, []string{
			c.Subnet,
			c.Name,
			c.AddressV6.String(),
			v4,
			handshake(c),
			deadline(c, now),
			shortKey(c.PublicKey.String()),
		})
	}
	return Table([]string{"SUBNET", "NAME", "IPV6", "IPV4", "HANDSHAKE", "DEADLINE", "KEY"}, out)
}

func handshake(c wiremesh.Client) string {
	if !c.HasHandshaken() {
		if c.HasServedConfig {
			return "pending"
		}
		return "never"
	}
	return c.LastHandshake.Local().Format(timeLayout)
}

func deadline(c wiremesh.Client, now time.Time) string {
	switch {
	case c.InvalidationDeadline.IsZero():
		return "-"
	case c.Expired(now):
		return WarnStyle.Render("expired")
	default:
		return c.InvalidationDeadline.Local().Format(timeLayout)
	}
}

func shortKey(k string) string {
	if len(k) <= 12 {
		return k
	}
	return k[:12] + "…"
}
