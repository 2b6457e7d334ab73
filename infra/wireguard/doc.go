// Package wireguard holds helpers shared by the WireGuard gateways: host
// prefixes and wg-quick configuration rendering.
//
// Concrete gateways live in subpackages:
//   - kernel (linux)
//   - stub (everything else)
package wireguard
