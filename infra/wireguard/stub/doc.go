// Package stub provides a gateway for platforms without kernel WireGuard.
//
// Every call fails fast, so the daemon reports the platform problem on its
// first reconciliation cycle instead of running without a tunnel.
package stub
