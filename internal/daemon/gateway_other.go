//go:build !linux

package daemon

import (
	"wiremesh/config"
	"wiremesh/infra/wireguard/stub"
	"wiremesh/internal/reconcile"
)

func newGateway(*config.Config) reconcile.KernelGateway {
	return stub.New()
}
