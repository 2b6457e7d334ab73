//go:build linux

package daemon

import (
	"wiremesh/config"
	"wiremesh/infra/wireguard/kernel"
	"wiremesh/internal/reconcile"
)

func newGateway(cfg *config.Config) reconcile.KernelGateway {
	return kernel.New(cfg.ConfDir)
}
