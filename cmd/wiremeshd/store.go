package main

import (
	"net"
	"strconv"

	"wiremesh/internal/daemon"
	"wiremesh/internal/identity"
)

// withStore opens the identity store for the duration of fn.
func (g *globals) withStore(fn func(store *identity.Store) error) error {
	db, store, err := daemon.OpenStore(g.cfg, nil)
	if err != nil {
		return err
	}
	defer db.Close()
	return fn(store)
}

// endpoint is the address clients are told to dial.
func (g *globals) endpoint() string {
	if g.cfg.Hosted.Endpoint != "" {
		return g.cfg.Hosted.Endpoint
	}
	return net.JoinHostPort(g.cfg.Domain, strconv.Itoa(g.cfg.Hosted.ListenPort))
}
