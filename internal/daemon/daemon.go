// Package daemon wires the identity store, lifecycle engine, and kernel
// reconciler into the long-running server process.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"

	"wiremesh"
	"wiremesh/config"
	"wiremesh/internal/adapter/sqlite"
	"wiremesh/internal/identity"
	"wiremesh/internal/lease"
	"wiremesh/internal/lifecycle"
	"wiremesh/internal/provision"
	"wiremesh/internal/reconcile"
	"wiremesh/internal/resolve"
	"wiremesh/internal/signal/ntp"
	"wiremesh/internal/telemetry"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Options overrides the production collaborators.
type Options struct {
	Gateway   reconcile.KernelGateway
	Processes lease.ProcessTable
	Clock     wiremesh.Clock
	Lookup    resolve.LookupFunc
	NTPQuery  ntp.QueryFunc
	Tracer    trace.Tracer
	PID       int
}

// Daemon is a wired server process holding the store lease.
type Daemon struct {
	cfg    *config.Config
	log    *slog.Logger
	db     *sqlite.Store
	lease  *lease.Lease
	gw     reconcile.KernelGateway
	tracer trace.Tracer

	Store      *identity.Store
	Engine     *lifecycle.Engine
	Reconciler *reconcile.Reconciler
	Resolver   *resolve.Resolver
	NTP        *ntp.Checker
	Provision  *provision.Service

	Hosted  reconcile.Identity
	Trusted reconcile.Identity
}

// OpenStore opens the identity store without taking the lease. Admin
// commands use it alongside a running daemon.
func OpenStore(cfg *config.Config, clock wiremesh.Clock) (*sqlite.Store, *identity.Store, error) {
	db, err := sqlite.Open(cfg.DBPath())
	if err != nil {
		return nil, nil, err
	}
	opts := []identity.Option{}
	if clock != nil {
		opts = append(opts, identity.WithClock(clock))
	}
	store, err := identity.New(db, IdentityConfig(cfg), opts...)
	if err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	return db, store, nil
}

// IdentityConfig maps the daemon config onto the identity store's.
func IdentityConfig(cfg *config.Config) identity.Config {
	return identity.Config{
		ServerNetwork:       cfg.Identity.Network,
		SubnetBits:          cfg.Identity.SubnetBits,
		IPv4Pool:            cfg.Identity.Pool,
		NoHandshakeInterval: cfg.Identity.NoHandshakeInterval,
		HandshakeInterval:   cfg.Identity.HandshakeInterval,
		MaxAllocAttempts:    cfg.Identity.MaxAllocAttempts,
	}
}

// Open wires a daemon. It fails with wiremesh.ErrLeaseConflict while another
// live process holds the store.
func Open(ctx context.Context, cfg *config.Config, log *slog.Logger, opts Options) (*Daemon, error) {
	if cfg.Domain == "" {
		return nil, &wiremesh.ValidationError{Field: "domain", Message: "the server's domain is required"}
	}
	if log == nil {
		log = slog.Default()
	}
	if opts.Gateway == nil {
		opts.Gateway = newGateway(cfg)
	}
	if opts.Processes == nil {
		opts.Processes = lease.OSProcessTable{}
	}
	if opts.Clock == nil {
		opts.Clock = wiremesh.RealClock{}
	}
	if opts.PID == 0 {
		opts.PID = os.Getpid()
	}

	db, store, err := OpenStore(cfg, opts.Clock)
	if err != nil {
		return nil, err
	}
	held, err := lease.Acquire(ctx, db, opts.Processes, opts.PID, opts.Clock, log)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	d := &Daemon{cfg: cfg, log: log, db: db, lease: held, gw: opts.Gateway, tracer: opts.Tracer, Store: store}
	if err := d.wire(ctx, opts); err != nil {
		_ = d.Close(ctx)
		return nil, err
	}
	return d, nil
}

func (d *Daemon) wire(ctx context.Context, opts Options) error {
	serverKey, err := loadOrCreateServerKey(d.cfg.IdentityPath())
	if err != nil {
		return err
	}
	if d.Hosted, err = reconcile.DeriveInterface(serverKey, reconcile.PurposeHosted); err != nil {
		return err
	}
	if d.Trusted, err = reconcile.DeriveInterface(serverKey, reconcile.PurposeTrusted); err != nil {
		return err
	}

	hostedPub := d.Hosted.PrivateKey.PublicKey()
	if _, err := d.Store.EnsureServer(ctx, d.cfg.Domain, hostedPub); err != nil {
		return err
	}

	d.Resolver = resolve.New(opts.Lookup, d.log)
	d.Reconciler = reconcile.New(d.gw, d.Resolver, d.log,
		reconcile.Interface{
			Config: reconcile.InterfaceConfig{
				Name:       d.Hosted.Name,
				PrivateKey: d.Hosted.PrivateKey,
				ListenPort: d.cfg.Hosted.ListenPort,
				MTU:        d.cfg.Hosted.MTU,
			},
			Source: HostedSource{Store: d.Store},
		},
		reconcile.Interface{
			Config: reconcile.InterfaceConfig{
				Name:       d.Trusted.Name,
				PrivateKey: d.Trusted.PrivateKey,
				ListenPort: d.cfg.Trusted.ListenPort,
				MTU:        d.cfg.Trusted.MTU,
			},
			Source: TrustedSource(d.cfg.Trusted),
		},
	)
	d.Engine = lifecycle.New(d.Store, d.log)

	d.NTP = ntp.NewChecker(opts.Clock, d.cfg.NTP.Pool, d.cfg.NTP.Threshold)
	if opts.NTPQuery != nil {
		d.NTP.Query = opts.NTPQuery
	}

	endpoint := d.cfg.Hosted.Endpoint
	if endpoint == "" {
		endpoint = net.JoinHostPort(d.cfg.Domain, strconv.Itoa(d.cfg.Hosted.ListenPort))
	}
	d.Provision = provision.New(d.Store, provision.Server{
		PublicKey: hostedPub,
		Endpoint:  endpoint,
		IPv4Pool:  d.cfg.Identity.Pool,
	}, d.log)
	d.Provision.Installer = d.Reconciler
	d.Provision.Interface = d.Hosted.Name

	d.log.Info("daemon wired",
		"domain", d.cfg.Domain,
		"hosted", d.Hosted.Name, "pub", hostedPub.String(),
		"trusted", d.Trusted.Name,
		"lease_token", d.lease.Record().Token)
	return nil
}

// Tasks returns the scheduled jobs of the daemon.
func (d *Daemon) Tasks() []Task {
	return []Task{
		{Name: "handshakes", Interval: d.cfg.Intervals.Poll, Run: d.pollHandshakes},
		{Name: "reconcile", Interval: d.cfg.Intervals.Reconcile, Run: d.reconcile},
		{Name: "clock", Interval: d.cfg.NTP.Interval, Run: d.checkClock},
	}
}

func (d *Daemon) pollHandshakes(ctx context.Context, cycle *telemetry.Cycle) error {
	iface := d.Hosted.Name
	cycle.SetAttributes(attribute.String(telemetry.InterfaceKey, iface))

	var actions []wiremesh.Action
	err := cycle.RunStep(ctx, "poll", func(ctx context.Context) error {
		var err error
		actions, err = d.Engine.Poll(ctx, d.gw, iface)
		return err
	})
	if err != nil {
		return err
	}
	cycle.SetActions(len(actions))
	if len(actions) == 0 {
		return nil
	}
	return cycle.RunStep(ctx, "execute", func(ctx context.Context) error {
		d.Reconciler.Execute(ctx, iface, actions)
		for _, a := range actions {
			if a.Kind == wiremesh.ActionRemoveClient {
				d.Resolver.Forget(a.PublicKey)
			}
		}
		return nil
	})
}

func (d *Daemon) reconcile(ctx context.Context, _ *telemetry.Cycle) error {
	return d.Reconciler.Cycle(ctx)
}

func (d *Daemon) checkClock(ctx context.Context, _ *telemetry.Cycle) error {
	status := d.NTP.Check(ctx)
	switch status.Phase {
	case ntp.Error:
		return fmt.Errorf("check clock: %s", status.Error)
	case ntp.UnhealthyOffset:
		// Invalidation deadlines are wall-clock based.
		d.log.Warn("clock offset above threshold", "offset", status.Offset, "threshold", d.cfg.NTP.Threshold)
	}
	return nil
}

// Run schedules the daemon's tasks until ctx is cancelled.
func (d *Daemon) Run(ctx context.Context) error {
	sched := NewScheduler(d.tracer, d.log)
	for _, task := range d.Tasks() {
		if err := sched.Add(task); err != nil {
			return err
		}
	}
	d.log.Info("daemon running")
	return sched.Run(ctx)
}

// Close releases the lease and the store.
func (d *Daemon) Close(ctx context.Context) error {
	var errs []error
	if d.lease != nil {
		errs = append(errs, d.lease.Release(ctx))
	}
	if d.db != nil {
		errs = append(errs, d.db.Close())
	}
	return errors.Join(errs...)
}
