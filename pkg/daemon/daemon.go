package daemon

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/coldstor/caskd/pkg/config"
	"github.com/coldstor/caskd/pkg/dss"
	"github.com/coldstor/caskd/pkg/ldm"
	"github.com/coldstor/caskd/pkg/log"
	"github.com/coldstor/caskd/pkg/lrs"
	"github.com/coldstor/caskd/pkg/protocol"
	"github.com/coldstor/caskd/pkg/types"
)

// shutdownTimeout bounds the whole stop sequence.
const shutdownTimeout = 10 * time.Second

// Daemon ties the lockfile, the metadata store, the per-family schedulers,
// and the router together.
type Daemon struct {
	cfg   *config.Config
	store dss.Store

	lockfile *Lockfile
	pidfile  string

	schedulers map[types.Family]*lrs.Scheduler
	router     *Router

	hostname string
	pid      int

	lg zerolog.Logger
}

// Options selects startup behavior.
type Options struct {
	Interactive bool   // no pidfile requirement
	DataDir     string // metadata store location
}

// New validates the environment and builds an unstarted daemon.
func New(cfg *config.Config, opts Options) (*Daemon, error) {
	hostname, err := os.Hostname()
	if err != nil {
		return nil, fmt.Errorf("cannot resolve hostname: %w", err)
	}

	d := &Daemon{
		cfg:        cfg,
		schedulers: make(map[types.Family]*lrs.Scheduler),
		hostname:   shortHostname(hostname),
		pid:        os.Getpid(),
		lg:         log.WithComponent("daemon"),
	}

	if !opts.Interactive {
		path, err := WritePidfile()
		if err != nil {
			return nil, err
		}
		d.pidfile = path
	}

	lf, err := AcquireLockfile(cfg.LockFile())
	if err != nil {
		RemovePidfile(d.pidfile)
		return nil, err
	}
	d.lockfile = lf

	store, err := dss.NewBoltStore(opts.DataDir)
	if err != nil {
		lf.Release()
		RemovePidfile(d.pidfile)
		return nil, err
	}
	d.store = store
	return d, nil
}

// Start reconciles locks, launches one scheduler per family, and finally
// opens the client listener. ENXIO is returned when any configured family
// has no usable device; schedulers already started are stopped first.
func (d *Daemon) Start() error {
	families, err := d.cfg.Families()
	if err != nil {
		return err
	}

	retryCount, retryShort, retryLong := d.cfg.RetryPolicy()
	retry := lrs.RetryPolicy{Count: retryCount, Short: retryShort, Long: retryLong}

	ldm.RegisterSCSILibrary(ldm.SCSIConfig{
		Addr:         d.cfg.TLCAddr(),
		QueryTimeout: d.cfg.QueryTimeout(),
		MoveTimeout:  d.cfg.MoveTimeout(),
		MaxElem:      d.cfg.MaxElementStatus(),
	})
	ldm.RegisterFS(types.FSLtfs, func() (ldm.FSAdapter, error) {
		return ldm.NewLTFSFS(d.cfg.LTFSCmdMount()), nil
	})

	for _, fam := range families {
		lib, err := ldm.NewLibrary(ldm.LibTypeForFamily(fam))
		if err != nil {
			return err
		}

		bounds := d.fairShareBounds(fam)
		algo, err := lrs.NewAlgorithm(d.cfg.DispatchAlgo(fam), bounds)
		if err != nil {
			return err
		}

		syncCfg := d.cfg.Sync(fam)
		sched := lrs.NewScheduler(lrs.SchedulerConfig{
			Family:      fam,
			Hostname:    d.hostname,
			PID:         d.pid,
			Store:       d.store,
			Lib:         lib,
			Algo:        algo,
			MountPrefix: d.cfg.MountPrefix(),
			Retry:       retry,
			Sync: lrs.SyncThresholds{
				Time:  syncCfg.Time,
				NbReq: syncCfg.NbReq,
				WSize: syncCfg.WSize,
			},
			TechnoOf: d.cfg.Technology,
		})
		if err := sched.Start(); err != nil {
			d.stopSchedulers(time.Now().Add(shutdownTimeout))
			return err
		}
		d.schedulers[fam] = sched
	}

	d.router = NewRouter(d.cfg.ServerAddr(), d.schedulers)
	if err := d.router.Start(); err != nil {
		d.stopSchedulers(time.Now().Add(shutdownTimeout))
		return err
	}

	d.lg.Info().Str("host", d.hostname).Int("pid", d.pid).
		Int("families", len(d.schedulers)).Msg("daemon started")
	return nil
}

// fairShareBounds collects the per-technology reservations for a family.
func (d *Daemon) fairShareBounds(fam types.Family) lrs.FairShareBounds {
	bounds := lrs.FairShareBounds{
		Min: map[string][3]int{},
		Max: map[string][3]int{},
	}
	for _, model := range d.cfg.SupportedTapeModels() {
		techno, err := d.cfg.Technology(model)
		if err != nil {
			continue
		}
		min, max := d.cfg.FairShareBounds(fam, techno)
		bounds.Min[techno] = min
		bounds.Max[techno] = max
	}
	return bounds
}

// Wait blocks until SIGTERM or SIGINT, then runs the shutdown protocol.
func (d *Daemon) Wait() error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	sig := <-sigCh
	d.lg.Info().Str("signal", sig.String()).Msg("shutdown requested")
	return d.Shutdown()
}

// Shutdown executes the bounded stop sequence: close the listener, drain
// every scheduler and device worker, release the pidfile and lockfile.
func (d *Daemon) Shutdown() error {
	deadline := time.Now().Add(shutdownTimeout)

	if d.router != nil {
		d.router.BeginShutdown()
	}

	errStop := d.stopSchedulers(deadline)

	if d.router != nil {
		d.router.Stop()
	}

	d.store.Close()
	RemovePidfile(d.pidfile)
	d.lockfile.Release()

	if errStop != nil {
		d.lg.Error().Err(errStop).Msg("unclean shutdown")
		return errStop
	}
	d.lg.Info().Msg("daemon stopped")
	return nil
}

func (d *Daemon) stopSchedulers(deadline time.Time) error {
	var firstErr error
	for _, sched := range d.schedulers {
		if err := sched.Stop(deadline); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// IsUnavailable reports whether err means no device could be driven.
func IsUnavailable(err error) bool {
	return protocol.FromError(err) == protocol.ENXIO
}

// shortHostname strips the domain part, matching the hostnames stored in
// DSS lock rows.
func shortHostname(h string) string {
	for i := 0; i < len(h); i++ {
		if h[i] == '.' {
			return h[:i]
		}
	}
	return h
}
