package daemon

import (
	"errors"
	"fmt"
	"sync"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"github.com/peermem/p2pmmap/internal/cfg"
	"github.com/peermem/p2pmmap/internal/pci"
	"github.com/peermem/p2pmmap/internal/peermem"
	"github.com/peermem/p2pmmap/internal/session"
)

const Version = "0.1.0"

var (
	ErrMissingLocator     = errors.New("target pci device must be specified")
	ErrRegistrationFailed = errors.New("failed to register consumer endpoint")
)

// Registrar is the consumer-facing endpoint the daemon registers once
// the region stands.
type Registrar interface {
	Start() error
	Stop() error
}

// Options are the platform seams: the bus devices are resolved on, the
// pool opener and the endpoint constructor. Tests wire fakes; the
// daemon binary wires sysfs, the device pool and the uffd server.
type Options struct {
	Bus          pci.Bus
	OpenPool     func(dev *pci.Device) (peermem.Pool, error)
	NewRegistrar func(svc *session.Service, log *zap.Logger) (Registrar, error)
}

// Daemon owns the resolved device, the reserved region, the session
// service and the registered endpoint for the lifetime of the process.
type Daemon struct {
	log *zap.Logger

	dev    *pci.Device
	pool   peermem.Pool
	region *peermem.Region
	svc    *session.Service
	reg    Registrar

	closeOnce sync.Once
	closeErr  error
}

// Start stands the service up: resolve the device, reserve the region,
// register the endpoint. Every failure unwinds the acquisitions made so
// far in reverse order, so no error leaves a partially initialized
// daemon behind.
func Start(conf cfg.Config, log *zap.Logger, opts Options) (*Daemon, error) {
	if conf.TargetPCIDev == "" {
		return nil, ErrMissingLocator
	}

	addr, err := pci.ParseAddress(conf.TargetPCIDev)
	if err != nil {
		return nil, err
	}

	dev, err := opts.Bus.Find(addr)
	if err != nil {
		return nil, err
	}

	pool, err := opts.OpenPool(dev)
	if err != nil {
		return nil, errors.Join(err, dev.Close())
	}

	region, err := peermem.Reserve(pool, conf.P2PMemSize)
	if err != nil {
		return nil, errors.Join(err, pool.Close(), dev.Close())
	}

	svc := session.New(region, log)

	reg, err := opts.NewRegistrar(svc, log)
	if err != nil {
		return nil, errors.Join(
			fmt.Errorf("%w: %w", ErrRegistrationFailed, err),
			region.Release(), pool.Close(), dev.Close())
	}

	if err := reg.Start(); err != nil {
		return nil, errors.Join(
			fmt.Errorf("%w: %w", ErrRegistrationFailed, err),
			reg.Stop(), region.Release(), pool.Close(), dev.Close())
	}

	log.Info("p2pmmap loaded",
		zap.String("version", Version),
		zap.String("device", dev.String()),
		zap.String("size", humanize.IBytes(uint64(conf.P2PMemSize))))

	return &Daemon{
		log:    log,
		dev:    dev,
		pool:   pool,
		region: region,
		svc:    svc,
		reg:    reg,
	}, nil
}

func (d *Daemon) Service() *session.Service {
	return d.svc
}

// Close tears the daemon down in strict reverse order of acquisition:
// endpoint, region, pool, device. Safe to call multiple times.
func (d *Daemon) Close() error {
	d.closeOnce.Do(func() {
		d.closeErr = errors.Join(d.reg.Stop(), d.region.Release(), d.pool.Close(), d.dev.Close())

		d.log.Info("p2pmmap unloaded", zap.String("version", Version))
	})

	return d.closeErr
}
