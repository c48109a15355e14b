package main

import (
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/peermem/p2pmmap/internal/cfg"
	"github.com/peermem/p2pmmap/internal/daemon"
	"github.com/peermem/p2pmmap/internal/pci"
	"github.com/peermem/p2pmmap/internal/peermem"
	"github.com/peermem/p2pmmap/internal/session"
	"github.com/peermem/p2pmmap/internal/uffd"
	"github.com/peermem/p2pmmap/pkg/logger"
)

const serviceName = "p2pmmapd"

// Startup failures exit with a distinct code per error kind.
const (
	exitMissingLocator = iota + 2
	exitMalformedLocator
	exitDeviceNotFound
	exitUnsupportedDevice
	exitInvalidSize
	exitAllocationFailed
	exitRegistrationFailed
)

func main() {
	conf, err := cfg.Parse()
	if err != nil {
		log.Fatalf("failed to parse configuration: %v", err)
	}

	l, err := logger.New(logger.Config{
		ServiceName: serviceName,
		IsDebug:     conf.Debug,
	})
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer l.Sync()

	os.Exit(run(conf, l))
}

func run(conf cfg.Config, l *zap.Logger) int {
	d, err := daemon.Start(conf, l, daemon.Options{
		Bus: pci.SysfsBus{},
		OpenPool: func(dev *pci.Device) (peermem.Pool, error) {
			return peermem.OpenDevicePool(dev)
		},
		NewRegistrar: func(svc *session.Service, log *zap.Logger) (daemon.Registrar, error) {
			return uffd.NewServer(svc, conf.SocketPath, log)
		},
	})
	if err != nil {
		l.Error("startup failed", zap.Error(err))

		return exitCode(err)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	s := <-sig

	l.Info("shutting down", zap.String("signal", s.String()))

	if err := d.Close(); err != nil {
		l.Error("shutdown failed", zap.Error(err))

		return 1
	}

	return 0
}

func exitCode(err error) int {
	switch {
	case errors.Is(err, daemon.ErrMissingLocator):
		return exitMissingLocator
	case errors.Is(err, pci.ErrMalformedLocator):
		return exitMalformedLocator
	case errors.Is(err, pci.ErrDeviceNotFound):
		return exitDeviceNotFound
	case errors.Is(err, peermem.ErrUnsupportedDevice):
		return exitUnsupportedDevice
	case errors.Is(err, peermem.ErrInvalidSize):
		return exitInvalidSize
	case errors.Is(err, peermem.ErrAllocationFailed):
		return exitAllocationFailed
	case errors.Is(err, daemon.ErrRegistrationFailed):
		return exitRegistrationFailed
	default:
		return 1
	}
}
