//go:build linux

package uffd

import (
	"context"
	"errors"
	"fmt"
	"syscall"
	"unsafe"

	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/peermem/p2pmmap/internal/peermem"
	"github.com/peermem/p2pmmap/internal/session"
	"github.com/peermem/p2pmmap/internal/uffd/userfaultfd"
)

var tracer = otel.Tracer("github.com/peermem/p2pmmap/internal/uffd")

const maxFaultsInFlight = 4096

var errUnexpectedEvent = errors.New("unexpected uffd event type")

func (s *Server) serve(fd userfaultfd.Fd, base uintptr, m *session.Mapping, connExit *exitFd, log *zap.Logger) error {
	pollFds := []unix.PollFd{
		{Fd: int32(fd), Events: unix.POLLIN},
		{Fd: s.exit.Reader(), Events: unix.POLLIN},
		{Fd: connExit.Reader(), Events: unix.POLLIN},
	}

	var wg errgroup.Group
	wg.SetLimit(maxFaultsInFlight)

	pageSize := uintptr(peermem.PageSize)
	window := uintptr(m.Pages()) * pageSize

outer:
	for {
		if _, err := unix.Poll(pollFds, -1); err != nil {
			if err == unix.EINTR || err == unix.EAGAIN {
				log.Debug("interrupted polling, going back to polling")

				continue
			}

			return errors.Join(fmt.Errorf("failed polling: %w", err), wg.Wait())
		}

		if pollFds[1].Revents&unix.POLLIN != 0 || pollFds[2].Revents&unix.POLLIN != 0 {
			// Server shutdown or consumer hangup.
			return wg.Wait()
		}

		if pollFds[0].Revents&unix.POLLIN == 0 {
			// Nothing to read on the uffd; back to polling.
			continue
		}

		buf := make([]byte, unsafe.Sizeof(userfaultfd.UffdMsg{}))

		for {
			_, err := syscall.Read(int(fd), buf)
			if err == syscall.EINTR {
				log.Debug("interrupted read, reading again")

				continue
			}

			if err == syscall.EAGAIN {
				continue outer
			}

			if err != nil {
				return errors.Join(fmt.Errorf("failed to read uffd message: %w", err), wg.Wait())
			}

			break
		}

		msg := *(*userfaultfd.UffdMsg)(unsafe.Pointer(&buf[0]))

		if msg.Event != userfaultfd.UFFD_EVENT_PAGEFAULT {
			return errors.Join(fmt.Errorf("%w: %#x", errUnexpectedEvent, msg.Event), wg.Wait())
		}

		pf := msg.Pagefault()
		addr := uintptr(pf.Address)

		if addr < base || addr-base >= window {
			// Only the consumer's registered window faults here; an
			// address outside it cannot be resolved.
			log.Error("fault outside the registered window", zap.Uint64("address", uint64(addr)))

			if poisonErr := fd.Poison(addr, pageSize); poisonErr != nil {
				return errors.Join(poisonErr, wg.Wait())
			}

			continue
		}

		page := int64((addr - base) / pageSize)

		wg.Go(func() error {
			return s.handleFault(fd, addr, page, m, connExit, log)
		})
	}
}

func (s *Server) handleFault(fd userfaultfd.Fd, addr uintptr, page int64, m *session.Mapping, connExit *exitFd, log *zap.Logger) error {
	_, span := tracer.Start(context.Background(), "page-fault")
	defer span.End()

	pageSize := uintptr(peermem.PageSize)

	frame, err := m.Fault(page)
	if err != nil {
		span.RecordError(err)
		log.Error("failed to resolve fault, poisoning page", zap.Int64("page", page), zap.Error(err))

		// The consumer observes SIGBUS, the same signal a hardware
		// fault would raise. Never retried, never mapped to zeroes.
		if poisonErr := fd.Poison(addr, pageSize); poisonErr != nil {
			span.RecordError(poisonErr)
			log.Error("failed to poison page", zap.Int64("page", page), zap.Error(poisonErr))

			return errors.Join(err, poisonErr, connExit.Signal())
		}

		return nil
	}

	data, err := m.Page(page)
	if err != nil {
		frame.Put()
		span.RecordError(err)

		if poisonErr := fd.Poison(addr, pageSize); poisonErr != nil {
			return errors.Join(err, poisonErr, connExit.Signal())
		}

		return nil
	}

	// A view whose length is not a page multiple still installs whole
	// pages; the tail is zero-filled.
	if int64(len(data)) < peermem.PageSize {
		padded := make([]byte, peermem.PageSize)
		copy(padded, data)
		data = padded
	}

	copyErr := fd.Copy(addr, pageSize, data, 0)
	if errors.Is(copyErr, unix.EEXIST) {
		// Another fault on the same page won the install; drop the
		// extra pin.
		frame.Put()

		return nil
	}

	if copyErr != nil {
		frame.Put()
		span.RecordError(copyErr)
		log.Error("uffdio copy failed", zap.Int64("page", page), zap.Error(copyErr))

		return errors.Join(copyErr, connExit.Signal())
	}

	log.Debug("page bound", zap.Int64("page", page), zap.Uint64("pfn", frame.PFN()))

	return nil
}
