//go:build linux

package uffd

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/peermem/p2pmmap/internal/session"
	"github.com/peermem/p2pmmap/internal/uffd/userfaultfd"
)

const (
	setupTimeout = 10 * time.Second
	fdSize       = 4
	setupMsgSize = 256
)

// Server exposes the reserved region on a unix socket. A consumer
// connects, sends a setup message naming the window it mapped plus its
// userfaultfd, and the server resolves that window's page faults until
// the connection goes away. Admission is the session service's: a
// second consumer is refused while the first session is open.
type Server struct {
	svc        *session.Service
	log        *zap.Logger
	socketPath string

	lis  *net.UnixListener
	exit *exitFd

	wg       sync.WaitGroup
	stopOnce sync.Once
	stopErr  error
}

func NewServer(svc *session.Service, socketPath string, log *zap.Logger) (*Server, error) {
	exit, err := newExitFd()
	if err != nil {
		return nil, err
	}

	return &Server{
		svc:        svc,
		log:        log,
		socketPath: socketPath,
		exit:       exit,
	}, nil
}

// Start listens on the control socket and accepts consumers in the
// background.
func (s *Server) Start() error {
	lis, err := net.ListenUnix("unix", &net.UnixAddr{Name: s.socketPath, Net: "unix"})
	if err != nil {
		return fmt.Errorf("failed listening on socket: %w", err)
	}

	err = os.Chmod(s.socketPath, 0o777)
	if err != nil {
		closeErr := lis.Close()
		if closeErr != nil {
			err = errors.Join(err, closeErr)
		}

		return fmt.Errorf("failed setting socket permissions: %w", err)
	}

	s.lis = lis

	s.wg.Add(1)
	go s.acceptLoop()

	return nil
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.lis.AcceptUnix()
		if err != nil {
			// Listener closed on Stop.
			return
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()

			if handleErr := s.handle(conn); handleErr != nil {
				s.log.Error("session failed", zap.Error(handleErr))
			}
		}()
	}
}

func (s *Server) handle(conn *net.UnixConn) error {
	defer conn.Close()

	log := s.log.With(zap.String("session_id", uuid.NewString()))

	if err := s.svc.TryOpen(); err != nil {
		log.Warn("consumer refused", zap.Error(err))

		return reply(conn, err)
	}
	defer s.svc.Close()

	setup, fd, err := readSetup(conn)
	if err != nil {
		return fmt.Errorf("failed to read setup message: %w", err)
	}

	ufd := userfaultfd.Fd(fd)
	defer func() {
		closeErr := ufd.Close()
		if closeErr != nil {
			log.Error("failed to close consumer uffd", zap.Error(closeErr))
		}
	}()

	m, err := s.svc.Map(setup.Offset, setup.Length)
	if err != nil {
		log.Warn("mapping refused",
			zap.Int64("offset", setup.Offset),
			zap.Int64("length", setup.Length),
			zap.Error(err))

		return reply(conn, err)
	}

	if err := reply(conn, nil); err != nil {
		return err
	}

	log.Info("session established",
		zap.Int64("offset", setup.Offset),
		zap.Int64("length", setup.Length),
		zap.Int64("pages", m.Pages()))

	// The consumer ends the session by closing the connection.
	connExit, err := newExitFd()
	if err != nil {
		return err
	}
	defer connExit.Close()

	go func() {
		buf := make([]byte, 1)
		for {
			if _, readErr := conn.Read(buf); readErr != nil {
				break
			}
		}

		_ = connExit.Signal()
	}()

	err = s.serve(ufd, setup.BaseHostVirtAddr, m, connExit, log)

	log.Info("session finished", zap.Uint("bound_pages", m.Bound()))

	return err
}

func readSetup(conn *net.UnixConn) (*SetupMessage, int, error) {
	if err := conn.SetReadDeadline(time.Now().Add(setupTimeout)); err != nil {
		return nil, 0, fmt.Errorf("failed setting setup deadline: %w", err)
	}

	setupBuf := make([]byte, setupMsgSize)
	oobBuf := make([]byte, syscall.CmsgSpace(fdSize))

	numBytesSetup, numBytesOob, _, _, err := conn.ReadMsgUnix(setupBuf, oobBuf)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read unix msg from connection: %w", err)
	}

	if err := conn.SetReadDeadline(time.Time{}); err != nil {
		return nil, 0, fmt.Errorf("failed clearing setup deadline: %w", err)
	}

	var setup SetupMessage

	err = json.Unmarshal(setupBuf[:numBytesSetup], &setup)
	if err != nil {
		return nil, 0, fmt.Errorf("failed parsing setup message: %w", err)
	}

	controlMsgs, err := syscall.ParseSocketControlMessage(oobBuf[:numBytesOob])
	if err != nil {
		return nil, 0, fmt.Errorf("failed parsing control messages: %w", err)
	}

	if len(controlMsgs) != 1 {
		return nil, 0, fmt.Errorf("expected 1 control message containing the uffd: found %d", len(controlMsgs))
	}

	fds, err := syscall.ParseUnixRights(&controlMsgs[0])
	if err != nil {
		return nil, 0, fmt.Errorf("failed parsing unix rights: %w", err)
	}

	if len(fds) != 1 {
		return nil, 0, fmt.Errorf("expected 1 fd: found %d", len(fds))
	}

	// The consumer's poll-driven fault delivery needs a non-blocking fd.
	if err := unix.SetNonblock(fds[0], true); err != nil {
		return nil, 0, fmt.Errorf("failed setting uffd non-blocking: %w", err)
	}

	return &setup, fds[0], nil
}

// reply reports admission or mapping outcome to the consumer. The
// cause stays on our side as a warning; only a failure to send is an
// error of the handler itself.
func reply(conn *net.UnixConn, cause error) error {
	r := SetupReply{OK: cause == nil}
	if cause != nil {
		r.Error = cause.Error()
	}

	if err := json.NewEncoder(conn).Encode(r); err != nil {
		return fmt.Errorf("failed to send setup reply: %w", err)
	}

	return nil
}

// Stop wakes the active session, closes the listener and waits for all
// handlers to finish. Safe to call multiple times.
func (s *Server) Stop() error {
	s.stopOnce.Do(func() {
		signalErr := s.exit.Signal()

		var lisErr error
		if s.lis != nil {
			lisErr = s.lis.Close()
		}

		s.wg.Wait()

		s.stopErr = errors.Join(signalErr, lisErr, s.exit.Close())
	})

	return s.stopErr
}
