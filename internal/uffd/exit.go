package uffd

import (
	"errors"
	"fmt"
	"os"
	"sync"
)

// exitFd wraps a pipe so a serve loop blocked in poll can be woken.
type exitFd struct {
	r *os.File
	w *os.File

	signal func() error

	closeOnce sync.Once
	closeErr  error
}

func newExitFd() (*exitFd, error) {
	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create exit pipe: %w", err)
	}

	e := &exitFd{
		r: r,
		w: w,
	}
	e.signal = sync.OnceValue(func() error {
		_, writeErr := w.Write([]byte{0})
		if writeErr != nil {
			return fmt.Errorf("failed to write to exit pipe: %w", writeErr)
		}

		return nil
	})

	return e, nil
}

func (e *exitFd) Signal() error {
	return e.signal()
}

func (e *exitFd) Reader() int32 {
	return int32(e.r.Fd())
}

// Close closes both pipe ends. Safe to call multiple times.
func (e *exitFd) Close() error {
	e.closeOnce.Do(func() {
		e.closeErr = errors.Join(e.r.Close(), e.w.Close())
	})

	return e.closeErr
}
