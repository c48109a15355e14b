//go:build !linux

package uffd

import (
	"errors"

	"go.uber.org/zap"

	"github.com/peermem/p2pmmap/internal/session"
)

var errUnsupportedPlatform = errors.New("p2pmmap serving requires linux")

type Server struct{}

func NewServer(svc *session.Service, socketPath string, log *zap.Logger) (*Server, error) {
	return nil, errUnsupportedPlatform
}

func (s *Server) Start() error {
	return errUnsupportedPlatform
}

func (s *Server) Stop() error {
	return errUnsupportedPlatform
}
