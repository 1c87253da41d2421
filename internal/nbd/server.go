// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package nbd

import (
	"context"
	"fmt"
	"net"

	"github.com/pojntfx/go-nbd/pkg/server"
	"github.com/rs/zerolog/log"

	"github.com/asch/ramblk/internal/ramblk"
)

// Largest payload of one NBD request, the NBD protocol recommends 32MB.
const maxRequestSize = 32 << 20

// Server exports one published handle under its name.
type Server struct {
	handle     *ramblk.Handle
	socketPath string
	ready      chan struct{}
}

func NewServer(socketPath string, h *ramblk.Handle) *Server {
	return &Server{
		handle:     h,
		socketPath: socketPath,
		ready:      make(chan struct{}),
	}
}

// Ready is closed once the server listens or failed to.
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

// Run accepts connections until ctx is done. Every connection is served in
// its own go routine, opening a connection is what opening /dev entry of a
// block device would be.
func (s *Server) Run(ctx context.Context) error {
	var lc net.ListenConfig

	l, err := lc.Listen(ctx, "unix", s.socketPath)
	close(s.ready)
	if err != nil {
		return fmt.Errorf("failed to listen on socket: %w", err)
	}

	go func() {
		<-ctx.Done()

		if err := l.Close(); err != nil {
			log.Info().Err(err).Msg("Failed to close listener.")
		}
	}()

	log.Info().Msgf("Exporting %s on %s.", s.handle.Name(), s.socketPath)

	for {
		conn, err := l.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
				log.Info().Err(err).Msg("Failed to accept connection.")
				continue
			}
		}

		go s.serve(conn)
	}
}

func (s *Server) serve(conn net.Conn) {
	log.Info().Msgf("%s: opened", s.handle.Name())

	defer func() {
		conn.Close()

		if err := recover(); err != nil {
			log.Error().Msgf("Recovering from NBD server panic: %v", err)
		}

		log.Info().Msgf("%s: released", s.handle.Name())
	}()

	err := server.Handle(
		conn,
		[]*server.Export{
			{
				Name:    s.handle.Name(),
				Backend: NewBackend(s.handle),
			},
		},
		&server.Options{
			ReadOnly:           false,
			MinimumBlockSize:   ramblk.SectorSize,
			PreferredBlockSize: ramblk.SectorSize,
			MaximumBlockSize:   maxRequestSize,
			SupportsMultiConn:  true,
		})
	if err != nil {
		log.Debug().Err(err).Msg("Client disconnected with error.")
	}
}
