package ingest

import (
	"context"
	"errors"

	"github.com/banshee-data/dronewatch/internal/serialmux"
)

// SerialSource feeds the lines of a USB serial receiver to the engine. The
// mux is opened by the caller so its admin routes can be mounted first.
type SerialSource struct {
	counters
	mux serialmux.Mux
	ing Ingestor
}

func NewSerialSource(mux serialmux.Mux, ing Ingestor) *SerialSource {
	return &SerialSource{mux: mux, ing: ing}
}

func (s *SerialSource) Name() string { return "serial" }

// Run monitors the port until ctx is done or the device goes away. The
// transport counts as connected while the port is being read.
func (s *SerialSource) Run(ctx context.Context) error {
	id, lines := s.mux.Subscribe()
	defer s.mux.Unsubscribe(id)

	monitorCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	monitorErr := make(chan error, 1)
	go func() { monitorErr <- s.mux.Monitor(monitorCtx) }()

	s.ing.SetTransportState(s.Name(), true)
	defer s.ing.SetTransportState(s.Name(), false)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-monitorErr:
			s.drain(ctx, lines)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			s.handle(ctx, line)
		}
	}
}

// drain handles lines already buffered when the monitor stopped.
func (s *SerialSource) drain(ctx context.Context, lines chan string) {
	for {
		select {
		case line, ok := <-lines:
			if !ok {
				return
			}
			s.handle(ctx, line)
		default:
			return
		}
	}
}

func (s *SerialSource) handle(ctx context.Context, line string) {
	if serialmux.ClassifyLine(line) != serialmux.LinePayload {
		_ = serialmux.HandleLine(ctx, s.ing, line)
		return
	}
	_ = s.deliver(ctx, s.ing, s.Name(), []byte(line))
}
