// Package serialmux reads newline-delimited output from a USB serial Remote ID
// receiver (ESP32 class boards) and fans each line out to any number of
// subscribers, while letting one writer send console commands to the device.
package serialmux

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"tailscale.com/tsweb"
)

var ErrWriteFailed = fmt.Errorf("failed to write to serial port")

// maxLineBytes bounds a single receiver line. Wi-Fi beacons carrying a full
// message pack stay well under this.
const maxLineBytes = 64 * 1024

// Mux is the surface the ingest layer and admin routes depend on.
type Mux interface {
	// Subscribe returns an id and a channel receiving every line read from
	// the port. Slow subscribers miss lines rather than stall the reader.
	Subscribe() (string, chan string)
	Unsubscribe(string)
	SendCommand(string) error
	// Monitor reads lines until ctx is done, the port reaches EOF or Close
	// is called.
	Monitor(context.Context) error
	Close() error
	Stats() Stats

	// AttachAdminRoutes mounts the send-command and tail endpoints on the
	// /debug/ tree, reachable only from localhost or the tailnet.
	AttachAdminRoutes(*http.ServeMux)
}

// Stats counts lines seen by Monitor.
type Stats struct {
	Lines   uint64 `json:"lines"`
	Skipped uint64 `json:"skipped"` // lines a full subscriber did not receive
}

// SerialMux multiplexes one serial port between many readers.
type SerialMux[T SerialPorter] struct {
	port         T
	subscribers  map[string]chan string
	subscriberMu sync.Mutex
	commandMu    sync.Mutex
	closing      atomic.Bool

	lines   atomic.Uint64
	skipped atomic.Uint64
}

var _ Mux = (*SerialMux[SerialPorter])(nil)

// NewSerialMux wraps an already opened port.
func NewSerialMux[T SerialPorter](port T) *SerialMux[T] {
	return &SerialMux[T]{
		port:        port,
		subscribers: make(map[string]chan string),
	}
}

func (s *SerialMux[T]) Subscribe() (string, chan string) {
	id := uuid.NewString()
	ch := make(chan string, 64)
	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()
	if s.closing.Load() {
		close(ch)
		return id, ch
	}
	s.subscribers[id] = ch
	return id, ch
}

func (s *SerialMux[T]) Unsubscribe(id string) {
	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()
	if ch, ok := s.subscribers[id]; ok {
		close(ch)
		delete(s.subscribers, id)
	}
}

// SendCommand writes one console command, newline terminated.
func (s *SerialMux[T]) SendCommand(command string) error {
	s.commandMu.Lock()
	defer s.commandMu.Unlock()
	if !strings.HasSuffix(command, "\n") {
		command += "\n"
	}
	n, err := s.port.Write([]byte(command))
	if err != nil {
		return err
	}
	if n != len(command) {
		return ErrWriteFailed
	}
	return nil
}

func (s *SerialMux[T]) Monitor(ctx context.Context) error {
	scan := bufio.NewScanner(s.port)
	scan.Buffer(make([]byte, 4096), maxLineBytes)

	lineChan := make(chan string)
	scanErrChan := make(chan error, 1)

	// The blocking Scan runs on its own goroutine so cancellation is not
	// held up by a quiet port.
	go func() {
		defer close(lineChan)
		for scan.Scan() {
			select {
			case lineChan <- scan.Text():
			case <-ctx.Done():
				return
			}
		}
		if err := scan.Err(); err != nil {
			select {
			case scanErrChan <- err:
			case <-ctx.Done():
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case err := <-scanErrChan:
			if s.closing.Load() {
				return nil
			}
			return err

		case line, ok := <-lineChan:
			if !ok {
				select {
				case err := <-scanErrChan:
					if !s.closing.Load() {
						return err
					}
				default:
				}
				return nil
			}
			if s.closing.Load() {
				return nil
			}
			line = strings.TrimRight(line, "\r")
			if line == "" {
				continue
			}
			s.lines.Add(1)
			s.broadcast(line)
		}
	}
}

func (s *SerialMux[T]) broadcast(line string) {
	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()
	for _, ch := range s.subscribers {
		select {
		case ch <- line:
		default:
			s.skipped.Add(1)
		}
	}
}

func (s *SerialMux[T]) Stats() Stats {
	return Stats{Lines: s.lines.Load(), Skipped: s.skipped.Load()}
}

// Close closes every subscriber channel and then the port.
func (s *SerialMux[T]) Close() error {
	if s.closing.Swap(true) {
		return nil
	}
	s.subscriberMu.Lock()
	for id, ch := range s.subscribers {
		close(ch)
		delete(s.subscribers, id)
	}
	s.subscriberMu.Unlock()
	return s.port.Close()
}

func (s *SerialMux[T]) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)

	debug.HandleFunc("serial-stats", "serial receiver line counters", func(w http.ResponseWriter, r *http.Request) {
		st := s.Stats()
		fmt.Fprintf(w, "lines: %d\nskipped: %d\n", st.Lines, st.Skipped)
	})

	// Writes one console command, e.g. to switch the receiver's scan mode.
	debug.HandleSilentFunc("serial-command", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		command := strings.TrimSpace(r.FormValue("command"))
		if command == "" {
			http.Error(w, "Missing command", http.StatusBadRequest)
			return
		}
		if err := s.SendCommand(command); err != nil {
			http.Error(w, "Failed to write command", http.StatusInternalServerError)
			return
		}
		io.WriteString(w, fmt.Sprintf("Wrote command %q to serial port", command))
	})

	// Server-sent events carrying raw receiver lines.
	debug.HandleSilentFunc("serial-tail", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no")

		id, c := s.Subscribe()
		defer s.Unsubscribe(id)

		w.Write([]byte(": ping\n\n"))
		flusher.Flush()

		var buf bytes.Buffer
		for {
			select {
			case payload, ok := <-c:
				if !ok {
					return
				}
				buf.Reset()
				fmt.Fprintf(&buf, "data: %s\n\n", payload)
				if _, err := w.Write(buf.Bytes()); err != nil {
					return
				}
				flusher.Flush()
			case <-r.Context().Done():
				return
			}
		}
	})
}
