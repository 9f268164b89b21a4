// Package serialmux multiplexes a line-oriented radio link: one goroutine
// reads telemetry lines from the dongle and fans them out to every
// subscriber, while any number of callers write command lines.
package serialmux

import (
	"bufio"
	"context"
	crand "crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"tailscale.com/tsweb"
)

var (
	ErrWriteFailed = errors.New("short write to radio link")
	ErrClosed      = errors.New("radio link closed")
)

// subscriberBuffer is how many lines a slow subscriber may lag behind before
// lines are dropped for it.
const subscriberBuffer = 64

// SerialMux fans the lines read from a single port out to subscribers.
type SerialMux[T SerialPorter] struct {
	port         T
	subscribers  map[string]chan string
	subscriberMu sync.Mutex
	commandMu    sync.Mutex
	closing      bool
	closingMu    sync.Mutex
}

// SerialMuxInterface is what the vehicle link needs from a mux.
type SerialMuxInterface interface {
	// Subscribe returns a channel of inbound lines and the ID used to
	// unsubscribe it.
	Subscribe() (string, chan string)
	Unsubscribe(string)
	// SendCommand writes one command line.
	SendCommand(string) error
	// Monitor reads lines until ctx is done or the port fails.
	Monitor(context.Context) error
	// Close closes every subscriber channel and the port.
	Close() error

	// AttachAdminRoutes registers the send-command and tail endpoints under
	// /debug/.
	AttachAdminRoutes(*http.ServeMux)
	AttachAdminRoutesWithPrefix(mux *http.ServeMux, prefix string)
}

// NewSerialMux wraps port.
func NewSerialMux[T SerialPorter](port T) *SerialMux[T] {
	return &SerialMux[T]{
		port:        port,
		subscribers: make(map[string]chan string),
	}
}

// randomID returns 8 random bytes, hex encoded.
func randomID() string {
	b := make([]byte, 8)
	crand.Read(b)
	return hex.EncodeToString(b)
}

func (s *SerialMux[T]) Subscribe() (string, chan string) {
	id := randomID()
	ch := make(chan string, subscriberBuffer)
	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()
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

// SendCommand writes command followed by a newline. Writes are serialised so
// concurrent callers never interleave partial lines.
func (s *SerialMux[T]) SendCommand(command string) error {
	s.closingMu.Lock()
	closing := s.closing
	s.closingMu.Unlock()
	if closing {
		return ErrClosed
	}

	s.commandMu.Lock()
	defer s.commandMu.Unlock()
	if !strings.HasSuffix(command, "\n") {
		command += "\n"
	}
	n, err := io.WriteString(s.port, command)
	if err != nil {
		return err
	}
	if n != len(command) {
		return ErrWriteFailed
	}
	return nil
}

// Monitor scans the port line by line and delivers each line to every
// subscriber without blocking on any of them.
func (s *SerialMux[T]) Monitor(ctx context.Context) error {
	scan := bufio.NewScanner(s.port)

	lineChan := make(chan string)
	scanErrChan := make(chan error, 1)

	// The blocking Scan runs on its own goroutine so that cancellation is
	// observed promptly.
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
			if s.isClosing() {
				return nil
			}
			return err

		case line, ok := <-lineChan:
			if !ok {
				select {
				case err := <-scanErrChan:
					if !s.isClosing() {
						return err
					}
				default:
				}
				return nil
			}
			if s.isClosing() {
				return nil
			}
			line = strings.TrimRight(line, "\r")
			if line == "" {
				continue
			}

			s.subscriberMu.Lock()
			for _, ch := range s.subscribers {
				select {
				case ch <- line:
				default:
					// subscriber is behind; drop rather than stall the link
				}
			}
			s.subscriberMu.Unlock()
		}
	}
}

func (s *SerialMux[T]) isClosing() bool {
	s.closingMu.Lock()
	defer s.closingMu.Unlock()
	return s.closing
}

func (s *SerialMux[T]) Close() error {
	s.closingMu.Lock()
	s.closing = true
	s.closingMu.Unlock()

	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()
	for id, ch := range s.subscribers {
		close(ch)
		delete(s.subscribers, id)
	}
	return s.port.Close()
}

// AttachAdminRoutes registers, under /debug/<prefix>:
//
//	send-command  POST a "command" form value to the vehicle
//	tail          server-sent events of every inbound line
//
// An empty prefix registers the bare names.
func (s *SerialMux[T]) AttachAdminRoutes(mux *http.ServeMux) {
	s.AttachAdminRoutesWithPrefix(mux, "")
}

// AttachAdminRoutesWithPrefix is AttachAdminRoutes for fleets, where each
// vehicle link gets its own prefix such as "cf-01/".
func (s *SerialMux[T]) AttachAdminRoutesWithPrefix(mux *http.ServeMux, prefix string) {
	debug := tsweb.Debugger(mux)

	debug.HandleSilentFunc(prefix+"send-command", func(w http.ResponseWriter, r *http.Request) {
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
		fmt.Fprintf(w, "Wrote command %q to radio link\n", command)
	})

	debug.HandleSilentFunc(prefix+"tail", func(w http.ResponseWriter, r *http.Request) {
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

		io.WriteString(w, ": ping\n\n")
		flusher.Flush()

		for {
			select {
			case payload, ok := <-c:
				if !ok {
					return
				}
				if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ClassifyPayload(payload), payload); err != nil {
					return
				}
				flusher.Flush()
			case <-r.Context().Done():
				return
			}
		}
	})
}
