package serialport

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"mwd-monitor-backend/config"
)

// DrainTimeout bounds how long Stop waits for an in-flight read to finish.
const DrainTimeout = 3 * time.Second

// ErrDisabled is returned by Start when the serial link is switched off.
var ErrDisabled = errors.New("serial ingestion disabled")

// Supervisor owns the single serial ingestion context and restarts it on
// reconfiguration. There is no automatic reconnect after a link error.
type Supervisor struct {
	open   Opener
	handle LineHandler
	drain  time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	errMu   sync.Mutex
	lastErr error
}

// NewSupervisor creates a stopped supervisor. A nil opener uses Open.
func NewSupervisor(open Opener, handle LineHandler) *Supervisor {
	if open == nil {
		open = Open
	}
	return &Supervisor{open: open, handle: handle, drain: DrainTimeout}
}

// Start opens the link described by cfg and begins reading in the background.
// Invalid parameters or an open failure are returned and leave the
// supervisor stopped.
func (s *Supervisor) Start(cfg config.SerialConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.start(cfg)
}

// Stop ends the current ingestion context, if any.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stop()
}

// Restart stops the current context and starts a new one with cfg.
func (s *Supervisor) Restart(cfg config.SerialConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stop()
	return s.start(cfg)
}

// Running reports whether a reader is active.
func (s *Supervisor) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done == nil {
		return false
	}
	select {
	case <-s.done:
		return false
	default:
		return true
	}
}

// LastError returns the error that ended or prevented the last context.
func (s *Supervisor) LastError() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.lastErr
}

func (s *Supervisor) setErr(err error) {
	s.errMu.Lock()
	s.lastErr = err
	s.errMu.Unlock()
}

func (s *Supervisor) start(cfg config.SerialConfig) error {
	if !cfg.Enabled {
		log.Println("Serial ingestion is disabled. Not starting.")
		s.setErr(nil)
		return ErrDisabled
	}
	if err := cfg.Validate(); err != nil {
		log.Printf("Serial config rejected: %v", err)
		s.setErr(err)
		return err
	}
	port, err := s.open(cfg)
	if err != nil {
		log.Printf("Serial open failed: %v", err)
		s.setErr(err)
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.cancel = cancel
	s.done = done
	s.setErr(nil)

	log.Printf("Reading %s at %d %d%s%s", cfg.Port, cfg.BaudRate, cfg.DataBits, cfg.Parity, cfg.StopBits)
	go func() {
		defer close(done)
		defer port.Close()
		err := readLines(ctx, port, s.handle)
		if err != nil {
			log.Printf("Serial read failed on %s: %v", cfg.Port, err)
			// An abandoned reader must not overwrite the status of its successor.
			if ctx.Err() == nil {
				s.setErr(err)
			}
			return
		}
		log.Printf("Serial reader on %s stopped.", cfg.Port)
	}()
	return nil
}

// stop cancels the reader and waits for its in-flight read to finish. A
// reader still blocked after DrainTimeout is abandoned; it closes its own
// port once the read returns.
func (s *Supervisor) stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	done := s.done
	s.cancel = nil
	s.done = nil

	select {
	case <-done:
	case <-time.After(s.drain):
		log.Println("Serial reader did not drain in time; abandoning it.")
	}
}
