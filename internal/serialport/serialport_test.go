package serialport

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.bug.st/serial"

	"mwd-monitor-backend/config"
)

// fakePort behaves like a serial port with a short read timeout.
type fakePort struct {
	chunks  chan []byte
	closed  chan struct{}
	once    sync.Once
	readErr error
}

func newFakePort() *fakePort {
	return &fakePort{chunks: make(chan []byte, 16), closed: make(chan struct{})}
}

func (p *fakePort) Read(b []byte) (int, error) {
	select {
	case c := <-p.chunks:
		return copy(b, c), nil
	case <-p.closed:
		return 0, io.EOF
	case <-time.After(5 * time.Millisecond):
		if p.readErr != nil {
			return 0, p.readErr
		}
		return 0, nil
	}
}

func (p *fakePort) Close() error {
	p.once.Do(func() { close(p.closed) })
	return nil
}

func (p *fakePort) isClosed() bool {
	select {
	case <-p.closed:
		return true
	default:
		return false
	}
}

type lineSink struct {
	mu    sync.Mutex
	lines []string
}

func (s *lineSink) handle(line string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lines = append(s.lines, line)
}

func (s *lineSink) get() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.lines...)
}

func serialCfg() config.SerialConfig {
	cfg := config.Default().Serial
	cfg.Enabled = true
	cfg.Port = "/dev/ttyUSB0"
	return cfg
}

func TestReadLines_SplitsAndDecodes(t *testing.T) {
	input := "&&\r\n071325.4\r\n\r\n0715 1\xff2\n01213"
	sink := &lineSink{}

	err := readLines(context.Background(), strings.NewReader(input), sink.handle)
	require.NoError(t, err)

	assert.Equal(t, []string{"&&", "071325.4", "0715 1\uFFFD2", "01213"}, sink.get())
}

func TestReadLines_ReturnsReadError(t *testing.T) {
	port := newFakePort()
	port.readErr = errors.New("device unplugged")

	err := readLines(context.Background(), port, func(string) {})
	assert.EqualError(t, err, "device unplugged")
}

func TestReadLines_StopsOnCancelAndDropsPartial(t *testing.T) {
	port := newFakePort()
	port.chunks <- []byte("0713")
	sink := &lineSink{}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- readLines(ctx, port, sink.handle) }()

	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("reader did not stop")
	}
	assert.Empty(t, sink.get())
}

func TestMode(t *testing.T) {
	cfg := serialCfg()
	cfg.BaudRate = 19200
	cfg.DataBits = 7
	cfg.Parity = "E"
	cfg.StopBits = "2"

	mode, err := Mode(cfg)
	require.NoError(t, err)
	assert.Equal(t, 19200, mode.BaudRate)
	assert.Equal(t, 7, mode.DataBits)
	assert.Equal(t, serial.EvenParity, mode.Parity)
	assert.Equal(t, serial.TwoStopBits, mode.StopBits)

	cfg.Parity = "X"
	_, err = Mode(cfg)
	assert.Error(t, err)
}

func TestSupervisor_StartReadsLines(t *testing.T) {
	port := newFakePort()
	sink := &lineSink{}
	s := NewSupervisor(func(config.SerialConfig) (io.ReadCloser, error) { return port, nil }, sink.handle)

	require.NoError(t, s.Start(serialCfg()))
	assert.True(t, s.Running())

	port.chunks <- []byte("071325.4\n")
	require.Eventually(t, func() bool { return len(sink.get()) == 1 }, time.Second, 5*time.Millisecond)

	s.Stop()
	assert.False(t, s.Running())
	assert.True(t, port.isClosed(), "port is closed once the reader exits")
}

func TestSupervisor_DisabledAndInvalid(t *testing.T) {
	opened := 0
	s := NewSupervisor(func(config.SerialConfig) (io.ReadCloser, error) {
		opened++
		return newFakePort(), nil
	}, func(string) {})

	cfg := serialCfg()
	cfg.Enabled = false
	assert.ErrorIs(t, s.Start(cfg), ErrDisabled)

	cfg = serialCfg()
	cfg.DataBits = 9
	assert.Error(t, s.Start(cfg))
	assert.Error(t, s.LastError())

	assert.Equal(t, 0, opened)
	assert.False(t, s.Running())
}

func TestSupervisor_OpenFailure(t *testing.T) {
	s := NewSupervisor(func(config.SerialConfig) (io.ReadCloser, error) {
		return nil, errors.New("no such device")
	}, func(string) {})

	assert.EqualError(t, s.Start(serialCfg()), "no such device")
	assert.False(t, s.Running())
}

func TestSupervisor_RestartSwapsPort(t *testing.T) {
	var (
		mu    sync.Mutex
		ports []*fakePort
		names []string
	)
	s := NewSupervisor(func(cfg config.SerialConfig) (io.ReadCloser, error) {
		mu.Lock()
		defer mu.Unlock()
		p := newFakePort()
		ports = append(ports, p)
		names = append(names, cfg.Port)
		return p, nil
	}, func(string) {})

	require.NoError(t, s.Start(serialCfg()))
	next := serialCfg()
	next.Port = "/dev/ttyUSB1"
	require.NoError(t, s.Restart(next))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, ports, 2)
	assert.True(t, ports[0].isClosed())
	assert.False(t, ports[1].isClosed())
	assert.Equal(t, []string{"/dev/ttyUSB0", "/dev/ttyUSB1"}, names)
	assert.True(t, s.Running())
	s.Stop()
}

func TestSupervisor_LinkErrorEndsContext(t *testing.T) {
	port := newFakePort()
	port.readErr = errors.New("device unplugged")
	s := NewSupervisor(func(config.SerialConfig) (io.ReadCloser, error) { return port, nil }, func(string) {})

	require.NoError(t, s.Start(serialCfg()))
	require.Eventually(t, func() bool { return !s.Running() }, time.Second, 5*time.Millisecond)
	assert.EqualError(t, s.LastError(), "device unplugged")
}

// stuckPort blocks in Read until released, then fails.
type stuckPort struct {
	release chan struct{}
	closed  chan struct{}
	once    sync.Once
}

func (p *stuckPort) Read([]byte) (int, error) {
	<-p.release
	return 0, errors.New("read on stale handle")
}

func (p *stuckPort) Close() error {
	p.once.Do(func() { close(p.closed) })
	return nil
}

func TestSupervisor_AbandonedReaderKeepsNewStatus(t *testing.T) {
	stuck := &stuckPort{release: make(chan struct{}), closed: make(chan struct{})}
	fresh := newFakePort()
	opened := 0
	s := NewSupervisor(func(config.SerialConfig) (io.ReadCloser, error) {
		opened++
		if opened == 1 {
			return stuck, nil
		}
		return fresh, nil
	}, func(string) {})
	s.drain = 10 * time.Millisecond

	require.NoError(t, s.Start(serialCfg()))
	require.NoError(t, s.Restart(serialCfg()))

	close(stuck.release)
	select {
	case <-stuck.closed:
	case <-time.After(time.Second):
		t.Fatal("abandoned reader did not exit")
	}

	assert.NoError(t, s.LastError())
	assert.True(t, s.Running())
	s.Stop()
}
