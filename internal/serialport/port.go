package serialport

import (
	"fmt"
	"io"

	"go.bug.st/serial"

	"mwd-monitor-backend/config"
)

// Opener opens the configured link. Reads on the returned port must honour
// the configured timeout by returning (0, nil) when no data arrives.
type Opener func(cfg config.SerialConfig) (io.ReadCloser, error)

// Open is the Opener for real serial devices.
func Open(cfg config.SerialConfig) (io.ReadCloser, error) {
	mode, err := Mode(cfg)
	if err != nil {
		return nil, err
	}
	port, err := serial.Open(cfg.Port, mode)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", cfg.Port, err)
	}
	if t := cfg.Timeout(); t > 0 {
		if err := port.SetReadTimeout(t); err != nil {
			port.Close()
			return nil, fmt.Errorf("failed to set read timeout on %s: %w", cfg.Port, err)
		}
	}
	return port, nil
}

// Mode converts the configured parameters into a serial.Mode.
func Mode(cfg config.SerialConfig) (*serial.Mode, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	mode := &serial.Mode{
		BaudRate: cfg.BaudRate,
		DataBits: cfg.DataBits,
	}
	switch cfg.Parity {
	case "N":
		mode.Parity = serial.NoParity
	case "E":
		mode.Parity = serial.EvenParity
	case "O":
		mode.Parity = serial.OddParity
	case "M":
		mode.Parity = serial.MarkParity
	case "S":
		mode.Parity = serial.SpaceParity
	}
	switch cfg.StopBits {
	case "1":
		mode.StopBits = serial.OneStopBit
	case "1.5":
		mode.StopBits = serial.OnePointFiveStopBits
	case "2":
		mode.StopBits = serial.TwoStopBits
	}
	return mode, nil
}

// ListPorts returns the serial devices present on this machine.
func ListPorts() ([]string, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, fmt.Errorf("failed to list serial ports: %w", err)
	}
	if ports == nil {
		ports = []string{}
	}
	return ports, nil
}
