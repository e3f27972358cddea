package serialmux

import (
	"fmt"

	"go.bug.st/serial"
)

// OpenPort opens a real serial device with the given options.
func OpenPort(path string, opts PortOptions) (SerialPorter, error) {
	mode, err := opts.SerialMode()
	if err != nil {
		return nil, err
	}
	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, fmt.Errorf("open serial port %s: %w", path, err)
	}
	return port, nil
}

// Open opens path through opener and wraps the port in a SerialMux. A nil
// opener uses OpenPort.
func Open(path string, opts PortOptions, opener PortOpener) (*SerialMux[SerialPorter], error) {
	if opener == nil {
		opener = OpenPort
	}
	port, err := opener(path, opts)
	if err != nil {
		return nil, err
	}
	return NewSerialMux(port), nil
}
