package serialmux

import (
	"fmt"
	"io"

	"go.bug.st/serial"
)

// Port is the byte stream to a sensor bridge: a serial device, a pipe fed
// by the mock line source, or a FakePort in tests.
type Port interface {
	io.ReadWriteCloser
}

// DefaultBaudRate is the rate the sensor bridge firmware ships with.
const DefaultBaudRate = 115200

// OpenFunc opens the device at path.
type OpenFunc func(path string, opts PortOptions) (Port, error)

// OpenSerial opens a real device with go.bug.st/serial.
func OpenSerial(path string, opts PortOptions) (Port, error) {
	mode, err := opts.SerialMode()
	if err != nil {
		return nil, err
	}
	return serial.Open(path, mode)
}

// OpenBridge opens path with open (OpenSerial when nil) and wraps the port.
func OpenBridge(open OpenFunc, path string, opts PortOptions) (*Bridge[Port], error) {
	if open == nil {
		open = OpenSerial
	}
	port, err := open(path, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open sensor bridge %s: %w", path, err)
	}
	return NewBridge(port, nil), nil
}
