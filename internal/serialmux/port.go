package serialmux

import (
	"io"
)

// SerialPorter is the minimal interface needed for a serial port. Tests
// substitute in-memory ports for real hardware.
type SerialPorter interface {
	io.ReadWriter
	io.Closer
}
