package serialmux

import "io"

// SerialPorter is the minimal port a SerialMux needs. Real dongles, the
// simulated vehicle port and test doubles all satisfy it.
type SerialPorter interface {
	io.ReadWriter
	io.Closer
}
