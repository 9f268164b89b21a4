package serialmux

import (
	"bytes"
	"errors"
	"strings"
	"sync"
)

var errPortClosed = errors.New("serial port closed")

// TestableSerialPort is an in-memory SerialPorter for tests. Reads drain
// ReadBuffer, writes accumulate in WriteBuffer, and injected errors are
// returned once.
type TestableSerialPort struct {
	mu sync.Mutex

	ReadBuffer  *bytes.Buffer
	WriteBuffer *bytes.Buffer

	// ReadError and WriteError are returned by the next call, then cleared.
	ReadError  error
	WriteError error
	CloseError error

	Closed     bool
	ReadCalls  int
	WriteCalls int

	// BlockReads makes Read wait for AddReadData or Close instead of
	// returning zero bytes.
	BlockReads bool

	readCond *sync.Cond
}

// NewTestableSerialPort returns an empty port with blocking reads, which is
// what a Monitor loop expects from a live dongle.
func NewTestableSerialPort() *TestableSerialPort {
	tsp := &TestableSerialPort{
		ReadBuffer:  bytes.NewBuffer(nil),
		WriteBuffer: bytes.NewBuffer(nil),
		BlockReads:  true,
	}
	tsp.readCond = sync.NewCond(&tsp.mu)
	return tsp
}

func (t *TestableSerialPort) Read(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.ReadCalls++
	if t.Closed {
		return 0, errPortClosed
	}
	if t.ReadError != nil {
		err := t.ReadError
		t.ReadError = nil
		return 0, err
	}
	if t.BlockReads {
		for !t.Closed && t.ReadBuffer.Len() == 0 {
			t.readCond.Wait()
		}
		if t.Closed {
			return 0, errPortClosed
		}
	}
	return t.ReadBuffer.Read(p)
}

func (t *TestableSerialPort) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.WriteCalls++
	if t.Closed {
		return 0, errPortClosed
	}
	if t.WriteError != nil {
		err := t.WriteError
		t.WriteError = nil
		return 0, err
	}
	return t.WriteBuffer.Write(p)
}

func (t *TestableSerialPort) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.Closed = true
	t.readCond.Broadcast()
	return t.CloseError
}

// AddReadData queues data for subsequent reads.
func (t *TestableSerialPort) AddReadData(data []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.ReadBuffer.Write(data)
	t.readCond.Broadcast()
}

// GetWrittenData returns a copy of everything written so far.
func (t *TestableSerialPort) GetWrittenData() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()

	return append([]byte(nil), t.WriteBuffer.Bytes()...)
}

// WrittenLines splits the written data into lines without their newlines.
func (t *TestableSerialPort) WrittenLines() []string {
	data := strings.TrimSuffix(string(t.GetWrittenData()), "\n")
	if data == "" {
		return nil
	}
	return strings.Split(data, "\n")
}

// SetWriteError makes the next Write fail with err.
func (t *TestableSerialPort) SetWriteError(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.WriteError = err
}
