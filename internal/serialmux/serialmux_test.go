package serialmux

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSerialMux(t *testing.T) {
	port := NewTestableSerialPort()
	mux := NewSerialMux(port)

	require.NotNil(t, mux)
	assert.Same(t, port, mux.port)
	assert.NotNil(t, mux.subscribers)
}

func TestSerialMux_SubscribeUnsubscribe(t *testing.T) {
	mux := NewSerialMux(NewTestableSerialPort())

	id1, ch1 := mux.Subscribe()
	id2, _ := mux.Subscribe()
	assert.NotEqual(t, id1, id2)
	assert.Len(t, mux.subscribers, 2)

	mux.Unsubscribe(id1)
	_, ok := <-ch1
	assert.False(t, ok, "unsubscribed channel must be closed")
	assert.Len(t, mux.subscribers, 1)

	// Unknown IDs are ignored.
	mux.Unsubscribe("non-existent-id")
}

func TestSerialMux_SendCommand(t *testing.T) {
	port := NewTestableSerialPort()
	mux := NewSerialMux(port)

	require.NoError(t, mux.SendCommand("setpoint stop"))
	require.NoError(t, mux.SendCommand("param get deck.bcFlow2\n"))

	assert.Equal(t, []string{"setpoint stop", "param get deck.bcFlow2"}, port.WrittenLines())
}

func TestSerialMux_SendCommand_WriteError(t *testing.T) {
	port := NewTestableSerialPort()
	mux := NewSerialMux(port)
	port.SetWriteError(errors.New("usb unplugged"))

	assert.Error(t, mux.SendCommand("setpoint stop"))
	assert.NoError(t, mux.SendCommand("setpoint stop"), "injected errors fire once")
}

// partialWritePort accepts at most maxWrite bytes per call.
type partialWritePort struct {
	maxWrite int
}

func (p *partialWritePort) Read([]byte) (int, error) { return 0, io.EOF }
func (p *partialWritePort) Close() error             { return nil }
func (p *partialWritePort) Write(data []byte) (int, error) {
	if len(data) > p.maxWrite {
		return p.maxWrite, nil
	}
	return len(data), nil
}

func TestSerialMux_SendCommand_PartialWrite(t *testing.T) {
	mux := NewSerialMux(&partialWritePort{maxWrite: 1})

	err := mux.SendCommand("setpoint stop")

	assert.ErrorIs(t, err, ErrWriteFailed)
}

func TestSerialMux_SendAfterClose(t *testing.T) {
	mux := NewSerialMux(NewTestableSerialPort())
	require.NoError(t, mux.Close())

	assert.ErrorIs(t, mux.SendCommand("setpoint stop"), ErrClosed)
}

func TestSerialMux_MonitorFansOut(t *testing.T) {
	port := NewTestableSerialPort()
	mux := NewSerialMux(port)
	_, ch1 := mux.Subscribe()
	_, ch2 := mux.Subscribe()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- mux.Monitor(ctx) }()

	port.AddReadData([]byte("log range.zrange=512\r\n\nparam deck.bcFlow2=1\n"))

	for _, ch := range []chan string{ch1, ch2} {
		for _, want := range []string{"log range.zrange=512", "param deck.bcFlow2=1"} {
			select {
			case got := <-ch:
				assert.Equal(t, want, got)
			case <-time.After(time.Second):
				t.Fatalf("timed out waiting for %q", want)
			}
		}
	}

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Monitor did not exit after cancel")
	}
	mux.Close()
}

func TestSerialMux_MonitorReadError(t *testing.T) {
	port := NewTestableSerialPort()
	port.ReadError = errors.New("device reset")
	mux := NewSerialMux(port)

	err := mux.Monitor(context.Background())

	assert.EqualError(t, err, "device reset")
}

func TestSerialMux_CloseStopsMonitor(t *testing.T) {
	port := NewTestableSerialPort()
	mux := NewSerialMux(port)
	_, ch := mux.Subscribe()

	done := make(chan error, 1)
	go func() { done <- mux.Monitor(context.Background()) }()

	port.AddReadData([]byte("log range.zrange=10\n"))
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for first line")
	}

	require.NoError(t, mux.Close())
	_, ok := <-ch
	assert.False(t, ok)

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Monitor did not exit after Close")
	}
	assert.True(t, port.Closed)
}

func TestSerialMux_AttachAdminRoutes(t *testing.T) {
	mux := NewSerialMux(NewTestableSerialPort())
	httpMux := http.NewServeMux()
	mux.AttachAdminRoutesWithPrefix(httpMux, "cf-01/")

	// tsweb guards debug routes; unauthorised requests get 403, unknown
	// routes 404.
	for _, path := range []string{"/debug/cf-01/send-command", "/debug/cf-01/tail"} {
		req := httptest.NewRequest(http.MethodGet, path, strings.NewReader(""))
		w := httptest.NewRecorder()
		httpMux.ServeHTTP(w, req)
		assert.NotEqual(t, http.StatusNotFound, w.Code, path)
	}
}

func TestRandomID(t *testing.T) {
	ids := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := randomID()
		assert.Len(t, id, 16)
		assert.False(t, ids[id], "duplicate id %s", id)
		ids[id] = true
	}
}

func TestClassifyPayload(t *testing.T) {
	tests := map[string]string{
		"log range.zrange=812":  EventTypeLog,
		"param deck.bcFlow2=1":  EventTypeParam,
		"console battery ok":    EventTypeConsole,
		"  log range.zrange=1 ": EventTypeLog,
		"logrange":              EventTypeUnknown,
		"":                      EventTypeUnknown,
	}
	for in, want := range tests {
		assert.Equal(t, want, ClassifyPayload(in), in)
	}
}
