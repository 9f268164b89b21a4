package sim

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/swarmflight/internal/radio"
	"github.com/banshee-data/swarmflight/internal/serialmux"
)

func startLink(t *testing.T, port *Port) *radio.Link {
	t.Helper()
	mux := serialmux.NewSerialMux(port)
	ctx, cancel := context.WithCancel(context.Background())
	go mux.Monitor(ctx)
	t.Cleanup(func() {
		cancel()
		mux.Close()
	})
	link := radio.NewLink("sim", mux)
	go link.Listen(ctx)
	return link
}

func TestPort_DrivesVehicleOverRadioLink(t *testing.T) {
	vehicle := NewVehicle("cf1", r3.Vec{Z: 0.5}, nil)
	link := startLink(t, NewPort(vehicle))

	require.NoError(t, link.Initialize(context.Background(), time.Second))
	require.Eventually(t, func() bool { return link.Samples() > 0 }, time.Second, 5*time.Millisecond)
	assert.InDelta(t, 0.5, link.LatestAltitude(), 0.01)

	require.NoError(t, link.SendVelocity(0.1, 0, 0, 0))
	require.Eventually(t, func() bool { return vehicle.Commands() == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, r3.Vec{X: 0.1}, vehicle.Velocity())

	require.NoError(t, link.SendStop())
	require.Eventually(t, func() bool { return vehicle.Stops() == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, r3.Vec{}, vehicle.Velocity())
}

func TestPort_ReportsMissingFlowDeck(t *testing.T) {
	port := NewPort(NewVehicle("cf1", r3.Vec{}, nil))
	port.SetFlowDeck(false)
	link := startLink(t, port)

	err := link.Initialize(context.Background(), time.Second)

	assert.ErrorIs(t, err, radio.ErrNoFlowDeck)
}

func TestPort_SplitWrites(t *testing.T) {
	vehicle := NewVehicle("cf1", r3.Vec{}, nil)
	port := NewPort(vehicle)
	defer port.Close()

	_, err := port.Write([]byte("setpoint vel 0.1 0"))
	require.NoError(t, err)
	assert.Equal(t, 0, vehicle.Commands())

	_, err = port.Write([]byte(" 0 0\r\nsetpoint stop\n"))
	require.NoError(t, err)
	assert.Equal(t, 1, vehicle.Commands())
	assert.Equal(t, 1, vehicle.Stops())
}

func TestPort_WriteAfterClose(t *testing.T) {
	port := NewPort(NewVehicle("cf1", r3.Vec{}, nil))
	require.NoError(t, port.Close())
	require.NoError(t, port.Close())

	_, err := port.Write([]byte("setpoint stop\n"))
	assert.Error(t, err)
}
