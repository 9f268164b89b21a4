package serialmux

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.bug.st/serial"
)

func TestPortOptions_Normalize(t *testing.T) {
	tests := []struct {
		name    string
		in      PortOptions
		want    PortOptions
		wantErr bool
	}{
		{
			name: "defaults",
			in:   PortOptions{},
			want: PortOptions{BaudRate: DefaultBaudRate, DataBits: 8, StopBits: 1, Parity: "N"},
		},
		{
			name: "negative baud defaults",
			in:   PortOptions{BaudRate: -5},
			want: PortOptions{BaudRate: DefaultBaudRate, DataBits: 8, StopBits: 1, Parity: "N"},
		},
		{
			name: "explicit",
			in:   PortOptions{BaudRate: 9600, DataBits: 7, StopBits: 2, Parity: "even"},
			want: PortOptions{BaudRate: 9600, DataBits: 7, StopBits: 2, Parity: "E"},
		},
		{name: "bad data bits", in: PortOptions{DataBits: 9}, wantErr: true},
		{name: "bad stop bits", in: PortOptions{StopBits: 3}, wantErr: true},
		{name: "bad parity", in: PortOptions{Parity: "mark"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.in.Normalize()
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestPortOptions_SerialMode(t *testing.T) {
	mode, err := PortOptions{StopBits: 2, Parity: "O"}.SerialMode()
	require.NoError(t, err)

	assert.Equal(t, &serial.Mode{
		BaudRate: DefaultBaudRate,
		DataBits: 8,
		StopBits: serial.TwoStopBits,
		Parity:   serial.OddParity,
	}, mode)

	_, err = PortOptions{Parity: "X"}.SerialMode()
	assert.Error(t, err)
}
