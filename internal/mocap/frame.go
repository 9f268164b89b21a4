package mocap

import (
	"bufio"
	"bytes"
	"fmt"
	"math"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/spatial/r3"
)

// MarkerFix is one marker in a tracker frame, in millimetres.
type MarkerFix struct {
	Marker     string
	PositionMM r3.Vec
	Occluded   bool
}

// ParseDatagram decodes a tracker frame. Each line is
//
//	marker,x_mm,y_mm,z_mm[,occluded]
//
// where occluded is 0/1 or false/true. Blank lines and lines starting with
// '#' are ignored. NaN and infinite coordinates are rejected.
func ParseDatagram(data []byte) ([]MarkerFix, error) {
	var frame []MarkerFix
	sc := bufio.NewScanner(bytes.NewReader(data))
	for n := 1; sc.Scan(); n++ {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.Split(line, ",")
		if len(parts) != 4 && len(parts) != 5 {
			return nil, fmt.Errorf("line %d: want 4 or 5 fields, got %d", n, len(parts))
		}
		m := MarkerFix{Marker: strings.TrimSpace(parts[0])}
		if m.Marker == "" {
			return nil, fmt.Errorf("line %d: empty marker name", n)
		}
		var xyz [3]float64
		for i := range xyz {
			v, err := strconv.ParseFloat(strings.TrimSpace(parts[i+1]), 64)
			if err != nil {
				return nil, fmt.Errorf("line %d: coordinate %d: %w", n, i, err)
			}
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return nil, fmt.Errorf("line %d: coordinate %d is not finite: %v", n, i, v)
			}
			xyz[i] = v
		}
		m.PositionMM = r3.Vec{X: xyz[0], Y: xyz[1], Z: xyz[2]}
		if len(parts) == 5 {
			occ, err := strconv.ParseBool(strings.TrimSpace(parts[4]))
			if err != nil {
				return nil, fmt.Errorf("line %d: occluded flag: %w", n, err)
			}
			m.Occluded = occ
		}
		frame = append(frame, m)
	}
	return frame, sc.Err()
}

// FormatDatagram encodes a frame in the form ParseDatagram reads.
func FormatDatagram(frame []MarkerFix) []byte {
	var b bytes.Buffer
	for _, m := range frame {
		fmt.Fprintf(&b, "%s,%s,%s,%s", m.Marker,
			strconv.FormatFloat(m.PositionMM.X, 'f', -1, 64),
			strconv.FormatFloat(m.PositionMM.Y, 'f', -1, 64),
			strconv.FormatFloat(m.PositionMM.Z, 'f', -1, 64))
		if m.Occluded {
			b.WriteString(",1")
		}
		b.WriteByte('\n')
	}
	return b.Bytes()
}
