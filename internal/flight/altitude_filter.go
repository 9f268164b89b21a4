package flight

// initialCovariance seeds the error covariance of a fresh AltitudeFilter.
const initialCovariance = 1.0

// AltitudeFilter is a scalar Kalman filter for a range sensor reading a
// locally constant altitude. Q and R are fixed at construction and must both
// be positive, which keeps the gain in (0, 1) and the covariance positive.
type AltitudeFilter struct {
	x float64
	p float64
	q float64
	r float64
}

// NewAltitudeFilter returns a filter seeded at initial with process variance
// q and measurement variance r.
func NewAltitudeFilter(q, r, initial float64) *AltitudeFilter {
	return &AltitudeFilter{x: initial, p: initialCovariance, q: q, r: r}
}

// Update folds one measurement into the estimate and returns the new estimate.
func (f *AltitudeFilter) Update(measurement float64) float64 {
	f.p += f.q
	k := f.p / (f.p + f.r)
	f.x += k * (measurement - f.x)
	f.p *= 1 - k
	return f.x
}

// Estimate returns the current altitude estimate.
func (f *AltitudeFilter) Estimate() float64 { return f.x }

// Covariance returns the current error covariance.
func (f *AltitudeFilter) Covariance() float64 { return f.p }
