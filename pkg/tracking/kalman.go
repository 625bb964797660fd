// Package tracking smooths per-marker distance measurements.
package tracking

import "sync"

// Default filter parameters, tuned for ArUco distance noise at ~30 fps.
const (
	DefaultMeasurementNoise = 0.1  // R
	DefaultProcessNoise     = 1e-5 // Q
)

// Kalman is a scalar Kalman filter with unit state-transition and
// observation coefficients. Call Predict then Update once per observation.
type Kalman struct {
	r, q float64
	x    float64 // estimate
	p    float64 // error covariance
}

// NewKalman returns a filter with x=0 and P=1.
func NewKalman(measurementNoise, processNoise float64) *Kalman {
	return &Kalman{r: measurementNoise, q: processNoise, x: 0, p: 1}
}

// Predict advances the estimate and inflates the covariance by Q.
func (k *Kalman) Predict() float64 {
	k.p += k.q
	return k.x
}

// Update folds measurement z into the estimate and returns it.
func (k *Kalman) Update(z float64) float64 {
	gain := k.p / (k.p + k.r)
	k.x += gain * (z - k.x)
	k.p *= 1 - gain
	return k.x
}

// Estimate returns the current estimate.
func (k *Kalman) Estimate() float64 { return k.x }

// Covariance returns the current error covariance.
func (k *Kalman) Covariance() float64 { return k.p }

// MarkerFilters owns one Kalman filter per marker id. Filters are created on
// first observation and never removed; cardinality is bounded by the number
// of physical markers.
type MarkerFilters struct {
	r, q float64

	mu      sync.Mutex
	filters map[int]*Kalman
}

// NewMarkerFilters creates an empty registry using the given noise parameters.
func NewMarkerFilters(measurementNoise, processNoise float64) *MarkerFilters {
	return &MarkerFilters{
		r:       measurementNoise,
		q:       processNoise,
		filters: make(map[int]*Kalman),
	}
}

// Observe runs one predict/update cycle for the marker and returns the
// filtered distance.
func (m *MarkerFilters) Observe(markerID int, measured float64) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	kf, ok := m.filters[markerID]
	if !ok {
		kf = NewKalman(m.r, m.q)
		m.filters[markerID] = kf
	}
	kf.Predict()
	return kf.Update(measured)
}

// Estimate returns the filtered distance for a marker, if it has been seen.
func (m *MarkerFilters) Estimate(markerID int) (float64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kf, ok := m.filters[markerID]
	if !ok {
		return 0, false
	}
	return kf.Estimate(), true
}

// Len returns the number of markers observed so far.
func (m *MarkerFilters) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.filters)
}

// Reading is a smoothed distance to one marker, published while moving.
type Reading struct {
	MarkerID int     `json:"marker_id"`
	Distance float64 `json:"distance"`
}
