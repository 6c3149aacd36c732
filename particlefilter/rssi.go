package particlefilter

import (
	"fmt"
	"math"
)

const (
	maxRssiStrength = 200  // dB
	maxRssiRange    = 1000 // metres
	maxRssiFactor   = 100
)

// RssiModel converts between received signal strength and range with a
// log-distance path-loss model. Strength is the loss above the 1 m reference,
// |dBm| - TxPower. Ranges are centimetres internally and metres at the API.
//
// The filter itself scores RSSI as a fixed proximity band; adapters use the
// model to drop readings too weak to mean "near".
type RssiModel struct {
	TxPower   float64 // |dBm| received at 1 m
	Factor    float64 // path-loss exponent
	Adjust    float64 // strength offset
	MaxRssi   int     // weakest strength accepted as proximity
	NearRange float64 // metres
	ranges    []int
}

// NewRssiModel builds a model accepting readings up to nearRange metres.
func NewRssiModel(txPower, factor, adjust, nearRange float64) (*RssiModel, error) {
	if !finite(txPower, factor, adjust, nearRange) {
		return nil, fmt.Errorf("%w: non-finite rssi model parameter", ErrInvalidConfig)
	}
	if factor <= 0 || factor > maxRssiFactor {
		return nil, fmt.Errorf("%w: rssi factor must be in (0,%d], got %g", ErrInvalidConfig, maxRssiFactor, factor)
	}
	if nearRange <= 0 {
		return nil, fmt.Errorf("%w: rssi near range must be positive, got %g", ErrInvalidConfig, nearRange)
	}
	if math.Abs(adjust) > maxRssiStrength || nearRange > maxRssiRange {
		return nil, fmt.Errorf("%w: rssi model out of range (adjust %g, near range %g)", ErrInvalidConfig, adjust, nearRange)
	}
	m := &RssiModel{TxPower: txPower, Factor: factor, Adjust: adjust, NearRange: nearRange}
	m.MaxRssi = m.range2rssi(int(math.Round(nearRange * 100)))
	n := m.MaxRssi + int(math.Abs(m.Adjust)) + 1
	if n < 1 || n > 2*maxRssiStrength+1 {
		return nil, fmt.Errorf("%w: rssi factor %g gives threshold %d", ErrInvalidConfig, factor, m.MaxRssi)
	}
	m.ranges = make([]int, n)
	for i := range m.ranges {
		m.ranges[i] = m.rssi2rangeRaw(i - int(m.Adjust))
	}
	return m, nil
}

func (m *RssiModel) range2rssi(cm int) int {
	if cm <= 100 {
		return -int(m.Adjust)
	}
	return int(math.Ceil(math.Log10(float64(cm)*0.01)*10.0*m.Factor - m.Adjust))
}

func (m *RssiModel) rssi2rangeRaw(strength int) int {
	val := float64(strength) + m.Adjust
	if val < 0 {
		return 100
	}
	return int(math.Round(100.0 * math.Pow(10.0, val/(10.0*m.Factor))))
}

// Range returns the model range in metres for a dBm reading.
func (m *RssiModel) Range(dbm int) float64 {
	s := m.strength(dbm)
	idx := s + int(m.Adjust)
	if idx >= 0 && idx < len(m.ranges) {
		return float64(m.ranges[idx]) / 100
	}
	return float64(m.rssi2rangeRaw(s)) / 100
}

// Near reports whether a dBm reading is strong enough to count as a
// proximity observation.
func (m *RssiModel) Near(dbm int) bool {
	return m.strength(dbm) <= m.MaxRssi
}

func (m *RssiModel) strength(dbm int) int {
	return StrengthFromDbm(dbm) - int(math.Round(m.TxPower))
}

// StrengthFromDbm converts signed dBm to a positive strength.
func StrengthFromDbm(dbm int) int {
	if dbm >= 0 {
		return dbm
	}
	return -dbm
}
