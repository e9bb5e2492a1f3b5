package robot

import (
	"encoding/json"
	"fmt"
	"os"
)

// MotorCalibration holds calibration data for a single motor.
type MotorCalibration struct {
	ID           int `json:"id"`
	DriveMode    int `json:"drive_mode"`
	HomingOffset int `json:"homing_offset"`
	RangeMin     int `json:"range_min"`
	RangeMax     int `json:"range_max"`
}

// Calibration holds calibration data for all motors, keyed by motor name.
type Calibration map[MotorName]MotorCalibration

// LoadCalibration loads calibration data from a JSON file.
func LoadCalibration(path string) (Calibration, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read calibration file: %w", err)
	}

	// Parse into a map with string keys first
	var raw map[string]MotorCalibration
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse calibration JSON: %w", err)
	}

	// Convert to Calibration with MotorName keys
	cal := make(Calibration, len(raw))
	for name, mc := range raw {
		cal[MotorName(name)] = mc
	}

	return cal, nil
}

// Offset is the raw encoder value that maps to normalized zero.
func (c MotorCalibration) Offset() float64 {
	return float64(c.RangeMin+c.RangeMax) / 2
}

// Scale converts raw encoder ticks to normalized units.
func (c MotorCalibration) Scale() float64 {
	rangeSize := float64(c.RangeMax - c.RangeMin)
	if rangeSize == 0 {
		return 0
	}
	return 2 / rangeSize
}

// Normalize converts a raw servo position to a normalized value in [-1, 1].
// The midpoint of the calibrated range maps to 0 and the extremes to ±1;
// readings outside the recorded range are clamped.
func (c MotorCalibration) Normalize(raw int) float64 {
	norm := (float64(raw) - c.Offset()) * c.Scale()
	if c.DriveMode != 0 {
		norm = -norm
	}
	if norm < -1 {
		return -1
	}
	if norm > 1 {
		return 1
	}
	return norm
}

// Denormalize converts a normalized value [-1, 1] to a raw servo position.
func (c MotorCalibration) Denormalize(norm float64) int {
	if norm < -1 {
		norm = -1
	} else if norm > 1 {
		norm = 1
	}
	if c.DriveMode != 0 {
		norm = -norm
	}
	scale := c.Scale()
	if scale == 0 {
		return c.RangeMin
	}
	return int(norm/scale + c.Offset())
}

// MotorIDs returns the servo IDs for all motors in the calibration.
func (c Calibration) MotorIDs() []int {
	ids := make([]int, 0, len(c))
	// Use AllMotors() to ensure consistent ordering
	for _, name := range AllMotors() {
		if mc, ok := c[name]; ok {
			ids = append(ids, mc.ID)
		}
	}
	return ids
}

// ByID returns motor name and calibration for a given servo ID.
func (c Calibration) ByID(id int) (MotorName, MotorCalibration, bool) {
	for name, mc := range c {
		if mc.ID == id {
			return name, mc, true
		}
	}
	return "", MotorCalibration{}, false
}
