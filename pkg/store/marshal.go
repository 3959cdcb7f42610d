package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/itohio/goert/pkg/inject"
	"github.com/itohio/goert/pkg/sample"
)

// nullable maps NaN sentinels to SQL NULL.
func nullable(v float64) any {
	if math.IsNaN(v) {
		return nil
	}
	return v
}

// fromNull maps SQL NULL back to NaN.
func fromNull(v sql.NullFloat64) float64 {
	if !v.Valid {
		return math.NaN()
	}
	return v.Float64
}

func marshalStacks(stacks []inject.StackSample) (string, error) {
	if stacks == nil {
		stacks = []inject.StackSample{}
	}
	data, err := json.Marshal(stacks)
	if err != nil {
		return "", fmt.Errorf("marshal stacks: %w", err)
	}
	return string(data), nil
}

func unmarshalStacks(data string) ([]inject.StackSample, error) {
	var stacks []inject.StackSample
	if err := json.Unmarshal([]byte(data), &stacks); err != nil {
		return nil, fmt.Errorf("unmarshal stacks: %w", err)
	}
	if len(stacks) == 0 {
		return nil, nil
	}
	return stacks, nil
}

func marshalWaveform(points []sample.Point) (string, error) {
	if points == nil {
		points = []sample.Point{}
	}
	data, err := json.Marshal(points)
	if err != nil {
		return "", fmt.Errorf("marshal waveform: %w", err)
	}
	return string(data), nil
}

func unmarshalWaveform(data string) ([]sample.Point, error) {
	var points []sample.Point
	if err := json.Unmarshal([]byte(data), &points); err != nil {
		return nil, fmt.Errorf("unmarshal waveform: %w", err)
	}
	if len(points) == 0 {
		return nil, nil
	}
	return points, nil
}

func fromNanos(ns int64) time.Time {
	return time.Unix(0, ns).UTC()
}
