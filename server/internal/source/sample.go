package source

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/obsidianstack/vigil/pkg/types"
)

// ErrInvalidSample is returned for sample payloads that fail validation.
var ErrInvalidSample = errors.New("source: invalid sample")

// wireSample is the JSON shape of one pushed sample.
type wireSample struct {
	MetricID  string            `json:"metric_id"`
	Labels    map[string]string `json:"labels"`
	Timestamp *float64          `json:"timestamp"`
	Value     *float64          `json:"value"`
}

// ParseSamples decodes a single JSON sample or an array of samples. Any
// invalid entry rejects the whole body with an error wrapping ErrInvalidSample.
func ParseSamples(body []byte) ([]types.MetricSample, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("%w: empty body", ErrInvalidSample)
	}

	var wire []wireSample
	switch trimmed[0] {
	case '[':
		if err := json.Unmarshal(trimmed, &wire); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidSample, err)
		}
	case '{':
		var one wireSample
		if err := json.Unmarshal(trimmed, &one); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidSample, err)
		}
		wire = []wireSample{one}
	default:
		return nil, fmt.Errorf("%w: expected a JSON object or array", ErrInvalidSample)
	}

	out := make([]types.MetricSample, 0, len(wire))
	for i, w := range wire {
		s, err := w.toSample()
		if err != nil {
			return nil, fmt.Errorf("sample %d: %w", i, err)
		}
		out = append(out, s)
	}
	return out, nil
}

func (w wireSample) toSample() (types.MetricSample, error) {
	if w.MetricID == "" {
		return types.MetricSample{}, fmt.Errorf("%w: metric_id is required", ErrInvalidSample)
	}
	if w.Timestamp == nil || *w.Timestamp <= 0 {
		return types.MetricSample{}, fmt.Errorf("%w: timestamp is required", ErrInvalidSample)
	}
	if w.Value == nil {
		return types.MetricSample{}, fmt.Errorf("%w: value is required", ErrInvalidSample)
	}
	if math.IsNaN(*w.Value) || math.IsInf(*w.Value, 0) {
		return types.MetricSample{}, fmt.Errorf("%w: value must be finite", ErrInvalidSample)
	}
	return types.MetricSample{
		MetricID:  w.MetricID,
		Labels:    types.Labels(w.Labels).Clone(),
		Timestamp: FromEpochSeconds(*w.Timestamp),
		Value:     *w.Value,
	}, nil
}

// FromEpochSeconds converts fractional epoch seconds to a UTC time rounded to
// the millisecond.
func FromEpochSeconds(sec float64) time.Time {
	ms := int64(math.Round(sec * 1000))
	return time.UnixMilli(ms).UTC()
}
