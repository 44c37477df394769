package telemetry

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Device is one polled sensor unit.
type Device struct {
	Name     string `yaml:"name" json:"name"`
	Endpoint string `yaml:"endpoint" json:"endpoint"`
	Key      string `yaml:"key" json:"-"`
}

// Reading is the latest value of one stream reported by a device.
type Reading struct {
	Created string
	Device  string
	Name    string
	Value   float64
}

// Row holds every reading of one device, in the order the API returned them.
// Time is the creation timestamp of the first stream.
type Row struct {
	Time     string
	Device   string
	Readings []Reading
}

// Values returns the reading values in upstream order.
func (r Row) Values() []float64 {
	values := make([]float64, len(r.Readings))
	for i, reading := range r.Readings {
		values[i] = reading.Value
	}
	return values
}

type streamsResponse struct {
	Streams []stream `json:"streams"`
}

type stream struct {
	Name    string       `json:"name"`
	Created string       `json:"created"`
	Value   *streamValue `json:"value"`
}

// streamValue accepts both JSON numbers and numeric strings.
type streamValue float64

func (v *streamValue) UnmarshalJSON(data []byte) error {
	raw := strings.TrimSpace(string(data))
	if raw == "null" {
		return fmt.Errorf("stream value is null")
	}
	if unquoted, err := strconv.Unquote(raw); err == nil {
		raw = strings.TrimSpace(unquoted)
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return fmt.Errorf("stream value %s is not numeric", string(data))
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return fmt.Errorf("stream value %s is not finite", string(data))
	}
	*v = streamValue(f)
	return nil
}

var _ json.Unmarshaler = (*streamValue)(nil)
