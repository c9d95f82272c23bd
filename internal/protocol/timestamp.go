package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"time"
)

// Timestamp is a wall-clock instant that arrives either as epoch milliseconds
// or as an RFC 3339 string. Numeric records which form was used.
type Timestamp struct {
	Time    time.Time
	Numeric bool
}

func Millis(t time.Time) int64 {
	return t.UnixMilli()
}

func FromMillis(ms int64) Timestamp {
	return Timestamp{Time: time.UnixMilli(ms), Numeric: true}
}

func FromTime(t time.Time) Timestamp {
	return Timestamp{Time: t.UTC()}
}

func (t Timestamp) IsZero() bool {
	return t.Time.IsZero()
}

func (t Timestamp) Millis() int64 {
	return t.Time.UnixMilli()
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	if t.Numeric {
		return json.Marshal(t.Time.UnixMilli())
	}
	return json.Marshal(t.Time.UTC().Format(time.RFC3339Nano))
}

func (t *Timestamp) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*t = Timestamp{}
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		if s == "" {
			*t = Timestamp{}
			return nil
		}
		parsed, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			// naive isoformat without offset is UTC on the server
			parsed, err = time.Parse("2006-01-02T15:04:05.999999999", s)
			if err != nil {
				return fmt.Errorf("timestamp %q: %w", s, err)
			}
		}
		*t = Timestamp{Time: parsed}
		return nil
	}
	var ms float64
	if err := json.Unmarshal(data, &ms); err != nil {
		return fmt.Errorf("timestamp: %w", err)
	}
	if math.IsNaN(ms) || math.IsInf(ms, 0) {
		return fmt.Errorf("timestamp: not finite")
	}
	*t = Timestamp{Time: time.UnixMilli(int64(ms)), Numeric: true}
	return nil
}
