// Package codec converts a record to and from its stored form: gzip-compressed JSON.
package codec

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"ratings-tracker/internal/domain"

	"github.com/klauspost/compress/gzip"
)

var (
	ErrDecode = errors.New("decode record")
	ErrEncode = errors.New("encode record")
)

// maxDecodedSize caps decompression so a hostile blob cannot exhaust memory.
const maxDecodedSize = 16 << 20

type wireObservation struct {
	Time  uint64  `json:"time"`
	Value float64 `json:"value"`
}

type wireRecord struct {
	Key               string                       `json:"key"`
	DisplayName       string                       `json:"displayName"`
	RatingsByCategory map[string][]wireObservation `json:"ratingsByCategory"`
}

// Encode serializes a record to gzip-compressed JSON.
func Encode(rec domain.Record) ([]byte, error) {
	wire := wireRecord{
		Key:               rec.Key,
		DisplayName:       rec.DisplayName,
		RatingsByCategory: make(map[string][]wireObservation, len(rec.History)),
	}
	for category, obs := range rec.History {
		out := make([]wireObservation, len(obs))
		for i, o := range obs {
			out[i] = wireObservation{Time: o.Time, Value: o.Value}
		}
		wire.RatingsByCategory[category] = out
	}

	raw, err := json.Marshal(wire)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncode, err)
	}

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncode, err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncode, err)
	}
	return buf.Bytes(), nil
}

// Decode reverses Encode. Corrupt or truncated input yields an error wrapping ErrDecode.
func Decode(payload []byte) (domain.Record, error) {
	zr, err := gzip.NewReader(bytes.NewReader(payload))
	if err != nil {
		return domain.Record{}, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	defer zr.Close()

	raw, err := io.ReadAll(io.LimitReader(zr, maxDecodedSize+1))
	if err != nil {
		return domain.Record{}, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if len(raw) > maxDecodedSize {
		return domain.Record{}, fmt.Errorf("%w: payload exceeds %d bytes", ErrDecode, maxDecodedSize)
	}

	var wire wireRecord
	if err := json.Unmarshal(raw, &wire); err != nil {
		return domain.Record{}, fmt.Errorf("%w: %v", ErrDecode, err)
	}

	rec := domain.Record{
		Key:         wire.Key,
		DisplayName: wire.DisplayName,
		History:     make(domain.History, len(wire.RatingsByCategory)),
	}
	for category, obs := range wire.RatingsByCategory {
		if len(obs) == 0 {
			continue
		}
		out := make([]domain.Observation, len(obs))
		for i, o := range obs {
			out[i] = domain.Observation{Time: o.Time, Value: o.Value}
		}
		rec.History[category] = out
	}
	return rec, nil
}
