package featurestore

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// EncodeRow marshals a row for storage. NaN and infinite floats become null,
// timestamps are written in UTC.
func EncodeRow(r Row) ([]byte, error) {
	clean := make(map[string]any, len(r))
	for k, v := range r {
		switch t := v.(type) {
		case float64:
			if math.IsNaN(t) || math.IsInf(t, 0) {
				clean[k] = nil
				continue
			}
		case float32:
			if math.IsNaN(float64(t)) || math.IsInf(float64(t), 0) {
				clean[k] = nil
				continue
			}
		case time.Time:
			clean[k] = t.UTC().Format(time.RFC3339Nano)
			continue
		}
		clean[k] = v
	}
	b, err := json.Marshal(clean)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRows, err)
	}
	return b, nil
}

// DecodeRow is the inverse of EncodeRow. Numbers decode as float64 and
// timestamps stay strings; readers parse them.
func DecodeRow(b []byte) (Row, error) {
	var r Row
	if err := json.Unmarshal(b, &r); err != nil {
		return nil, fmt.Errorf("decoding row: %w", err)
	}
	return r, nil
}

// WriteArtifact stores data as dir/<name>/<version>/<file> and returns the
// directory holding it. Registries use it to implement Download.
func WriteArtifact(dir string, mv ModelVersion, file string, data []byte) (string, error) {
	target := filepath.Join(dir, mv.Name, strconv.Itoa(mv.Version))
	if err := os.MkdirAll(target, 0o755); err != nil {
		return "", fmt.Errorf("creating artifact directory: %w", err)
	}
	if err := os.WriteFile(filepath.Join(target, file), data, 0o644); err != nil {
		return "", fmt.Errorf("writing artifact: %w", err)
	}
	return target, nil
}
