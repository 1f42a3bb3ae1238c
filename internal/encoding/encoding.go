// Package encoding provides the binary vector codec and JSON metadata
// codec shared by the vector index and metadata store.
package encoding

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
)

// ErrInvalidVector is returned when a vector is nil, malformed, or
// contains a non-finite value.
var ErrInvalidVector = errors.New("invalid vector")

// EncodeVector encodes a float32 vector as a length-prefixed
// little-endian byte sequence.
func EncodeVector(vector []float32) ([]byte, error) {
	if vector == nil {
		return nil, ErrInvalidVector
	}
	buf := new(bytes.Buffer)
	n := len(vector)
	if n > math.MaxInt32 {
		return nil, fmt.Errorf("vector too large: %d elements exceeds maximum", n)
	}
	if err := binary.Write(buf, binary.LittleEndian, int32(n)); err != nil {
		return nil, fmt.Errorf("failed to encode vector length: %w", err)
	}
	for _, v := range vector {
		if err := binary.Write(buf, binary.LittleEndian, v); err != nil {
			return nil, fmt.Errorf("failed to encode vector value: %w", err)
		}
	}
	return buf.Bytes(), nil
}

// DecodeVector reverses EncodeVector.
func DecodeVector(data []byte) ([]float32, error) {
	if len(data) < 4 {
		return nil, ErrInvalidVector
	}
	buf := bytes.NewReader(data)
	var length int32
	if err := binary.Read(buf, binary.LittleEndian, &length); err != nil {
		return nil, fmt.Errorf("failed to decode vector length: %w", err)
	}
	if length < 0 {
		return nil, ErrInvalidVector
	}
	if length == 0 {
		return []float32{}, nil
	}
	if buf.Len() < int(length)*4 {
		return nil, ErrInvalidVector
	}
	vec := make([]float32, length)
	for i := int32(0); i < length; i++ {
		if err := binary.Read(buf, binary.LittleEndian, &vec[i]); err != nil {
			return nil, fmt.Errorf("failed to decode vector value at index %d: %w", i, err)
		}
	}
	return vec, nil
}

// EncodeMetadata marshals a JSON-compatible metadata map to a JSON
// string. A nil map encodes to "".
func EncodeMetadata(metadata map[string]any) (string, error) {
	if metadata == nil {
		return "", nil
	}
	data, err := json.Marshal(metadata)
	if err != nil {
		return "", fmt.Errorf("failed to encode metadata: %w", err)
	}
	return string(data), nil
}

// DecodeMetadata reverses EncodeMetadata. An empty string decodes to nil.
func DecodeMetadata(jsonStr string) (map[string]any, error) {
	if jsonStr == "" {
		return nil, nil
	}
	var metadata map[string]any
	if err := json.Unmarshal([]byte(jsonStr), &metadata); err != nil {
		return nil, fmt.Errorf("failed to decode metadata: %w", err)
	}
	return metadata, nil
}

// ValidateVector rejects nil, empty, or non-finite vectors.
func ValidateVector(vector []float32) error {
	if len(vector) == 0 {
		return ErrInvalidVector
	}
	for _, v := range vector {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return ErrInvalidVector
		}
	}
	return nil
}

// ValidateEmbedding checks that vector is well-formed and matches
// expectedDim, the dimension fixed for the process lifetime (Data Model
// Invariant 5).
func ValidateEmbedding(vector []float32, expectedDim int) error {
	if err := ValidateVector(vector); err != nil {
		return err
	}
	if expectedDim > 0 && len(vector) != expectedDim {
		return fmt.Errorf("%w: expected dimension %d, got %d", ErrInvalidVector, expectedDim, len(vector))
	}
	return nil
}
