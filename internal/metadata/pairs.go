package metadata

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidMetadata is returned for an Upload-Metadata header that cannot be decoded.
var ErrInvalidMetadata = errors.New("invalid upload metadata")

// Pair is one metadata entry.
type Pair struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Pairs is metadata that keeps the order in which keys were supplied.
type Pairs []Pair

// Get returns the value stored under key.
func (p Pairs) Get(key string) (string, bool) {
	for _, kv := range p {
		if kv.Key == key {
			return kv.Value, true
		}
	}
	return "", false
}

// Set replaces the value for key, or appends it when absent.
func (p Pairs) Set(key, value string) Pairs {
	for i, kv := range p {
		if kv.Key == key {
			p[i].Value = value
			return p
		}
	}
	return append(p, Pair{Key: key, Value: value})
}

// Map flattens the pairs for consumers that do not care about order.
func (p Pairs) Map() map[string]string {
	m := make(map[string]string, len(p))
	for _, kv := range p {
		m[kv.Key] = kv.Value
	}
	return m
}

// Header encodes the pairs as an Upload-Metadata header value.
func (p Pairs) Header() string {
	parts := make([]string, 0, len(p))
	for _, kv := range p {
		if kv.Value == "" {
			parts = append(parts, kv.Key)
			continue
		}
		parts = append(parts, kv.Key+" "+base64.StdEncoding.EncodeToString([]byte(kv.Value)))
	}
	return strings.Join(parts, ",")
}

// ParseHeader decodes an Upload-Metadata header value. Keys must be unique
// and may not contain spaces or commas; a key without a value maps to "".
func ParseHeader(header string) (Pairs, error) {
	var pairs Pairs
	if strings.TrimSpace(header) == "" {
		return pairs, nil
	}

	seen := make(map[string]bool)
	for _, element := range strings.Split(header, ",") {
		fields := strings.Fields(element)
		if len(fields) == 0 || len(fields) > 2 {
			return nil, fmt.Errorf("%w: %q", ErrInvalidMetadata, element)
		}

		key := fields[0]
		if seen[key] {
			return nil, fmt.Errorf("%w: duplicate key %q", ErrInvalidMetadata, key)
		}
		seen[key] = true

		var value string
		if len(fields) == 2 {
			decoded, err := base64.StdEncoding.DecodeString(fields[1])
			if err != nil {
				return nil, fmt.Errorf("%w: key %q: %v", ErrInvalidMetadata, key, err)
			}
			value = string(decoded)
		}
		pairs = append(pairs, Pair{Key: key, Value: value})
	}
	return pairs, nil
}
