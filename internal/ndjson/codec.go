// Package ndjson encodes and decodes newline-delimited JSON streams,
// the format of the agent's lifecycle event log.
package ndjson

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"sync"
)

// Encoder writes one JSON document per line.
type Encoder struct {
	mu sync.Mutex
	w  io.Writer
}

// NewEncoder creates an NDJSON encoder.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

// Encode marshals v and writes it as a single line.
func (e *Encoder) Encode(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal: %w", err)
	}
	data = append(data, '\n')

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, err := e.w.Write(data); err != nil {
		return fmt.Errorf("failed to write line: %w", err)
	}
	return nil
}

// Decoder reads one JSON document per line.
type Decoder struct {
	scanner *bufio.Scanner
}

// NewDecoder creates an NDJSON decoder. Lines up to 1MB are accepted.
func NewDecoder(r io.Reader) *Decoder {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 4096), 1024*1024)
	return &Decoder{scanner: scanner}
}

// Decode reads the next non-empty line into v. It returns io.EOF when
// the stream ends.
func (d *Decoder) Decode(v any) error {
	for d.scanner.Scan() {
		line := d.scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		if err := json.Unmarshal(line, v); err != nil {
			return fmt.Errorf("failed to unmarshal line: %w", err)
		}
		return nil
	}
	if err := d.scanner.Err(); err != nil {
		return err
	}
	return io.EOF
}
