package ndjson

import (
	"bytes"
	"io"
	"strings"
	"testing"
)

type record struct {
	Account int64  `json:"account"`
	Event   string `json:"event"`
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)

	for _, r := range []record{{1, "launched"}, {2, "stopped"}} {
		if err := enc.Encode(r); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}

	if got := strings.Count(buf.String(), "\n"); got != 2 {
		t.Fatalf("line count = %d, want 2", got)
	}

	dec := NewDecoder(&buf)
	var first, second record
	if err := dec.Decode(&first); err != nil {
		t.Fatalf("decode first: %v", err)
	}
	if err := dec.Decode(&second); err != nil {
		t.Fatalf("decode second: %v", err)
	}
	if first.Event != "launched" || second.Account != 2 {
		t.Errorf("unexpected records: %+v %+v", first, second)
	}

	var extra record
	if err := dec.Decode(&extra); err != io.EOF {
		t.Errorf("expected io.EOF at end of stream, got %v", err)
	}
}

func TestDecodeSkipsBlankLines(t *testing.T) {
	dec := NewDecoder(strings.NewReader("\n\n{\"account\":7,\"event\":\"error\"}\n"))
	var r record
	if err := dec.Decode(&r); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if r.Account != 7 {
		t.Errorf("account = %d, want 7", r.Account)
	}
}

func TestDecodeBadLine(t *testing.T) {
	dec := NewDecoder(strings.NewReader("{not json}\n"))
	var r record
	if err := dec.Decode(&r); err == nil || err == io.EOF {
		t.Errorf("expected unmarshal error, got %v", err)
	}
}
