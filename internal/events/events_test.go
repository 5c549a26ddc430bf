package events

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestNewProducer_DriverSelection(t *testing.T) {
	t.Parallel()

	if _, err := NewProducer(ProducerConfig{Driver: "bogus"}); err == nil {
		t.Fatalf("expected error for unknown driver")
	}
	if _, err := NewProducer(ProducerConfig{Driver: "kafka"}); err == nil {
		t.Fatalf("kafka without brokers must fail")
	}
	p, err := NewProducer(ProducerConfig{Driver: "stdio", Writer: &bytes.Buffer{}})
	if err != nil {
		t.Fatalf("stdio producer: %v", err)
	}
	defer p.Close()
}

func TestStdioProducer_WritesLine(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	p, err := NewProducer(ProducerConfig{Driver: "stdio", Writer: &buf})
	if err != nil {
		t.Fatalf("NewProducer: %v", err)
	}
	defer p.Close()

	if err := p.Publish(context.Background(), "updates.published.v1", []byte(`{"a":1}`)); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if got := buf.String(); got != "{\"a\":1}\n" {
		t.Fatalf("got %q", got)
	}
}

func TestEmitPublished(t *testing.T) {
	t.Parallel()

	// Nil producer disables emission.
	if err := EmitPublished(context.Background(), nil, "t", UpdatePublished{}); err != nil {
		t.Fatalf("nil producer: %v", err)
	}

	var buf bytes.Buffer
	p, err := NewProducer(ProducerConfig{Driver: "stdio", Writer: &buf})
	if err != nil {
		t.Fatalf("NewProducer: %v", err)
	}
	defer p.Close()

	ev := UpdatePublished{
		UpdateID:       "0a8c9a74-3f21-4b9a-9d2f-1c6e5b7a8d90",
		RuntimeVersion: "87.0.0",
		Version:        "87.0.1",
		PublishedAt:    time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC),
	}
	if err := EmitPublished(context.Background(), p, "updates.published.v1", ev); err != nil {
		t.Fatalf("EmitPublished: %v", err)
	}

	var got UpdatePublished
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got != ev {
		t.Fatalf("round trip: got %+v want %+v", got, ev)
	}
}

func TestSplitCommaList(t *testing.T) {
	t.Parallel()

	got := SplitCommaList(" a, ,b ,")
	if strings.Join(got, "|") != "a|b" {
		t.Fatalf("got %v", got)
	}
	if SplitCommaList("  ") != nil {
		t.Fatalf("blank input must be nil")
	}
}
