package tracing

import (
	"context"
	"testing"
)

func TestInitTracerDisabled(t *testing.T) {
	p, err := InitTracer(context.Background(), Config{}, nil)
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	if p.Tracer() == nil {
		t.Fatalf("expected a tracer")
	}
	_, span := p.Tracer().Start(context.Background(), "noop")
	span.End()
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestInitTracerRequiresEndpoint(t *testing.T) {
	if _, err := InitTracer(context.Background(), Config{Enabled: true}, nil); err == nil {
		t.Fatalf("expected error without endpoint")
	}
}

func TestSplitEndpoint(t *testing.T) {
	cases := []struct {
		in       string
		endpoint string
		insecure bool
	}{
		{"localhost:4318", "localhost:4318", true},
		{"http://collector:4318", "collector:4318", true},
		{"https://collector:4318", "collector:4318", false},
	}
	for _, tc := range cases {
		endpoint, insecure := splitEndpoint(tc.in)
		if endpoint != tc.endpoint || insecure != tc.insecure {
			t.Fatalf("%s: got %s/%v", tc.in, endpoint, insecure)
		}
	}
}

func TestNilProviderShutdown(t *testing.T) {
	var p *Provider
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("expected nil provider shutdown to succeed, got %v", err)
	}
}
