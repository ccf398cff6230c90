package natsutil

import (
	"context"
	"errors"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

func startTestNATS(t *testing.T) *nats.Conn {
	t.Helper()
	srv, err := natsserver.NewServer(&natsserver.Options{Port: -1})
	if err != nil {
		t.Fatal(err)
	}
	srv.Start()
	if !srv.ReadyForConnections(3 * time.Second) {
		t.Fatal("nats not ready")
	}
	nc, err := nats.Connect(srv.ClientURL())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		nc.Close()
		srv.Shutdown()
	})
	return nc
}

type job struct {
	Path string `json:"path"`
}

func TestTracePropagation(t *testing.T) {
	prev := otel.GetTextMapPropagator()
	otel.SetTextMapPropagator(propagation.TraceContext{})
	t.Cleanup(func() { otel.SetTextMapPropagator(prev) })

	nc := startTestNATS(t)
	ch := make(chan *nats.Msg, 1)
	if _, err := nc.ChanSubscribe("test.trace", ch); err != nil {
		t.Fatal(err)
	}

	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    trace.TraceID{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16},
		SpanID:     trace.SpanID{1, 2, 3, 4, 5, 6, 7, 8},
		TraceFlags: trace.FlagsSampled,
		Remote:     true,
	})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)
	if err := Publish(ctx, nc, "test.trace", job{Path: "a.pdf"}); err != nil {
		t.Fatal(err)
	}

	select {
	case msg := <-ch:
		got := trace.SpanContextFromContext(Context(msg))
		if got.TraceID() != sc.TraceID() {
			t.Fatalf("trace id not propagated: %s", got.TraceID())
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout")
	}

	if trace.SpanContextFromContext(Context(&nats.Msg{})).IsValid() {
		t.Fatal("a message without headers has no trace")
	}
}

func TestRetries(t *testing.T) {
	tests := []struct {
		header string
		want   int
	}{
		{"", 0},
		{"2", 2},
		{"x", 0},
		{"-1", 0},
	}
	for _, tt := range tests {
		msg := &nats.Msg{Header: nats.Header{}}
		if tt.header != "" {
			msg.Header.Set(RetryHeader, tt.header)
		}
		if got := Retries(msg); got != tt.want {
			t.Errorf("Retries(%q) = %d, want %d", tt.header, got, tt.want)
		}
	}
	if Retries(&nats.Msg{}) != 0 {
		t.Fatal("nil header should be 0 retries")
	}
}

func TestPublishDecode(t *testing.T) {
	nc := startTestNATS(t)
	ch := make(chan *nats.Msg, 2)
	if _, err := nc.ChanSubscribe("test.sub", ch); err != nil {
		t.Fatal(err)
	}

	if err := Publish(context.Background(), nc, "test.sub", job{Path: "manual.pdf"}); err != nil {
		t.Fatal(err)
	}
	nc.Publish("test.sub", []byte("{bad"))

	for i, want := range []string{"manual.pdf", ""} {
		select {
		case msg := <-ch:
			j, ctx, err := Decode[job](msg)
			if want == "" {
				if err == nil {
					t.Fatal("malformed payload should not decode")
				}
				continue
			}
			if err != nil || j.Path != want || ctx == nil {
				t.Fatalf("message %d: %+v %v", i, j, err)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timeout waiting for message %d", i)
		}
	}

	if err := Publish(context.Background(), nc, "test.sub", func() {}); err == nil {
		t.Fatal("unencodable value should fail")
	}
}

func TestRetry_RepublishesThenDeadLetters(t *testing.T) {
	nc := startTestNATS(t)

	work := make(chan *nats.Msg, 4)
	dead := make(chan *nats.Msg, 1)
	if _, err := nc.ChanSubscribe("test.work", work); err != nil {
		t.Fatal(err)
	}
	if _, err := nc.ChanSubscribe("test.work.dlq", dead); err != nil {
		t.Fatal(err)
	}

	cause := errors.New("store down")
	msg := &nats.Msg{Subject: "test.work", Data: []byte(`{"path":"a.pdf"}`)}
	for want := 1; want < 3; want++ {
		isDead, err := Retry(context.Background(), nc, msg, 3, "test.work.dlq", cause)
		if err != nil || isDead {
			t.Fatalf("retry %d: dead=%v err=%v", want, isDead, err)
		}
		select {
		case msg = <-work:
			if Retries(msg) != want {
				t.Fatalf("expected retry count %d, got %d", want, Retries(msg))
			}
		case <-time.After(2 * time.Second):
			t.Fatal("timeout waiting for republish")
		}
	}

	isDead, err := Retry(context.Background(), nc, msg, 3, "test.work.dlq", cause)
	if err != nil || !isDead {
		t.Fatalf("third failure should dead-letter: dead=%v err=%v", isDead, err)
	}
	select {
	case d := <-dead:
		if d.Header.Get(ErrorHeader) != "store down" || string(d.Data) != `{"path":"a.pdf"}` {
			t.Fatalf("unexpected dlq message %+v", d)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for dlq")
	}
}
