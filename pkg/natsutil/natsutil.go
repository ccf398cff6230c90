// Package natsutil carries JSON payloads and trace context over NATS and
// implements header-counted redelivery with a dead-letter subject.
package natsutil

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

const (
	// RetryHeader counts redeliveries made by Retry.
	RetryHeader = "X-Retry-Count"
	// ErrorHeader holds the last failure of a dead-lettered message.
	ErrorHeader = "X-Error"
)

// carrier exposes msg headers to the OTel propagator, allocating them on
// first write.
func carrier(msg *nats.Msg) propagation.HeaderCarrier {
	if msg.Header == nil {
		msg.Header = nats.Header{}
	}
	return propagation.HeaderCarrier(http.Header(msg.Header))
}

func inject(ctx context.Context, msg *nats.Msg) *nats.Msg {
	otel.GetTextMapPropagator().Inject(ctx, carrier(msg))
	return msg
}

// Publish sends v as JSON on subject with the trace context of ctx.
func Publish(ctx context.Context, nc *nats.Conn, subject string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("natsutil: encode %s: %w", subject, err)
	}
	return nc.PublishMsg(inject(ctx, &nats.Msg{Subject: subject, Data: data}))
}

// Decode unmarshals msg into a T and returns it with a context carrying the
// sender's trace.
func Decode[T any](msg *nats.Msg) (T, context.Context, error) {
	var v T
	if err := json.Unmarshal(msg.Data, &v); err != nil {
		return v, nil, fmt.Errorf("natsutil: decode %s: %w", msg.Subject, err)
	}
	return v, Context(msg), nil
}

// Context returns a background context carrying the trace found in msg.
func Context(msg *nats.Msg) context.Context {
	ctx := context.Background()
	if msg.Header == nil {
		return ctx
	}
	return otel.GetTextMapPropagator().Extract(ctx, propagation.HeaderCarrier(http.Header(msg.Header)))
}

// Retries is the redelivery count recorded on msg. Missing or malformed
// headers count as zero.
func Retries(msg *nats.Msg) int {
	if msg.Header == nil {
		return 0
	}
	n, err := strconv.Atoi(msg.Header.Get(RetryHeader))
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// Retry redelivers a failed message. While fewer than maxRetries attempts
// have failed the payload goes back to its own subject with RetryHeader
// incremented; otherwise it goes to dlq with cause in ErrorHeader. The result
// reports whether the message was dead-lettered.
func Retry(ctx context.Context, nc *nats.Conn, msg *nats.Msg, maxRetries int, dlq string, cause error) (bool, error) {
	attempt := Retries(msg) + 1
	out := &nats.Msg{Subject: msg.Subject, Data: msg.Data, Header: nats.Header{}}
	out.Header.Set(RetryHeader, strconv.Itoa(attempt))
	dead := attempt >= maxRetries
	if dead {
		out.Subject = dlq
		if cause != nil {
			out.Header.Set(ErrorHeader, cause.Error())
		}
	}
	return dead, nc.PublishMsg(inject(ctx, out))
}
