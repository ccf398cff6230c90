package ingest

import (
	"context"
	"errors"

	"github.com/WessleyAI/driveiq/pkg/natsutil"
	"github.com/nats-io/nats.go"
)

const (
	// Subject receives Job messages.
	Subject = "driveiq.ingest"
	// DoneSubject receives a Result for every job that finishes.
	DoneSubject = "driveiq.ingest.done"
	// DLQSubject receives jobs that failed MaxRetries times.
	DLQSubject = "driveiq.ingest.dlq"
	// MaxRetries before a job is dead-lettered.
	MaxRetries = 3
)

// Job asks the worker to ingest or remove one document.
type Job struct {
	Path         string `json:"path,omitempty"`
	Document     string `json:"document,omitempty"`
	DocumentType string `json:"document_type,omitempty"`
	Remove       bool   `json:"remove,omitempty"`
}

// Result is published on DoneSubject.
type Result struct {
	Job   Job           `json:"job"`
	Stats DocumentStats `json:"stats"`
	Error string        `json:"error,omitempty"`
}

var errBadJob = errors.New("ingest: job needs a path or a document to remove")

// Handle runs one job.
func (s *Service) Handle(ctx context.Context, job Job) (DocumentStats, error) {
	switch {
	case job.Remove && job.Document != "":
		return DocumentStats{Document: job.Document}, s.Remove(ctx, job.Document)
	case job.Path != "" && !job.Remove:
		return s.IngestFile(ctx, job.Path, job.DocumentType)
	default:
		return DocumentStats{}, errBadJob
	}
}

// StartConsumer subscribes the service to Subject. A failed job is
// republished with an incremented retry header until MaxRetries, then moved to
// DLQSubject. Malformed messages are dropped.
func StartConsumer(nc *nats.Conn, s *Service) (*nats.Subscription, error) {
	log := s.log
	return nc.Subscribe(Subject, func(msg *nats.Msg) {
		job, ctx, err := natsutil.Decode[Job](msg)
		if err != nil {
			log.Error("ingest: malformed job", "error", err)
			return
		}

		stats, err := s.Handle(ctx, job)
		res := Result{Job: job, Stats: stats}
		done := true
		switch {
		case errors.Is(err, errBadJob):
			log.Error("ingest: rejected job", "job", job)
			res.Error = err.Error()
		case err != nil:
			dead, perr := natsutil.Retry(ctx, nc, msg, MaxRetries, DLQSubject, err)
			log.Error("ingest: job failed",
				"path", job.Path,
				"retry", natsutil.Retries(msg)+1,
				"dead_lettered", dead,
				"error", err,
			)
			if perr != nil {
				log.Error("ingest: republish failed", "error", perr)
			}
			res.Error = err.Error()
			done = dead
		default:
			log.Info("ingest: job done", "document", stats.Document, "inserted", stats.Inserted)
		}

		if done {
			if err := natsutil.Publish(ctx, nc, DoneSubject, res); err != nil {
				log.Warn("ingest: publish result", "error", err)
			}
		}
		if msg.Reply != "" {
			_ = msg.Ack()
		}
	})
}

// Enqueue publishes a job for a running consumer.
func Enqueue(ctx context.Context, nc *nats.Conn, job Job) error {
	return natsutil.Publish(ctx, nc, Subject, job)
}
