package main

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/WessleyAI/driveiq/engine/enginetest"
	"github.com/WessleyAI/driveiq/engine/ingest"
	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
)

func TestRun_Corpus(t *testing.T) {
	env := enginetest.New(t, nil)
	env.AddPDF(t, "manual.pdf", enginetest.OilPage, enginetest.TOCPage)
	env.AddPDF(t, "broken.pdf") // no readable pages

	var out bytes.Buffer
	if err := run(context.Background(), env.App, options{}, &out); err != nil {
		t.Fatal(err)
	}
	var report ingest.Report
	if err := json.Unmarshal(out.Bytes(), &report); err != nil {
		t.Fatalf("decode %q: %v", out.String(), err)
	}
	if len(report.Documents) != 2 || report.Inserted != 2 || report.Topics["maintenance"] == 0 {
		t.Fatalf("unexpected report %+v", report)
	}
}

func TestRun_SingleFile(t *testing.T) {
	env := enginetest.New(t, nil)
	path := env.AddPDF(t, "Civic_QRG.pdf", enginetest.OilPage)

	var out bytes.Buffer
	if err := run(context.Background(), env.App, options{file: path}, &out); err != nil {
		t.Fatal(err)
	}
	var stats ingest.DocumentStats
	if err := json.Unmarshal(out.Bytes(), &stats); err != nil {
		t.Fatal(err)
	}
	if stats.Document != "Civic_QRG.pdf" || stats.DocumentType != ingest.TypeQuickReference || stats.Inserted != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}

	if err := run(context.Background(), env.App, options{file: env.Docs + "/absent.pdf"}, &out); err == nil {
		t.Fatal("expected error for a missing file")
	}
}

func TestRun_Worker(t *testing.T) {
	ns, err := natsserver.NewServer(&natsserver.Options{Port: -1})
	if err != nil {
		t.Fatal(err)
	}
	ns.Start()
	defer ns.Shutdown()
	if !ns.ReadyForConnections(5 * time.Second) {
		t.Fatal("nats not ready")
	}

	cfg := enginetest.Config(t.TempDir())
	cfg.NATS.URL = ns.ClientURL()
	env := enginetest.New(t, cfg)
	path := env.AddPDF(t, "manual.pdf", enginetest.OilPage)

	nc, err := nats.Connect(ns.ClientURL())
	if err != nil {
		t.Fatal(err)
	}
	defer nc.Close()
	done := make(chan *nats.Msg, 1)
	if _, err := nc.ChanSubscribe(ingest.DoneSubject, done); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	exited := make(chan error, 1)
	go func() { exited <- run(ctx, env.App, options{worker: true}, &bytes.Buffer{}) }()

	// The worker subscribes asynchronously; publish until a result arrives.
	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()
	var res ingest.Result
wait:
	for {
		select {
		case msg := <-done:
			if err := json.Unmarshal(msg.Data, &res); err != nil {
				t.Fatal(err)
			}
			break wait
		case <-tick.C:
			if err := ingest.Enqueue(ctx, nc, ingest.Job{Path: path}); err != nil {
				t.Fatal(err)
			}
		case <-deadline:
			t.Fatal("worker never reported a result")
		}
	}
	if res.Error != "" || res.Stats.Inserted != 1 {
		t.Fatalf("unexpected result %+v", res)
	}

	cancel()
	select {
	case err := <-exited:
		if err != nil {
			t.Fatalf("worker exited with %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop")
	}
}
