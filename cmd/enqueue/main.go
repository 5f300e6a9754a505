// Command enqueue submits one local file into the pipeline the same way the
// upload API would: it deduplicates the document, obtains a presigned upload
// URL, PUTs the raw bytes to it, and optionally polls the job's status until
// it settles. Useful for smoke-testing a deployment without standing up the
// API in front of it.
//
// Usage:
//
//	enqueue -owner <owner_id> -file <path> [-mime application/pdf] [-wait]
package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"docpipeline/internal/config"
	"docpipeline/internal/events"
	"docpipeline/internal/identity"
	"docpipeline/internal/ingest"
	"docpipeline/internal/objectstore"
	"docpipeline/internal/observability"
	"docpipeline/internal/store"
)

func main() {
	log.SetFlags(0)
	var (
		owner    = flag.String("owner", "", "owner id the document belongs to (required)")
		file     = flag.String("file", "", "path of the file to upload (required)")
		mimeType = flag.String("mime", "application/pdf", "MIME type of the file")
		wait     = flag.Bool("wait", false, "poll job status until it reaches a terminal state")
		every    = flag.Duration("every", 2*time.Second, "poll interval with -wait")
	)
	flag.Parse()
	if *owner == "" || *file == "" {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	observability.InitLogger(cfg.Obs.LogPath, cfg.Obs.LogLevel)

	data, err := os.ReadFile(*file)
	if err != nil {
		log.Fatalf("read %s: %v", *file, err)
	}

	ctx := context.Background()
	pool, err := store.OpenPool(ctx, cfg.Database.DSN, cfg.Database.MaxConns, cfg.Database.MinConns)
	if err != nil {
		log.Fatalf("open database pool: %v", err)
	}
	defer pool.Close()
	st := store.New(pool, events.NewPGWriter(pool))

	rawStore, err := objectstore.NewS3Store(ctx, cfg.Blob.Raw)
	if err != nil {
		log.Fatalf("open raw object store: %v", err)
	}

	svc := &ingest.Service{
		Store:               st,
		Presigner:           rawStore,
		SignedURLTTL:        cfg.Blob.Raw.SignedURLTTL,
		MaxInFlightPerOwner: cfg.Queue.MaxInFlightOwner,
	}

	res, err := svc.EnqueueUpload(ctx, ingest.EnqueueRequest{
		OwnerID:    *owner,
		Filename:   filepath.Base(*file),
		MimeType:   *mimeType,
		ByteSize:   int64(len(data)),
		FileSHA256: identity.SHA256Hex(data),
	})
	if err != nil {
		log.Fatalf("enqueue: %v", err)
	}
	fmt.Printf("document_id=%s job_id=%s correlation_id=%s\n", res.DocumentID, res.JobID, res.CorrelationID)

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, res.UploadURL, bytes.NewReader(data))
	if err != nil {
		log.Fatalf("build upload request: %v", err)
	}
	req.Header.Set("Content-Type", *mimeType)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		log.Fatalf("upload raw bytes: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		log.Fatalf("upload raw bytes: %s", resp.Status)
	}
	fmt.Printf("uploaded %d bytes\n", len(data))

	if !*wait {
		return
	}
	for {
		status, err := svc.GetJob(ctx, res.JobID, *owner)
		if err != nil {
			log.Fatalf("get job: %v", err)
		}
		line := fmt.Sprintf("stage=%s state=%s progress=%d%% retries=%d",
			status.Stage, status.State, status.ProgressPercent, status.RetryCount)
		if status.LastError != nil {
			line += fmt.Sprintf(" last_error=%s:%s", status.LastError.Code, status.LastError.Message)
		}
		fmt.Println(line)
		if status.State == store.StateDone || status.State == store.StateDeadletter {
			return
		}
		time.Sleep(*every)
	}
}
