/*
admin exposes the operational verbs a human operator needs: requeue a
dead-lettered job, force-cancel a document's live jobs, inspect a document's
pipeline state, and sweep orphaned vector-buffer rows. It follows a
single-binary, subcommand-as-first-arg shape, reading DATABASE_DSN via
config.Load.

Usage:

	admin requeue   -job <job_id>
	admin cancel    -document <document_id>
	admin inspect   -document <document_id> [-events N]
	admin sweep-buffers [-older-than 24h]
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"docpipeline/internal/admin"
	"docpipeline/internal/config"
	"docpipeline/internal/events"
	"docpipeline/internal/observability"
	"docpipeline/internal/store"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	sub := os.Args[1]
	args := os.Args[2:]

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	observability.InitLogger(cfg.Obs.LogPath, cfg.Obs.LogLevel)

	ctx := context.Background()
	pool, err := store.OpenPool(ctx, cfg.Database.DSN, cfg.Database.MaxConns, cfg.Database.MinConns)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open database pool: %v\n", err)
		os.Exit(1)
	}
	defer pool.Close()

	st := store.New(pool, events.NewPGWriter(pool))
	a := admin.New(st)

	switch sub {
	case "requeue":
		fs := flag.NewFlagSet("requeue", flag.ExitOnError)
		jobID := fs.String("job", "", "job id to requeue (required)")
		_ = fs.Parse(args)
		id, err := uuid.Parse(*jobID)
		if err != nil {
			fmt.Fprintf(os.Stderr, "invalid -job: %v\n", err)
			os.Exit(2)
		}
		if err := a.Requeue(ctx, id); err != nil {
			fmt.Fprintf(os.Stderr, "requeue: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("requeued job %s\n", id)

	case "cancel":
		fs := flag.NewFlagSet("cancel", flag.ExitOnError)
		docID := fs.String("document", "", "document id to cancel (required)")
		_ = fs.Parse(args)
		id, err := uuid.Parse(*docID)
		if err != nil {
			fmt.Fprintf(os.Stderr, "invalid -document: %v\n", err)
			os.Exit(2)
		}
		if err := a.Cancel(ctx, id); err != nil {
			fmt.Fprintf(os.Stderr, "cancel: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("canceled live jobs for document %s\n", id)

	case "inspect":
		fs := flag.NewFlagSet("inspect", flag.ExitOnError)
		docID := fs.String("document", "", "document id to inspect (required)")
		eventLimit := fs.Int("events", 20, "number of recent events to show")
		_ = fs.Parse(args)
		id, err := uuid.Parse(*docID)
		if err != nil {
			fmt.Fprintf(os.Stderr, "invalid -document: %v\n", err)
			os.Exit(2)
		}
		insp, err := a.Inspect(ctx, id, *eventLimit)
		if err != nil {
			fmt.Fprintf(os.Stderr, "inspect: %v\n", err)
			os.Exit(1)
		}
		printInspection(insp)

	case "sweep-buffers":
		fs := flag.NewFlagSet("sweep-buffers", flag.ExitOnError)
		olderThan := fs.Duration("older-than", 24*time.Hour, "sweep buffer rows older than this")
		_ = fs.Parse(args)
		n, err := a.SweepOrphanedBuffers(ctx, *olderThan)
		if err != nil {
			fmt.Fprintf(os.Stderr, "sweep-buffers: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("swept %d orphaned buffer rows\n", n)

	default:
		usage()
		os.Exit(2)
	}
}

func printInspection(insp admin.Inspection) {
	doc := insp.Document
	fmt.Printf("document %s  owner=%s  file=%s (%s, %d bytes)\n",
		doc.DocumentID, doc.OwnerID, doc.Filename, doc.MimeType, doc.ByteSize)
	if doc.ParsedPath != nil {
		fmt.Printf("  parsed_path=%s parsed_sha256=%s\n", *doc.ParsedPath, valueOr(doc.ParsedSHA256, ""))
	}
	fmt.Printf("chunks: %d (contiguous=%v)\n", insp.ChunkCount, insp.ChunksReady)

	fmt.Println("jobs:")
	for _, j := range insp.Jobs {
		errMsg := ""
		if j.LastError != nil {
			errMsg = fmt.Sprintf(" last_error=%s:%s", j.LastError.Code, j.LastError.Message)
		}
		fmt.Printf("  job=%s stage=%s state=%s retry_count=%d%s\n", j.JobID, j.Stage, j.State, j.RetryCount, errMsg)
	}

	fmt.Println("recent events:")
	for _, e := range insp.RecentEvents {
		fmt.Printf("  [%s] %s %s code=%s corr=%s\n", e.Ts.Format(time.RFC3339), e.Severity, e.Type, e.Code, e.CorrelationID)
	}
}

func valueOr(s *string, def string) string {
	if s == nil {
		return def
	}
	return *s
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: admin <requeue|cancel|inspect|sweep-buffers> [flags]")
}
