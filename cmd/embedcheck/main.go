// Command embedcheck is a small diagnostic CLI that pings the configured
// embedding provider: a one-shot health check an operator runs before
// trusting a freshly deployed EMBED_BASE_URL/EMBED_API_KEY pair.
// With -text it also round-trips one embedding call through
// rag/embedder.Embedder and prints the resulting vector as JSON to stdout,
// logging a warning first when its length differs from EMBED_DIMENSIONS.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"io"
	"log"
	"os"
	"time"

	"docpipeline/internal/config"
	"docpipeline/internal/rag/embedder"
)

func main() {
	log.SetFlags(0)
	var (
		model = flag.String("model", "", "override model")
		text  = flag.String("text", "", "also embed this text and print the vector (use -stdin to read from STDIN)")
		stdin = flag.Bool("stdin", false, "read entire STDIN as the text to embed")
	)
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if *model != "" {
		cfg.Embedding.Model = *model
	}
	if cfg.Embedding.APIKey == "" {
		log.Fatal("EMBED_API_KEY not set (set in .env, environment, or config.yaml)")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Embedding.Timeout)*time.Second)
	defer cancel()

	client := embedder.NewClient(cfg.Embedding, cfg.Embedding.Dimensions)

	if err := client.Ping(ctx); err != nil {
		log.Fatalf("embedding provider unreachable: %v", err)
	}
	log.Printf("embedding provider reachable: model=%s dimension=%d", client.Name(), client.Dimension())

	input := *text
	if *stdin {
		b, err := io.ReadAll(os.Stdin)
		if err != nil {
			log.Fatalf("read stdin: %v", err)
		}
		input = string(b)
	}
	if input == "" {
		return
	}

	vecs, err := client.EmbedBatch(ctx, []string{input})
	if err != nil {
		log.Fatalf("embed: %v", err)
	}
	if len(vecs) != 1 {
		log.Fatalf("expected 1 vector, got %d", len(vecs))
	}
	if len(vecs[0]) != cfg.Embedding.Dimensions {
		log.Printf("warning: vector length %d != configured EMBED_DIMENSIONS %d", len(vecs[0]), cfg.Embedding.Dimensions)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(vecs[0]); err != nil {
		log.Fatalf("encode: %v", err)
	}
}
