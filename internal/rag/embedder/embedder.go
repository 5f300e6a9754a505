// Package embedder implements the embedding provider client used by the
// embed stage executor, plus a deterministic in-memory embedder for tests.
// Calls to the provider are serialized through a token bucket so a batch of
// documents can't burst past the provider's per-second rate limit.
package embedder

import (
	"context"
	"hash/fnv"
	"math"

	"docpipeline/internal/config"
	"docpipeline/internal/embedding"
	"docpipeline/internal/ratelimit"
)

// Embedder defines the interface for converting text to embedding vectors.
type Embedder interface {
	// EmbedBatch returns one embedding vector per input text, in order:
	// out[i] corresponds to in[i].
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	// Name returns a model identifier string.
	Name() string
	// Dimension returns the embedding dimensionality the provider is
	// declared to produce.
	Dimension() int
	// BatchSize returns the largest number of texts one EmbedBatch call
	// should be given at once; callers doing their own batch-by-batch
	// buffering use this to size each slice.
	BatchSize() int
	// Ping checks if the embedding service is reachable.
	Ping(ctx context.Context) error
}

// clientEmbedder wraps embedding.Client for real embeddings.
type clientEmbedder struct {
	client    *embedding.Client
	model     string
	dim       int
	batchSize int
	limiter   *ratelimit.Bucket
}

// NewClient constructs an embedder that calls the configured embedding
// endpoint, batching up to cfg.BatchMax (default 256) inputs per call and
// rate-limiting calls with a token bucket sized from
// cfg.RateLimitRPS/RateBurst.
func NewClient(cfg config.EmbeddingConfig, dim int) Embedder {
	batchSize := cfg.BatchMax
	if batchSize <= 0 {
		batchSize = 256
	}
	return &clientEmbedder{
		client:    embedding.NewClient(cfg),
		model:     cfg.Model,
		dim:       dim,
		batchSize: batchSize,
		limiter:   ratelimit.NewBucket(cfg.RateLimitRPS, cfg.RateBurst),
	}
}

func (c *clientEmbedder) Name() string   { return c.model }
func (c *clientEmbedder) Dimension() int { return c.dim }
func (c *clientEmbedder) BatchSize() int { return c.batchSize }

func (c *clientEmbedder) Ping(ctx context.Context) error {
	return c.client.Ping(ctx)
}

// EmbedBatch splits texts into provider-sized chunks of at most
// c.batchSize and embeds each in turn; a failure partway through returns
// whatever vectors were already produced alongside the error, so a caller
// that buffers incrementally (as the embed stage does) doesn't lose that
// work.
func (c *clientEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	if len(texts) <= c.batchSize {
		return c.rateLimitedCall(ctx, texts)
	}

	var all [][]float32
	for i := 0; i < len(texts); i += c.batchSize {
		end := i + c.batchSize
		if end > len(texts) {
			end = len(texts)
		}
		embeddings, err := c.rateLimitedCall(ctx, texts[i:end])
		if err != nil {
			return all, err
		}
		all = append(all, embeddings...)
	}
	return all, nil
}

func (c *clientEmbedder) rateLimitedCall(ctx context.Context, texts []string) ([][]float32, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return c.client.Embed(ctx, texts)
}

// deterministicEmbedder is a lightweight, deterministic embedder suitable for tests.
// It hashes byte 3-grams into a fixed-size vector and optionally L2-normalizes.
type deterministicEmbedder struct {
	dim       int
	normalize bool
	seed      uint64
	name      string
}

// NewDeterministic constructs a deterministic embedder with the given dimension.
// If normalize is true, vectors are L2-normalized. Seed perturbs hashing.
func NewDeterministic(dim int, normalize bool, seed uint64) Embedder {
	if dim <= 0 {
		dim = 64
	}
	return &deterministicEmbedder{dim: dim, normalize: normalize, seed: seed, name: "deterministic"}
}

func (d *deterministicEmbedder) Name() string   { return d.name }
func (d *deterministicEmbedder) BatchSize() int { return 256 }
func (d *deterministicEmbedder) Dimension() int { return d.dim }

func (d *deterministicEmbedder) Ping(_ context.Context) error { return nil }

func (d *deterministicEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = d.embedOne(t)
	}
	return out, nil
}

func (d *deterministicEmbedder) embedOne(s string) []float32 {
	v := make([]float32, d.dim)
	if len(s) == 0 {
		return v
	}
	b := []byte(s)
	if len(b) < 3 {
		add(d.seed, b, v)
	} else {
		for i := 0; i <= len(b)-3; i++ {
			add(d.seed, b[i:i+3], v)
		}
	}
	if d.normalize {
		var sum float64
		for _, x := range v {
			sum += float64(x) * float64(x)
		}
		if sum > 0 {
			inv := float32(1.0 / math.Sqrt(sum))
			for i := range v {
				v[i] *= inv
			}
		}
	}
	return v
}

func add(seed uint64, gram []byte, v []float32) {
	h := fnv.New64a()
	if seed != 0 {
		var tmp [8]byte
		for i := 0; i < 8; i++ {
			tmp[i] = byte(seed >> (8 * i))
		}
		_, _ = h.Write(tmp[:])
	}
	_, _ = h.Write(gram)
	hv := h.Sum64()
	idx := int(hv % uint64(len(v)))
	w := float32(int32(hv>>32)) / float32(1<<31)
	v[idx] += w
}
