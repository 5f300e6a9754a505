package worker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"docpipeline/internal/pipeline"
	"docpipeline/internal/queue"
)

func TestNew_AppliesDefaults(t *testing.T) {
	q := &queue.Queue{WorkerID: "w1", LeaseTTL: 90 * time.Second}
	r := New(nil, q, &pipeline.Deps{}, Config{})

	require.Equal(t, 4, r.Config.Concurrency)
	require.Equal(t, 8, r.Config.BatchN)
	require.Equal(t, time.Second, r.Config.PollInterval)
	require.Equal(t, 30*time.Second, r.Config.HeartbeatEvery)
	require.Equal(t, 90*time.Second, r.Config.ShutdownGrace)
	require.NotEmpty(t, r.Config.Hostname)
}

func TestNew_PreservesExplicitConfig(t *testing.T) {
	q := &queue.Queue{WorkerID: "w1", LeaseTTL: time.Minute}
	cfg := Config{
		Concurrency:    10,
		BatchN:         50,
		PollInterval:   2 * time.Second,
		HeartbeatEvery: 5 * time.Second,
		ShutdownGrace:  20 * time.Second,
		Hostname:       "box-1",
		Version:        "v1.2.3",
	}
	r := New(nil, q, &pipeline.Deps{}, cfg)

	require.Equal(t, cfg, r.Config)
}
