package app

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/cuongbtq/index-queue/internal/batch"
	"github.com/cuongbtq/index-queue/internal/config"
	"github.com/cuongbtq/index-queue/internal/testutil"
	"github.com/cuongbtq/index-queue/internal/worker"
	"github.com/cuongbtq/index-queue/internal/worker/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() *config.Config {
	return &config.Config{
		Worker: config.WorkerConfig{
			Concurrency:    3,
			StaleThreshold: 10 * time.Minute,
			Cooldown:       time.Hour,
			MaxAttempts:    2,
		},
		Backoff: config.BackoffConfig{Base: time.Second, Max: time.Minute},
		Provider: config.ProviderConfig{
			BaseURL:           "http://127.0.0.1:1/v1",
			Model:             "nomic-embed-text",
			RequestsPerSecond: 2,
		},
	}
}

func TestInitRabbitMQ_Disabled(t *testing.T) {
	client, err := InitRabbitMQ(context.Background(), &config.RabbitMQConfig{Enabled: false}, testutil.DiscardLogger())
	require.NoError(t, err)
	assert.Nil(t, client)
}

func TestInitLogger(t *testing.T) {
	l, err := InitLogger(&config.LoggingConfig{Level: "debug", Format: "json", Output: "stderr"})
	require.NoError(t, err)
	require.NotNil(t, l)
	assert.NoError(t, l.Close())
}

func TestBuildQueue(t *testing.T) {
	db := testutil.NewTestDB(t)
	ctx := context.Background()

	q := BuildQueue(testConfig(), db, testutil.DiscardLogger(), "test")

	assert.Equal(t, 3, q.Pool.Size())
	assert.Equal(t, []domain.JobType{domain.JobTypeEmbedChunk, domain.JobTypeEmbedSnippet}, q.Registry.Types())
	assert.Equal(t, []string{batch.LegacyChunkBatch}, q.Batches.Names())
	assert.Contains(t, DescribeQueue(q), "runners=3")

	// Jobs of an unregistered type fail and dead-letter at the configured ceiling
	id, err := q.Storage.Enqueue(ctx, domain.EnqueueParams{
		JobType: domain.JobTypeRegenerateSitemap,
		Payload: json.RawMessage(`{}`),
	})
	require.NoError(t, err)

	resp, err := q.Trigger.Run(ctx, worker.TriggerRequest{Limit: 1})
	require.NoError(t, err)
	assert.False(t, resp.CooldownActive)
	assert.Equal(t, 1, resp.Failed)

	// The hour-long cooldown now gates non-bypass runs
	resp, err = q.Trigger.Run(ctx, worker.TriggerRequest{Limit: 1})
	require.NoError(t, err)
	assert.True(t, resp.CooldownActive)

	job, err := q.Storage.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusQueued, job.Status)
	assert.Equal(t, 1, job.Attempts)
	assert.Equal(t, 2, job.MaxAttempts)
}
