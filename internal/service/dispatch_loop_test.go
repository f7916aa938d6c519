package service

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mailroom/mailroom/config"
	"github.com/mailroom/mailroom/internal/domain"
	"github.com/mailroom/mailroom/pkg/logger"
)

func dispatchFixture(t *testing.T, maxConcurrent int, items []*domain.QueueItem) (*DispatchLoop, *processorFixture) {
	f := newProcessorFixture(t, nil)
	f.queueRepo.claimable = items

	cfg := config.ProcessingConfig{
		PollingInterval:       time.Hour, // ticks driven manually
		BatchSize:             len(items),
		MaxConcurrentWorkers:  maxConcurrent,
		MaxRetryAttempts:      3,
		RetryDelay:            5 * time.Minute,
		MaxProcessingTime:     10 * time.Minute,
		MaxRecipientsPerEmail: 5,
	}

	queueService := NewQueueService(f.queueRepo, f.historyRepo, cfg, logger.NewMockLogger(t))
	loop := NewDispatchLoop(queueService, f.processor, cfg, "worker-1", logger.NewMockLogger(t))
	return loop, f
}

func queueItems(n int) []*domain.QueueItem {
	items := make([]*domain.QueueItem, n)
	for i := range items {
		items[i] = &domain.QueueItem{
			ID:       int64(i + 1),
			QueueID:  fmt.Sprintf("q-%d", i+1),
			ToEmails: "to@example.com",
			Subject:  "s",
			Body:     "b",
		}
	}
	return items
}

func TestTickProcessesWholeBatch(t *testing.T) {
	loop, f := dispatchFixture(t, 3, queueItems(6))

	loop.tick()

	assert.Len(t, f.transport.envelopes, 6)
	assert.Len(t, f.queueRepo.sentQueueIDs, 6)
	assert.Len(t, f.historyRepo.inserted, 6)
}

func TestTickRespectsConcurrencyCap(t *testing.T) {
	loop, f := dispatchFixture(t, 2, queueItems(8))
	f.transport.sendDelay = 20 * time.Millisecond

	loop.tick()

	assert.Len(t, f.transport.envelopes, 8)
	assert.LessOrEqual(t, f.transport.maxInFlight, 2,
		"no more than the configured worker count in flight at once")
	assert.Greater(t, f.transport.maxInFlight, 0)
}

func TestTickWithEmptyQueue(t *testing.T) {
	loop, f := dispatchFixture(t, 2, nil)

	loop.tick()
	assert.Empty(t, f.transport.envelopes)
}

func TestDispatchStartStop(t *testing.T) {
	loop, f := dispatchFixture(t, 2, queueItems(2))

	loop.Start()
	// The startup tick drains the claimable items before Stop returns.
	loop.Stop()
	loop.Stop()

	require.Len(t, f.queueRepo.sentQueueIDs, 2)
}
