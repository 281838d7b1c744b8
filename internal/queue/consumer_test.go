package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/screenroast/screenroast/internal/model"
	"github.com/screenroast/screenroast/internal/resilience"
)

// recordingProcessor tracks calls and simulates the store-backed dedup
// check: once an item succeeds it reports an active roast.
type recordingProcessor struct {
	mu        sync.Mutex
	processed map[int64]int
	done      map[int64]bool
	failFor   map[int64]error
}

func newRecordingProcessor() *recordingProcessor {
	return &recordingProcessor{
		processed: map[int64]int{},
		done:      map[int64]bool{},
		failFor:   map[int64]error{},
	}
}

func (p *recordingProcessor) HasActiveRoast(_ context.Context, itemID int64) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.done[itemID], nil
}

func (p *recordingProcessor) ProcessItem(_ context.Context, itemID int64, _ string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.processed[itemID]++
	if err := p.failFor[itemID]; err != nil {
		return err
	}
	p.done[itemID] = true
	return nil
}

func (p *recordingProcessor) count(itemID int64) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.processed[itemID]
}

type memDeadLetters struct {
	mu      sync.Mutex
	entries []resilience.DeadLetter
}

func (m *memDeadLetters) InsertDeadLetter(_ context.Context, entry resilience.DeadLetter) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, entry)
	return nil
}

func (m *memDeadLetters) all() []resilience.DeadLetter {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]resilience.DeadLetter(nil), m.entries...)
}

func startConsumer(t *testing.T, q *Queue, proc Processor, dls DeadLetterStore, maxAttempts, workers int) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	consumer := NewConsumer(q, proc, dls, maxAttempts)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = consumer.Run(ctx, workers)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Error("consumer did not stop")
		}
	})
	// Give the subscription a moment to attach before tests publish.
	time.Sleep(20 * time.Millisecond)
	return cancel
}

func TestConsumerProcessesPublishedItems(t *testing.T) {
	q := New(Config{Topic: "roast.items", DLQTopic: "roast.items.dlq", BatchSize: 2, BufferSize: 16})
	defer q.Close()

	proc := newRecordingProcessor()
	dls := &memDeadLetters{}
	startConsumer(t, q, proc, dls, 3, 2)

	items := []model.Item{
		{ID: 1, Title: "First"},
		{ID: 2, Title: "Second"},
		{ID: 3, Title: "Third"},
	}
	require.NoError(t, q.PublishItems(context.Background(), items, "corr-1"))

	require.Eventually(t, func() bool {
		return proc.count(1) == 1 && proc.count(2) == 1 && proc.count(3) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Empty(t, dls.all())
}

func TestConsumerDedupUnderRedelivery(t *testing.T) {
	q := New(Config{Topic: "roast.items", DLQTopic: "roast.items.dlq", BatchSize: 10, BufferSize: 16})
	defer q.Close()

	proc := newRecordingProcessor()
	dls := &memDeadLetters{}
	startConsumer(t, q, proc, dls, 3, 1)

	item := []model.Item{{ID: 7, Title: "Mud Puddle"}}
	require.NoError(t, q.PublishItems(context.Background(), item, "corr-1"))

	require.Eventually(t, func() bool { return proc.count(7) == 1 }, 2*time.Second, 10*time.Millisecond)

	// Redelivery of the same item after success: the existence check
	// short-circuits, no second pipeline run.
	require.NoError(t, q.PublishItems(context.Background(), item, "corr-2"))
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, proc.count(7))
	assert.Empty(t, dls.all())
}

func TestConsumerRetriesThenDeadLetters(t *testing.T) {
	q := New(Config{Topic: "roast.items", DLQTopic: "roast.items.dlq", BatchSize: 10, BufferSize: 16})
	defer q.Close()

	proc := newRecordingProcessor()
	proc.failFor[9] = errors.New("generation keeps failing")
	dls := &memDeadLetters{}
	startConsumer(t, q, proc, dls, 3, 1)

	require.NoError(t, q.PublishItems(context.Background(), []model.Item{{ID: 9, Title: "Cursed"}}, "corr-1"))

	require.Eventually(t, func() bool { return len(dls.all()) == 1 }, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, 3, proc.count(9))
	entry := dls.all()[0]
	assert.Equal(t, int64(9), entry.ItemID)
	assert.Equal(t, "Cursed", entry.Title)
	assert.Equal(t, "corr-1", entry.CorrelationID)
	assert.Equal(t, 3, entry.Attempts)
	assert.Equal(t, "permanent", entry.ErrorType)
}

func TestConsumerPoisonedMessageDoesNotBlockSiblings(t *testing.T) {
	q := New(Config{Topic: "roast.items", DLQTopic: "roast.items.dlq", BatchSize: 10, BufferSize: 16})
	defer q.Close()

	proc := newRecordingProcessor()
	proc.failFor[1] = errors.New("always fails")
	dls := &memDeadLetters{}
	startConsumer(t, q, proc, dls, 2, 2)

	items := []model.Item{
		{ID: 1, Title: "Poisoned"},
		{ID: 2, Title: "Fine"},
	}
	require.NoError(t, q.PublishItems(context.Background(), items, "corr-1"))

	require.Eventually(t, func() bool {
		return proc.count(2) == 1 && len(dls.all()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int64(1), dls.all()[0].ItemID)
}

func TestConsumerTransientClassification(t *testing.T) {
	q := New(Config{Topic: "roast.items", DLQTopic: "roast.items.dlq", BatchSize: 10, BufferSize: 16})
	defer q.Close()

	proc := newRecordingProcessor()
	proc.failFor[4] = resilience.NewTransientError(errors.New("upstream 503"), 503)
	dls := &memDeadLetters{}
	startConsumer(t, q, proc, dls, 1, 1)

	require.NoError(t, q.PublishItems(context.Background(), []model.Item{{ID: 4, Title: "Flaky"}}, "corr-1"))

	require.Eventually(t, func() bool { return len(dls.all()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "transient", dls.all()[0].ErrorType)
}

func TestMessageRoundTrip(t *testing.T) {
	msg, err := NewMessage(model.Item{ID: 11, Title: "Round Trip"}, "corr-9")
	require.NoError(t, err)

	assert.Equal(t, "corr-9", msg.Metadata.Get(MetaCorrelationID))
	assert.Equal(t, 1, Attempt(msg))

	im, err := DecodeMessage(msg)
	require.NoError(t, err)
	assert.Equal(t, int64(11), im.ItemID)
	assert.Equal(t, "Round Trip", im.Title)
}

func TestDecodeMessageRejectsGarbage(t *testing.T) {
	msg, err := NewMessage(model.Item{ID: 11, Title: "x"}, "c")
	require.NoError(t, err)
	msg.Payload = []byte("not json")

	_, err = DecodeMessage(msg)
	require.Error(t, err)
}
