package pipeline

import (
	"context"
	"runtime"
	"sync"
	"time"

	"fjacquet/sms-ledger/internal/logging"
	"fjacquet/sms-ledger/internal/models"
)

// DefaultSequentialThreshold is the batch size below which messages are
// ingested one after another.
const DefaultSequentialThreshold = 8

// ingestFunc ingests one message.
type ingestFunc func(ctx context.Context, msg models.Message) (Outcome, error)

// indexedResult preserves the position of a message in its batch.
type indexedResult struct {
	index   int
	outcome Outcome
	err     error
}

// indexedMessage carries a message with its position in the batch.
type indexedMessage struct {
	index int
	msg   models.Message
}

// concurrentProcessor ingests a batch, in parallel when the batch is large
// enough to pay for the workers.
type concurrentProcessor struct {
	logger      logging.Logger
	workerCount int
	threshold   int
}

func newConcurrentProcessor(workers, threshold int, logger logging.Logger) *concurrentProcessor {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	if threshold <= 0 {
		threshold = DefaultSequentialThreshold
	}
	return &concurrentProcessor{
		logger:      logging.OrDiscard(logger),
		workerCount: workers,
		threshold:   threshold,
	}
}

// process returns one result per message, in input order. Messages not
// started before ctx ends carry ctx.Err().
func (cp *concurrentProcessor) process(ctx context.Context, msgs []models.Message, fn ingestFunc) []indexedResult {
	if len(msgs) < cp.threshold || cp.workerCount == 1 {
		return cp.processSequential(ctx, msgs, fn)
	}
	return cp.processConcurrent(ctx, msgs, fn)
}

func (cp *concurrentProcessor) processSequential(ctx context.Context, msgs []models.Message, fn ingestFunc) []indexedResult {
	results := make([]indexedResult, len(msgs))
	for i, msg := range msgs {
		results[i] = run(ctx, i, msg, fn)
	}
	return results
}

func (cp *concurrentProcessor) processConcurrent(ctx context.Context, msgs []models.Message, fn ingestFunc) []indexedResult {
	start := time.Now()
	workers := cp.workerCount
	if workers > len(msgs) {
		workers = len(msgs)
	}

	msgChan := make(chan indexedMessage, workers)
	resultChan := make(chan indexedResult, len(msgs))

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go cp.worker(ctx, &wg, msgChan, resultChan, fn)
	}

	go func() {
		defer close(msgChan)
		for i := range msgs {
			msgChan <- indexedMessage{index: i, msg: msgs[i]}
		}
	}()

	go func() {
		wg.Wait()
		close(resultChan)
	}()

	results := make([]indexedResult, len(msgs))
	for r := range resultChan {
		results[r.index] = r
	}

	cp.logger.Debug("Concurrent ingestion completed",
		logging.F(logging.FieldCount, len(msgs)),
		logging.F("workers", workers),
		logging.F(logging.FieldDuration, time.Since(start).Milliseconds()))
	return results
}

// worker drains msgChan. Every message receives a result, so a cancelled
// batch still accounts for each message.
func (cp *concurrentProcessor) worker(ctx context.Context, wg *sync.WaitGroup, msgChan <-chan indexedMessage, resultChan chan<- indexedResult, fn ingestFunc) {
	defer wg.Done()
	for m := range msgChan {
		resultChan <- run(ctx, m.index, m.msg, fn)
	}
}

func run(ctx context.Context, index int, msg models.Message, fn ingestFunc) indexedResult {
	if err := ctx.Err(); err != nil {
		return indexedResult{index: index, err: err}
	}
	outcome, err := fn(ctx, msg)
	return indexedResult{index: index, outcome: outcome, err: err}
}
