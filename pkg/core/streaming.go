package core

import (
	"context"
	"sync"

	"github.com/oceanbase/memtier-go/pkg/durable"
	"github.com/oceanbase/memtier-go/pkg/types"
)

// StreamingLongTermResult contains a batch of long-term memories.
type StreamingLongTermResult struct {
	// Memories is a batch of matching memories.
	Memories []*types.ConsolidatedMemory

	// BatchIndex is the index of this batch (0-based).
	BatchIndex int

	// IsLastBatch indicates whether this is the last batch.
	IsLastBatch bool

	// Error contains any error that occurred during streaming (if any).
	Error error
}

// SearchLongTermStream pages through the long-term memories matching
// filter, batchSize at a time.
//
// filter.Limit caps the total number of results (0 means all) and
// filter.Offset is where streaming starts. The channel is closed after the
// last batch or the first error.
//
// Example:
//
//	resultChan := client.SearchLongTermStream(ctx, durable.Filter{Category: "fact"}, 100)
//	for result := range resultChan {
//	    if result.Error != nil {
//	        log.Fatal(result.Error)
//	    }
//	    for _, mem := range result.Memories {
//	        process(mem)
//	    }
//	}
func (c *Client) SearchLongTermStream(ctx context.Context, filter durable.Filter, batchSize int) <-chan *StreamingLongTermResult {
	resultChan := make(chan *StreamingLongTermResult, 1)

	go func() {
		defer close(resultChan)

		if batchSize <= 0 {
			resultChan <- &StreamingLongTermResult{
				Error: wrap("SearchLongTermStream", types.Errorf(ErrValidation, "batch size must be positive")),
			}
			return
		}

		maxResults := filter.Limit
		start := filter.Offset
		offset := start
		batchIndex := 0

		for {
			select {
			case <-ctx.Done():
				resultChan <- &StreamingLongTermResult{
					BatchIndex: batchIndex,
					Error:      wrap("SearchLongTermStream", ctx.Err()),
				}
				return
			default:
			}

			page := filter
			page.Offset = offset
			page.Limit = batchSize
			if maxResults > 0 {
				remaining := maxResults - (offset - start)
				if remaining <= 0 {
					return
				}
				if remaining < batchSize {
					page.Limit = remaining
				}
			}

			memories, err := c.SearchLongTerm(ctx, page, 0)
			if err != nil {
				resultChan <- &StreamingLongTermResult{BatchIndex: batchIndex, Error: err}
				return
			}

			offset += len(memories)
			isLastBatch := len(memories) < page.Limit ||
				(maxResults > 0 && offset-start >= maxResults)
			if len(memories) == 0 && batchIndex > 0 {
				return
			}

			resultChan <- &StreamingLongTermResult{
				Memories:    memories,
				BatchIndex:  batchIndex,
				IsLastBatch: isLastBatch,
			}
			batchIndex++

			if isLastBatch {
				return
			}
		}
	}()

	return resultChan
}

// ShortTermInput is one item of BatchCreateShortTerm.
type ShortTermInput struct {
	Content  string
	Metadata types.Metadata
	Options  []ShortTermOption
}

// BatchCreateResult contains the result of a batch create operation.
type BatchCreateResult struct {
	// Created contains the created records in input order.
	Created []*types.MemoryRecord

	// Failed contains the inputs that could not be created.
	Failed []BatchCreateError

	Total        int
	CreatedCount int
	FailedCount  int
}

// BatchCreateError contains information about a failed item.
type BatchCreateError struct {
	// Index is the index of the item in the original batch.
	Index int
	Error error
}

// BatchCreateShortTerm creates many short-term memories concurrently.
//
// A failing item does not stop the others; each one is reported in Failed
// with its index.
//
// Example:
//
//	result, _ := client.BatchCreateShortTerm(ctx, []core.ShortTermInput{
//	    {Content: "User likes Go", Metadata: types.Metadata{Importance: 6}},
//	    {Content: "Meeting at 3pm", Metadata: types.Metadata{Category: "event"}},
//	})
//	fmt.Printf("Created %d/%d memories\n", result.CreatedCount, result.Total)
func (c *Client) BatchCreateShortTerm(ctx context.Context, items []ShortTermInput) (*BatchCreateResult, error) {
	result := &BatchCreateResult{Total: len(items)}
	if len(items) == 0 {
		return result, nil
	}

	created := make([]*types.MemoryRecord, len(items))
	errs := make([]error, len(items))

	const maxConcurrency = 10
	sem := make(chan struct{}, maxConcurrency)
	var wg sync.WaitGroup

	for i, item := range items {
		wg.Add(1)
		sem <- struct{}{}

		go func(index int, in ShortTermInput) {
			defer wg.Done()
			defer func() { <-sem }()

			if err := ctx.Err(); err != nil {
				errs[index] = wrap("BatchCreateShortTerm", err)
				return
			}
			created[index], errs[index] = c.CreateShortTerm(ctx, in.Content, in.Metadata, in.Options...)
		}(i, item)
	}
	wg.Wait()

	for i := range items {
		if errs[i] != nil {
			result.Failed = append(result.Failed, BatchCreateError{Index: i, Error: errs[i]})
			result.FailedCount++
			continue
		}
		result.Created = append(result.Created, created[i])
		result.CreatedCount++
	}
	return result, nil
}
