package core

import (
	"context"
	"sync"
	"time"

	"github.com/oceanbase/memtier-go/pkg/types"
	"github.com/oceanbase/memtier-go/pkg/value"
	"github.com/oceanbase/memtier-go/pkg/worldstate"
)

// AsyncClient runs lifecycle operations in background goroutines.
//
// Every async method returns a channel that receives exactly one result and
// is then closed. Wait blocks until every started operation has finished.
//
// Example:
//
//	asyncClient, _ := core.NewAsyncClient(ctx, config)
//	defer asyncClient.Close()
//
//	resultChan := asyncClient.ConsolidateAsync(ctx, core.ConsolidateOptions{})
//	result := <-resultChan
//	if result.Error != nil {
//	    log.Fatal(result.Error)
//	}
type AsyncClient struct {
	*Client
	wg sync.WaitGroup
}

// NewAsyncClient creates a client whose lifecycle operations can run in the
// background.
//
// Parameters:
//   - ctx: Context for initialization
//   - cfg: Client configuration
//   - opts: Client options
//
// Returns:
//   - *AsyncClient: The asynchronous client instance
//   - error: Error if configuration is invalid or initialization fails
func NewAsyncClient(ctx context.Context, cfg *Config, opts ...Option) (*AsyncClient, error) {
	client, err := NewClient(ctx, cfg, opts...)
	if err != nil {
		return nil, err
	}
	return &AsyncClient{Client: client}, nil
}

// ConsolidateAsync runs Consolidate in a separate goroutine.
func (ac *AsyncClient) ConsolidateAsync(ctx context.Context, opts ConsolidateOptions) <-chan *ConsolidateAsyncResult {
	resultChan := make(chan *ConsolidateAsyncResult, 1)
	ac.wg.Add(1)

	go func() {
		defer ac.wg.Done()
		res, err := ac.Consolidate(ctx, opts)
		resultChan <- &ConsolidateAsyncResult{Result: res, Error: err}
		close(resultChan)
	}()

	return resultChan
}

// RetrieveAsync runs Retrieve in a separate goroutine.
func (ac *AsyncClient) RetrieveAsync(ctx context.Context, ltmID string, ttl *time.Duration) <-chan *RetrieveAsyncResult {
	resultChan := make(chan *RetrieveAsyncResult, 1)
	ac.wg.Add(1)

	go func() {
		defer ac.wg.Done()
		res, err := ac.Retrieve(ctx, ltmID, ttl)
		resultChan <- &RetrieveAsyncResult{Result: res, Error: err}
		close(resultChan)
	}()

	return resultChan
}

// ForgetAsync runs Forget in a separate goroutine.
//
// Returns:
//   - <-chan error: Channel that receives the error (nil if the memory was forgotten)
func (ac *AsyncClient) ForgetAsync(ctx context.Context, ltmID string) <-chan error {
	errChan := make(chan error, 1)
	ac.wg.Add(1)

	go func() {
		defer ac.wg.Done()
		errChan <- ac.Forget(ctx, ltmID)
		close(errChan)
	}()

	return errChan
}

// CreateShortTermAsync runs CreateShortTerm in a separate goroutine.
func (ac *AsyncClient) CreateShortTermAsync(ctx context.Context, content string, md types.Metadata, opts ...ShortTermOption) <-chan *ShortTermResult {
	resultChan := make(chan *ShortTermResult, 1)
	ac.wg.Add(1)

	go func() {
		defer ac.wg.Done()
		rec, err := ac.CreateShortTerm(ctx, content, md, opts...)
		resultChan <- &ShortTermResult{Record: rec, Error: err}
		close(resultChan)
	}()

	return resultChan
}

// UpdateWorldStateAsync runs UpdateWorldState in a separate goroutine.
// Concurrent updates are serialized; each commits its own version.
func (ac *AsyncClient) UpdateWorldStateAsync(ctx context.Context, patch map[string]value.Value) <-chan *WorldStateResult {
	resultChan := make(chan *WorldStateResult, 1)
	ac.wg.Add(1)

	go func() {
		defer ac.wg.Done()
		snap, err := ac.UpdateWorldState(ctx, patch)
		resultChan <- &WorldStateResult{Snapshot: snap, Error: err}
		close(resultChan)
	}()

	return resultChan
}

// Wait waits for all asynchronous operations to complete.
func (ac *AsyncClient) Wait() {
	ac.wg.Wait()
}

// Close waits for pending operations, then closes the underlying client.
func (ac *AsyncClient) Close() error {
	ac.Wait()
	return ac.Client.Close()
}

// ConsolidateAsyncResult contains the result of ConsolidateAsync.
type ConsolidateAsyncResult struct {
	Result *ConsolidateResult
	Error  error
}

// RetrieveAsyncResult contains the result of RetrieveAsync.
type RetrieveAsyncResult struct {
	Result *RetrieveResult
	Error  error
}

// ShortTermResult contains the result of a short-term memory operation.
type ShortTermResult struct {
	// Record is nil if an error occurred.
	Record *types.MemoryRecord
	Error  error
}

// WorldStateResult contains the result of UpdateWorldStateAsync.
type WorldStateResult struct {
	Snapshot worldstate.Snapshot
	Error    error
}
