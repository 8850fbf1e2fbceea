package replication

import (
	"context"
	"errors"
	"sync"
)

// FanInLimit is the maximum number of ids a single batched lookup may carry.
const FanInLimit = 10

var (
	// ErrNotFound is reported by single lookups for ids with no document.
	// Missing documents are a normal state during push (new documents), so
	// the fetcher swallows it.
	ErrNotFound = errors.New("document not found")

	// ErrPermissionDenied is reported by batched lookups when per-document
	// access rules reject the batch as a whole.
	ErrPermissionDenied = errors.New("permission denied")
)

// BatchLookup fetches documents for up to FanInLimit ids in one call.
type BatchLookup[T any] func(ctx context.Context, ids []string) ([]T, error)

// SingleLookup fetches one document, returning ErrNotFound when absent.
type SingleLookup[T any] func(ctx context.Context, id string) (T, error)

// Fetcher retrieves documents by id in fan-in-limited chunks. A chunk that
// fails with ErrPermissionDenied is retried one id at a time, discarding ids
// that do not resolve; missing ids never fail the fetch.
type Fetcher[T any] struct {
	Chunk    int // ids per batched lookup; defaults to FanInLimit
	Parallel int // concurrent chunk lookups; <= 1 means sequential (required for tx-bound lookups)
	Lookup   BatchLookup[T]
	Single   SingleLookup[T]
}

// FetchByIDs fetches every id that resolves to a document. The result carries
// no duplicates (assuming distinct input ids) and no particular order.
func (f *Fetcher[T]) FetchByIDs(ctx context.Context, ids []string) ([]T, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	chunkSize := f.Chunk
	if chunkSize <= 0 {
		chunkSize = FanInLimit
	}

	var chunks [][]string
	for start := 0; start < len(ids); start += chunkSize {
		end := start + chunkSize
		if end > len(ids) {
			end = len(ids)
		}
		chunks = append(chunks, ids[start:end])
	}

	if f.Parallel <= 1 || len(chunks) == 1 {
		var out []T
		for _, chunk := range chunks {
			docs, err := f.fetchChunk(ctx, chunk)
			if err != nil {
				return nil, err
			}
			out = append(out, docs...)
		}
		return out, nil
	}

	var (
		mu       sync.Mutex
		wg       sync.WaitGroup
		out      []T
		firstErr error
	)
	sem := make(chan struct{}, f.Parallel)
	for _, chunk := range chunks {
		wg.Add(1)
		sem <- struct{}{}
		go func(chunk []string) {
			defer wg.Done()
			defer func() { <-sem }()

			docs, err := f.fetchChunk(ctx, chunk)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if firstErr == nil {
					firstErr = err
				}
				return
			}
			out = append(out, docs...)
		}(chunk)
	}
	wg.Wait()

	if firstErr != nil {
		return nil, firstErr
	}
	return out, nil
}

func (f *Fetcher[T]) fetchChunk(ctx context.Context, ids []string) ([]T, error) {
	docs, err := f.Lookup(ctx, ids)
	if err == nil {
		return docs, nil
	}
	if !errors.Is(err, ErrPermissionDenied) || f.Single == nil {
		return nil, err
	}

	// Per-document access rules can reject a batch containing ids the caller
	// does not own or that do not exist. Retry one by one and keep what
	// resolves.
	var out []T
	for _, id := range ids {
		doc, err := f.Single(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, doc)
	}
	return out, nil
}
