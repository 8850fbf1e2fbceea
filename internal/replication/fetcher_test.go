package replication

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFetcherFetchByIDs(t *testing.T) {
	makeIDs := func(n int) []string {
		ids := make([]string, n)
		for i := range ids {
			ids[i] = fmt.Sprintf("doc-%03d", i)
		}
		return ids
	}

	t.Run("chunks batched lookups at the fan-in limit", func(t *testing.T) {
		var mu sync.Mutex
		var chunkSizes []int

		f := &Fetcher[string]{
			Lookup: func(ctx context.Context, ids []string) ([]string, error) {
				mu.Lock()
				chunkSizes = append(chunkSizes, len(ids))
				mu.Unlock()
				return ids, nil
			},
		}

		out, err := f.FetchByIDs(context.Background(), makeIDs(25))
		require.NoError(t, err)
		assert.Len(t, out, 25)

		sort.Ints(chunkSizes)
		assert.Equal(t, []int{5, 10, 10}, chunkSizes)
	})

	t.Run("returns nothing for no ids", func(t *testing.T) {
		f := &Fetcher[string]{
			Lookup: func(ctx context.Context, ids []string) ([]string, error) {
				t.Fatal("lookup should not run")
				return nil, nil
			},
		}
		out, err := f.FetchByIDs(context.Background(), nil)
		require.NoError(t, err)
		assert.Empty(t, out)
	})

	t.Run("falls back to single lookups on permission denial", func(t *testing.T) {
		f := &Fetcher[string]{
			Lookup: func(ctx context.Context, ids []string) ([]string, error) {
				return nil, ErrPermissionDenied
			},
			Single: func(ctx context.Context, id string) (string, error) {
				switch id {
				case "doc-001":
					return "", ErrNotFound
				case "doc-002":
					return "", ErrPermissionDenied
				default:
					return id, nil
				}
			},
		}

		_, err := f.FetchByIDs(context.Background(), []string{"doc-000", "doc-002"})
		assert.ErrorIs(t, err, ErrPermissionDenied, "single-lookup denial is fatal")

		out, err := f.FetchByIDs(context.Background(), []string{"doc-000", "doc-001", "doc-003"})
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"doc-000", "doc-003"}, out, "missing ids are discarded")
	})

	t.Run("propagates other batch errors", func(t *testing.T) {
		f := &Fetcher[string]{
			Lookup: func(ctx context.Context, ids []string) ([]string, error) {
				return nil, fmt.Errorf("backend down")
			},
			Single: func(ctx context.Context, id string) (string, error) {
				t.Fatal("no fallback for non-permission errors")
				return "", nil
			},
		}
		_, err := f.FetchByIDs(context.Background(), makeIDs(3))
		assert.EqualError(t, err, "backend down")
	})

	t.Run("parallel mode fetches every chunk", func(t *testing.T) {
		f := &Fetcher[string]{
			Parallel: 4,
			Lookup: func(ctx context.Context, ids []string) ([]string, error) {
				return ids, nil
			},
		}
		ids := makeIDs(37)
		out, err := f.FetchByIDs(context.Background(), ids)
		require.NoError(t, err)
		assert.ElementsMatch(t, ids, out)
	})

	t.Run("parallel mode reports the first failure", func(t *testing.T) {
		f := &Fetcher[string]{
			Parallel: 4,
			Lookup: func(ctx context.Context, ids []string) ([]string, error) {
				if ids[0] == "doc-010" {
					return nil, fmt.Errorf("chunk failed")
				}
				return ids, nil
			},
		}
		_, err := f.FetchByIDs(context.Background(), makeIDs(30))
		assert.EqualError(t, err, "chunk failed")
	})

	t.Run("honors a custom chunk size", func(t *testing.T) {
		var sizes []int
		f := &Fetcher[string]{
			Chunk: 4,
			Lookup: func(ctx context.Context, ids []string) ([]string, error) {
				sizes = append(sizes, len(ids))
				return ids, nil
			},
		}
		_, err := f.FetchByIDs(context.Background(), makeIDs(10))
		require.NoError(t, err)
		assert.Equal(t, []int{4, 4, 2}, sizes)
	})
}
