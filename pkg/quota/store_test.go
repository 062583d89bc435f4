package quota

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pario-ai/copydesk/pkg/history"
	"github.com/pario-ai/copydesk/pkg/models"
)

func TestSaveSharesFileWithHistory(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "copydesk.db")

	h, err := history.New(dbPath, 30, nil)
	require.NoError(t, err)
	defer h.Close()
	store, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	start := time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)

	var (
		wg       sync.WaitGroup
		failures atomic.Int64
		firstErr atomic.Value
	)
	fail := func(err error) {
		failures.Add(1)
		firstErr.CompareAndSwap(nil, err.Error())
	}
	for g := 0; g < 20; g++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				err := h.Record(ctx, models.HistoryEntry{
					RequestID:   fmt.Sprintf("req-%d-%d", g, i),
					Fingerprint: "fp",
					Kind:        "description",
					ProductName: "Lamp",
					Model:       "gpt-4o",
					Status:      "ok",
					CreatedAt:   start,
				})
				if err != nil {
					fail(err)
				}
			}
		}()
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				err := store.Save(ctx, models.UsageCounters{
					Day:         "2025-03-10",
					WindowStart: start,
					Requests:    int64(g*50 + i),
				})
				if err != nil {
					fail(err)
				}
			}
		}()
	}
	wg.Wait()

	assert.Zero(t, failures.Load(), "first error: %v", firstErr.Load())

	entries, err := h.Query(ctx, models.HistoryQueryOpts{Limit: 2000})
	require.NoError(t, err)
	assert.Len(t, entries, 1000)

	_, ok, err := store.Latest(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
}
