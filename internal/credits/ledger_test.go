package credits

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shehryarbajwa/webgrab/internal/storage"
)

func newTestLedger(t *testing.T) *SQLiteLedger {
	t.Helper()

	db, err := storage.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	return NewSQLiteLedger(db)
}

func TestUnknownUserHasZeroBalance(t *testing.T) {
	l := newTestLedger(t)

	balance, err := l.Balance(context.Background(), "nobody")
	require.NoError(t, err)
	assert.Zero(t, balance)
}

func TestGrantThenDeduct(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	balance, err := l.Grant(ctx, "u1", 10, "signup")
	require.NoError(t, err)
	assert.EqualValues(t, 10, balance)

	balance, err = l.Deduct(ctx, "u1", 3, "json", map[string]any{"url": "https://example.com/"})
	require.NoError(t, err)
	assert.EqualValues(t, 7, balance)

	got, err := l.Balance(ctx, "u1")
	require.NoError(t, err)
	assert.EqualValues(t, 7, got)

	txs, err := l.Transactions(ctx, "u1", 10)
	require.NoError(t, err)
	require.Len(t, txs, 2)
	assert.EqualValues(t, -3, txs[0].Delta)
	assert.EqualValues(t, 7, txs[0].BalanceAfter)
	assert.Equal(t, "https://example.com/", txs[0].Metadata["url"])
	assert.EqualValues(t, 10, txs[1].Delta)
}

func TestDeductNeverGoesNegative(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	_, err := l.Grant(ctx, "u1", 1, "test")
	require.NoError(t, err)

	_, err = l.Deduct(ctx, "u1", 2, "pdf", nil)
	require.ErrorIs(t, err, ErrInsufficient)

	var insufficient *InsufficientError
	require.True(t, errors.As(err, &insufficient))
	assert.EqualValues(t, 2, insufficient.Required)
	assert.EqualValues(t, 1, insufficient.Available)

	balance, err := l.Balance(ctx, "u1")
	require.NoError(t, err)
	assert.EqualValues(t, 1, balance)
}

func TestDeductUnknownUserIsInsufficient(t *testing.T) {
	l := newTestLedger(t)

	_, err := l.Deduct(context.Background(), "ghost", 1, "links", nil)
	assert.ErrorIs(t, err, ErrInsufficient)
}

func TestRejectsNonPositiveAmounts(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	_, err := l.Grant(ctx, "u1", 0, "noop")
	assert.ErrorIs(t, err, ErrInvalidAmount)
	_, err = l.Deduct(ctx, "u1", -1, "noop", nil)
	assert.ErrorIs(t, err, ErrInvalidAmount)
}

func TestConcurrentDeductsAreAtomic(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	_, err := l.Grant(ctx, "u1", 5, "test")
	require.NoError(t, err)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := l.Deduct(ctx, "u1", 1, "screenshot", nil); err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 5, succeeded)
	balance, err := l.Balance(ctx, "u1")
	require.NoError(t, err)
	assert.Zero(t, balance)
}
