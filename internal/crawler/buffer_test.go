package crawler

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func records(n int) []PageRecord {
	out := make([]PageRecord, n)
	for i := range out {
		out[i] = PageRecord{URL: fmt.Sprintf("%s/p%d", site, i)}
	}
	return out
}

func TestBufferedSinkThreshold(t *testing.T) {
	mem := &memorySink{}
	b := NewBufferedSink(mem, 3)
	ctx := context.Background()

	require.NoError(t, b.Write(ctx, records(2)))
	assert.Equal(t, 0, mem.writes)
	assert.Equal(t, 2, b.Buffered())

	require.NoError(t, b.Write(ctx, records(2)))
	assert.Equal(t, 1, mem.writes)
	assert.Len(t, mem.records, 4)
	assert.Equal(t, 0, b.Buffered())
	assert.Equal(t, 4, b.Written())

	require.NoError(t, b.Write(ctx, records(1)))
	require.NoError(t, b.Flush(ctx))
	assert.Equal(t, 5, b.Written())

	// Nothing buffered, nothing written.
	require.NoError(t, b.Flush(ctx))
	assert.Equal(t, 2, mem.writes)
}

func TestBufferedSinkCloseFlushes(t *testing.T) {
	mem := &memorySink{}
	b := NewBufferedSink(mem, 100)

	require.NoError(t, b.Write(context.Background(), records(7)))
	require.NoError(t, b.Close())

	assert.Len(t, mem.records, 7)
	assert.Equal(t, 1, mem.closed)

	// Idempotent.
	require.NoError(t, b.Close())
	assert.Equal(t, 1, mem.closed)

	assert.Error(t, b.Write(context.Background(), records(1)))
}

func TestBufferedSinkFlushErrorDropsBatch(t *testing.T) {
	mem := &memorySink{writeErr: errors.New("disk full")}
	b := NewBufferedSink(mem, 2)
	ctx := context.Background()

	err := b.Write(ctx, records(2))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.Equal(t, 1, b.FlushErrors())
	assert.Equal(t, 0, b.Buffered())
	assert.Equal(t, 0, b.Written())

	mem.writeErr = nil
	require.NoError(t, b.Write(ctx, records(2)))
	assert.Len(t, mem.records, 2, "the failed batch is not retried")
	assert.Equal(t, 1, b.FlushErrors())
}

func TestBufferedSinkZeroThreshold(t *testing.T) {
	mem := &memorySink{}
	b := NewBufferedSink(mem, 0)

	require.NoError(t, b.Write(context.Background(), records(1)))
	assert.Equal(t, 1, mem.writes)
}

func TestMultiSink(t *testing.T) {
	good := &memorySink{}
	bad := &memorySink{writeErr: errors.New("broken pipe")}
	m := MultiSink{bad, good}

	err := m.Write(context.Background(), records(3))
	assert.ErrorContains(t, err, "broken pipe")
	assert.Len(t, good.records, 3)

	require.NoError(t, m.Close())
	assert.Equal(t, 1, good.closed)
	assert.Equal(t, 1, bad.closed)
}
