package paginate

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakePageSource struct {
	total    int
	cap      int
	requests int
}

func (f *fakePageSource) AddressTxIDs(_ context.Context, _ string, offset, limit int) ([]string, error) {
	f.requests++
	if limit > f.cap {
		limit = f.cap
	}
	var page []string
	for i := offset; i < offset+limit && i < f.total; i++ {
		page = append(page, fmt.Sprintf("txid-%04d", i))
	}
	return page, nil
}

func intPtr(v int) *int { return &v }

func TestFetchAllTxIDs_EarlyTerminationOnKnownTotal(t *testing.T) {
	// 96 txids served in pages of 10: the 10th page carries the final 6
	// and no 11th page may be requested.
	src := &fakePageSource{total: 96, cap: 10}
	p := New(zap.NewNop(), src, 50, 0)

	ids, err := p.FetchAllTxIDs(context.Background(), "bc1qaddr", intPtr(96))
	require.NoError(t, err)
	assert.Len(t, ids, 96)
	assert.Equal(t, 10, src.requests, "must stop exactly at the page reaching tx_count")
}

func TestFetchAllTxIDs_StopsOnShortPage(t *testing.T) {
	src := &fakePageSource{total: 23, cap: 10}
	p := New(zap.NewNop(), src, 50, 0)

	ids, err := p.FetchAllTxIDs(context.Background(), "bc1qaddr", nil)
	require.NoError(t, err)
	assert.Len(t, ids, 23)
	assert.Equal(t, 3, src.requests)
}

// mixedCapSource serves the first page at a 50-id cap and every later page
// at a 25-id cap, as happens when pages fail over to a smaller-cap mirror.
type mixedCapSource struct {
	total    int
	requests int
}

func (m *mixedCapSource) AddressTxIDs(_ context.Context, _ string, offset, limit int) ([]string, error) {
	m.requests++
	cap := 25
	if m.requests == 1 {
		cap = 50
	}
	if limit > cap {
		limit = cap
	}
	var page []string
	for i := offset; i < offset+limit && i < m.total; i++ {
		page = append(page, fmt.Sprintf("txid-%04d", i))
	}
	return page, nil
}

func TestFetchAllTxIDs_SmallerCapMirrorMidHistory(t *testing.T) {
	// A later page shorter than the first is not exhaustion while the
	// known total is unreached.
	src := &mixedCapSource{total: 200}
	p := New(zap.NewNop(), src, 50, 0)

	ids, err := p.FetchAllTxIDs(context.Background(), "bc1qaddr", intPtr(200))
	require.NoError(t, err)
	require.Len(t, ids, 200)
	assert.Equal(t, "txid-0199", ids[199])
	assert.Equal(t, 7, src.requests, "one 50-id page then six 25-id pages")
}

func TestFetchAllTxIDs_StopsOnEmptyFirstPage(t *testing.T) {
	src := &fakePageSource{total: 0, cap: 10}
	p := New(zap.NewNop(), src, 50, 0)

	ids, err := p.FetchAllTxIDs(context.Background(), "bc1qaddr", nil)
	require.NoError(t, err)
	assert.Empty(t, ids)
	assert.Equal(t, 1, src.requests)
}

func TestFetchAllTxIDs_ZeroKnownTotalSkipsRequests(t *testing.T) {
	src := &fakePageSource{total: 50, cap: 10}
	p := New(zap.NewNop(), src, 50, 0)

	ids, err := p.FetchAllTxIDs(context.Background(), "bc1qaddr", intPtr(0))
	require.NoError(t, err)
	assert.Empty(t, ids)
	assert.Zero(t, src.requests)
}

func TestFetchAllTxIDs_RequestBound(t *testing.T) {
	// A mirror that loops forever still terminates at the safety bound.
	src := &loopingSource{}
	p := New(zap.NewNop(), src, 10, 5)

	ids, err := p.FetchAllTxIDs(context.Background(), "bc1qaddr", nil)
	require.NoError(t, err)
	assert.Equal(t, 5, src.requests)
	assert.Len(t, ids, 10, "looping pages contribute no new ids")
}

type loopingSource struct {
	requests int
}

func (l *loopingSource) AddressTxIDs(_ context.Context, _ string, _, limit int) ([]string, error) {
	l.requests++
	page := make([]string, limit)
	for i := range page {
		page[i] = fmt.Sprintf("txid-%04d", i)
	}
	return page, nil
}

func TestFetchAllTxIDs_DeduplicatesAcrossPages(t *testing.T) {
	src := &overlappingSource{}
	p := New(zap.NewNop(), src, 10, 10)

	ids, err := p.FetchAllTxIDs(context.Background(), "bc1qaddr", intPtr(15))
	require.NoError(t, err)
	assert.Len(t, ids, 15)
	for i, id := range ids {
		assert.Equal(t, fmt.Sprintf("txid-%04d", i), id, "order must be first-seen")
	}
}

// overlappingSource repeats the last 5 ids of the previous page at the head
// of the next one, as some mirrors do around reorgs.
type overlappingSource struct {
	pages int
}

func (o *overlappingSource) AddressTxIDs(_ context.Context, _ string, offset, limit int) ([]string, error) {
	o.pages++
	start := offset
	if start >= 5 {
		start -= 5
	}
	page := make([]string, 0, limit)
	for i := start; i < start+limit && i < 20; i++ {
		page = append(page, fmt.Sprintf("txid-%04d", i))
	}
	return page, nil
}

func TestFetchAllTxIDs_ContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	src := &fakePageSource{total: 50, cap: 10}
	p := New(zap.NewNop(), src, 50, 0)
	_, err := p.FetchAllTxIDs(ctx, "bc1qaddr", nil)
	assert.ErrorIs(t, err, context.Canceled)
}
