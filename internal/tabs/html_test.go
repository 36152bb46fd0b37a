package tabs

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDuplicateChunkDoesNotDoubleCount(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	chunk := HTMLChunk{TabID: "5", ChunkIndex: 0, ChunkData: "<html>", TotalChunks: 3}
	a, err := m.HandleHTMLChunk(ctx, chunk, "r1")
	require.NoError(t, err)
	assert.Equal(t, 1, a.ReceivedChunks)

	a, err = m.HandleHTMLChunk(ctx, chunk, "r1")
	require.NoError(t, err)
	assert.Equal(t, 1, a.ReceivedChunks)
	assert.Equal(t, 3, a.TotalChunks)
	assert.Equal(t, "r1", a.RequestID)
}

func TestOutOfOrderChunksAssembleByIndex(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	require.NoError(t, m.ResetHTML(ctx, "t1", "req-html"))

	_, err := m.HandleHTMLChunk(ctx, HTMLChunk{TabID: "t1", ChunkIndex: 2, ChunkData: "world", TotalChunks: 2}, "")
	require.NoError(t, err)
	_, err = m.HandleHTMLChunk(ctx, HTMLChunk{TabID: "t1", ChunkIndex: 1, ChunkData: "hello ", TotalChunks: 2}, "")
	require.NoError(t, err)

	a, err := m.HandleHTMLComplete(ctx, HTMLComplete{TabID: "t1"}, "")
	require.NoError(t, err)
	assert.Equal(t, "hello world", a.HTML)
	assert.Equal(t, "req-html", a.RequestID)
	assert.True(t, a.Complete())

	stored, err := m.HTML(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "hello world", stored.HTML)
}

func TestCompletionWithMissingChunkIsPartial(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	_, err := m.HandleHTMLChunk(ctx, HTMLChunk{TabID: "t1", ChunkIndex: 0, ChunkData: "a", TotalChunks: 3}, "r9")
	require.NoError(t, err)
	_, err = m.HandleHTMLChunk(ctx, HTMLChunk{TabID: "t1", ChunkIndex: 2, ChunkData: "c", TotalChunks: 3}, "r9")
	require.NoError(t, err)

	a, err := m.HandleHTMLComplete(ctx, HTMLComplete{TabID: "t1"}, "")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPartialAssembly)
	var partial *PartialAssemblyError
	require.True(t, errors.As(err, &partial))
	assert.Equal(t, 2, partial.Received)
	assert.Equal(t, 3, partial.Total)
	assert.Equal(t, "r9", a.RequestID)
	assert.Empty(t, a.HTML)

	// the late chunk still completes the page
	_, err = m.HandleHTMLChunk(ctx, HTMLChunk{TabID: "t1", ChunkIndex: 1, ChunkData: "b", TotalChunks: 3}, "")
	require.NoError(t, err)
	a, err = m.HandleHTMLComplete(ctx, HTMLComplete{TabID: "t1"}, "")
	require.NoError(t, err)
	assert.Equal(t, "abc", a.HTML)
}

func TestCompletionWithoutDeclaredTotal(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	for i, part := range []string{"x", "y", "z"} {
		_, err := m.HandleHTMLChunk(ctx, HTMLChunk{TabID: "7", ChunkIndex: i, ChunkData: part}, "")
		require.NoError(t, err)
	}
	a, err := m.HandleHTMLComplete(ctx, HTMLComplete{TabID: "7", RequestID: "rq"}, "")
	require.NoError(t, err)
	assert.Equal(t, "xyz", a.HTML)
	assert.Equal(t, 3, a.TotalChunks)
	assert.Equal(t, "rq", a.RequestID)
}

func TestInlineHTMLCompletion(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	html := "<p>inline</p>"

	a, err := m.HandleHTMLComplete(ctx, HTMLComplete{TabID: "3", HTML: &html}, "r-inline")
	require.NoError(t, err)
	assert.Equal(t, html, a.HTML)
	assert.Equal(t, "r-inline", a.RequestID)
}

func TestCompletionWithNoChunksIsPartial(t *testing.T) {
	m, _ := newTestManager(t)
	_, err := m.HandleHTMLComplete(context.Background(), HTMLComplete{TabID: "nothing"}, "r")
	assert.ErrorIs(t, err, ErrPartialAssembly)
}

func TestChunkAfterCompletionStartsOver(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	_, err := m.HandleHTMLChunk(ctx, HTMLChunk{TabID: "1", ChunkIndex: 0, ChunkData: "old", TotalChunks: 1}, "a")
	require.NoError(t, err)
	_, err = m.HandleHTMLComplete(ctx, HTMLComplete{TabID: "1"}, "")
	require.NoError(t, err)

	a, err := m.HandleHTMLChunk(ctx, HTMLChunk{TabID: "1", ChunkIndex: 0, ChunkData: "new", TotalChunks: 1}, "b")
	require.NoError(t, err)
	assert.Equal(t, 1, a.ReceivedChunks)
	assert.False(t, a.Complete())

	a, err = m.HandleHTMLComplete(ctx, HTMLComplete{TabID: "1"}, "")
	require.NoError(t, err)
	assert.Equal(t, "new", a.HTML)
	assert.Equal(t, "b", a.RequestID)
}
