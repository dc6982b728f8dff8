package citations

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/verity-labs/dossier/internal/models"
)

type fakeFetcher struct {
	spans map[string]string // "doc:start:end" -> content
}

func (f *fakeFetcher) FetchSpan(_ context.Context, documentID string, start, end int) (string, error) {
	key := fmt.Sprintf("%s:%d:%d", documentID, start, end)
	if s, ok := f.spans[key]; ok {
		return s, nil
	}
	return "", fmt.Errorf("no such span %s", key)
}

func TestRegisterAndResolve(t *testing.T) {
	fetcher := &fakeFetcher{spans: map[string]string{
		"doc-1:10:42": "the failure was first reported on May 4",
	}}
	reg := NewRegistry(fetcher, nil)

	c, err := reg.Register("doc-1", 3, 2, 10, 42, models.ModalityText)
	require.NoError(t, err)
	require.NotEmpty(t, c.ID)

	content, err := reg.Resolve(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Equal(t, "the failure was first reported on May 4", content)
}

func TestResolveDanglingCitation(t *testing.T) {
	reg := NewRegistry(&fakeFetcher{spans: map[string]string{}}, nil)

	_, err := reg.Resolve(context.Background(), "never-registered")
	assert.ErrorIs(t, err, ErrUnknownCitation)

	// Registered but not retrievable: resolve must fail, not fabricate.
	c, err := reg.Register("doc-gone", 1, 1, 0, 5, models.ModalityOCR)
	require.NoError(t, err)
	_, err = reg.Resolve(context.Background(), c.ID)
	assert.Error(t, err)
}

func TestRegisterRejectsInvalidSpans(t *testing.T) {
	reg := NewRegistry(nil, nil)

	_, err := reg.Register("", 1, 1, 0, 10, models.ModalityText)
	assert.Error(t, err)

	_, err = reg.Register("doc-1", 1, 1, 20, 10, models.ModalityText)
	assert.Error(t, err)

	_, err = reg.Register("doc-1", 1, 1, -5, 10, models.ModalityText)
	assert.Error(t, err)
}

func TestNarrowStaysInsideParent(t *testing.T) {
	reg := NewRegistry(nil, nil)
	parent, err := reg.Register("doc-1", 1, 1, 100, 400, models.ModalityText)
	require.NoError(t, err)

	child, err := reg.Narrow(parent.ID, 150, 220)
	require.NoError(t, err)
	assert.Equal(t, "doc-1", child.DocumentID)
	assert.Equal(t, 150, child.SpanStart)
	assert.Equal(t, 220, child.SpanEnd)
	assert.NotEqual(t, parent.ID, child.ID)

	_, err = reg.Narrow(parent.ID, 50, 220)
	assert.Error(t, err)

	_, err = reg.Narrow("missing", 150, 220)
	assert.ErrorIs(t, err, ErrUnknownCitation)
}

func TestSnapshotIsACopy(t *testing.T) {
	reg := NewRegistry(nil, nil)
	c, err := reg.Register("doc-1", 1, 1, 0, 10, models.ModalityText)
	require.NoError(t, err)

	snap := reg.Snapshot()
	require.Len(t, snap, 1)
	delete(snap, c.ID)

	assert.True(t, reg.Has(c.ID))
	assert.Equal(t, 1, reg.Len())
}

func TestAdoptPreservesHandleAndNeverOverwrites(t *testing.T) {
	reg := NewRegistry(nil, nil)

	minted := models.Citation{
		ID: "cit-remote", DocumentID: "doc-1",
		Page: 2, Paragraph: 1, SpanStart: 10, SpanEnd: 40,
		Modality: models.ModalityText,
	}
	require.NoError(t, reg.Adopt(minted))
	got, ok := reg.Get("cit-remote")
	require.True(t, ok)
	assert.Equal(t, minted, got)

	// A second adopt with different offsets must not rewrite the entry.
	altered := minted
	altered.SpanStart, altered.SpanEnd = 0, 5
	require.NoError(t, reg.Adopt(altered))
	got, _ = reg.Get("cit-remote")
	assert.Equal(t, 10, got.SpanStart)

	// Narrowing an adopted handle works like a locally minted one.
	sub, err := reg.Narrow("cit-remote", 12, 20)
	require.NoError(t, err)
	assert.Equal(t, "doc-1", sub.DocumentID)

	assert.Error(t, reg.Adopt(models.Citation{DocumentID: "doc-1", SpanStart: 0, SpanEnd: 5}))
	assert.Error(t, reg.Adopt(models.Citation{ID: "x", DocumentID: "doc-1", SpanStart: 9, SpanEnd: 9}))
}
