package registry

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_CreateWithExplicitID(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	ctx := context.Background()

	job, err := r.Create(ctx, CreateParams{ID: "staged-1", FileName: "a.stl"})
	require.NoError(t, err)
	assert.Equal(t, "staged-1", job.ID)

	_, err = r.Create(ctx, CreateParams{ID: "staged-1", FileName: "b.stl"})
	assert.ErrorIs(t, err, ErrDuplicateJob)
	assert.Equal(t, 1, r.Len())
}

func TestRegistry_List(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	r := New(Options{
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		Now:    func() time.Time { return now },
	})
	ctx := context.Background()

	create := func(id, source string) {
		_, err := r.Create(ctx, CreateParams{ID: id, Source: source, FileName: id + ".stl"})
		require.NoError(t, err)
		now = now.Add(time.Second)
	}
	create("a", "https://one.example")
	create("b", "https://two.example")
	create("c", "https://one.example")
	create("d", "https://one.example")
	_, err := r.Fail(ctx, "c", "x")
	require.NoError(t, err)

	ids := func(jobs []*Job) []string {
		out := make([]string, 0, len(jobs))
		for _, j := range jobs {
			out = append(out, j.ID)
		}
		return out
	}

	tests := []struct {
		name   string
		filter ListFilter
		want   []string
	}{
		{name: "all newest first", filter: ListFilter{}, want: []string{"d", "c", "b", "a"}},
		{name: "limit", filter: ListFilter{Limit: 2}, want: []string{"d", "c"}},
		{name: "by status", filter: ListFilter{Status: StatusFailed}, want: []string{"c"}},
		{name: "by source", filter: ListFilter{Source: "https://one.example"}, want: []string{"d", "c", "a"}},
		{
			name:   "after cursor",
			filter: ListFilter{After: &Cursor{ImportedAt: time.Date(2026, 1, 1, 12, 0, 2, 0, time.UTC), ID: "c"}},
			want:   []string{"b", "a"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ids(r.List(tt.filter)))
		})
	}
}

func TestRegistry_ListTiesBreakOnID(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	r := New(Options{
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		Now:    func() time.Time { return now },
	})
	ctx := context.Background()
	for _, id := range []string{"x", "z", "y"} {
		_, err := r.Create(ctx, CreateParams{ID: id})
		require.NoError(t, err)
	}

	page := r.List(ListFilter{Limit: 2})
	require.Len(t, page, 2)
	assert.Equal(t, "z", page[0].ID)
	assert.Equal(t, "y", page[1].ID)

	rest := r.List(ListFilter{After: &Cursor{ImportedAt: page[1].ImportedAt, ID: page[1].ID}})
	require.Len(t, rest, 1)
	assert.Equal(t, "x", rest[0].ID)
}
