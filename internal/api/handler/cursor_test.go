package handler

import (
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/stl-import/internal/registry"
)

func TestImportCursorRoundTrip(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 123456789, time.UTC)
	encoded := EncodeImportCursor(&registry.Cursor{ImportedAt: at, ID: "job-1"})

	got, err := DecodeImportCursor(encoded)
	require.NoError(t, err)
	assert.True(t, got.ImportedAt.Equal(at))
	assert.Equal(t, "job-1", got.ID)
}

func TestDecodeImportCursor_Invalid(t *testing.T) {
	tests := []struct {
		name   string
		cursor string
	}{
		{name: "not base64", cursor: "!!!"},
		{name: "missing separator", cursor: base64.URLEncoding.EncodeToString([]byte("12345"))},
		{name: "missing id", cursor: base64.URLEncoding.EncodeToString([]byte("12345|"))},
		{name: "bad timestamp", cursor: base64.URLEncoding.EncodeToString([]byte("abc|job-1"))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeImportCursor(tt.cursor)
			assert.Error(t, err)
		})
	}
}

func TestDecodeImportCursor_Empty(t *testing.T) {
	got, err := DecodeImportCursor("")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestFileNameFromURL(t *testing.T) {
	tests := []struct {
		raw  string
		want string
	}{
		{raw: "https://cdn.example/parts/bracket.stl", want: "bracket.stl"},
		{raw: "https://cdn.example/", want: "model.stl"},
		{raw: "https://cdn.example", want: "model.stl"},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			assert.Equal(t, tt.want, fileNameFromURL(tt.raw))
		})
	}
}
