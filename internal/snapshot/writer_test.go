package snapshot

import (
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriter_NeverOverwrites(t *testing.T) {
	// 1. Write two artifacts with the same analysis timestamp.
	dir := t.TempDir()
	w := NewWriter(dir)
	at := time.Date(2024, 3, 1, 12, 30, 5, 0, time.UTC)

	first, err := w.Write("report", "txt", at, func(out io.Writer) error {
		_, err := io.WriteString(out, "first")
		return err
	})
	require.NoError(t, err)
	second, err := w.Write("report", "txt", at, func(out io.Writer) error {
		_, err := io.WriteString(out, "second")
		return err
	})
	require.NoError(t, err)

	// 2. Verify both exist under distinct names.
	assert.Equal(t, filepath.Join(dir, "report_20240301_123005.txt"), first.Path)
	assert.Equal(t, filepath.Join(dir, "report_20240301_123005_001.txt"), second.Path)
	assert.EqualValues(t, 5, first.Bytes)
	assert.NotEqual(t, first.ID, second.ID)

	// 3. Verify the first file was not touched.
	data, err := os.ReadFile(first.Path)
	require.NoError(t, err)
	assert.Equal(t, "first", string(data))
}

func TestWriter_RemovesPartialArtifact(t *testing.T) {
	dir := t.TempDir()
	w := NewWriter(dir)

	_, err := w.Write("report", "html", time.Now(), func(io.Writer) error {
		return errors.New("render failed")
	})
	require.Error(t, err)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestWriter_WriteJSON(t *testing.T) {
	dir := t.TempDir()
	w := NewWriter(dir)

	a, err := w.WriteJSON("summary", time.Time{}, map[string]int{"records": 3})
	require.NoError(t, err)
	assert.Equal(t, "summary", a.Kind)

	data, err := os.ReadFile(a.Path)
	require.NoError(t, err)
	var got map[string]int
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, 3, got["records"])
}

func TestWriter_Reserve(t *testing.T) {
	dir := t.TempDir()
	w := NewWriter(dir)
	at := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	p1, err := w.Reserve("export", "db", at)
	require.NoError(t, err)
	p2, err := w.Reserve("export", "db", at)
	require.NoError(t, err)
	assert.NotEqual(t, p1, p2)
	assert.FileExists(t, p1)
}
