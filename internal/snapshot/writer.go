package snapshot

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// StampLayout formats the analysis timestamp embedded in artifact names.
const StampLayout = "20060102_150405"

// maxSuffix bounds the _NNN disambiguator of artifacts created within the
// same second.
const maxSuffix = 999

// Artifact describes one file written into a session directory.
type Artifact struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"`
	Path      string    `json:"path"`
	Bytes     int64     `json:"bytes"`
	CreatedAt time.Time `json:"created_at"`
}

// Writer creates derived artifacts next to a session log. Artifacts are
// named <kind>_<stamp>.<ext> and never overwrite an existing file.
type Writer struct {
	dir string
	now func() time.Time
}

// NewWriter creates a writer for the session directory dir.
func NewWriter(dir string) *Writer {
	return &Writer{dir: dir, now: time.Now}
}

// Stamp returns the analysis timestamp used for artifact names.
func Stamp(t time.Time) string {
	return t.UTC().Format(StampLayout)
}

// Write creates a new artifact and fills it with fill. On failure the
// partial file is removed. A zero at means now.
func (w *Writer) Write(kind, ext string, at time.Time, fill func(io.Writer) error) (*Artifact, error) {
	if at.IsZero() {
		at = w.now()
	}
	file, path, err := w.create(kind, ext, at)
	if err != nil {
		return nil, err
	}

	if err := fill(file); err != nil {
		file.Close()
		os.Remove(path)
		return nil, fmt.Errorf("failed to write artifact '%s': %w", path, err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to stat artifact '%s': %w", path, err)
	}
	if err := file.Close(); err != nil {
		return nil, fmt.Errorf("failed to close artifact '%s': %w", path, err)
	}

	return &Artifact{
		ID:        uuid.NewString(),
		Kind:      kind,
		Path:      path,
		Bytes:     info.Size(),
		CreatedAt: at.UTC(),
	}, nil
}

// WriteJSON writes v as an indented JSON artifact.
func (w *Writer) WriteJSON(kind string, at time.Time, v interface{}) (*Artifact, error) {
	return w.Write(kind, "json", at, func(out io.Writer) error {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	})
}

// Reserve creates an empty artifact and returns its path, for writers that
// open the file themselves (e.g. a database driver).
func (w *Writer) Reserve(kind, ext string, at time.Time) (string, error) {
	if at.IsZero() {
		at = w.now()
	}
	file, path, err := w.create(kind, ext, at)
	if err != nil {
		return "", err
	}
	file.Close()
	return path, nil
}

func (w *Writer) create(kind, ext string, at time.Time) (*os.File, string, error) {
	base := fmt.Sprintf("%s_%s", kind, Stamp(at))

	for n := 0; n <= maxSuffix; n++ {
		name := base
		if n > 0 {
			name = fmt.Sprintf("%s_%03d", base, n)
		}
		path := filepath.Join(w.dir, name+"."+ext)

		file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err == nil {
			return file, path, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return nil, "", fmt.Errorf("failed to create artifact file: %w", err)
		}
	}
	return nil, "", fmt.Errorf("too many %s artifacts for stamp %s", kind, Stamp(at))
}
