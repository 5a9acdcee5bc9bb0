package repository

import (
	"bytes"
	"fmt"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/veyra/trustcore/pkg/storage"
)

const (
	segmentPrefix = "audit-"
	segmentSuffix = ".log"
)

// SegmentRepository manages the append-only audit segment files. Each
// segment holds one serialized entry per line; the audit service owns
// signing and (optional) encryption of those lines.
type SegmentRepository struct {
	store *storage.FileStore
	dir   string
}

// NewSegmentRepository returns a repository rooted at dir inside the store.
func NewSegmentRepository(store *storage.FileStore, dir string) *SegmentRepository {
	if dir == "" {
		dir = "audit"
	}
	return &SegmentRepository{store: store, dir: dir}
}

// SegmentName derives a segment file name from its creation time.
func SegmentName(ts time.Time) string {
	return segmentPrefix + ts.UTC().Format("20060102-150405") + segmentSuffix
}

// AppendLines appends serialized entries to the named segment, one per line.
func (r *SegmentRepository) AppendLines(segment string, lines [][]byte) error {
	if len(lines) == 0 {
		return nil
	}
	buf := &bytes.Buffer{}
	for _, line := range lines {
		buf.Write(line)
		buf.WriteByte('\n')
	}
	if err := r.store.Append(path.Join(r.dir, segment), buf.Bytes()); err != nil {
		return fmt.Errorf("append segment %s: %w", segment, err)
	}
	return nil
}

// ReadLines returns every non-empty line of the named segment.
func (r *SegmentRepository) ReadLines(segment string) ([][]byte, error) {
	data, err := r.store.Read(path.Join(r.dir, segment))
	if err != nil {
		return nil, fmt.Errorf("read segment %s: %w", segment, err)
	}
	raw := bytes.Split(data, []byte{'\n'})
	lines := make([][]byte, 0, len(raw))
	for _, line := range raw {
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		lines = append(lines, line)
	}
	return lines, nil
}

// List returns all segment names sorted oldest first. Date-stamped names
// make lexical order chronological.
func (r *SegmentRepository) List() ([]string, error) {
	names, err := r.store.List(r.dir)
	if err != nil {
		return nil, fmt.Errorf("list segments: %w", err)
	}
	segments := make([]string, 0, len(names))
	for _, name := range names {
		if strings.HasPrefix(name, segmentPrefix) && strings.HasSuffix(name, segmentSuffix) {
			segments = append(segments, name)
		}
	}
	sort.Strings(segments)
	return segments, nil
}

// Remove deletes the named segment.
func (r *SegmentRepository) Remove(segment string) error {
	return r.store.Remove(path.Join(r.dir, segment))
}

// Size returns the named segment's size in bytes.
func (r *SegmentRepository) Size(segment string) int64 {
	return r.store.Size(path.Join(r.dir, segment))
}

// CreatedAt parses the creation time embedded in a segment name.
func CreatedAt(segment string) (time.Time, bool) {
	trimmed := strings.TrimSuffix(strings.TrimPrefix(segment, segmentPrefix), segmentSuffix)
	ts, err := time.Parse("20060102-150405", trimmed)
	if err != nil {
		return time.Time{}, false
	}
	return ts, true
}
