// Package archive implements the per-run append-only zip container that every
// worker of a run writes its payload into.
package archive

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/JakeFAU/gridfetch/internal/collector"
)

// ErrUnusable marks failures of the container itself. Every later append
// would fail the same way, so callers treat it as fatal for the run.
var ErrUnusable = errors.New("archive unusable")

// FilePrefix starts every archive file name.
const FilePrefix = "ElectricData_"

// Path places a run's archive under root partitioned by start year and month.
func Path(root string, start time.Time) string {
	start = start.UTC()
	return filepath.Join(
		root,
		start.Format("2006"),
		start.Format("01"),
		FilePrefix+collector.RunStamp(start)+".zip",
	)
}

// Zip is a deflate-compressed archive shared by all workers of a run.
// Entries stream into one open zip.Writer and are flushed to disk as they
// are appended; the central directory is written by Close. Until then the
// file holds complete local entries but is not a readable archive.
type Zip struct {
	mu     sync.Mutex
	path   string
	now    func() time.Time
	file   *os.File
	w      *zip.Writer
	names  map[string]int
	dups   bool
	err    error
	closed bool
}

// Create makes the archive at path and writes the provenance sentinel. It
// must run before any worker appends. The caller must Close the archive.
func Create(path string, start time.Time) (*Zip, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("archive path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("create archive dir: %w", err)
	}
	// #nosec G304 -- path is built by Path from configured directories.
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, fmt.Errorf("create archive: %w", err)
	}
	z := &Zip{
		path:  path,
		now:   time.Now,
		file:  f,
		w:     zip.NewWriter(f),
		names: make(map[string]int),
	}
	if err := z.write(collector.SentinelEntry, []byte(collector.SentinelContent(start))); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return nil, err
	}
	return z, nil
}

// Open wraps an existing, closed archive, e.g. to audit its entries.
func Open(path string) (*Zip, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("stat archive: %w", err)
	}
	return &Zip{path: path, now: time.Now, closed: true}, nil
}

// Path returns the archive location on disk.
func (z *Zip) Path() string {
	return z.path
}

// Append adds one entry; a later entry with the same name replaces an
// earlier one when the archive is closed. The lock is held only while the
// entry is compressed and flushed.
func (z *Zip) Append(ctx context.Context, name string, content []byte) error {
	if err := validEntryName(name); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("append %s: %w", name, err)
	}
	z.mu.Lock()
	defer z.mu.Unlock()
	if z.closed {
		return fmt.Errorf("%w: append %s: archive is closed", ErrUnusable, name)
	}
	if z.err != nil {
		return z.err
	}
	if err := z.checkOnDisk(); err != nil {
		z.err = err
		return err
	}
	if err := z.write(name, content); err != nil {
		z.err = err
		return err
	}
	return nil
}

// Close writes the central directory and releases the file. When an entry
// name was appended more than once the archive is compacted so only the last
// write remains. Close is idempotent; failures wrap ErrUnusable.
func (z *Zip) Close() error {
	z.mu.Lock()
	defer z.mu.Unlock()
	if z.closed {
		return nil
	}
	z.closed = true
	if z.file == nil {
		return nil
	}

	err := z.err
	if cerr := z.w.Close(); cerr != nil && err == nil {
		err = fmt.Errorf("%w: finalize archive: %v", ErrUnusable, cerr)
	}
	if serr := z.file.Sync(); serr != nil && err == nil {
		err = fmt.Errorf("%w: sync archive: %v", ErrUnusable, serr)
	}
	if cerr := z.file.Close(); cerr != nil && err == nil {
		err = fmt.Errorf("%w: close archive: %v", ErrUnusable, cerr)
	}
	if err != nil {
		return err
	}
	if z.dups {
		return z.compact()
	}
	return nil
}

// Entries lists the entry names of a closed archive in archive order.
func (z *Zip) Entries() ([]string, error) {
	z.mu.Lock()
	defer z.mu.Unlock()
	if !z.closed {
		return nil, fmt.Errorf("archive %s is still open", z.path)
	}

	r, err := zip.OpenReader(z.path)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrUnusable, z.path, err)
	}
	defer r.Close() //nolint:errcheck // read-only handle
	names := make([]string, 0, len(r.File))
	for _, f := range r.File {
		names = append(names, f.Name)
	}
	return names, nil
}

// ReadEntry returns the decompressed content of one entry of a closed archive.
func (z *Zip) ReadEntry(name string) ([]byte, error) {
	z.mu.Lock()
	defer z.mu.Unlock()
	if !z.closed {
		return nil, fmt.Errorf("archive %s is still open", z.path)
	}

	r, err := zip.OpenReader(z.path)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrUnusable, z.path, err)
	}
	defer r.Close() //nolint:errcheck // read-only handle
	for _, f := range r.File {
		if f.Name != name {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("open entry %s: %w", name, err)
		}
		defer rc.Close() //nolint:errcheck // read-only handle
		data, err := io.ReadAll(rc)
		if err != nil {
			return nil, fmt.Errorf("read entry %s: %w", name, err)
		}
		return data, nil
	}
	return nil, fmt.Errorf("entry %s: %w", name, os.ErrNotExist)
}

// write compresses one entry and flushes it to the file. Caller holds z.mu
// (or owns z exclusively).
func (z *Zip) write(name string, content []byte) error {
	hdr := &zip.FileHeader{
		Name:     name,
		Method:   zip.Deflate,
		Modified: z.now().UTC(),
	}
	fw, err := z.w.CreateHeader(hdr)
	if err != nil {
		return fmt.Errorf("%w: create entry %s: %v", ErrUnusable, name, err)
	}
	if _, err := fw.Write(content); err != nil {
		return fmt.Errorf("%w: write entry %s: %v", ErrUnusable, name, err)
	}
	if err := z.w.Flush(); err != nil {
		return fmt.Errorf("%w: flush entry %s: %v", ErrUnusable, name, err)
	}
	z.names[name]++
	if z.names[name] > 1 {
		z.dups = true
	}
	return nil
}

// checkOnDisk fails when the archive file was removed or replaced under the
// open writer; later entries would otherwise land in an orphaned file.
func (z *Zip) checkOnDisk() error {
	onDisk, err := os.Stat(z.path)
	if err != nil {
		return fmt.Errorf("%w: stat %s: %v", ErrUnusable, z.path, err)
	}
	open, err := z.file.Stat()
	if err != nil {
		return fmt.Errorf("%w: stat open archive: %v", ErrUnusable, err)
	}
	if !os.SameFile(onDisk, open) {
		return fmt.Errorf("%w: %s was replaced", ErrUnusable, z.path)
	}
	return nil
}

// compact rewrites the closed archive keeping only the last entry of every
// name, then swaps the result in. Caller holds z.mu.
func (z *Zip) compact() (err error) {
	r, err := zip.OpenReader(z.path)
	if err != nil {
		return fmt.Errorf("%w: open %s: %v", ErrUnusable, z.path, err)
	}
	defer r.Close() //nolint:errcheck // read-only handle

	last := make(map[string]int, len(r.File))
	for i, f := range r.File {
		last[f.Name] = i
	}

	tmp, err := os.CreateTemp(filepath.Dir(z.path), ".archive-*.tmp")
	if err != nil {
		return fmt.Errorf("%w: create temp file: %v", ErrUnusable, err)
	}
	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()

	w := zip.NewWriter(tmp)
	for i, f := range r.File {
		if last[f.Name] != i {
			continue
		}
		if err := w.Copy(f); err != nil {
			return fmt.Errorf("%w: copy entry %s: %v", ErrUnusable, f.Name, err)
		}
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("%w: finalize archive: %v", ErrUnusable, err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("%w: sync archive: %v", ErrUnusable, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("%w: close archive: %v", ErrUnusable, err)
	}
	if err := os.Rename(tmp.Name(), z.path); err != nil {
		return fmt.Errorf("%w: replace archive: %v", ErrUnusable, err)
	}
	return nil
}

func validEntryName(name string) error {
	switch {
	case strings.TrimSpace(name) == "":
		return fmt.Errorf("entry name is required")
	case name == collector.SentinelEntry:
		return fmt.Errorf("entry name %s is reserved", name)
	case strings.HasPrefix(name, "/") || strings.Contains(name, ".."):
		return fmt.Errorf("entry name %q escapes the archive", name)
	}
	return nil
}
