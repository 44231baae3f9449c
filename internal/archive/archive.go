// Package archive bundles the files of one import into a temporary zip.
package archive

import (
	"archive/zip"
	"compress/flate"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/JakeFAU/dataimport/internal/importer"
)

// maxNameAttempts bounds the collision retry loop.
const maxNameAttempts = 16

// Config controls where archives are written.
type Config struct {
	// TempDir defaults to os.TempDir().
	TempDir string
}

// FileHasher digests a file on disk.
type FileHasher interface {
	HashFile(path string) (string, error)
}

// Archiver writes zip archives named <uuid>.zip under the temp directory.
type Archiver struct {
	cfg    Config
	ids    importer.IDGenerator
	hasher FileHasher
	logger *zap.Logger
}

var _ importer.Archiver = (*Archiver)(nil)

// New builds an Archiver. hasher may be nil, in which case handles carry no digest.
func New(cfg Config, ids importer.IDGenerator, hasher FileHasher, logger *zap.Logger) *Archiver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Archiver{cfg: cfg, ids: ids, hasher: hasher, logger: logger}
}

// CreateArchive validates every path, then writes one archive holding each file under its
// base name. Invalid paths fail with importer.ErrFileNotFound before anything is created.
// A failure while copying returns importer.ErrIO together with a handle whose Path names
// the partial archive; removing it is the caller's job.
func (a *Archiver) CreateArchive(ctx context.Context, paths []string) (importer.ArchiveHandle, error) {
	if len(paths) == 0 {
		return importer.ArchiveHandle{}, fmt.Errorf("%w: no input files", importer.ErrFileNotFound)
	}
	infos := make([]fs.FileInfo, len(paths))
	for i, p := range paths {
		info, err := statRegular(p)
		if err != nil {
			return importer.ArchiveHandle{}, err
		}
		infos[i] = info
	}
	if err := ctx.Err(); err != nil {
		return importer.ArchiveHandle{}, fmt.Errorf("create archive: %w", err)
	}

	out, err := a.createTemp()
	if err != nil {
		return importer.ArchiveHandle{}, err
	}
	handle := importer.ArchiveHandle{Path: out.Name()}

	entries, writeErr := writeEntries(ctx, out, paths, infos)
	if closeErr := out.Close(); closeErr != nil && writeErr == nil {
		writeErr = fmt.Errorf("%w: close %s: %w", importer.ErrIO, handle.Path, closeErr)
	}
	if writeErr != nil {
		return handle, writeErr
	}
	handle.Entries = entries

	stat, err := os.Stat(handle.Path)
	if err != nil {
		return handle, fmt.Errorf("%w: stat archive: %w", importer.ErrIO, err)
	}
	handle.Size = stat.Size()
	if a.hasher != nil {
		digest, err := a.hasher.HashFile(handle.Path)
		if err != nil {
			return handle, fmt.Errorf("%w: digest archive: %w", importer.ErrIO, err)
		}
		handle.Digest = digest
	}

	a.logger.Debug("archive created",
		zap.String("path", handle.Path),
		zap.Int("entries", len(entries)),
		zap.Int64("size", handle.Size),
	)
	return handle, nil
}

func statRegular(path string) (fs.FileInfo, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", importer.ErrFileNotFound, path, err)
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("%w: %s is not a regular file", importer.ErrFileNotFound, path)
	}
	// #nosec G304 -- paths come from the import request.
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", importer.ErrFileNotFound, path, err)
	}
	_ = f.Close()
	return info, nil
}

// createTemp claims an unused <uuid>.zip, retrying when the name is taken.
func (a *Archiver) createTemp() (*os.File, error) {
	dir := a.cfg.TempDir
	if dir == "" {
		dir = os.TempDir()
	}
	for attempt := 0; attempt < maxNameAttempts; attempt++ {
		id, err := a.ids.NewID()
		if err != nil {
			return nil, fmt.Errorf("%w: generate archive name: %w", importer.ErrIO, err)
		}
		path := filepath.Join(dir, id+".zip")
		// #nosec G304 -- path is built from a generated id.
		f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o600)
		if err == nil {
			return f, nil
		}
		if errors.Is(err, fs.ErrExist) {
			a.logger.Debug("archive name taken, retrying", zap.String("path", path))
			continue
		}
		return nil, fmt.Errorf("%w: create archive: %w", importer.ErrIO, err)
	}
	return nil, fmt.Errorf("%w: no unused archive name after %d attempts", importer.ErrIO, maxNameAttempts)
}

func writeEntries(ctx context.Context, out io.Writer, paths []string, infos []fs.FileInfo) ([]importer.ArchiveEntry, error) {
	zw := zip.NewWriter(out)
	entries := make([]importer.ArchiveEntry, 0, len(paths))
	for i, p := range paths {
		if err := ctx.Err(); err != nil {
			_ = zw.Close()
			return nil, fmt.Errorf("%w: %w", importer.ErrIO, err)
		}
		entry, err := addFile(zw, p, infos[i])
		if err != nil {
			_ = zw.Close()
			return nil, err
		}
		entries = append(entries, entry)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("%w: finish archive: %w", importer.ErrIO, err)
	}
	return entries, nil
}

// addFile stores one file under its base name. The entry is deflated once to learn its
// CRC and sizes, then written raw so the local header carries them and no data
// descriptor follows the data.
func addFile(zw *zip.Writer, path string, info fs.FileInfo) (importer.ArchiveEntry, error) {
	name := filepath.Base(path)
	want, err := deflateFile(path, io.Discard)
	if err != nil {
		return importer.ArchiveEntry{}, err
	}

	header := &zip.FileHeader{
		Name:               name,
		Method:             zip.Deflate,
		CreatorVersion:     zipVersion20,
		ReaderVersion:      zipVersion20,
		CRC32:              want.crc,
		CompressedSize64:   want.compressed,
		UncompressedSize64: want.size,
	}
	if !isASCII(name) {
		header.Flags |= flagUTF8
	}
	setModified(header, info.ModTime())

	w, err := zw.CreateRaw(header)
	if err != nil {
		return importer.ArchiveEntry{}, fmt.Errorf("%w: add %s: %w", importer.ErrIO, name, err)
	}
	got, err := deflateFile(path, w)
	if err != nil {
		return importer.ArchiveEntry{}, err
	}
	if got != want {
		return importer.ArchiveEntry{}, fmt.Errorf("%w: %s changed while archiving", importer.ErrIO, path)
	}
	// #nosec G115 -- sizes come from io.Copy and fit in int64.
	return importer.ArchiveEntry{Name: name, Size: int64(got.size), ModTime: info.ModTime()}, nil
}

const (
	zipVersion20   = 20
	flagUTF8       = 0x800
	extTimeTag     = 0x5455
	extTimeModOnly = 1
)

// entrySum describes one deflated entry.
type entrySum struct {
	crc        uint32
	size       uint64
	compressed uint64
}

// deflateFile compresses path into dst and reports the CRC-32 and both sizes.
func deflateFile(path string, dst io.Writer) (entrySum, error) {
	// #nosec G304 -- validated input path.
	src, err := os.Open(path)
	if err != nil {
		return entrySum{}, fmt.Errorf("%w: open %s: %w", importer.ErrIO, path, err)
	}
	defer func() {
		_ = src.Close()
	}()

	counter := &countingWriter{w: dst}
	fw, err := flate.NewWriter(counter, flate.DefaultCompression)
	if err != nil {
		return entrySum{}, fmt.Errorf("%w: deflate %s: %w", importer.ErrIO, path, err)
	}
	crc := crc32.NewIEEE()
	n, err := io.Copy(io.MultiWriter(fw, crc), src)
	if err != nil {
		return entrySum{}, fmt.Errorf("%w: copy %s: %w", importer.ErrIO, path, err)
	}
	if err := fw.Close(); err != nil {
		return entrySum{}, fmt.Errorf("%w: deflate %s: %w", importer.ErrIO, path, err)
	}
	// #nosec G115 -- byte counts are non-negative.
	return entrySum{crc: crc.Sum32(), size: uint64(n), compressed: uint64(counter.n)}, nil
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

// setModified fills the MS-DOS date and time fields plus an extended timestamp, which
// zip.Writer.CreateRaw leaves to the caller.
func setModified(h *zip.FileHeader, t time.Time) {
	h.Modified = t
	if t.Year() < 1980 {
		t = time.Date(1980, 1, 1, 0, 0, 0, 0, t.Location())
	}
	// #nosec G115 -- fields are range-limited calendar values.
	h.ModifiedDate = uint16(t.Day() + int(t.Month())<<5 + (t.Year()-1980)<<9)
	// #nosec G115 -- fields are range-limited calendar values.
	h.ModifiedTime = uint16(t.Second()/2 + t.Minute()<<5 + t.Hour()<<11)

	var extra [9]byte
	binary.LittleEndian.PutUint16(extra[0:], extTimeTag)
	binary.LittleEndian.PutUint16(extra[2:], 5)
	extra[4] = extTimeModOnly
	// #nosec G115 -- zip extended timestamps are 32-bit.
	binary.LittleEndian.PutUint32(extra[5:], uint32(h.Modified.Unix()))
	h.Extra = append(h.Extra, extra[:]...)
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= utf8.RuneSelf {
			return false
		}
	}
	return true
}
