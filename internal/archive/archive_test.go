package archive

import (
	"archive/zip"
	"context"
	"encoding/binary"
	"errors"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/dataimport/internal/hash/sha256"
	"github.com/JakeFAU/dataimport/internal/id/uuid"
	"github.com/JakeFAU/dataimport/internal/importer"
)

type sequenceIDs struct {
	ids []string
	err error
}

func (s *sequenceIDs) NewID() (string, error) {
	if s.err != nil {
		return "", s.err
	}
	id := s.ids[0]
	if len(s.ids) > 1 {
		s.ids = s.ids[1:]
	}
	return id, nil
}

func writeInputs(t *testing.T) (string, string) {
	t.Helper()
	dir := t.TempDir()
	data := filepath.Join(dir, "nested", "sales.csv")
	descriptor := filepath.Join(dir, "sales.xml")
	require.NoError(t, os.MkdirAll(filepath.Dir(data), 0o755))
	require.NoError(t, os.WriteFile(data, []byte("region,total\nwest,10\n"), 0o600))
	require.NoError(t, os.WriteFile(descriptor, []byte("<dataset/>"), 0o600))
	mtime := time.Date(2020, 5, 17, 8, 30, 0, 0, time.UTC)
	require.NoError(t, os.Chtimes(data, mtime, mtime))
	return data, descriptor
}

func listDir(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names
}

func TestCreateArchiveStoresBaseNames(t *testing.T) {
	t.Parallel()

	data, descriptor := writeInputs(t)
	tmp := t.TempDir()
	a := New(Config{TempDir: tmp}, uuid.NewRandom(), sha256.New(), nil)

	handle, err := a.CreateArchive(context.Background(), []string{data, descriptor})
	require.NoError(t, err)
	require.Equal(t, tmp, filepath.Dir(handle.Path))
	require.Equal(t, ".zip", filepath.Ext(handle.Path))
	require.Len(t, handle.Entries, 2)
	assert.Equal(t, "sales.csv", handle.Entries[0].Name)
	assert.Equal(t, "sales.xml", handle.Entries[1].Name)
	assert.Equal(t, int64(len("region,total\nwest,10\n")), handle.Entries[0].Size)
	assert.Positive(t, handle.Size)

	digest, err := sha256.New().HashFile(handle.Path)
	require.NoError(t, err)
	assert.Equal(t, digest, handle.Digest)

	zr, err := zip.OpenReader(handle.Path)
	require.NoError(t, err)
	require.Len(t, zr.File, 2)
	first := zr.File[0]
	assert.Equal(t, "sales.csv", first.Name)
	assert.Equal(t, uint64(len("region,total\nwest,10\n")), first.UncompressedSize64)
	assert.True(t, first.Modified.Equal(time.Date(2020, 5, 17, 8, 30, 0, 0, time.UTC)), "modified %v", first.Modified)
	assert.Equal(t, "sales.xml", zr.File[1].Name)
	require.NoError(t, zr.Close())

	require.NoError(t, os.Remove(handle.Path))
	assert.Empty(t, listDir(t, tmp))
}

func TestCreateArchiveWritesSizesInLocalHeader(t *testing.T) {
	t.Parallel()

	data, descriptor := writeInputs(t)
	a := New(Config{TempDir: t.TempDir()}, uuid.NewRandom(), nil, nil)

	handle, err := a.CreateArchive(context.Background(), []string{data, descriptor})
	require.NoError(t, err)

	raw, err := os.ReadFile(handle.Path)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(raw), 30)
	require.Equal(t, uint32(0x04034b50), binary.LittleEndian.Uint32(raw[0:]), "local file header signature")

	flags := binary.LittleEndian.Uint16(raw[6:])
	crc := binary.LittleEndian.Uint32(raw[14:])
	compressed := binary.LittleEndian.Uint32(raw[18:])
	uncompressed := binary.LittleEndian.Uint32(raw[22:])
	assert.Zero(t, flags&0x8, "no data descriptor")
	assert.Equal(t, crc32.ChecksumIEEE([]byte("region,total\nwest,10\n")), crc)
	assert.NotZero(t, compressed)
	assert.Equal(t, uint32(len("region,total\nwest,10\n")), uncompressed)

	zr, err := zip.OpenReader(handle.Path)
	require.NoError(t, err)
	defer func() {
		_ = zr.Close()
	}()
	for _, f := range zr.File {
		rc, err := f.Open()
		require.NoError(t, err)
		_, err = io.Copy(io.Discard, rc)
		require.NoError(t, err, "checksum verified for %s", f.Name)
		require.NoError(t, rc.Close())
	}
}

func TestCreateArchiveMissingFileCreatesNothing(t *testing.T) {
	t.Parallel()

	data, _ := writeInputs(t)
	tmp := t.TempDir()
	a := New(Config{TempDir: tmp}, uuid.NewRandom(), nil, nil)

	tests := []struct {
		name  string
		paths []string
	}{
		{name: "missing descriptor", paths: []string{data, filepath.Join(t.TempDir(), "absent.xml")}},
		{name: "directory", paths: []string{data, t.TempDir()}},
		{name: "empty", paths: nil},
	}
	for _, tt := range tests {
		_, err := a.CreateArchive(context.Background(), tt.paths)
		require.ErrorIs(t, err, importer.ErrFileNotFound, tt.name)
	}
	assert.Empty(t, listDir(t, tmp))
}

func TestCreateArchiveRetriesNameCollision(t *testing.T) {
	t.Parallel()

	data, descriptor := writeInputs(t)
	tmp := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(tmp, "taken.zip"), []byte("occupied"), 0o600))

	ids := &sequenceIDs{ids: []string{"taken", "taken", "fresh"}}
	a := New(Config{TempDir: tmp}, ids, nil, nil)
	handle, err := a.CreateArchive(context.Background(), []string{data, descriptor})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(tmp, "fresh.zip"), handle.Path)
	assert.Empty(t, handle.Digest)

	occupied, err := os.ReadFile(filepath.Join(tmp, "taken.zip"))
	require.NoError(t, err)
	assert.Equal(t, "occupied", string(occupied))
}

func TestCreateArchiveGivesUpAfterAttempts(t *testing.T) {
	t.Parallel()

	data, descriptor := writeInputs(t)
	tmp := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(tmp, "taken.zip"), nil, 0o600))

	a := New(Config{TempDir: tmp}, &sequenceIDs{ids: []string{"taken"}}, nil, nil)
	_, err := a.CreateArchive(context.Background(), []string{data, descriptor})
	require.ErrorIs(t, err, importer.ErrIO)
}

func TestCreateArchiveIDFailure(t *testing.T) {
	t.Parallel()

	data, descriptor := writeInputs(t)
	a := New(Config{TempDir: t.TempDir()}, &sequenceIDs{err: errors.New("entropy")}, nil, nil)
	_, err := a.CreateArchive(context.Background(), []string{data, descriptor})
	require.ErrorIs(t, err, importer.ErrIO)
	require.ErrorContains(t, err, "entropy")
}

func TestCreateArchiveCanceledContext(t *testing.T) {
	t.Parallel()

	data, descriptor := writeInputs(t)
	tmp := t.TempDir()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	a := New(Config{TempDir: tmp}, uuid.NewRandom(), nil, nil)
	_, err := a.CreateArchive(ctx, []string{data, descriptor})
	require.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, listDir(t, tmp))
}

func TestCreateArchiveDeterministicEntries(t *testing.T) {
	t.Parallel()

	data, descriptor := writeInputs(t)
	a := New(Config{TempDir: t.TempDir()}, uuid.NewRandom(), nil, nil)

	first, err := a.CreateArchive(context.Background(), []string{data, descriptor})
	require.NoError(t, err)
	second, err := a.CreateArchive(context.Background(), []string{data, descriptor})
	require.NoError(t, err)

	assert.NotEqual(t, first.Path, second.Path)
	assert.Equal(t, first.Entries, second.Entries)
}
