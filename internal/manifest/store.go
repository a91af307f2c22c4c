// Package manifest persists the local bundle manifest: one fixed-layout
// binary record per bundle, rewritten wholesale on every save. Reads stop at
// the first short or corrupt record so a truncated file yields every record
// before the damage instead of an error.
package manifest

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"

	"bundled/internal/common/fsutil"
	"bundled/pkg/types"
)

// maxNameLen bounds the name field so a corrupt length prefix cannot force a
// huge allocation.
const maxNameLen = 1024

// Store reads and writes the manifest file.
type Store struct {
	path string
	log  zerolog.Logger
}

// NewStore builds a store for the given manifest path.
func NewStore(path string, log zerolog.Logger) *Store {
	return &Store{path: path, log: log}
}

// Path returns the manifest file path.
func (s *Store) Path() string { return s.path }

// Load reads all entries. A missing file is not an error: it returns an
// empty slice. Truncated or corrupt trailing data stops the read at the last
// good record and logs the offset.
func (s *Store) Load() ([]types.ManifestEntry, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	var entries []types.ManifestEntry
	r := bytes.NewReader(data)
	for {
		offset := int64(len(data)) - int64(r.Len())
		entry, err := readRecord(r)
		if err == io.EOF {
			break
		}
		if err != nil {
			s.log.Warn().
				Str("path", s.path).
				Int64("offset", offset).
				Int("records", len(entries)).
				Err(err).
				Msg("manifest truncated; keeping records read so far")
			break
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// Save rewrites the manifest wholesale via an atomic rename.
func (s *Store) Save(entries []types.ManifestEntry) error {
	var buf bytes.Buffer
	for _, e := range entries {
		if err := writeRecord(&buf, e); err != nil {
			return fmt.Errorf("encode %s: %w", e.Name, err)
		}
	}
	if err := fsutil.WriteFileAtomic(s.path, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("save manifest: %w", err)
	}
	return nil
}

// Record layout, little-endian:
//
//	uint16 name length | name bytes | uint32 version | uint32 checksum | uint8 cached

func readRecord(r *bytes.Reader) (types.ManifestEntry, error) {
	var e types.ManifestEntry
	var nameLen uint16
	if err := binary.Read(r, binary.LittleEndian, &nameLen); err != nil {
		return e, err
	}
	if nameLen == 0 || nameLen > maxNameLen {
		return e, fmt.Errorf("bad name length %d", nameLen)
	}
	name := make([]byte, nameLen)
	if _, err := io.ReadFull(r, name); err != nil {
		return e, err
	}
	e.Name = string(name)
	if err := binary.Read(r, binary.LittleEndian, &e.Version); err != nil {
		return e, err
	}
	if err := binary.Read(r, binary.LittleEndian, &e.Checksum); err != nil {
		return e, err
	}
	var cached uint8
	if err := binary.Read(r, binary.LittleEndian, &cached); err != nil {
		return e, err
	}
	e.Cached = cached != 0
	return e, nil
}

func writeRecord(w io.Writer, e types.ManifestEntry) error {
	if len(e.Name) == 0 || len(e.Name) > maxNameLen {
		return fmt.Errorf("bad name length %d", len(e.Name))
	}
	if err := binary.Write(w, binary.LittleEndian, uint16(len(e.Name))); err != nil {
		return err
	}
	if _, err := w.Write([]byte(e.Name)); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, e.Version); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, e.Checksum); err != nil {
		return err
	}
	var cached uint8
	if e.Cached {
		cached = 1
	}
	return binary.Write(w, binary.LittleEndian, cached)
}
