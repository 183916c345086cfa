// Package cachestore implements the content-addressed, two-file,
// atomic-commit cache of spec §4.1: for a given key, a metadata document
// ("<key>.json") and a payload ("<key>.payload") are each written to a
// temporary file and atomically renamed into place on Commit, or removed on
// Rollback, so that a reader never observes a partially written file. Each
// WriteHandle commits or rolls back on its own; the store does not tie the
// two files of a key together.
//
// The layout and the temp-file-then-rename commit are adapted from
// pkg/storage/local's PutNar/PutNarInfo.
package cachestore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/nevali/crawl/pkg/cachekey"
	"github.com/nevali/crawl/pkg/object"
)

const (
	// InfoSuffix is the filename suffix of the metadata document.
	InfoSuffix = "json"

	// PayloadSuffix is the filename suffix of the raw response body.
	PayloadSuffix = "payload"

	dirMode  = 0o700
	fileMode = 0o600

	otelPackageName = "github.com/nevali/crawl/pkg/cachestore"
)

var (
	// ErrPathMustBeAbsolute is returned if the given base path is not absolute.
	ErrPathMustBeAbsolute = errors.New("cachestore: path must be absolute")

	// ErrPathMustExist is returned if the given base path does not exist.
	ErrPathMustExist = errors.New("cachestore: path must exist")

	// ErrPathMustBeADirectory is returned if the given base path is not a directory.
	ErrPathMustBeADirectory = errors.New("cachestore: path must be a directory")

	// ErrPathMustBeWritable is returned if the given base path is not writable.
	ErrPathMustBeWritable = errors.New("cachestore: path must be writable")

	// ErrNotFound is returned when a cache entry does not exist.
	ErrNotFound = errors.New("cachestore: not found")

	//nolint:gochecknoglobals
	tracer trace.Tracer
)

//nolint:gochecknoinits
func init() {
	tracer = otel.Tracer(otelPackageName)
}

// Store is a content-addressed two-file cache rooted at a directory of the
// host filesystem.
type Store struct {
	base string
}

// New returns a Store rooted at base, which must be an absolute, existing,
// writable directory.
func New(ctx context.Context, base string) (*Store, error) {
	if err := validateBase(ctx, base); err != nil {
		return nil, err
	}

	return &Store{base: base}, nil
}

// Base returns the store's root directory.
func (s *Store) Base() string { return s.base }

// PayloadPath returns the final (non-temporary) path of key's payload file,
// whether or not it currently exists. Intended for out-of-band streaming by
// a processor.
func (s *Store) PayloadPath(key string) string {
	return cachekey.ShardPath(s.base, key, PayloadSuffix, false)
}

// WriteHandle is one temporary file opened for a cache write transaction.
// Exactly one of Commit or Rollback must be called for every WriteHandle
// that is opened.
type WriteHandle struct {
	f         *os.File
	tmpPath   string
	finalPath string
	ctx       context.Context //nolint:containedctx
	op        string
}

// Write implements io.Writer, streaming bytes to the temporary file.
func (h *WriteHandle) Write(p []byte) (int, error) { return h.f.Write(p) }

// Commit closes the temporary file and atomically renames it into place.
// After Commit returns without error, any reader opening the final path
// observes the new bytes in full.
func (h *WriteHandle) Commit() error {
	_, span := tracer.Start(h.ctx, "cachestore."+h.op+".Commit",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attribute.String("final_path", h.finalPath)),
	)
	defer span.End()

	if err := h.f.Close(); err != nil {
		return fmt.Errorf("cachestore: error closing temporary file %q: %w", h.tmpPath, err)
	}

	if err := os.Rename(h.tmpPath, h.finalPath); err != nil {
		return fmt.Errorf("cachestore: error committing %q: %w", h.finalPath, err)
	}

	return os.Chmod(h.finalPath, fileMode)
}

// Rollback closes the temporary file and unlinks it. The final path is left
// untouched.
func (h *WriteHandle) Rollback() error {
	_, span := tracer.Start(h.ctx, "cachestore."+h.op+".Rollback",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attribute.String("tmp_path", h.tmpPath)),
	)
	defer span.End()

	closeErr := h.f.Close()
	removeErr := os.Remove(h.tmpPath)

	if closeErr != nil {
		return fmt.Errorf("cachestore: error closing temporary file %q: %w", h.tmpPath, closeErr)
	}

	if removeErr != nil && !os.IsNotExist(removeErr) {
		return fmt.Errorf("cachestore: error removing temporary file %q: %w", h.tmpPath, removeErr)
	}

	return nil
}

// OpenInfoWrite opens the ".json.tmp" write target for key.
func (s *Store) OpenInfoWrite(ctx context.Context, key string) (*WriteHandle, error) {
	return s.openWrite(ctx, key, InfoSuffix, "info")
}

// OpenPayloadWrite opens the ".payload.tmp" write target for key.
func (s *Store) OpenPayloadWrite(ctx context.Context, key string) (*WriteHandle, error) {
	return s.openWrite(ctx, key, PayloadSuffix, "payload")
}

func (s *Store) openWrite(ctx context.Context, key, suffix, op string) (*WriteHandle, error) {
	finalPath := cachekey.ShardPath(s.base, key, suffix, false)
	tmpPath := cachekey.ShardPath(s.base, key, suffix, true)

	_, span := tracer.Start(ctx, "cachestore."+op+".OpenWrite",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("cache_key", key),
			attribute.String("tmp_path", tmpPath),
		),
	)
	defer span.End()

	if err := os.MkdirAll(filepath.Dir(tmpPath), dirMode); err != nil {
		return nil, fmt.Errorf("cachestore: error creating directories for %q: %w", tmpPath, err)
	}

	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, fileMode)
	if err != nil {
		return nil, fmt.Errorf("cachestore: error opening %q for writing: %w", tmpPath, err)
	}

	return &WriteHandle{f: f, tmpPath: tmpPath, finalPath: finalPath, ctx: ctx, op: op}, nil
}

// OpenInfoRead opens the metadata document for key, or returns ErrNotFound.
func (s *Store) OpenInfoRead(ctx context.Context, key string) (io.ReadCloser, error) {
	path := cachekey.ShardPath(s.base, key, InfoSuffix, false)

	_, span := tracer.Start(ctx, "cachestore.info.OpenRead",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attribute.String("cache_key", key)),
	)
	defer span.End()

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}

		return nil, fmt.Errorf("cachestore: error opening %q: %w", path, err)
	}

	return f, nil
}

// Stat returns the parsed metadata for key without constructing a full
// Object, reporting ok=false if no entry exists.
func (s *Store) Stat(ctx context.Context, key string) (meta object.Metadata, ok bool, err error) {
	r, err := s.OpenInfoRead(ctx, key)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return object.Metadata{}, false, nil
		}

		return object.Metadata{}, false, err
	}
	defer r.Close()

	b, err := io.ReadAll(r)
	if err != nil {
		return object.Metadata{}, false, fmt.Errorf("cachestore: error reading metadata for %q: %w", key, err)
	}

	m, err := object.UnmarshalMetadata(b)
	if err != nil {
		return object.Metadata{}, false, fmt.Errorf("cachestore: error parsing metadata for %q: %w", key, err)
	}

	return m, true, nil
}

func validateBase(ctx context.Context, base string) error {
	log := zerolog.Ctx(ctx)

	if !filepath.IsAbs(base) {
		log.Error().Str("path", base).Msg("cache base path is not absolute")

		return ErrPathMustBeAbsolute
	}

	info, err := os.Stat(base)
	if errors.Is(err, fs.ErrNotExist) {
		log.Error().Str("path", base).Msg("cache base path does not exist")

		return ErrPathMustExist
	}

	if err != nil {
		return fmt.Errorf("cachestore: error stat'ing %q: %w", base, err)
	}

	if !info.IsDir() {
		log.Error().Str("path", base).Msg("cache base path is not a directory")

		return ErrPathMustBeADirectory
	}

	if !isWritable(base) {
		log.Error().Str("path", base).Msg("cache base path is not writable")

		return ErrPathMustBeWritable
	}

	return nil
}

func isWritable(path string) bool {
	f, err := os.CreateTemp(path, "write_test")
	if err != nil {
		return false
	}

	defer os.Remove(f.Name())
	defer f.Close()

	return true
}
