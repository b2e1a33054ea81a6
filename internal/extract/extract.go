// Package extract unpacks archive files into flat trees of regular files so
// each member can be scanned on its own. Nested archives are recursed up to
// a depth bound.
package extract

import (
	"archive/tar"
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
)

var (
	// ErrUnsupportedFormat marks inputs no extractor recognises.
	ErrUnsupportedFormat = errors.New("unsupported archive format")
	// ErrDepthExceeded marks archives nested deeper than the configured bound.
	ErrDepthExceeded = errors.New("archive nesting too deep")
)

// Entry is one extracted regular file.
type Entry struct {
	Name string
	Path string
	Size int64
}

// ArchiveMimeTypes lists the container types the extractor understands,
// keyed by detected mimetype.
var ArchiveMimeTypes = map[string]struct{}{
	"application/zip":    {},
	"application/x-tar":  {},
	"application/gzip":   {},
	"application/x-gzip": {},
}

// IsArchive reports whether the mimetype belongs to a supported container.
func IsArchive(mimeType string) bool {
	_, ok := ArchiveMimeTypes[strings.ToLower(mimeType)]
	return ok
}

// Extractor unpacks one archive level into a destination directory.
type Extractor struct {
	maxDepth    int
	maxFileSize int64
}

// New builds an extractor. maxFileSize bounds each decompressed member,
// guarding against decompression bombs.
func New(maxDepth int, maxFileSize int64) *Extractor {
	if maxDepth <= 0 {
		maxDepth = 8
	}
	if maxFileSize <= 0 {
		maxFileSize = 1 << 30
	}
	return &Extractor{maxDepth: maxDepth, maxFileSize: maxFileSize}
}

// Extract unpacks the archive at archivePath into destination and returns
// the extracted regular files. Depth counts nesting levels already walked;
// callers pass 0 for a top-level archive.
func (e *Extractor) Extract(ctx context.Context, archivePath, destination string, depth int) ([]Entry, error) {
	if depth >= e.maxDepth {
		return nil, ErrDepthExceeded
	}
	if err := os.MkdirAll(destination, 0o755); err != nil {
		return nil, fmt.Errorf("create extraction dir: %w", err)
	}

	switch {
	case strings.HasSuffix(strings.ToLower(archivePath), ".zip"):
		return e.extractZip(ctx, archivePath, destination)
	case strings.HasSuffix(strings.ToLower(archivePath), ".tar"):
		return e.extractTar(ctx, archivePath, destination, false)
	case strings.HasSuffix(strings.ToLower(archivePath), ".tar.gz"),
		strings.HasSuffix(strings.ToLower(archivePath), ".tgz"):
		return e.extractTar(ctx, archivePath, destination, true)
	case strings.HasSuffix(strings.ToLower(archivePath), ".gz"):
		return e.extractGzip(ctx, archivePath, destination)
	default:
		return e.sniff(ctx, archivePath, destination)
	}
}

// sniff retries by content when the extension gives no hint.
func (e *Extractor) sniff(ctx context.Context, archivePath, destination string) ([]Entry, error) {
	if entries, err := e.extractZip(ctx, archivePath, destination); err == nil {
		return entries, nil
	}
	if entries, err := e.extractTar(ctx, archivePath, destination, true); err == nil {
		return entries, nil
	}
	if entries, err := e.extractTar(ctx, archivePath, destination, false); err == nil {
		return entries, nil
	}
	return nil, ErrUnsupportedFormat
}

func (e *Extractor) extractZip(ctx context.Context, archivePath, destination string) ([]Entry, error) {
	reader, err := zip.OpenReader(archivePath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedFormat, err)
	}
	defer reader.Close() //nolint:errcheck

	entries := make([]Entry, 0, len(reader.File))
	for _, member := range reader.File {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if member.FileInfo().IsDir() {
			continue
		}
		target, err := securePath(destination, member.Name)
		if err != nil {
			return nil, err
		}
		src, err := member.Open()
		if err != nil {
			return nil, fmt.Errorf("open zip member %s: %w", member.Name, err)
		}
		size, err := e.writeMember(target, src)
		src.Close() //nolint:errcheck
		if err != nil {
			return nil, err
		}
		entries = append(entries, Entry{Name: filepath.Base(member.Name), Path: target, Size: size})
	}
	return entries, nil
}

func (e *Extractor) extractTar(ctx context.Context, archivePath, destination string, gzipped bool) ([]Entry, error) {
	file, err := os.Open(archivePath)
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	defer file.Close() //nolint:errcheck

	var stream io.Reader = file
	if gzipped {
		gz, err := gzip.NewReader(file)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnsupportedFormat, err)
		}
		defer gz.Close() //nolint:errcheck
		stream = gz
	}

	reader := tar.NewReader(stream)
	var entries []Entry
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		header, err := reader.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnsupportedFormat, err)
		}
		if header.Typeflag != tar.TypeReg {
			continue
		}
		target, err := securePath(destination, header.Name)
		if err != nil {
			return nil, err
		}
		size, err := e.writeMember(target, reader)
		if err != nil {
			return nil, err
		}
		entries = append(entries, Entry{Name: filepath.Base(header.Name), Path: target, Size: size})
	}
	if len(entries) == 0 {
		return nil, ErrUnsupportedFormat
	}
	return entries, nil
}

func (e *Extractor) extractGzip(ctx context.Context, archivePath, destination string) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	file, err := os.Open(archivePath)
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	defer file.Close() //nolint:errcheck

	gz, err := gzip.NewReader(file)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedFormat, err)
	}
	defer gz.Close() //nolint:errcheck

	name := strings.TrimSuffix(filepath.Base(archivePath), ".gz")
	if name == "" {
		name = "decompressed"
	}
	target, err := securePath(destination, name)
	if err != nil {
		return nil, err
	}
	size, err := e.writeMember(target, gz)
	if err != nil {
		return nil, err
	}
	return []Entry{{Name: name, Path: target, Size: size}}, nil
}

func (e *Extractor) writeMember(target string, src io.Reader) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return 0, fmt.Errorf("prepare member dir: %w", err)
	}
	dst, err := os.Create(target)
	if err != nil {
		return 0, fmt.Errorf("create member file: %w", err)
	}
	defer dst.Close() //nolint:errcheck

	size, err := io.Copy(dst, io.LimitReader(src, e.maxFileSize+1))
	if err != nil {
		return 0, fmt.Errorf("write member file: %w", err)
	}
	if size > e.maxFileSize {
		_ = os.Remove(target)
		return 0, fmt.Errorf("member exceeds %d bytes limit", e.maxFileSize)
	}
	return size, nil
}

// securePath rejects members that would escape the destination directory.
func securePath(destination, memberName string) (string, error) {
	cleaned := filepath.Clean(filepath.Join(destination, memberName))
	if cleaned != destination && !strings.HasPrefix(cleaned, destination+string(os.PathSeparator)) {
		return "", fmt.Errorf("archive member %q escapes destination", memberName)
	}
	return cleaned, nil
}
