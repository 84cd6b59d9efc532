// Package archive expands zip and tar.gz archives into per-member DICOM
// buffers for the ingestion pipeline.
package archive

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/imaginglake/backend/internal/faults"
)

// MemberFunc processes one extracted DICOM member. uri is the archive URI
// with the member basename as fragment.
type MemberFunc func(uri string, data []byte) error

// Result counts the outcome of one expansion.
type Result struct {
	Processed int
	Failed    int
	Skipped   int
}

// IsArchive reports whether the object name selects the archive path.
func IsArchive(name string) bool {
	lower := strings.ToLower(name)
	return strings.HasSuffix(lower, ".zip") ||
		strings.HasSuffix(lower, ".tar.gz") ||
		strings.HasSuffix(lower, ".tgz")
}

// Expand extracts data into a scoped temporary directory, then hands every
// member named *.dcm (case-insensitive) to fn, sequentially, so memory and
// tempdir footprint stay bounded by the largest single member.
//
// Member failures are isolated: they are counted and logged but never abort
// the archive. A corrupt archive itself is a permanent fault.
func Expand(uri string, data []byte, fn MemberFunc, logger *slog.Logger) (Result, error) {
	var res Result

	dir, err := os.MkdirTemp("", "ingest-archive-*")
	if err != nil {
		return res, fmt.Errorf("create archive tempdir: %w", err)
	}
	defer os.RemoveAll(dir)

	var members []string
	lower := strings.ToLower(uri)
	switch {
	case strings.HasSuffix(lower, ".zip"):
		members, err = extractZip(data, dir)
	case strings.HasSuffix(lower, ".tar.gz"), strings.HasSuffix(lower, ".tgz"):
		members, err = extractTarGz(data, dir)
	default:
		return res, faults.InvalidInputf("unrecognised archive suffix on %q", uri)
	}
	if err != nil {
		return res, faults.InvalidInput(fmt.Errorf("expand %s: %w", uri, err))
	}

	for _, name := range members {
		if !strings.HasSuffix(strings.ToLower(name), ".dcm") {
			res.Skipped++
			continue
		}
		memberURI := uri + "#" + filepath.Base(name)
		buf, err := os.ReadFile(filepath.Join(dir, name))
		if err == nil {
			err = fn(memberURI, buf)
		}
		if err != nil {
			res.Failed++
			logger.Warn("archive member failed", "uri", memberURI, "error", err)
			continue
		}
		res.Processed++
	}

	return res, nil
}

func extractZip(data []byte, dir string) ([]string, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, err
	}
	var names []string
	seen := map[string]int{}
	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("open member %s: %w", f.Name, err)
		}
		name, err := writeMember(dir, f.Name, seen, rc)
		rc.Close()
		if err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, nil
}

func extractTarGz(data []byte, dir string) ([]string, error) {
	gz, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	var names []string
	seen := map[string]int{}
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		name, err := writeMember(dir, hdr.Name, seen, tr)
		if err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, nil
}

// writeMember streams one entry under dir, flattening to the basename so a
// crafted member path cannot escape the scoped directory. Basenames repeated
// across subdirectories get an index prefix so no member shadows another.
func writeMember(dir, name string, seen map[string]int, r io.Reader) (string, error) {
	base := filepath.Base(filepath.Clean(name))
	if base == "." || base == ".." || base == string(filepath.Separator) {
		return "", fmt.Errorf("invalid member name %q", name)
	}
	seen[base]++
	if n := seen[base]; n > 1 {
		base = fmt.Sprintf("%d-%s", n, base)
	}
	dst := filepath.Join(dir, base)
	f, err := os.Create(dst)
	if err != nil {
		return "", fmt.Errorf("create member %s: %w", base, err)
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return "", fmt.Errorf("extract member %s: %w", base, err)
	}
	if err := f.Close(); err != nil {
		return "", err
	}
	return base, nil
}
