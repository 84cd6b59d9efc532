package archive

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"compress/gzip"
	"fmt"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imaginglake/backend/internal/faults"
)

type nopWriter struct{}

func (nopWriter) Write(p []byte) (int, error) { return len(p), nil }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(nopWriter{}, &slog.HandlerOptions{Level: slog.LevelError}))
}

func buildZip(t *testing.T, members map[string][]byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, data := range members {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write(data)
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func buildTarGz(t *testing.T, members map[string][]byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for name, data := range members {
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name: name, Mode: 0o644, Size: int64(len(data)), Typeflag: tar.TypeReg,
		}))
		_, err := tw.Write(data)
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	return buf.Bytes()
}

func TestIsArchive(t *testing.T) {
	assert.True(t, IsArchive("study.zip"))
	assert.True(t, IsArchive("Study.ZIP"))
	assert.True(t, IsArchive("study.tar.gz"))
	assert.True(t, IsArchive("study.tgz"))
	assert.False(t, IsArchive("scan.dcm"))
	assert.False(t, IsArchive("notes.gz"))
}

func TestExpandZipSelectsDICOMMembers(t *testing.T) {
	members := map[string][]byte{"readme.txt": []byte("skip")}
	for i := 1; i <= 12; i++ {
		members[fmt.Sprintf("series/img%02d.dcm", i)] = []byte(fmt.Sprintf("dicom-%d", i))
	}
	data := buildZip(t, members)

	var seen []string
	res, err := Expand("b/study.zip", data, func(uri string, buf []byte) error {
		seen = append(seen, uri)
		assert.NotEmpty(t, buf)
		return nil
	}, testLogger())
	require.NoError(t, err)

	assert.Equal(t, 12, res.Processed)
	assert.Equal(t, 0, res.Failed)
	assert.Equal(t, 1, res.Skipped)
	assert.Len(t, seen, 12)
	assert.Contains(t, seen, "b/study.zip#img01.dcm", "member uri uses the basename fragment")
}

func TestExpandTarGz(t *testing.T) {
	data := buildTarGz(t, map[string][]byte{
		"a.dcm":     []byte("one"),
		"b.DCM":     []byte("two"),
		"notes.txt": []byte("skip"),
	})

	res, err := Expand("b/study.tar.gz", data, func(string, []byte) error { return nil }, testLogger())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Processed, "dcm match is case-insensitive")
	assert.Equal(t, 1, res.Skipped)
}

func TestExpandMemberFailuresAreIsolated(t *testing.T) {
	data := buildZip(t, map[string][]byte{
		"good.dcm": []byte("ok"),
		"bad.dcm":  []byte("broken"),
	})

	res, err := Expand("b/study.zip", data, func(uri string, _ []byte) error {
		if uri == "b/study.zip#bad.dcm" {
			return fmt.Errorf("parse failed")
		}
		return nil
	}, testLogger())
	require.NoError(t, err, "member failures never abort the archive")
	assert.Equal(t, 1, res.Processed)
	assert.Equal(t, 1, res.Failed)
}

func TestExpandDuplicateBasenamesDoNotShadow(t *testing.T) {
	data := buildZip(t, map[string][]byte{
		"a/x.dcm": []byte("first"),
		"b/x.dcm": []byte("second"),
	})

	var seen []string
	res, err := Expand("b/study.zip", data, func(uri string, _ []byte) error {
		seen = append(seen, uri)
		return nil
	}, testLogger())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Processed)
	assert.ElementsMatch(t, []string{"b/study.zip#x.dcm", "b/study.zip#2-x.dcm"}, seen)
}

func TestExpandCorruptArchive(t *testing.T) {
	_, err := Expand("b/study.zip", []byte("PK but not a zip"), func(string, []byte) error {
		t.Fatal("member fn must not run")
		return nil
	}, testLogger())
	require.Error(t, err)
	assert.False(t, faults.Retryable(err))
	assert.Equal(t, 422, faults.StatusOf(err))
}

func TestExpandCorruptTarGz(t *testing.T) {
	_, err := Expand("b/study.tgz", []byte("definitely not gzip"), func(string, []byte) error {
		return nil
	}, testLogger())
	require.Error(t, err)
	assert.False(t, faults.Retryable(err))
}

func TestExpandTraversalMemberNamesAreFlattened(t *testing.T) {
	data := buildZip(t, map[string][]byte{"../../escape.dcm": []byte("x")})

	var seen []string
	res, err := Expand("b/study.zip", data, func(uri string, _ []byte) error {
		seen = append(seen, uri)
		return nil
	}, testLogger())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Processed)
	assert.Equal(t, []string{"b/study.zip#escape.dcm"}, seen)
}
