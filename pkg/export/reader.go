package export

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"strings"
)

// maxEntryBytes bounds a single archive member; packs are receipt logs and
// snapshots, never bulk data.
const maxEntryBytes = 256 << 20

// ReadArchive loads a pack written by WriteZip or WriteTarGz, picking the
// format from the file name.
func ReadArchive(path string) (map[string][]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("export: read archive: %w", err)
	}
	if strings.HasSuffix(path, ".tar.gz") || strings.HasSuffix(path, ".tgz") {
		return ReadTarGz(bytes.NewReader(raw))
	}
	return ReadZip(bytes.NewReader(raw), int64(len(raw)))
}

// ReadZip loads every member of a zip archive into memory.
func ReadZip(r io.ReaderAt, size int64) (map[string][]byte, error) {
	zr, err := zip.NewReader(r, size)
	if err != nil {
		return nil, fmt.Errorf("export: open zip: %w", err)
	}
	files := make(map[string][]byte, len(zr.File))
	for _, f := range zr.File {
		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("export: zip open %s: %w", f.Name, err)
		}
		content, err := io.ReadAll(io.LimitReader(rc, maxEntryBytes))
		_ = rc.Close()
		if err != nil {
			return nil, fmt.Errorf("export: zip read %s: %w", f.Name, err)
		}
		files[f.Name] = content
	}
	return files, nil
}

// ReadTarGz loads every member of a gzip'd tarball into memory.
func ReadTarGz(r io.Reader) (map[string][]byte, error) {
	gr, err := gzip.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("export: open gzip: %w", err)
	}
	defer func() { _ = gr.Close() }()

	files := make(map[string][]byte)
	tr := tar.NewReader(gr)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return files, nil
		}
		if err != nil {
			return nil, fmt.Errorf("export: read tar: %w", err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		content, err := io.ReadAll(io.LimitReader(tr, maxEntryBytes))
		if err != nil {
			return nil, fmt.Errorf("export: tar read %s: %w", hdr.Name, err)
		}
		files[hdr.Name] = content
	}
}
