package export

import (
	"archive/tar"
	"archive/zip"
	"compress/gzip"
	"fmt"
	"io"
	"sort"
	"time"
)

// fileOrder lists pack members in their canonical emission order; unknown
// names sort after, alphabetically.
var fileOrder = map[string]int{
	FileReceipts:    0,
	FilePolicy:      1,
	FileTrust:       2,
	FileManifest:    3,
	FileManifestSig: 4,
}

func orderedNames(files map[string][]byte) []string {
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		oi, iok := fileOrder[names[i]]
		oj, jok := fileOrder[names[j]]
		switch {
		case iok && jok:
			return oi < oj
		case iok:
			return true
		case jok:
			return false
		default:
			return names[i] < names[j]
		}
	})
	return names
}

// WriteZip streams the pack as a zip archive.
func (p *Pack) WriteZip(w io.Writer) error {
	zw := zip.NewWriter(w)
	for _, name := range orderedNames(p.Files) {
		fh := &zip.FileHeader{Name: name, Method: zip.Deflate}
		fh.Modified = p.Manifest.GeneratedAt
		f, err := zw.CreateHeader(fh)
		if err != nil {
			return fmt.Errorf("export: zip entry %s: %w", name, err)
		}
		if _, err := f.Write(p.Files[name]); err != nil {
			return fmt.Errorf("export: zip write %s: %w", name, err)
		}
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("export: close zip: %w", err)
	}
	return nil
}

// WriteTarGz streams the pack as a gzip'd tarball. Entry order and
// timestamps are fixed, so equal inputs produce byte-identical archives.
func (p *Pack) WriteTarGz(w io.Writer) error {
	gw, err := gzip.NewWriterLevel(w, gzip.BestCompression)
	if err != nil {
		return fmt.Errorf("export: gzip init: %w", err)
	}
	tw := tar.NewWriter(gw)
	for _, name := range orderedNames(p.Files) {
		content := p.Files[name]
		hdr := &tar.Header{
			Name:    name,
			Mode:    0o644,
			Size:    int64(len(content)),
			ModTime: p.Manifest.GeneratedAt.Truncate(time.Second),
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return fmt.Errorf("export: tar header %s: %w", name, err)
		}
		if _, err := tw.Write(content); err != nil {
			return fmt.Errorf("export: tar write %s: %w", name, err)
		}
	}
	if err := tw.Close(); err != nil {
		return fmt.Errorf("export: close tar: %w", err)
	}
	if err := gw.Close(); err != nil {
		return fmt.Errorf("export: close gzip: %w", err)
	}
	return nil
}
