/*
Copyright 2014 The Camlistore Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

     http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package archive probes, extracts, and repacks the archive formats the
// transfer pipeline accepts. ZIP, tar(.gz/.bz2/.xz) are handled
// in-process; 7z and RAR are delegated to an external archiver binary
// (configurable, default "7z") since no pure-Go library in this stack
// covers both format and encryption detection for them.
package archive

import (
	"archive/tar"
	"archive/zip"
	"compress/bzip2"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/flate"
	"github.com/ulikunitz/xz"
)

// Errors surfaced to the transfer engine as error_reason values.
var (
	ErrEncrypted    = errors.New("archive: encrypted_zip")
	ErrUnsafeEntry  = errors.New("archive: unsafe_path")
	ErrNotArchive   = errors.New("archive: not_an_archive")
	ErrRepackFailed = errors.New("archive: repack_failed")
)

// Compression methods recognized by IsCanonicalZip, matching the zip
// method constants plus the external tool's LZMA/PPMd identifiers.
const (
	MethodStore   = "store"
	MethodDeflate = "deflate"
	MethodLZMA    = "lzma"
	MethodBZip2   = "bzip2"
	MethodPPMd    = "ppmd"
)

// Entry describes one member of a probed archive.
type Entry struct {
	Name           string
	Size           uint64
	CompressedSize uint64
	IsDir          bool
	Encrypted      bool
	Method         string
}

// ProbeResult is the outcome of Probe.
type ProbeResult struct {
	// Type is one of "zip", "tar", "tar.gz", "tar.bz2", "tar.xz", "7z",
	// "rar", or "" if the file isn't a recognized archive.
	Type      string
	Encrypted bool
	Entries   []Entry
}

// zip method codes not covered by the archive/zip constants.
const (
	zipBZip2 uint16 = 12
	zipLZMA  uint16 = 14
	zipPPMd  uint16 = 98
)

func init() {
	zip.RegisterDecompressor(zipBZip2, func(r io.Reader) io.ReadCloser {
		return io.NopCloser(bzip2.NewReader(r))
	})
	// LZMA(14) and PPMd(98) entries are still recognized as canonical by
	// IsCanonicalZip; extractZip delegates to the external archiver tool
	// for them since no in-process decoder for either is wired into this
	// stack (bzip2 and deflate cover the rest).
}

// Probe inspects path and reports its archive type, whether any member
// is encrypted, and its entry listing. A non-archive file returns a
// nil *ProbeResult and ErrNotArchive.
func Probe(path string, tool *Tool) (*ProbeResult, error) {
	if r, err := probeZip(path); err == nil {
		return r, nil
	} else if !errors.Is(err, zip.ErrFormat) {
		return nil, err
	}

	if r, err := probeTar(path); err == nil {
		return r, nil
	}

	if tool != nil {
		if r, err := tool.Probe(path); err == nil {
			return r, nil
		}
	}

	return nil, ErrNotArchive
}

func probeZip(path string) (*ProbeResult, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return nil, err
	}
	defer zr.Close()

	res := &ProbeResult{Type: "zip"}
	for _, f := range zr.File {
		enc := f.Flags&0x1 != 0
		res.Encrypted = res.Encrypted || enc
		res.Entries = append(res.Entries, Entry{
			Name:           f.Name,
			Size:           f.UncompressedSize64,
			CompressedSize: f.CompressedSize64,
			IsDir:          f.FileInfo().IsDir(),
			Encrypted:      enc,
			Method:         zipMethodName(f.Method),
		})
	}
	return res, nil
}

func zipMethodName(m uint16) string {
	switch m {
	case zip.Store:
		return MethodStore
	case zip.Deflate:
		return MethodDeflate
	case zipBZip2:
		return MethodBZip2
	case zipLZMA:
		return MethodLZMA
	case zipPPMd:
		return MethodPPMd
	default:
		return fmt.Sprintf("unknown:%d", m)
	}
}

// probeTar recognizes tar, tar.gz, tar.bz2, and tar.xz by attempting to
// open a tar reader through each decompression layer in turn.
func probeTar(path string) (*ProbeResult, error) {
	openers := []struct {
		typ  string
		wrap func(io.Reader) (io.Reader, error)
	}{
		{"tar", func(r io.Reader) (io.Reader, error) { return r, nil }},
		{"tar.gz", func(r io.Reader) (io.Reader, error) { return gzip.NewReader(r) }},
		{"tar.bz2", func(r io.Reader) (io.Reader, error) { return bzip2.NewReader(r), nil }},
		{"tar.xz", func(r io.Reader) (io.Reader, error) { return xz.NewReader(r) }},
	}

	for _, o := range openers {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		rc, err := o.wrap(f)
		if err != nil {
			f.Close()
			continue
		}
		tr := tar.NewReader(rc)
		res := &ProbeResult{Type: o.typ}
		ok := true
		for {
			hdr, err := tr.Next()
			if err == io.EOF {
				break
			}
			if err != nil {
				ok = false
				break
			}
			res.Entries = append(res.Entries, Entry{
				Name:   hdr.Name,
				Size:   uint64(hdr.Size),
				IsDir:  hdr.Typeflag == tar.TypeDir,
				Method: MethodStore,
			})
		}
		f.Close()
		if ok && len(res.Entries) > 0 {
			return res, nil
		}
	}
	return nil, ErrNotArchive
}

// IsCanonicalZip reports whether entries represents an already-canonical
// ZIP: every non-directory entry unencrypted and compressed with
// Deflate/LZMA/BZip2/PPMd, with zero-byte Stored entries tolerated.
func IsCanonicalZip(entries []Entry) bool {
	for _, e := range entries {
		if e.IsDir {
			continue
		}
		if e.Encrypted {
			return false
		}
		switch e.Method {
		case MethodDeflate, MethodLZMA, MethodBZip2, MethodPPMd:
			continue
		case MethodStore:
			if e.Size == 0 {
				continue
			}
			return false
		default:
			return false
		}
	}
	return true
}

// Extract unpacks an archive into dest. It refuses encrypted members
// and any entry whose resolved path would escape dest, regardless of
// what the probed entries claimed.
func Extract(path, archiveType, dest string, entries []Entry, tool *Tool) error {
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return err
	}
	switch archiveType {
	case "zip":
		return extractZip(path, dest, entries, tool)
	case "tar", "tar.gz", "tar.bz2", "tar.xz":
		return extractTar(path, archiveType, dest)
	case "7z", "rar":
		if tool == nil {
			return fmt.Errorf("archive: no archiver tool configured for %s", archiveType)
		}
		return tool.Extract(path, dest, entries)
	default:
		return ErrNotArchive
	}
}

func safeEntryDest(dest, name string) (string, error) {
	target := filepath.Join(dest, name)
	if target != filepath.Clean(dest) && !strings.HasPrefix(target, filepath.Clean(dest)+string(filepath.Separator)) {
		return "", ErrUnsafeEntry
	}
	return target, nil
}

// zipNeedsExternalTool reports whether entries uses a codec this
// process has no in-process decompressor for (LZMA, PPMd), meaning
// archive/zip's File.Open will fail with zip.ErrAlgorithm.
func zipNeedsExternalTool(entries []Entry) bool {
	for _, e := range entries {
		if e.Method == MethodLZMA || e.Method == MethodPPMd {
			return true
		}
	}
	return false
}

func extractZip(path, dest string, entries []Entry, tool *Tool) error {
	for _, e := range entries {
		if e.Encrypted {
			return ErrEncrypted
		}
	}
	if zipNeedsExternalTool(entries) {
		if tool == nil {
			return fmt.Errorf("%w: zip uses lzma/ppmd compression, no archiver tool configured", ErrRepackFailed)
		}
		return tool.Extract(path, dest, entries)
	}
	zr, err := zip.OpenReader(path)
	if err != nil {
		return err
	}
	defer zr.Close()

	for _, f := range zr.File {
		target, err := safeEntryDest(dest, f.Name)
		if err != nil {
			return err
		}
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		if err := extractZipFile(f, target); err != nil {
			return err
		}
	}
	return nil
}

func extractZipFile(f *zip.File, target string) error {
	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer rc.Close()
	out, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, rc)
	return err
}

func extractTar(path, archiveType, dest string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	var r io.Reader = f
	switch archiveType {
	case "tar.gz":
		gz, err := gzip.NewReader(f)
		if err != nil {
			return err
		}
		defer gz.Close()
		r = gz
	case "tar.bz2":
		r = bzip2.NewReader(f)
	case "tar.xz":
		xr, err := xz.NewReader(f)
		if err != nil {
			return err
		}
		r = xr
	}

	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		target, err := safeEntryDest(dest, hdr.Name)
		if err != nil {
			return err
		}
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			out, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
			if err != nil {
				return err
			}
			if _, err := io.Copy(out, tr); err != nil {
				out.Close()
				return err
			}
			out.Close()
		}
	}
	return nil
}

// ZipDir walks srcDir and writes a canonical Deflate ZIP at level
// (0-9) to destZip, preserving relative paths.
func ZipDir(srcDir, destZip string, level int) (int64, error) {
	out, err := os.Create(destZip)
	if err != nil {
		return 0, err
	}
	defer out.Close()

	zw := zip.NewWriter(out)
	zw.RegisterCompressor(zip.Deflate, func(w io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(w, level)
	})

	err = filepath.Walk(srcDir, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if p == srcDir {
			return nil
		}
		rel, err := filepath.Rel(srcDir, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if info.IsDir() {
			_, err := zw.Create(rel + "/")
			return err
		}
		w, err := zw.Create(rel)
		if err != nil {
			return err
		}
		in, err := os.Open(p)
		if err != nil {
			return err
		}
		defer in.Close()
		_, err = io.Copy(w, in)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrRepackFailed, err)
	}
	if err := zw.Close(); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrRepackFailed, err)
	}
	fi, err := out.Stat()
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}
