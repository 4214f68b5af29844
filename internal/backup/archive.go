package backup

import (
	"archive/tar"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"github.com/zeebo/blake3"
)

// Codec selects how the data archive is compressed.
type Codec string

const (
	CodecZstd Codec = "zstd"
	CodecLZ4  Codec = "lz4"
	CodecNone Codec = "none"
)

// ParseCodec maps a config value to a Codec. Empty means zstd.
func ParseCodec(s string) (Codec, error) {
	switch Codec(s) {
	case "", CodecZstd:
		return CodecZstd, nil
	case CodecLZ4:
		return CodecLZ4, nil
	case CodecNone:
		return CodecNone, nil
	}
	return "", fmt.Errorf("unknown compression codec %q", s)
}

// ArchiveName returns the file name of a data archive for the codec.
func (c Codec) ArchiveName() string {
	switch c {
	case CodecLZ4:
		return "data.tar.lz4"
	case CodecNone:
		return "data.tar"
	default:
		return "data.tar.zst"
	}
}

func (c Codec) compressor(w io.Writer) (io.WriteCloser, error) {
	switch c {
	case CodecZstd:
		return zstd.NewWriter(w)
	case CodecLZ4:
		return lz4.NewWriter(w), nil
	case CodecNone:
		return nopWriteCloser{w}, nil
	}
	return nil, fmt.Errorf("unknown compression codec %q", c)
}

func (c Codec) decompressor(r io.Reader) (io.ReadCloser, error) {
	switch c {
	case CodecZstd:
		dec, err := zstd.NewReader(r)
		if err != nil {
			return nil, err
		}
		return dec.IOReadCloser(), nil
	case CodecLZ4:
		return io.NopCloser(lz4.NewReader(r)), nil
	case CodecNone:
		return io.NopCloser(r), nil
	}
	return nil, fmt.Errorf("unknown compression codec %q", c)
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

// errEmptyDir signals that there was nothing to archive.
var errEmptyDir = errors.New("directory is empty or missing")

// writeArchive tars srcDir into dst through the codec and returns the archive
// description. The checksum covers the compressed bytes as stored on disk.
func writeArchive(srcDir, dst string, codec Codec) (*ArchiveInfo, error) {
	entries, err := os.ReadDir(srcDir)
	if errors.Is(err, fs.ErrNotExist) || (err == nil && len(entries) == 0) {
		return nil, errEmptyDir
	}
	if err != nil {
		return nil, fmt.Errorf("read data directory %q: %w", srcDir, err)
	}

	outFile, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o600)
	if err != nil {
		return nil, fmt.Errorf("create archive %q: %w", dst, err)
	}
	defer outFile.Close()

	hasher := blake3.New()
	counter := &countingWriter{w: io.MultiWriter(outFile, hasher)}
	comp, err := codec.compressor(counter)
	if err != nil {
		return nil, err
	}
	tw := tar.NewWriter(comp)

	count := 0
	walkErr := filepath.WalkDir(srcDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(srcDir, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		var link string
		if info.Mode()&fs.ModeSymlink != 0 {
			if link, err = os.Readlink(path); err != nil {
				return err
			}
		} else if !info.Mode().IsRegular() && !info.IsDir() {
			// sockets, fifos and devices are not data
			return nil
		}
		hdr, err := tar.FileInfoHeader(info, link)
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		if info.IsDir() {
			hdr.Name += "/"
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		count++
		if !info.Mode().IsRegular() {
			return nil
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	})
	if walkErr != nil {
		return nil, fmt.Errorf("archive %q: %w", srcDir, walkErr)
	}
	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("finish tar stream: %w", err)
	}
	if err := comp.Close(); err != nil {
		return nil, fmt.Errorf("finish %s stream: %w", codec, err)
	}
	if err := outFile.Sync(); err != nil {
		return nil, fmt.Errorf("sync archive: %w", err)
	}

	return &ArchiveInfo{
		Name:     filepath.Base(dst),
		Source:   srcDir,
		Codec:    codec,
		Size:     counter.n,
		Entries:  count,
		Checksum: hex.EncodeToString(hasher.Sum(nil)),
	}, nil
}

// extractArchive unpacks src over dstDir. Existing files are overwritten;
// files not present in the archive are left alone.
func extractArchive(src, dstDir string, codec Codec) error {
	inFile, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open archive %q: %w", src, err)
	}
	defer inFile.Close()

	dec, err := codec.decompressor(inFile)
	if err != nil {
		return fmt.Errorf("open %s stream: %w", codec, err)
	}
	defer dec.Close()

	if err := os.MkdirAll(dstDir, 0o755); err != nil {
		return fmt.Errorf("create data directory %q: %w", dstDir, err)
	}

	tr := tar.NewReader(dec)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read archive entry: %w", err)
		}
		target, err := safeJoin(dstDir, hdr.Name)
		if err != nil {
			return err
		}
		if err := noSymlinkParents(dstDir, target); err != nil {
			return err
		}
		mode := fs.FileMode(hdr.Mode).Perm()

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := replaceNonDir(target); err != nil {
				return err
			}
			if err := os.MkdirAll(target, mode|0o700); err != nil {
				return fmt.Errorf("create %q: %w", target, err)
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return fmt.Errorf("create %q: %w", filepath.Dir(target), err)
			}
			if err := writeFileAtomic(target, tr, mode); err != nil {
				return err
			}
		case tar.TypeSymlink:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return fmt.Errorf("create %q: %w", filepath.Dir(target), err)
			}
			if err := os.RemoveAll(target); err != nil {
				return fmt.Errorf("replace %q: %w", target, err)
			}
			if err := os.Symlink(hdr.Linkname, target); err != nil {
				return fmt.Errorf("symlink %q: %w", target, err)
			}
		}
	}
}

// safeJoin rejects entries that would land outside dir.
func safeJoin(dir, name string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(name))
	if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("archive entry %q escapes the data directory", name)
	}
	return filepath.Join(dir, clean), nil
}

// noSymlinkParents rejects targets whose parent directories under dir include
// a symlink, since writing through it could land outside dir.
func noSymlinkParents(dir, target string) error {
	rel, err := filepath.Rel(dir, filepath.Dir(target))
	if err != nil || rel == "." {
		return err
	}
	p := dir
	for _, part := range strings.Split(rel, string(filepath.Separator)) {
		p = filepath.Join(p, part)
		info, err := os.Lstat(p)
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		if err != nil {
			return err
		}
		if info.Mode()&fs.ModeSymlink != 0 {
			return fmt.Errorf("archive entry %q passes through symlink %q", target, p)
		}
	}
	return nil
}

// replaceNonDir removes path when it exists and is not a directory.
func replaceNonDir(path string) error {
	info, err := os.Lstat(path)
	if err != nil || info.IsDir() {
		return nil
	}
	return os.Remove(path)
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
