// Package unpack extracts build archives into a directory.
package unpack

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zip"

	"github.com/kifi/eddie/internal/sandbox"
)

// ErrUnsupported is returned for archive formats Unpack cannot read.
var ErrUnsupported = errors.New("unsupported archive format")

// Format names an archive format by its file extension.
type Format string

const (
	FormatZip   Format = "zip"
	FormatTarGz Format = "tar.gz"
	FormatTar   Format = "tar"
)

// Detect picks the format from a file name.
func Detect(name string) (Format, error) {
	lower := strings.ToLower(name)
	switch {
	case strings.HasSuffix(lower, ".zip"):
		return FormatZip, nil
	case strings.HasSuffix(lower, ".tar.gz"), strings.HasSuffix(lower, ".tgz"):
		return FormatTarGz, nil
	case strings.HasSuffix(lower, ".tar"):
		return FormatTar, nil
	}
	return "", fmt.Errorf("%s: %w", filepath.Base(name), ErrUnsupported)
}

// Unpack extracts archive into dest, which is created if missing. Entries
// that would land outside dest are refused and abort the extraction.
func Unpack(ctx context.Context, archive, dest string) error {
	format, err := Detect(archive)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dest, 0755); err != nil {
		return fmt.Errorf("creating %s: %w", dest, err)
	}

	switch format {
	case FormatZip:
		return unzip(ctx, archive, dest)
	case FormatTarGz, FormatTar:
		f, err := os.Open(archive)
		if err != nil {
			return fmt.Errorf("opening %s: %w", archive, err)
		}
		defer f.Close()

		var r io.Reader = f
		if format == FormatTarGz {
			gz, err := gzip.NewReader(f)
			if err != nil {
				return fmt.Errorf("reading gzip header of %s: %w", archive, err)
			}
			defer gz.Close()
			r = gz
		}
		return untar(ctx, r, dest)
	}
	return ErrUnsupported
}

func unzip(ctx context.Context, archive, dest string) error {
	zr, err := zip.OpenReader(archive)
	if err != nil {
		return fmt.Errorf("opening %s: %w", archive, err)
	}
	defer zr.Close()

	for _, f := range zr.File {
		if err := ctx.Err(); err != nil {
			return err
		}

		mode := f.Mode()
		switch {
		case mode.IsDir():
			if err := sandbox.MkdirAll(dest, f.Name, 0755); err != nil {
				return fmt.Errorf("extracting %s: %w", f.Name, err)
			}
		case mode&os.ModeSymlink != 0:
			target, err := readZipLink(f)
			if err != nil {
				return fmt.Errorf("extracting %s: %w", f.Name, err)
			}
			if err := sandbox.Symlink(dest, f.Name, target); err != nil {
				return fmt.Errorf("extracting %s: %w", f.Name, err)
			}
		default:
			rc, err := f.Open()
			if err != nil {
				return fmt.Errorf("extracting %s: %w", f.Name, err)
			}
			err = sandbox.WriteFile(dest, f.Name, rc, filePerm(mode))
			rc.Close()
			if err != nil {
				return fmt.Errorf("extracting %s: %w", f.Name, err)
			}
		}
	}
	return nil
}

func readZipLink(f *zip.File) (string, error) {
	rc, err := f.Open()
	if err != nil {
		return "", err
	}
	defer rc.Close()
	b, err := io.ReadAll(io.LimitReader(rc, 4096))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func untar(ctx context.Context, r io.Reader, dest string) error {
	tr := tar.NewReader(r)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("reading tar entry: %w", err)
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := sandbox.MkdirAll(dest, hdr.Name, 0755); err != nil {
				return fmt.Errorf("extracting %s: %w", hdr.Name, err)
			}
		case tar.TypeReg:
			if err := sandbox.WriteFile(dest, hdr.Name, tr, filePerm(hdr.FileInfo().Mode())); err != nil {
				return fmt.Errorf("extracting %s: %w", hdr.Name, err)
			}
		case tar.TypeSymlink:
			if err := sandbox.Symlink(dest, hdr.Name, hdr.Linkname); err != nil {
				return fmt.Errorf("extracting %s: %w", hdr.Name, err)
			}
		default:
			// hard links, devices and fifos have no place in a build
		}
	}
}

func filePerm(mode os.FileMode) os.FileMode {
	perm := mode.Perm()
	if perm == 0 {
		return 0644
	}
	return perm
}
