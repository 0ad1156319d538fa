package archive

import (
	"archive/tar"
	"compress/bzip2"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/klauspost/compress/gzip"

	"github.com/oshokin/ts3-updater/internal/logger"
)

const (
	mimeBzip2 = "application/x-bzip2"
	mimeGzip  = "application/gzip"
	mimeTar   = "application/x-tar"

	dirMode os.FileMode = 0o755
)

var (
	// ErrPathTraversal means an entry would land outside the extraction directory.
	// Nothing is written when it is returned.
	ErrPathTraversal = errors.New("attempted path traversal in archive")
	// ErrUnsupportedArchive means the file is not a (compressed) tarball.
	ErrUnsupportedArchive = errors.New("unsupported archive format")
	errUnsupportedEntry   = errors.New("unsupported archive entry")
)

// Extract unpacks the tarball at archivePath into dest.
//
// Every entry is checked before anything is written: names, symlink targets
// and hard link targets must all resolve inside dest, and no entry may be
// placed beneath a symlink from the same archive.
func Extract(ctx context.Context, archivePath, dest string) error {
	root, err := filepath.Abs(dest)
	if err != nil {
		return fmt.Errorf("resolve extraction root: %w", err)
	}

	check := newValidator(root)

	if err = walk(archivePath, func(header *tar.Header, _ io.Reader) error {
		return check.entry(header)
	}); err != nil {
		return err
	}

	if err = os.MkdirAll(root, dirMode); err != nil {
		return fmt.Errorf("create extraction root: %w", err)
	}

	var entries int

	err = walk(archivePath, func(header *tar.Header, body io.Reader) error {
		entries++
		return writeEntry(root, header, body)
	})
	if err != nil {
		return err
	}

	logger.InfoKV(ctx, "Extracted archive", "archive", archivePath, "dest", root, "entries", entries)

	return nil
}

// walk opens the archive and calls fn for every tar entry.
func walk(archivePath string, fn func(header *tar.Header, body io.Reader) error) error {
	file, err := os.Open(filepath.Clean(archivePath))
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}

	defer func() {
		_ = file.Close()
	}()

	stream, closeStream, err := decompress(file)
	if err != nil {
		return err
	}

	defer closeStream()

	reader := tar.NewReader(stream)

	for {
		header, err := reader.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}

		if err != nil {
			return fmt.Errorf("read archive: %w", err)
		}

		if err = fn(header, reader); err != nil {
			return err
		}
	}
}

// decompress sniffs the file type and wraps file in the matching reader.
func decompress(file *os.File) (io.Reader, func(), error) {
	detected, err := mimetype.DetectReader(file)
	if err != nil {
		return nil, nil, fmt.Errorf("detect archive type: %w", err)
	}

	if _, err = file.Seek(0, io.SeekStart); err != nil {
		return nil, nil, fmt.Errorf("rewind archive: %w", err)
	}

	switch {
	case detected.Is(mimeBzip2):
		return bzip2.NewReader(file), func() {}, nil
	case detected.Is(mimeGzip):
		gz, err := gzip.NewReader(file)
		if err != nil {
			return nil, nil, fmt.Errorf("gzip reader: %w", err)
		}

		return gz, func() { _ = gz.Close() }, nil
	case detected.Is(mimeTar):
		return file, func() {}, nil
	default:
		return nil, nil, fmt.Errorf("%s: %w", detected.String(), ErrUnsupportedArchive)
	}
}

// validator checks entries in archive order and remembers the symlinks seen so far.
type validator struct {
	root  string
	links map[string]struct{}
}

func newValidator(root string) *validator {
	return &validator{
		root:  root,
		links: make(map[string]struct{}),
	}
}

func (v *validator) entry(header *tar.Header) error {
	target, err := entryPath(v.root, header.Name)
	if err != nil {
		return err
	}

	// Anything written below a symlink follows it, and chained links can leave
	// the root even when each one stays inside on its own.
	if link := v.linkAbove(target); link != "" {
		return fmt.Errorf("%s is beneath symlink %s: %w", header.Name, link, ErrPathTraversal)
	}

	switch header.Typeflag {
	case tar.TypeSymlink:
		if !v.linkStaysInside(target, header.Linkname) {
			return fmt.Errorf("symlink %s -> %s: %w", header.Name, header.Linkname, ErrPathTraversal)
		}

		v.links[target] = struct{}{}
	case tar.TypeLink:
		source, err := entryPath(v.root, header.Linkname)
		if err != nil {
			return err
		}

		if link := v.linkAbove(source); link != "" {
			return fmt.Errorf("hard link %s -> %s is beneath symlink %s: %w",
				header.Name, header.Linkname, link, ErrPathTraversal)
		}

		// A hard link to a symlink is a second symlink whose relative target
		// resolves from a different directory.
		if _, ok := v.links[source]; ok {
			return fmt.Errorf("hard link %s -> symlink %s: %w", header.Name, header.Linkname, ErrPathTraversal)
		}
	case tar.TypeDir, tar.TypeReg, tar.TypeXGlobalHeader, tar.TypeXHeader:
	default:
		return fmt.Errorf("%q (type %q): %w", header.Name, header.Typeflag, errUnsupportedEntry)
	}

	return nil
}

// linkAbove returns the symlink entry that is a proper ancestor of target, if any.
func (v *validator) linkAbove(target string) string {
	for dir := filepath.Dir(target); dir != v.root && isWithin(v.root, dir); dir = filepath.Dir(dir) {
		if _, ok := v.links[dir]; ok {
			return dir
		}
	}

	return ""
}

// linkStaysInside follows linkname from the directory of target one component
// at a time. Every step must stay inside the root, and only the last component
// may name another symlink from the archive.
func (v *validator) linkStaysInside(target, linkname string) bool {
	current := filepath.Dir(target)
	rest := filepath.ToSlash(linkname)

	if filepath.IsAbs(linkname) {
		if !isWithin(v.root, linkname) {
			return false
		}

		rel, err := filepath.Rel(v.root, linkname)
		if err != nil {
			return false
		}

		current, rest = v.root, filepath.ToSlash(rel)
	}

	parts := strings.Split(rest, "/")

	for i, part := range parts {
		switch part {
		case "", ".":
			continue
		case "..":
			current = filepath.Dir(current)
		default:
			current = filepath.Join(current, part)
		}

		if !isWithin(v.root, current) {
			return false
		}

		if _, ok := v.links[current]; ok && i < len(parts)-1 {
			return false
		}
	}

	return true
}

func writeEntry(root string, header *tar.Header, body io.Reader) error {
	target, err := entryPath(root, header.Name)
	if err != nil {
		return err
	}

	mode := os.FileMode(header.Mode).Perm()

	switch header.Typeflag {
	case tar.TypeDir:
		if info, err := os.Lstat(target); err == nil && info.Mode()&os.ModeSymlink != 0 {
			if err = os.Remove(target); err != nil {
				return fmt.Errorf("replace symlink %s: %w", target, err)
			}
		}

		if err = os.MkdirAll(target, dirMode); err != nil {
			return fmt.Errorf("mkdir %s: %w", target, err)
		}

		return os.Chmod(target, mode|0o700)
	case tar.TypeReg:
		return writeFile(target, mode, body)
	case tar.TypeSymlink:
		if err = prepareLink(target); err != nil {
			return err
		}

		return os.Symlink(header.Linkname, target)
	case tar.TypeLink:
		source, _ := entryPath(root, header.Linkname)
		if err = prepareLink(target); err != nil {
			return err
		}

		return os.Link(source, target)
	case tar.TypeXGlobalHeader, tar.TypeXHeader:
		return nil
	default:
		return fmt.Errorf("%q (type %q): %w", header.Name, header.Typeflag, errUnsupportedEntry)
	}
}

func writeFile(target string, mode os.FileMode, body io.Reader) error {
	if err := os.MkdirAll(filepath.Dir(target), dirMode); err != nil {
		return fmt.Errorf("mkdir for file %s: %w", target, err)
	}

	// A previous entry may have left a symlink here; never write through it.
	if info, err := os.Lstat(target); err == nil && info.Mode()&os.ModeSymlink != 0 {
		if err = os.Remove(target); err != nil {
			return err
		}
	}

	file, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return fmt.Errorf("create file %s: %w", target, err)
	}

	if _, err = io.Copy(file, body); err != nil {
		_ = file.Close()
		return fmt.Errorf("copy file %s: %w", target, err)
	}

	return file.Close()
}

func prepareLink(target string) error {
	if err := os.MkdirAll(filepath.Dir(target), dirMode); err != nil {
		return fmt.Errorf("mkdir for link %s: %w", target, err)
	}

	if err := os.Remove(target); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("replace %s: %w", target, err)
	}

	return nil
}

// entryPath joins an archive name onto root, refusing anything that leaves it.
func entryPath(root, name string) (string, error) {
	if path.IsAbs(name) || filepath.IsAbs(name) {
		return "", fmt.Errorf("%s: %w", name, ErrPathTraversal)
	}

	target := filepath.Join(root, filepath.FromSlash(name))
	if !isWithin(root, target) {
		return "", fmt.Errorf("%s: %w", name, ErrPathTraversal)
	}

	return target, nil
}

func isWithin(root, target string) bool {
	rel, err := filepath.Rel(root, target)
	if err != nil {
		return false
	}

	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
