package tree

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/oshokin/ts3-updater/internal/logger"
)

// ErrNotDirectory is returned when the copy source is not a directory.
var ErrNotDirectory = errors.New("not a directory")

// Options tune Copy.
type Options struct {
	// Rehearsal reports the operations without executing them.
	Rehearsal bool
}

// Copy copies the tree rooted at src into dst and returns the destination
// path of every file and symlink copied, in walk order.
func Copy(ctx context.Context, src, dst string, opts Options) ([]string, error) {
	info, err := os.Stat(src)
	if err != nil {
		return nil, fmt.Errorf("copy source: %w", err)
	}

	if !info.IsDir() {
		return nil, fmt.Errorf("copy source %s: %w", src, ErrNotDirectory)
	}

	if opts.Rehearsal {
		logger.InfoKV(ctx, "Rehearsing copy", "from", src, "to", dst)
	} else {
		logger.InfoKV(ctx, "Copying tree", "from", src, "to", dst)
	}

	var copied []string

	err = filepath.WalkDir(src, func(path string, entry fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}

		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}

		target := filepath.Join(dst, rel)

		if entry.IsDir() {
			if opts.Rehearsal {
				return nil
			}

			return copyDir(path, target, rel != ".")
		}

		copied = append(copied, target)

		if opts.Rehearsal {
			logger.DebugKV(ctx, "Would copy", "from", path, "to", target)
			return nil
		}

		if entry.Type()&fs.ModeSymlink != 0 {
			return copySymlink(path, target)
		}

		return copyFile(path, target)
	})
	if err != nil {
		return copied, fmt.Errorf("copy %s to %s: %w", src, dst, err)
	}

	return copied, nil
}

// copyDir creates dst with the mode of src; existing directories are left as they are.
// A symlink at dst is replaced by a real directory when replaceLink is set, so the
// copy never writes into whatever the link points at. The root itself may be a link.
func copyDir(src, dst string, replaceLink bool) error {
	stat := os.Stat
	if replaceLink {
		stat = os.Lstat
	}

	existing, err := stat(dst)
	if err == nil && existing.IsDir() {
		return nil
	}

	if err == nil && existing.Mode()&fs.ModeSymlink != 0 {
		if err = os.Remove(dst); err != nil {
			return err
		}
	}

	info, err := os.Stat(src)
	if err != nil {
		return err
	}

	if err = os.MkdirAll(dst, info.Mode().Perm()|0o700); err != nil {
		return err
	}

	return os.Chmod(dst, info.Mode().Perm()|0o700)
}

func copySymlink(src, dst string) error {
	link, err := os.Readlink(src)
	if err != nil {
		return err
	}

	if err = os.RemoveAll(dst); err != nil {
		return err
	}

	return os.Symlink(link, dst)
}

func copyFile(src, dst string) error {
	info, err := os.Stat(src)
	if err != nil {
		return err
	}

	if !info.Mode().IsRegular() {
		return fmt.Errorf("%s: unsupported file type %s", src, info.Mode().Type())
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}

	defer func() {
		_ = in.Close()
	}()

	// A symlink or a read-only file at the destination is replaced, not written through.
	if existing, err := os.Lstat(dst); err == nil &&
		(existing.Mode()&fs.ModeSymlink != 0 || existing.Mode().Perm()&0o200 == 0) {
		if err = os.Remove(dst); err != nil {
			return err
		}
	}

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}

	if _, err = io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}

	if err = out.Close(); err != nil {
		return err
	}

	if err = os.Chmod(dst, info.Mode().Perm()); err != nil {
		return err
	}

	return os.Chtimes(dst, info.ModTime(), info.ModTime())
}
