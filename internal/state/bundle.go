package state

import (
	"archive/tar"
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
)

// MaxBundleBytes caps the decompressed size of an uploaded bundle.
const MaxBundleBytes = 100 * 1024 * 1024

var (
	ErrNotGzip        = errors.New("not a gzip stream")
	ErrBundleTooLarge = errors.New("bundle exceeds size limit")
	ErrUnsafeBundle   = errors.New("bundle entry escapes target directory")
)

// WriteBundle streams dir as a gzip-compressed tar to w. Symlinks are
// dereferenced, ownership and exact permissions are not preserved so the
// archive extracts cleanly for any user.
func WriteBundle(w io.Writer, dir string) error {
	gz := gzip.NewWriter(w)
	tw := tar.NewWriter(gz)

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}

		// Dereference symlinks; dangling links are dropped.
		info, err := os.Stat(path)
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}

		name := filepath.ToSlash(rel)
		switch {
		case info.IsDir():
			return tw.WriteHeader(&tar.Header{
				Name:     name + "/",
				Typeflag: tar.TypeDir,
				Mode:     0755,
			})
		case info.Mode().IsRegular():
			hdr := &tar.Header{
				Name:    name,
				Size:    info.Size(),
				Mode:    0644,
				ModTime: info.ModTime(),
			}
			if info.Mode()&0100 != 0 {
				hdr.Mode = 0755
			}
			if err := tw.WriteHeader(hdr); err != nil {
				return err
			}
			f, err := os.Open(path)
			if err != nil {
				return err
			}
			_, err = io.Copy(tw, f)
			f.Close()
			return err
		default:
			// sockets, devices, pipes
			return nil
		}
	})
	if err != nil {
		return fmt.Errorf("building bundle: %w", err)
	}

	if err := tw.Close(); err != nil {
		return err
	}
	return gz.Close()
}

// ExtractBundle unpacks a gzip tar into targetDir. It verifies the gzip
// magic, caps the decompressed size at MaxBundleBytes, and rejects entries
// that would resolve outside targetDir.
func ExtractBundle(r io.Reader, targetDir string) error {
	br := bufio.NewReader(r)
	magic, err := br.Peek(2)
	if err != nil || magic[0] != 0x1f || magic[1] != 0x8b {
		return ErrNotGzip
	}

	gz, err := gzip.NewReader(br)
	if err != nil {
		return fmt.Errorf("opening gzip: %w", err)
	}
	defer gz.Close()

	if err := os.MkdirAll(targetDir, 0755); err != nil {
		return err
	}

	var total int64
	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("reading tar: %w", err)
		}

		target, err := safeJoin(targetDir, hdr.Name)
		if err != nil {
			return err
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0755); err != nil {
				return err
			}
		case tar.TypeReg:
			total += hdr.Size
			if total > MaxBundleBytes {
				return ErrBundleTooLarge
			}
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return err
			}
			f, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, os.FileMode(hdr.Mode).Perm())
			if err != nil {
				return err
			}
			n, err := io.Copy(f, io.LimitReader(tr, MaxBundleBytes+1))
			f.Close()
			if err != nil {
				return fmt.Errorf("extracting %s: %w", hdr.Name, err)
			}
			total += n - hdr.Size // account for lying headers
			if total > MaxBundleBytes {
				return ErrBundleTooLarge
			}
		case tar.TypeSymlink:
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return err
			}
			os.Remove(target)
			if err := os.Symlink(hdr.Linkname, target); err != nil {
				return err
			}
		default:
			// hardlinks, devices: refused silently
		}
	}

	return verifyContained(targetDir)
}

// safeJoin joins name under dir, refusing traversal in the entry name.
func safeJoin(dir, name string) (string, error) {
	cleaned := filepath.Clean(filepath.FromSlash(name))
	if filepath.IsAbs(cleaned) || cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(os.PathSeparator)) {
		return "", fmt.Errorf("%w: %s", ErrUnsafeBundle, name)
	}
	return filepath.Join(dir, cleaned), nil
}

// verifyContained walks the extracted tree and rejects any entry whose
// resolved path lands outside the target (symlink escapes).
func verifyContained(targetDir string) error {
	root, err := filepath.EvalSymlinks(targetDir)
	if err != nil {
		return err
	}
	return filepath.WalkDir(targetDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type()&fs.ModeSymlink == 0 {
			return nil
		}
		resolved, err := filepath.EvalSymlinks(path)
		if err != nil {
			// Dangling symlink cannot leak data; leave it.
			return nil
		}
		rel, err := filepath.Rel(root, resolved)
		if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(os.PathSeparator)) {
			return fmt.Errorf("%w: %s", ErrUnsafeBundle, path)
		}
		return nil
	})
}
