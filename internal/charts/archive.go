package charts

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
)

const archiveSuffix = ".tar.gz"

// VersionArchive returns the archive path for version under versionsDir.
func VersionArchive(versionsDir, version string) string {
	return filepath.Join(versionsDir, version+archiveSuffix)
}

// VersionFromArchive strips the .tar.gz suffix from an archive name.
func VersionFromArchive(path string) string {
	return strings.TrimSuffix(filepath.Base(path), archiveSuffix)
}

// FindVersionArchive returns the first .gz file in versionsDir.
func FindVersionArchive(versionsDir string) (string, bool) {
	entries, err := os.ReadDir(versionsDir)
	if err != nil {
		return "", false
	}
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".gz") {
			return filepath.Join(versionsDir, entry.Name()), true
		}
	}
	return "", false
}

// ArchiveVersion packs the contents of src into a gzip tarball at dest.
// Entries are stored relative to src.
func ArchiveVersion(src, dest string) (err error) {
	info, err := os.Stat(src)
	if err != nil {
		return fmt.Errorf("chart version directory: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("chart version path %s is not a directory", src)
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}

	partial := dest + ".partial"
	out, err := os.OpenFile(partial, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = os.Remove(partial)
		}
	}()

	gw := gzip.NewWriter(out)
	tw := tar.NewWriter(gw)
	walkErr := filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == src {
			return nil
		}
		return addEntry(tw, src, path, d)
	})
	closeErr := errors.Join(tw.Close(), gw.Close(), out.Close())
	if walkErr != nil {
		return fmt.Errorf("archive %s: %w", src, walkErr)
	}
	if closeErr != nil {
		return fmt.Errorf("archive %s: %w", src, closeErr)
	}
	return os.Rename(partial, dest)
}

func addEntry(tw *tar.Writer, root, path string, d fs.DirEntry) error {
	info, err := d.Info()
	if err != nil {
		return err
	}
	link := ""
	if info.Mode()&os.ModeSymlink != 0 {
		if link, err = os.Readlink(path); err != nil {
			return err
		}
	}
	hdr, err := tar.FileInfoHeader(info, link)
	if err != nil {
		return err
	}
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return err
	}
	hdr.Name = filepath.ToSlash(rel)
	if d.IsDir() {
		hdr.Name += "/"
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
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
}

// ExtractVersion unpacks archive into dest. A dest that already has content
// is left untouched and reported as not extracted.
func ExtractVersion(archive, dest string) (bool, error) {
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return false, err
	}
	entries, err := os.ReadDir(dest)
	if err != nil {
		return false, err
	}
	if len(entries) > 0 {
		return false, nil
	}

	in, err := os.Open(archive)
	if err != nil {
		return false, err
	}
	defer in.Close()
	gr, err := gzip.NewReader(in)
	if err != nil {
		return false, fmt.Errorf("open %s: %w", archive, err)
	}
	defer gr.Close()

	tr := tar.NewReader(gr)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return true, nil
		}
		if err != nil {
			return false, fmt.Errorf("read %s: %w", archive, err)
		}
		if err := extractEntry(tr, hdr, dest); err != nil {
			return false, err
		}
	}
}

func extractEntry(tr *tar.Reader, hdr *tar.Header, dest string) error {
	target := filepath.Join(dest, filepath.FromSlash(hdr.Name))
	if target != dest && !strings.HasPrefix(target, filepath.Clean(dest)+string(os.PathSeparator)) {
		return fmt.Errorf("archive entry %q escapes %s", hdr.Name, dest)
	}
	mode := os.FileMode(hdr.Mode).Perm()
	switch hdr.Typeflag {
	case tar.TypeDir:
		return os.MkdirAll(target, mode|0o700)
	case tar.TypeReg:
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
		if err != nil {
			return err
		}
		if _, err := io.Copy(f, tr); err != nil {
			f.Close()
			return err
		}
		return f.Close()
	case tar.TypeSymlink:
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		return os.Symlink(hdr.Linkname, target)
	default:
		return nil
	}
}

// RemoveVersion deletes a chart version directory so a chart create can
// lay it out again.
func RemoveVersion(dir string) error {
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("delete chart version %s: %w", dir, err)
	}
	return nil
}
