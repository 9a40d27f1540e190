package archive

import (
	"archive/tar"
	"compress/gzip"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

// TarGzUnpacker extracts a .tar.gz stream, matching the teacher's
// system/targen and gangplank/remote archive handling idiom (those write
// tarballs; this reads them). Unlike the original Python implementation
// (PackageManager.py's MediaScanClass.transferPackage), a successful unpack
// never logs an error — see design note §9(c).
type TarGzUnpacker struct{}

func (TarGzUnpacker) Unpack(r io.Reader, destDir string) error {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return errors.Wrap(err, "opening gzip stream")
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return errors.Wrap(err, "reading tar stream")
		}

		target, err := safeJoin(destDir, hdr.Name)
		if err != nil {
			return err
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return errors.Wrapf(err, "creating directory %s", target)
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return errors.Wrapf(err, "creating parent of %s", target)
			}
			out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(hdr.Mode&0o777))
			if err != nil {
				return errors.Wrapf(err, "creating file %s", target)
			}
			if _, err := io.Copy(out, tr); err != nil {
				out.Close()
				return errors.Wrapf(err, "writing file %s", target)
			}
			out.Close()
		default:
			// symlinks and other special entries are not expected in a
			// package archive; skip them rather than failing the transfer.
		}
	}
}

// safeJoin joins destDir and name so the result always stays under
// destDir, since the archive is fetched over the network: name is cleaned
// as if rooted at "/", so leading ".." components are dropped and the entry
// lands inside destDir instead of being rejected.
func safeJoin(destDir, name string) (string, error) {
	cleaned := filepath.Clean("/" + name)
	full := filepath.Join(destDir, cleaned)
	if !strings.HasPrefix(full, filepath.Clean(destDir)+string(os.PathSeparator)) && full != filepath.Clean(destDir) {
		return "", errors.Errorf("archive entry %q escapes destination", name)
	}
	return full, nil
}

// LocatePackagePath walks origPath looking for the first directory that
// contains a 'version' file whose first byte is 'v'. It mirrors the
// source's LocatePackagePath exactly, including its recursion into
// subdirectories that don't themselves qualify.
func LocatePackagePath(origPath string) (string, bool) {
	entries, err := os.ReadDir(origPath)
	if err != nil {
		return "", false
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		newPath := filepath.Join(origPath, e.Name())
		versionFile := filepath.Join(newPath, "version")
		if data, err := os.ReadFile(versionFile); err == nil {
			line := firstLine(data)
			if strings.HasPrefix(line, "v") {
				return newPath, true
			}
		}
		if found, ok := LocatePackagePath(newPath); ok {
			return found, true
		}
	}
	return "", false
}
