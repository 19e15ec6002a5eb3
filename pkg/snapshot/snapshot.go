// Package snapshot copies documents aside before a run and restores them
// byte-for-byte on rollback.
package snapshot

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	margoerrors "github.com/margo-ai/margo/pkg/errors"
)

// Store creates and restores file backups.
type Store struct {
	now func() time.Time
}

// New returns a Store using wall-clock time for backup names.
func New() *Store {
	return &Store{now: time.Now}
}

// NewWithClock returns a Store with an injected clock. Test constructor.
func NewWithClock(now func() time.Time) *Store {
	return &Store{now: now}
}

// Backup copies the file at path to a sibling named
// <stem>_backup_<YYYYMMDD_HHMMSS><ext> and returns the backup path. The
// original file is not modified.
func (s *Store) Backup(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", margoerrors.Wrap(margoerrors.KindDocument,
			fmt.Sprintf("cannot stat %s", path), err)
	}

	ext := filepath.Ext(path)
	stem := strings.TrimSuffix(filepath.Base(path), ext)
	stamp := s.now().Format("20060102_150405")
	backupPath := filepath.Join(filepath.Dir(path),
		fmt.Sprintf("%s_backup_%s%s", stem, stamp, ext))

	if err := copyFile(path, backupPath, info.Mode()); err != nil {
		return "", err
	}
	// Preserve timestamps so the backup mirrors the original.
	_ = os.Chtimes(backupPath, time.Now(), info.ModTime())
	return backupPath, nil
}

// Restore overwrites target with the backup bytes. The replacement is done
// via a temp file and rename so readers never observe a partial write.
func (s *Store) Restore(backupPath, targetPath string) error {
	info, err := os.Stat(backupPath)
	if err != nil {
		return margoerrors.Wrap(margoerrors.KindDocument,
			fmt.Sprintf("cannot stat backup %s", backupPath), err).WithCode("DOC_003")
	}

	tmpPath := targetPath + ".restore.tmp"
	if err := copyFile(backupPath, tmpPath, info.Mode()); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, targetPath); err != nil {
		os.Remove(tmpPath)
		return margoerrors.Wrap(margoerrors.KindDocument,
			fmt.Sprintf("cannot restore %s", targetPath), err).WithCode("DOC_003")
	}
	return nil
}

// Checksum returns the hex MD5 of the file contents.
func (s *Store) Checksum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", margoerrors.Wrap(margoerrors.KindDocument,
			fmt.Sprintf("cannot open %s", path), err)
	}
	defer f.Close()

	h := md5.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", margoerrors.Wrap(margoerrors.KindDocument,
			fmt.Sprintf("cannot read %s", path), err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func copyFile(src, dst string, mode os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return margoerrors.Wrap(margoerrors.KindDocument,
			fmt.Sprintf("cannot open %s", src), err)
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return margoerrors.Wrap(margoerrors.KindDocument,
			fmt.Sprintf("cannot create %s", dst), err)
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return margoerrors.Wrap(margoerrors.KindDocument,
			fmt.Sprintf("cannot copy to %s", dst), err)
	}
	if err := out.Close(); err != nil {
		return margoerrors.Wrap(margoerrors.KindDocument,
			fmt.Sprintf("cannot finalize %s", dst), err)
	}
	return nil
}
