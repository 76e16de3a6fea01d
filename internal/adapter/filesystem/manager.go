package filesystem

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/vertextoedge/psn-update-fetcher/internal/port"
	"go.uber.org/zap"
)

// hashSuffixSize is the length of the SHA-1 footer appended to PS3 packages.
// The manifest digest covers everything before it.
const hashSuffixSize = 0x20

// DefaultBufferSize is the block size used for hashing and merging
const DefaultBufferSize = 8 * 1024 * 1024

// Manager handles the package download directory
type Manager struct {
	rootDir    string
	bufferSize int
	logger     *zap.Logger
}

// Ensure Manager implements port.FileSystem
var _ port.FileSystem = (*Manager)(nil)

// NewManager creates a new filesystem manager
func NewManager(rootDir string, logger *zap.Logger) (*Manager, error) {
	return NewManagerWithBufferSize(rootDir, DefaultBufferSize, logger)
}

// NewManagerWithBufferSize creates a new filesystem manager with custom buffer size
func NewManagerWithBufferSize(rootDir string, bufferSize int, logger *zap.Logger) (*Manager, error) {
	if err := os.MkdirAll(rootDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create download root dir: %w", err)
	}

	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Manager{
		rootDir:    rootDir,
		bufferSize: bufferSize,
		logger:     logger,
	}, nil
}

// RootDir returns the download root directory
func (m *Manager) RootDir() string {
	return m.rootDir
}

// SanitizeTitle replaces characters that cannot appear in a directory name
func SanitizeTitle(title string) string {
	return strings.Map(func(r rune) rune {
		if strings.ContainsRune(invalidChars, r) {
			return '_'
		}
		return r
	}, title)
}

// PackageDir returns the directory holding a title's packages
func (m *Manager) PackageDir(titleID, title string) string {
	return filepath.Join(m.rootDir, fmt.Sprintf("%s - %s", titleID, SanitizeTitle(title)))
}

// legacyPackageDir is the layout used before titles were part of the name
func (m *Manager) legacyPackageDir(titleID string) string {
	return filepath.Join(m.rootDir, titleID)
}

// OpenPackageFile opens a package file for read/write without truncating it
func (m *Manager) OpenPackageFile(titleID, title, fileName string) (*os.File, error) {
	dir := m.PackageDir(titleID, title)

	oldDir := m.legacyPackageDir(titleID)
	if oldDir != dir && m.FileExists(oldDir) {
		m.logger.Info("found a folder with the old name format, renaming",
			zap.String("from", oldDir),
			zap.String("to", dir))

		if err := os.Rename(oldDir, dir); err != nil {
			m.logger.Error("failed to rename legacy folder", zap.Error(err))
		}
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create package dir: %w", err)
	}

	path := filepath.Join(dir, fileName)
	m.logger.Debug("opening package file", zap.String("path", path))

	// No O_TRUNC: existing content is verified before anything is rewritten.
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open package file: %w", err)
	}
	return f, nil
}

// VerifyFile hashes the file and compares it with the expected digest
func (m *Manager) VerifyFile(f *os.File, sha1sum string, wholeFile bool) (bool, error) {
	var suffixSize int64
	if !wholeFile {
		suffixSize = hashSuffixSize
	}

	info, err := f.Stat()
	if err != nil {
		return false, fmt.Errorf("failed to stat package file: %w", err)
	}

	// Too short to even hold the footer, the download is broken.
	if info.Size() <= suffixSize {
		return false, nil
	}

	// Writes move the file offset, hashing must start from the beginning.
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return false, fmt.Errorf("failed to seek package file: %w", err)
	}

	hasher := sha1.New()
	buf := make([]byte, m.bufferSize)
	if _, err := io.CopyBuffer(hasher, io.LimitReader(f, info.Size()-suffixSize), buf); err != nil {
		return false, fmt.Errorf("failed to hash package file: %w", err)
	}

	return hex.EncodeToString(hasher.Sum(nil)) == sha1sum, nil
}

// CopyPart copies a downloaded part into the merged file. When seek is true
// the part is written at offset, otherwise at the start of dst.
func (m *Manager) CopyPart(src, dst string, offset uint64, seek bool) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, fmt.Errorf("failed to open part file: %w", err)
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return 0, fmt.Errorf("failed to open merged file: %w", err)
	}

	if seek {
		if _, err := out.Seek(int64(offset), io.SeekStart); err != nil {
			out.Close()
			return 0, fmt.Errorf("failed to seek merged file: %w", err)
		}
	}

	// Hide ReadFrom so the copy goes through buf in large blocks.
	buf := make([]byte, m.bufferSize)
	written, err := io.CopyBuffer(struct{ io.Writer }{out}, in, buf)
	if err != nil {
		out.Close()
		return written, fmt.Errorf("failed to copy part: %w", err)
	}

	if err := out.Close(); err != nil {
		return written, fmt.Errorf("failed to close merged file: %w", err)
	}
	return written, nil
}

// FileExists checks if a file or directory exists
func (m *Manager) FileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// CleanEmptyDirs removes empty title directories directly under root
func (m *Manager) CleanEmptyDirs() (int, error) {
	entries, err := os.ReadDir(m.rootDir)
	if err != nil {
		return 0, err
	}

	count := 0
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		// Will only succeed if empty
		if err := os.Remove(filepath.Join(m.rootDir, entry.Name())); err == nil {
			count++
		}
	}
	return count, nil
}
