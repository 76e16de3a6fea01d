package port

import "os"

// FileSystem defines the interface for the package download directory
type FileSystem interface {
	// RootDir returns the download root directory
	RootDir() string

	// PackageDir returns <root>/<TITLE_ID> - <sanitized title>
	PackageDir(titleID, title string) string

	// OpenPackageFile opens (creating, never truncating) a package file
	// inside the title's directory, migrating a legacy directory first
	OpenPackageFile(titleID, title, fileName string) (*os.File, error)

	// VerifyFile hashes f and compares it to the expected lower-hex SHA-1.
	// When wholeFile is false the trailing 32-byte digest footer is excluded.
	VerifyFile(f *os.File, sha1sum string, wholeFile bool) (bool, error)

	// CopyPart copies the part file at src into dst at offset.
	// Returns the number of bytes copied.
	CopyPart(src, dst string, offset uint64, seek bool) (int64, error)

	// FileExists checks if a file exists
	FileExists(path string) bool

	// FreeSpace returns the bytes available to this process on the volume
	// holding the root directory
	FreeSpace() (uint64, error)

	// CleanEmptyDirs removes empty title directories under the root
	// Returns the number of directories removed
	CleanEmptyDirs() (int, error)
}
