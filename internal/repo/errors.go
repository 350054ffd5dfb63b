package repo

import "errors"

var (
	ErrNotLocalRepo              = errors.New("repository is not local")
	ErrInvalidFilename           = errors.New("invalid filename")
	ErrDestinationExists         = errors.New("destination already exists")
	ErrDuplicateChangeNotAllowed = errors.New("duplicate count change not allowed")
	ErrChecksumMismatch          = errors.New("checksum mismatch")
	ErrUnsupportedFeature        = errors.New("unsupported feature")
	ErrNeedsCredentials          = errors.New("credentials needed")
	ErrWrongCredentials          = errors.New("wrong credentials")
	ErrNotAvailable              = errors.New("repository not available")
	ErrFileNotFound              = errors.New("file not found")
)

// ChecksumMismatchError carries both sides of a failed integrity check.
type ChecksumMismatchError struct {
	Path     string
	Expected string
	Actual   string
}

func (e *ChecksumMismatchError) Error() string {
	return "checksum mismatch for " + e.Path + ": expected " + e.Expected + ", got " + e.Actual
}

func (e *ChecksumMismatchError) Unwrap() error {
	return ErrChecksumMismatch
}

// InvalidFilenamesError lists every rejected path.
type InvalidFilenamesError struct {
	Paths []string
}

func (e *InvalidFilenamesError) Error() string {
	msg := "invalid filenames:"
	for _, p := range e.Paths {
		msg += " " + p
	}
	return msg
}

func (e *InvalidFilenamesError) Unwrap() error {
	return ErrInvalidFilename
}
