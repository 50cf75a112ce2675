package dberror

import "errors"

// --- Error Definitions ---

var (
	// Retryable: the caller may retry the whole operation later.
	ErrLockTimeout = errors.New("lock timeout: datafile is locked by another operation")

	// Fatal for the handle: the database cannot be used through it anymore.
	ErrWrongPassword        = errors.New("invalid password for encrypted datafile")
	ErrConsistencyViolation = errors.New("buffer consistency violation, datafile handle must be closed")
	ErrWriterPoisoned       = errors.New("disk writer queue stopped after a write failure")
	ErrInvalidDatafile      = errors.New("invalid datafile header")

	// Rejected operations, nothing was written.
	ErrFileSizeExceeds = errors.New("datafile size limit exceeded")
	ErrReadOnly        = errors.New("datafile is opened in read-only mode")
	ErrBufferPoolFull  = errors.New("memory cache is full and no pages can be reclaimed")
	ErrEngineClosed    = errors.New("datafile handle is closed")

	ErrIO               = errors.New("i/o error")
	ErrInvalidPageState = errors.New("page buffer is in an invalid state for this operation")
	ErrInvalidPageData  = errors.New("invalid page data")
	ErrPageFull         = errors.New("not enough free space in page")

	// --- Index Errors ---
	ErrIndexKeyTooLong     = errors.New("index key is longer than the maximum allowed length")
	ErrIndexDuplicateKey   = errors.New("duplicate key in unique index")
	ErrIndexNotFound       = errors.New("index not found")
	ErrIndexAlreadyExists  = errors.New("index already exists")
	ErrCollectionNotFound  = errors.New("collection not found")
	ErrUnsupportedKeyType  = errors.New("key type not supported for indexing")
	ErrTransactionFinished = errors.New("transaction already committed or rolled back")
)

// IsRetryable reports whether err means "try again later".
func IsRetryable(err error) bool {
	return errors.Is(err, ErrLockTimeout)
}

// IsFatal reports whether err means the datafile handle must not be used anymore.
func IsFatal(err error) bool {
	return errors.Is(err, ErrWrongPassword) ||
		errors.Is(err, ErrConsistencyViolation) ||
		errors.Is(err, ErrWriterPoisoned) ||
		errors.Is(err, ErrInvalidDatafile)
}
