package health

import "errors"

var (
	// ErrStoreUnavailable wraps any failure returned by the
	// session store. The operation that hit it returns no
	// partial result.
	ErrStoreUnavailable = errors.New("session store unavailable")

	// ErrInvalidWindow is returned for a non-positive bucket
	// width or count, an unknown stats period, or a negative
	// page window. It is raised before any query is issued.
	ErrInvalidWindow = errors.New("invalid window")

	// ErrMisalignedObservation means the store returned a bucket
	// that does not fall on the series grid. It indicates a bug in
	// how the query was built, not bad user input.
	ErrMisalignedObservation = errors.New("observation not aligned to series grid")
)
