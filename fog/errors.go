package fog

import "errors"

// Error taxonomy. Components wrap these with fmt.Errorf("...: %w", ...) and
// callers test them with errors.Is.
var (
	// ErrInvalidCoordinate marks a fix that is non-finite or out of range.
	// The fix is dropped and the pipeline continues.
	ErrInvalidCoordinate = errors.New("invalid coordinate")

	// ErrEnrichmentUnavailable marks a failed road-snap or geocoding call.
	// Callers fall back to the unenriched value.
	ErrEnrichmentUnavailable = errors.New("enrichment unavailable")

	// ErrGeometryOperationFailed marks a failed buffer, union or difference.
	// The offending input is skipped for that computation.
	ErrGeometryOperationFailed = errors.New("geometry operation failed")

	// ErrArchivePersistenceFailed marks an archive that could not be written
	// to the persistence layer. The session is kept as a pending archive.
	ErrArchivePersistenceFailed = errors.New("archive persistence failed")

	// ErrGeolocationUnavailable marks a lost or denied position source.
	ErrGeolocationUnavailable = errors.New("geolocation unavailable")
)
