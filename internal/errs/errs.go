package errs

import (
	"errors"
	"net/http"
)

// Sentinel errors shared by every component. Callers wrap them with context
// and match with errors.Is.
var (
	ErrNotFound         = errors.New("not found")
	ErrUnauthorized     = errors.New("unauthorized")
	ErrForbidden        = errors.New("forbidden")
	ErrInvalidState     = errors.New("invalid state")
	ErrCapacityExceeded = errors.New("capacity exceeded")
	ErrRateLimited      = errors.New("rate limited")
	ErrEncodeFailure    = errors.New("encode failure")
	ErrIngestFailure    = errors.New("ingest failure")
	ErrInvalidArgument  = errors.New("invalid argument")
)

var table = []struct {
	err    error
	status int
	code   string
}{
	{ErrNotFound, http.StatusNotFound, "not_found"},
	{ErrUnauthorized, http.StatusUnauthorized, "unauthorized"},
	{ErrForbidden, http.StatusForbidden, "forbidden"},
	{ErrInvalidState, http.StatusConflict, "invalid_state"},
	{ErrCapacityExceeded, http.StatusConflict, "capacity_exceeded"},
	{ErrRateLimited, http.StatusTooManyRequests, "rate_limited"},
	{ErrEncodeFailure, http.StatusBadGateway, "encode_failure"},
	{ErrIngestFailure, http.StatusBadGateway, "ingest_failure"},
	{ErrInvalidArgument, http.StatusBadRequest, "invalid_argument"},
}

// HTTPStatus maps err onto a response status, defaulting to 500.
func HTTPStatus(err error) int {
	for _, entry := range table {
		if errors.Is(err, entry.err) {
			return entry.status
		}
	}
	return http.StatusInternalServerError
}

// Code returns a stable machine-readable code for err.
func Code(err error) string {
	for _, entry := range table {
		if errors.Is(err, entry.err) {
			return entry.code
		}
	}
	return "internal"
}
