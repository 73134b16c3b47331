package server

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"rivercast/internal/api"
	"rivercast/internal/errs"
)

// writeMiddlewareError normalises middleware error responses to the API JSON shape.
func writeMiddlewareError(w http.ResponseWriter, sentinel error, message string) {
	api.WriteError(w, fmt.Errorf("%w: %s", sentinel, message))
}

func writeRateLimited(w http.ResponseWriter, retryAfter time.Duration, message string) {
	if retryAfter > 0 {
		seconds := int(retryAfter.Round(time.Second) / time.Second)
		if seconds < 1 {
			seconds = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(seconds))
	}
	writeMiddlewareError(w, errs.ErrRateLimited, message)
}
