package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"rivercast/internal/errs"
)

// maxBodyBytes bounds JSON request bodies.
const maxBodyBytes = 1 << 20

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, errs.HTTPStatus(err), errorResponse{Error: err.Error(), Code: errs.Code(err)})
}

// WriteError is an exported helper for returning JSON API errors from
// middleware outside this package.
func WriteError(w http.ResponseWriter, err error) {
	writeError(w, err)
}

// errEmptyBody reports a request without a JSON document.
var errEmptyBody = fmt.Errorf("%w: request body is required", errs.ErrInvalidArgument)

func decodeJSON(r *http.Request, dest interface{}) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()

	decoder := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	decoder.UseNumber()
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dest); err != nil {
		if errors.Is(err, io.EOF) {
			return errEmptyBody
		}
		return fmt.Errorf("%w: decode request: %v", errs.ErrInvalidArgument, err)
	}
	return nil
}

// decodeOptionalJSON is decodeJSON for routes whose body may be omitted.
func decodeOptionalJSON(r *http.Request, dest interface{}) error {
	if err := decodeJSON(r, dest); err != nil && err != errEmptyBody {
		return err
	}
	return nil
}
