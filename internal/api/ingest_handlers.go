package api

import (
	"fmt"
	"net/http"
	"strings"

	"rivercast/internal/errs"
)

type publishRequest struct {
	Key string `json:"key"`
}

// IngestPublish authorizes an encoder pushing to the ingest server. It
// accepts a JSON body {"key": ...} or the form field "name" that RTMP
// servers send from their on_publish callback.
func (h *Handler) IngestPublish(w http.ResponseWriter, r *http.Request) {
	key, err := publishKey(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	owner, err := h.orchestrator.AuthorizeIngest(key)
	if err != nil {
		h.logger.Warn("ingest publish rejected", "remote_addr", r.RemoteAddr, "error", err)
		h.fail(w, r, err)
		return
	}
	h.logger.Info("ingest publish authorized", "session_id", owner.ID)
	writeJSON(w, http.StatusOK, map[string]string{"sessionId": owner.ID, "status": string(owner.Status)})
}

func publishKey(r *http.Request) (string, error) {
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		var req publishRequest
		if err := decodeJSON(r, &req); err != nil {
			return "", err
		}
		return strings.TrimSpace(req.Key), nil
	}
	if err := r.ParseForm(); err != nil {
		return "", fmt.Errorf("%w: parse form: %v", errs.ErrInvalidArgument, err)
	}
	key := r.Form.Get("name")
	if key == "" {
		key = r.Form.Get("key")
	}
	return strings.TrimSpace(key), nil
}
