package api

import (
	"encoding/json"
	"io"
	"net/http"
)

// bodyLimit caps request bodies on the admin surface at 1 MB.
const bodyLimit = 1 << 20

type apiError struct {
	Error apiErrorBody `json:"error"`
}

type apiErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// writeJSON serializes v with the given status. Once the header is out an
// encode failure has no recovery path, so it is dropped.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError emits the error envelope shared by every handler in this
// package: {"error":{"code":...,"message":...}}.
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, apiError{Error: apiErrorBody{Code: code, Message: message}})
}

// readJSON decodes the request body into v. A body above bodyLimit is cut
// off mid-document and fails the decode.
func readJSON(r *http.Request, v any) error {
	return json.NewDecoder(io.LimitReader(r.Body, bodyLimit)).Decode(v)
}
