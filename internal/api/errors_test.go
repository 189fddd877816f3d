package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestWriteError_Envelope(t *testing.T) {
	rec := httptest.NewRecorder()
	writeError(rec, http.StatusNotFound, "not_found", "no such app")

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}
	var body struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decoding envelope: %v", err)
	}
	if body.Error.Code != "not_found" || body.Error.Message != "no such app" {
		t.Errorf("envelope = %+v", body)
	}
}

func TestReadJSON_BodyLimit(t *testing.T) {
	huge := `{"name":"` + strings.Repeat("x", bodyLimit) + `"}`
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(huge))

	var v struct{ Name string }
	if err := readJSON(req, &v); err == nil {
		t.Fatal("expected a decode error for an oversized body")
	}
}
