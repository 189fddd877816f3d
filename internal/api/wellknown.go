package api

import "net/http"

// wellKnownManifest is the static JSON manifest for /.well-known/peage.json.
const wellKnownManifest = `{
  "name": "Peage",
  "description": "Metered gateway for AI model access",
  "version": "0.1.0",
  "api_base": "/api/v1",
  "auth": {
    "type": "bearer",
    "header": "Authorization",
    "alternatives": ["X-PAYMENT"]
  },
  "endpoints": {
    "models": "/v1/models",
    "chat": "/v1/chat/completions",
    "balance": "/api/v1/balance",
    "usage": "/api/v1/usage"
  },
  "health": "/health"
}`

// WellKnownHandler returns the static Peage well-known manifest.
func WellKnownHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(wellKnownManifest))
}
