package api

import "net/http"

// wellKnownManifest is the static JSON manifest for /.well-known/tollgate.json.
// Agents read it to discover where to point their OpenAI-compatible client.
const wellKnownManifest = `{
  "name": "Tollgate",
  "description": "Spend and safety firewall for LLM completion APIs",
  "version": "0.1.0",
  "api_base": "/v1",
  "auth": {
    "type": "bearer",
    "header": "Authorization",
    "key_prefix": "tg_"
  },
  "headers": {
    "idempotency": "Idempotency-Key",
    "cost": "X-Tollgate-Cost-Cents",
    "balance": "X-Tollgate-Balance-Cents",
    "reserved": "X-Tollgate-Reserved-Cents"
  },
  "health": "/health"
}`

// WellKnownHandler returns the static Tollgate well-known manifest.
func WellKnownHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(wellKnownManifest))
}
