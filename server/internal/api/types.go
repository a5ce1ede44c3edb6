package api

import "github.com/obsidianstack/vigil/server/internal/store"

// AcceptedResponse is the payload for POST /api/v1/alerts and /api/v1/samples.
type AcceptedResponse struct {
	Accepted int `json:"accepted"`
}

// IncidentsResponse is the payload for GET /api/v1/incidents.
type IncidentsResponse struct {
	Count     int              `json:"count"`
	Incidents []store.Incident `json:"incidents"`
	Generated string           `json:"generated_at"` // RFC3339
}

// errorResponse is the JSON body for error responses.
type errorResponse struct {
	Error string `json:"error"`
}
