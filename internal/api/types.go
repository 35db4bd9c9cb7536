package api

import "wifitester/internal/model"

// TrialListResponse is returned by GET /dashboard/trial/.
type TrialListResponse struct {
	Selected []model.Trial `json:"selected"`
	Count    int           `json:"count"`
}

// ClaimResponse is returned by POST /dashboard/trial/. Inserted is nil when
// the coordinator declined to create a slot.
type ClaimResponse struct {
	Inserted *model.Trial `json:"inserted"`
}

// ErrorResponse is the coordinator's JSON error body.
type ErrorResponse struct {
	Error string `json:"error"`
}
