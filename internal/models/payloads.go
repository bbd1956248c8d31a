package models

// These structs define the JSON payloads exchanged with the local control API
// and the Cloud Workflow that picks up completed projects.

// UploadNowRequest is the input for the UploadNow function.
type UploadNowRequest struct {
	ProjectID string `json:"projectId"`
}

// UploadNowResponse is the output of the UploadNow function.
type UploadNowResponse struct {
	Status           string            `json:"status"`
	CycleID          string            `json:"cycleId,omitempty"`
	Pending          int               `json:"pending"`
	Committed        []string          `json:"committed"`
	Skipped          map[string]string `json:"skipped,omitempty"`
	ProjectCompleted bool              `json:"projectCompleted"`
	Error            string            `json:"error,omitempty"`
}

// SyncEventData is the data payload of SyncEvent cloud events.
type SyncEventData struct {
	ProjectID string `json:"projectId,omitempty"`
}

// ProjectCompletedPayload is the argument passed to the report workflow.
type ProjectCompletedPayload struct {
	AccountID   string `json:"accountId"`
	ProjectID   string `json:"projectId"`
	ProjectName string `json:"projectName"`
	NoteCount   int    `json:"noteCount"`
}
