// Package control exposes the device-local control API: an HTTP function that
// uploads a project now and a CloudEvent function that requests a refresh or
// an upload.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/GoogleCloudPlatform/functions-framework-go/functions"
	"github.com/Lllllllleong/fieldnotesync/internal/ledger"
	"github.com/Lllllllleong/fieldnotesync/internal/models"
	"github.com/Lllllllleong/fieldnotesync/internal/services"
	cloudevents "github.com/cloudevents/sdk-go/v2"
)

// CloudEvent types accepted by SyncEvent.
const (
	EventRefreshRequested = "com.fieldnotesync.refresh.requested"
	EventUploadRequested  = "com.fieldnotesync.upload.requested"
)

// Syncer is the part of *services.Scheduler the control API drives.
type Syncer interface {
	UploadNow(ctx context.Context, projectID string) (*services.CycleResult, error)
	RefreshOnce(ctx context.Context) error
}

type Handlers struct {
	syncer Syncer
	logger *slog.Logger
}

func NewHandlers(s Syncer) *Handlers {
	return &Handlers{syncer: s, logger: slog.With("component", "control")}
}

// Register registers both functions with the Functions Framework.
func Register(h *Handlers) {
	functions.HTTP("UploadNow", h.UploadNow)
	functions.CloudEvent("SyncEvent", h.SyncEvent)
}

// UploadNow handles POST {"projectId": "..."} and answers with the cycle result.
func (h *Handlers) UploadNow(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}

	var req models.UploadNowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.Warn("Could not decode request body", "error", err)
		http.Error(w, "Bad Request: could not parse JSON", http.StatusBadRequest)
		return
	}
	if req.ProjectID == "" {
		http.Error(w, "Bad Request: projectId is required", http.StatusBadRequest)
		return
	}

	res, err := h.syncer.UploadNow(r.Context(), req.ProjectID)
	status := http.StatusOK
	switch {
	case errors.Is(err, services.ErrCycleInFlight):
		status = http.StatusConflict
	case errors.Is(err, ledger.ErrNotFound):
		status = http.StatusNotFound
	case err != nil:
		status = http.StatusInternalServerError
	}
	if err != nil {
		h.logger.Warn("Upload request failed.", "projectId", req.ProjectID, "error", err, "status", status)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(NewUploadNowResponse(res, err)); err != nil {
		h.logger.Error("Failed to write response", "error", err, "projectId", req.ProjectID)
	}
}

// SyncEvent handles refresh and upload requests delivered as CloudEvents.
// A dropped upload because a cycle is in flight is not a failure.
func (h *Handlers) SyncEvent(ctx context.Context, e cloudevents.Event) error {
	logCtx := h.logger.With("eventId", e.ID(), "eventType", e.Type())

	switch e.Type() {
	case EventRefreshRequested:
		if err := h.syncer.RefreshOnce(ctx); err != nil {
			logCtx.Warn("Refresh failed.", "error", err)
			return err
		}
		return nil

	case EventUploadRequested:
		var data models.SyncEventData
		if err := json.Unmarshal(e.Data(), &data); err != nil {
			logCtx.Error("Failed to unmarshal event data", "error", err, "data", string(e.Data()))
			return fmt.Errorf("json.Unmarshal: %w", err)
		}
		if data.ProjectID == "" {
			return fmt.Errorf("upload event without projectId")
		}
		_, err := h.syncer.UploadNow(ctx, data.ProjectID)
		if errors.Is(err, services.ErrCycleInFlight) {
			logCtx.Info("Upload event dropped, cycle in flight.", "projectId", data.ProjectID)
			return nil
		}
		return err

	default:
		return fmt.Errorf("unsupported event type %q", e.Type())
	}
}

// NewUploadNowResponse renders a cycle outcome as the UploadNow reply.
func NewUploadNowResponse(res *services.CycleResult, err error) models.UploadNowResponse {
	out := models.UploadNowResponse{Status: "success", Committed: []string{}}
	if res != nil {
		out.CycleID = res.CycleID
		out.Pending = res.Pending
		out.Committed = append(out.Committed, res.Committed...)
		out.ProjectCompleted = res.ProjectCompleted
		if len(res.Skipped) > 0 {
			out.Status = "partial"
			out.Skipped = make(map[string]string, len(res.Skipped))
			for serial, skipErr := range res.Skipped {
				out.Skipped[serial] = skipErr.Error()
			}
		}
		if res.Err != nil {
			out.Status = "partial"
			out.Error = res.Err.Error()
		}
	}
	switch {
	case errors.Is(err, services.ErrCycleInFlight):
		out.Status = "busy"
		out.Error = err.Error()
	case err != nil:
		out.Status = "aborted"
		out.Error = err.Error()
	}
	return out
}
