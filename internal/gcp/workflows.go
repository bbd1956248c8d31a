package gcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	executions "cloud.google.com/go/workflows/executions/apiv1"
	"cloud.google.com/go/workflows/executions/apiv1/executionspb"
	"github.com/Lllllllleong/fieldnotesync/internal/models"
)

// WorkflowTrigger starts the report workflow once a project is fully uploaded.
type WorkflowTrigger struct {
	client *executions.Client
	parent string
	logger *slog.Logger
}

// NewWorkflowTrigger creates a trigger for projects/<project>/locations/<location>/workflows/<id>.
func NewWorkflowTrigger(ctx context.Context, projectID, location, workflowID string) (*WorkflowTrigger, error) {
	if projectID == "" || location == "" || workflowID == "" {
		return nil, fmt.Errorf("NewWorkflowTrigger: projectID, location and workflowID cannot be empty")
	}
	client, err := executions.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create Workflows Executions client: %w", err)
	}
	return &WorkflowTrigger{
		client: client,
		parent: fmt.Sprintf("projects/%s/locations/%s/workflows/%s", projectID, location, workflowID),
		logger: slog.With("component", "workflow-trigger", "workflow", workflowID),
	}, nil
}

// ProjectCompleted hands the finished project to the workflow.
func (w *WorkflowTrigger) ProjectCompleted(ctx context.Context, payload models.ProjectCompletedPayload) error {
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal workflow payload: %w", err)
	}
	req := &executionspb.CreateExecutionRequest{
		Parent: w.parent,
		Execution: &executionspb.Execution{
			Argument: string(payloadBytes),
		},
	}
	exec, err := w.client.CreateExecution(ctx, req)
	if err != nil {
		return fmt.Errorf("failed to trigger workflow execution: %w", err)
	}
	w.logger.Info("Triggered report workflow.", "projectId", payload.ProjectID, "execution", exec.GetName())
	return nil
}

func (w *WorkflowTrigger) Close() error {
	return w.client.Close()
}
