package gcp

import (
	"context"
	"encoding/json"
	"fmt"

	executions "cloud.google.com/go/workflows/executions/apiv1"
	"cloud.google.com/go/workflows/executions/apiv1/executionspb"

	"github.com/Lllllllleong/flowdoc/internal/models"
)

// ExecutionSink delivers workflow events by starting a Cloud Workflows
// execution with the event as its argument.
type ExecutionSink struct {
	client *executions.Client
	parent string
}

func NewExecutionSink(client *executions.Client, projectID, location, workflowID string) *ExecutionSink {
	return &ExecutionSink{client: client, parent: WorkflowParent(projectID, location, workflowID)}
}

// WorkflowParent is the resource name executions are created under.
func WorkflowParent(projectID, location, workflowID string) string {
	return fmt.Sprintf("projects/%s/locations/%s/workflows/%s", projectID, location, workflowID)
}

func (s *ExecutionSink) Send(ctx context.Context, event models.WorkflowEvent) error {
	payloadBytes, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal workflow payload: %w", err)
	}
	req := &executionspb.CreateExecutionRequest{
		Parent: s.parent,
		Execution: &executionspb.Execution{
			Argument: string(payloadBytes),
		},
	}
	if _, err := s.client.CreateExecution(ctx, req); err != nil {
		return fmt.Errorf("failed to trigger workflow execution: %w", err)
	}
	return nil
}
