package service

import (
	"context"

	"github.com/rendis/stepflow/internal/diagram"
	"github.com/rendis/stepflow/pkg/schema"
)

// Diagram is a rendered picture of a workflow template or a task plan.
type Diagram struct {
	Format diagram.Format
	Body   []byte
}

// ContentType is the media type of Body.
func (d *Diagram) ContentType() string { return d.Format.ContentType() }

// WorkflowDiagram draws a registered workflow. format is mermaid, ascii, png
// or svg; empty means mermaid.
func (s *Service) WorkflowDiagram(ctx context.Context, workflowID, format string) (*Diagram, error) {
	f, err := diagram.ParseFormat(format)
	if err != nil {
		return nil, err
	}
	if s.workflows == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow catalog is not enabled")
	}
	wf, err := s.workflows.Workflow(workflowID)
	if err != nil {
		return nil, err
	}
	model, err := diagram.FromWorkflow(wf)
	if err != nil {
		return nil, err
	}
	return render(ctx, model, f)
}

// TaskDiagram draws a task plan with its step statuses and the step it is
// waiting on.
func (s *Service) TaskDiagram(ctx context.Context, taskID, format string) (*Diagram, error) {
	f, err := diagram.ParseFormat(format)
	if err != nil {
		return nil, err
	}
	if taskID == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "task id is required")
	}
	task, err := s.tasks.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	model, err := diagram.FromPlan("task "+task.ID+" ("+string(task.Status)+")", task.Plan, task.HaltStepID)
	if err != nil {
		return nil, err
	}
	return render(ctx, model, f)
}

func render(ctx context.Context, model *diagram.DiagramModel, f diagram.Format) (*Diagram, error) {
	body, err := diagram.Render(ctx, model, f)
	if err != nil {
		return nil, schema.AsFlowError(err, schema.ErrCodeStore)
	}
	return &Diagram{Format: f, Body: body}, nil
}
