package engine

import (
	"time"

	"github.com/rendis/stepflow/pkg/schema"
)

// Recorder receives execution measurements. observability.Metrics implements it.
type Recorder interface {
	TaskStarted()
	TaskFinished(status schema.TaskStatus)
	StepFinished(stepType schema.StepType, status schema.StepStatus, elapsed time.Duration)
	ResumeRejected()
	SessionTurn(completed bool)
}

type nopRecorder struct{}

func (nopRecorder) TaskStarted()                                                   {}
func (nopRecorder) TaskFinished(schema.TaskStatus)                                 {}
func (nopRecorder) StepFinished(schema.StepType, schema.StepStatus, time.Duration) {}
func (nopRecorder) ResumeRejected()                                                {}
func (nopRecorder) SessionTurn(bool)                                               {}
