package pipeline

import (
	"errors"
	"fmt"
	"time"
)

// StageError is a document-level failure: the run was abandoned at Stage.
type StageError struct {
	DocumentID string
	Stage      string
	Err        error
	At         time.Time
}

func (e *StageError) Error() string {
	return fmt.Sprintf("document %s: %s: %v", e.DocumentID, e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

func stageError(docID, stage string, err error) error {
	var se *StageError
	if errors.As(err, &se) {
		return err
	}
	return &StageError{DocumentID: docID, Stage: stage, Err: err, At: time.Now().UTC()}
}

// FailedStage returns the stage a document-level error came from, or "".
func FailedStage(err error) string {
	var se *StageError
	if errors.As(err, &se) {
		return se.Stage
	}
	return ""
}
