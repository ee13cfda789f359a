package engine

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// TaskStage is the coarse lifecycle position of a task. Stages are ordered;
// an accepted update never moves a task to a lower stage.
type TaskStage int

const (
	// StageCreated indicates the task is persisted but has not started.
	StageCreated TaskStage = iota

	// StageStarted indicates substage handlers are running.
	StageStarted

	// StageFinished indicates the task completed successfully.
	StageFinished

	// StageFailed indicates the task stopped with a failure.
	StageFailed

	// StageCancelled indicates the task was cancelled before completing.
	StageCancelled
)

var stageNames = map[TaskStage]string{
	StageCreated:   "CREATED",
	StageStarted:   "STARTED",
	StageFinished:  "FINISHED",
	StageFailed:    "FAILED",
	StageCancelled: "CANCELLED",
}

// String returns the stage name.
func (s TaskStage) String() string {
	if name, ok := stageNames[s]; ok {
		return name
	}
	return "STAGE(" + strconv.Itoa(int(s)) + ")"
}

// IsTerminal returns true if the stage represents a final state.
func (s TaskStage) IsTerminal() bool {
	return s == StageFinished || s == StageFailed || s == StageCancelled
}

// Validate checks if the stage is valid.
func (s TaskStage) Validate() error {
	if _, ok := stageNames[s]; !ok {
		return fmt.Errorf("invalid task stage: %d", int(s))
	}
	return nil
}

// ParseTaskStage converts a stage name to a TaskStage.
func ParseTaskStage(name string) (TaskStage, error) {
	for stage, n := range stageNames {
		if n == name {
			return stage, nil
		}
	}
	return 0, fmt.Errorf("invalid task stage: %s", name)
}

// MarshalJSON implements json.Marshaler.
func (s TaskStage) MarshalJSON() ([]byte, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(s.String())
}

// UnmarshalJSON implements json.Unmarshaler.
func (s *TaskStage) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	stage, err := ParseTaskStage(name)
	if err != nil {
		return err
	}
	*s = stage
	return nil
}

// SubStage is a domain-defined phase within a stage. Each task kind
// declares its own ordered substages.
type SubStage int

// SubStageCreated is the substage of every task before it starts.
const SubStageCreated SubStage = 0

// Position is the (stage, substage) pair that orders task progress.
type Position struct {
	Stage    TaskStage
	SubStage SubStage
}

// Before reports whether p is strictly behind other.
func (p Position) Before(other Position) bool {
	if p.Stage != other.Stage {
		return p.Stage < other.Stage
	}
	return p.SubStage < other.SubStage
}
