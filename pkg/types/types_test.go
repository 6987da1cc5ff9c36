package types

import (
	"testing"
)

func TestJobStatusTerminal(t *testing.T) {
	tests := []struct {
		status JobStatus
		want   bool
	}{
		{JobStatusQueued, false},
		{JobStatusSealedPending, false},
		{JobStatusLeased, false},
		{JobStatusRunning, false},
		{JobStatusSucceeded, true},
		{JobStatusFailed, true},
		{JobStatusCanceled, true},
	}

	for _, tt := range tests {
		if got := tt.status.Terminal(); got != tt.want {
			t.Errorf("JobStatus(%q).Terminal() = %v, want %v", tt.status, got, tt.want)
		}
	}
}

func TestRunStatusTerminal(t *testing.T) {
	tests := []struct {
		status RunStatus
		want   bool
	}{
		{RunStatusQueued, false},
		{RunStatusRunning, false},
		{RunStatusSucceeded, true},
		{RunStatusFailed, true},
		{RunStatusCanceled, true},
	}

	for _, tt := range tests {
		if got := tt.status.Terminal(); got != tt.want {
			t.Errorf("RunStatus(%q).Terminal() = %v, want %v", tt.status, got, tt.want)
		}
	}
}

func TestDeletionStageNext(t *testing.T) {
	tests := []struct {
		stage DeletionStage
		want  DeletionStage
	}{
		{StageRunEvents, StageRuns},
		{StageSecretWiring, StageSetupDrafts},
		{StageJobs, StageResultBlobs},
		{StageDeletionTokens, StageProject},
		{StageProject, StageDone},
		{StageDone, StageDone},
		{DeletionStage("bogus"), StageDone},
	}

	for _, tt := range tests {
		if got := tt.stage.Next(); got != tt.want {
			t.Errorf("DeletionStage(%q).Next() = %q, want %q", tt.stage, got, tt.want)
		}
	}
}

func TestDeletionStagesOrder(t *testing.T) {
	if DeletionStages[0] != StageRunEvents {
		t.Errorf("first stage = %q, want %q", DeletionStages[0], StageRunEvents)
	}
	if DeletionStages[len(DeletionStages)-1] != StageDone {
		t.Errorf("last stage = %q, want %q", DeletionStages[len(DeletionStages)-1], StageDone)
	}
	if DeletionStages[len(DeletionStages)-2] != StageProject {
		t.Errorf("project row must be the final table stage, got %q", DeletionStages[len(DeletionStages)-2])
	}

	seen := make(map[DeletionStage]bool)
	for _, s := range DeletionStages {
		if seen[s] {
			t.Errorf("duplicate stage %q", s)
		}
		seen[s] = true
	}
}

func TestDeletionStageActive(t *testing.T) {
	tests := []struct {
		status DeletionStatus
		want   bool
	}{
		{DeletionStatusPending, true},
		{DeletionStatusRunning, true},
		{DeletionStatusCompleted, false},
		{DeletionStatusFailed, false},
	}

	for _, tt := range tests {
		if got := tt.status.Active(); got != tt.want {
			t.Errorf("DeletionStatus(%q).Active() = %v, want %v", tt.status, got, tt.want)
		}
	}
}
