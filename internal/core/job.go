package core

import "time"

// Step is a single shell command inside a stage.
type Step struct {
	Name    string
	Run     string
	Timeout time.Duration
}

// StepResult records one executed step.
type StepResult struct {
	Name     string        `json:"name"`
	ExitCode int           `json:"exitCode"`
	Duration time.Duration `json:"duration"`
	LogPath  string        `json:"logPath,omitempty"`
	TimedOut bool          `json:"timedOut,omitempty"`
}
