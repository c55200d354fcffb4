package ledger

import (
	"context"
	"io"
	"log/slog"

	"stagerun/internal/core"
	"stagerun/pkg/utils"
)

// Recorder appends a block for every finished stage of a run.
type Recorder struct {
	core.NopObserver

	Ledger *Ledger
	Logger *slog.Logger
}

var _ core.Observer = (*Recorder)(nil)

func NewRecorder(l *Ledger, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Recorder{Ledger: l, Logger: logger}
}

func (r *Recorder) StageFinished(_ context.Context, run *core.Run, res core.StageRunResult) {
	logHash := utils.HashString("")
	if res.LogDir != "" {
		h, err := utils.HashTree(res.LogDir)
		if err != nil {
			r.Logger.Warn("cannot hash stage logs", "run", run.ID, "stage", res.StageID, "error", err)
		} else {
			logHash = h
		}
	}
	b, err := r.Ledger.Append(Entry{
		RunID:       run.ID,
		PipelineID:  run.Definition.ID,
		StageID:     res.StageID,
		Status:      string(res.Status),
		Reason:      string(res.Reason),
		BuildNumber: res.BuildNumber,
		AgentID:     res.AgentID,
		LogDir:      res.LogDir,
		LogHash:     logHash,
	})
	if err != nil {
		r.Logger.Error("cannot append ledger block", "run", run.ID, "stage", res.StageID, "error", err)
		return
	}
	r.Logger.Debug("ledger block appended", "index", b.Index, "hash", utils.Short(b.Hash))
}
