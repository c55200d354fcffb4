package main

import (
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"stagerun/internal/agent"
	"stagerun/internal/bootstrap"
	"stagerun/internal/core"
	"stagerun/internal/report"
	"stagerun/internal/trigger"
)

var (
	eventRef    string
	eventKind   string
	eventCommit string
	keepWork    bool
)

// errRunFailed makes the process exit non-zero once the report is printed.
var errRunFailed = errors.New("run did not succeed")

var validateCmd = &cobra.Command{
	Use:   "validate <pipeline.yaml>",
	Short: "Validate a pipeline definition",
	Args:  cobra.ExactArgs(1),
	RunE:  runValidate,
}

var planCmd = &cobra.Command{
	Use:   "plan <pipeline.yaml>",
	Short: "Show whether an event starts the pipeline and the stage order",
	Args:  cobra.ExactArgs(1),
	RunE:  runPlan,
}

var runCmd = &cobra.Command{
	Use:   "run <pipeline.yaml>",
	Short: "Execute a pipeline with local agents",
	Args:  cobra.ExactArgs(1),
	RunE:  runPipeline,
}

func init() {
	for _, c := range []*cobra.Command{planCmd, runCmd} {
		c.Flags().StringVar(&eventRef, "ref", "", "VCS ref of the event (defaults to the pipeline's default branch)")
		c.Flags().StringVar(&eventKind, "kind", string(trigger.EventPush), "event kind: push, tag or pull_request")
		c.Flags().StringVar(&eventCommit, "commit", "", "commit of the event")
	}
	runCmd.Flags().BoolVar(&keepWork, "keep-workdirs", false, "leave stage working directories in place")
}

func runValidate(cmd *cobra.Command, args []string) error {
	def, err := core.LoadDefinition(args[0])
	if err != nil {
		printIssues(cmd, err)
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "pipeline %s is valid (%d stages)\n", def.ID, len(def.Stages))
	return nil
}

func printIssues(cmd *cobra.Command, err error) {
	var verr *core.ValidationError
	if !errors.As(err, &verr) {
		return
	}
	for _, is := range verr.Issues {
		fmt.Fprintf(cmd.ErrOrStderr(), "  - %s\n", is.String())
	}
}

func event(def *core.Definition) trigger.Event {
	ref := eventRef
	if ref == "" {
		ref = def.VCS.DefaultBranch
	}
	if ref == "" {
		ref = "main"
	}
	return trigger.Event{Ref: ref, Kind: trigger.EventKind(eventKind), Commit: eventCommit}
}

func runPlan(cmd *cobra.Command, args []string) error {
	def, err := core.LoadDefinition(args[0])
	if err != nil {
		printIssues(cmd, err)
		return err
	}
	g, err := core.NewGraph(def)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	d := trigger.Evaluate(event(def), def.VCS, def.Trigger)
	if d.Start {
		fmt.Fprintf(out, "event %s starts a run on branch %s\n\n", d.Ref, d.Branch)
	} else {
		fmt.Fprintf(out, "event %s starts nothing: %s\n\n", d.Ref, d.Reason)
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "#\tSTAGE\tUPSTREAMS\tAGENT\n")
	for i, id := range g.Order() {
		stage, _ := def.Stage(id)
		var ups []string
		for _, dep := range stage.Dependencies {
			policy := dep.Policy
			if policy == "" {
				policy = def.DefaultFailurePolicy
			}
			ups = append(ups, fmt.Sprintf("%s(%s)", dep.Upstream, strings.ToLower(string(policy))))
		}
		reqs := agent.FormatRequirements(stage.Requirements)
		if reqs == "" {
			reqs = "any"
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", i+1, id, dash(strings.Join(ups, ", ")), reqs)
	}
	return w.Flush()
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func runPipeline(cmd *cobra.Command, args []string) error {
	def, err := core.LoadDefinition(args[0])
	if err != nil {
		printIssues(cmd, err)
		return err
	}
	g, err := core.NewGraph(def)
	if err != nil {
		return err
	}

	st, err := bootstrap.Build(cmd.Context(), cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()
	st.Coordinator.KeepWorkDirs = keepWork

	run, d, err := st.Coordinator.Trigger(cmd.Context(), def, event(def))
	if err != nil {
		return err
	}
	if run == nil {
		fmt.Fprintf(cmd.OutOrStdout(), "event %s starts nothing: %s\n", d.Ref, d.Reason)
		return nil
	}
	if err := report.Render(cmd.OutOrStdout(), run.Snapshot(), g.Order()); err != nil {
		return err
	}
	if run.Status() != core.StatusSuccess {
		return errRunFailed
	}
	return nil
}
