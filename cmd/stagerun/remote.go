package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"stagerun/internal/core"
	"stagerun/internal/report"
	"stagerun/internal/trigger"
)

var (
	serverURL  string
	submitFile string
	waitRun    bool

	hookRef    string
	hookKind   string
	hookCommit string
)

var triggerCmd = &cobra.Command{
	Use:   "trigger <pipeline-id>",
	Short: "Send a VCS event for a pipeline to the server",
	Args:  cobra.ExactArgs(1),
	RunE:  runTrigger,
}

func init() {
	triggerCmd.Flags().StringVar(&serverURL, "server", "", "server URL (defaults to STAGERUN_SERVER_URL)")
	triggerCmd.Flags().StringVar(&submitFile, "submit", "", "register this pipeline file before triggering")
	triggerCmd.Flags().BoolVar(&waitRun, "wait", false, "wait for the run to finish and print its report")
	triggerCmd.Flags().StringVar(&hookRef, "ref", "main", "VCS ref of the event")
	triggerCmd.Flags().StringVar(&hookKind, "kind", string(trigger.EventPush), "event kind: push, tag or pull_request")
	triggerCmd.Flags().StringVar(&hookCommit, "commit", "", "commit of the event")
}

type triggerReply struct {
	Started bool            `json:"started"`
	Ref     string          `json:"ref"`
	Branch  string          `json:"branch"`
	Reason  string          `json:"reason"`
	RunID   string          `json:"runId"`
	Run     json.RawMessage `json:"run"`
}

func runTrigger(cmd *cobra.Command, args []string) error {
	base := serverURL
	if base == "" {
		base = cfg.ServerURL
	}
	base = strings.TrimRight(base, "/")
	client := &http.Client{}
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	if submitFile != "" {
		data, err := os.ReadFile(submitFile)
		if err != nil {
			return fmt.Errorf("read pipeline: %w", err)
		}
		if _, err := post(ctx, client, base+"/pipelines", "application/x-yaml", data); err != nil {
			return fmt.Errorf("submit pipeline: %w", err)
		}
		fmt.Fprintf(out, "submitted %s\n", submitFile)
	}

	body, err := json.Marshal(trigger.Event{Ref: hookRef, Kind: trigger.EventKind(hookKind), Commit: hookCommit})
	if err != nil {
		return err
	}
	endpoint := base + "/pipelines/" + url.PathEscape(args[0]) + "/runs"
	if waitRun {
		endpoint += "?wait=true"
	}
	raw, err := post(ctx, client, endpoint, "application/json", body)
	if err != nil {
		return fmt.Errorf("trigger: %w", err)
	}
	var reply triggerReply
	if err := json.Unmarshal(raw, &reply); err != nil {
		return fmt.Errorf("decode reply: %w", err)
	}
	if !reply.Started {
		fmt.Fprintf(out, "event %s starts nothing: %s\n", reply.Ref, reply.Reason)
		return nil
	}
	fmt.Fprintf(out, "run %s started on branch %s\n", reply.RunID, reply.Branch)
	if !waitRun || len(reply.Run) == 0 {
		return nil
	}

	var snap core.Snapshot
	if err := json.Unmarshal(reply.Run, &snap); err != nil {
		return fmt.Errorf("decode run: %w", err)
	}
	if err := report.Render(out, snap, nil); err != nil {
		return err
	}
	if snap.Status != core.StatusSuccess {
		return errRunFailed
	}
	return nil
}

func post(ctx context.Context, client *http.Client, endpoint, contentType string, body []byte) ([]byte, error) {
	// waiting for a run can take as long as the run itself
	if !waitRun {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", contentType)
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode/100 != 2 {
		var e struct {
			Error  string   `json:"error"`
			Issues []string `json:"issues"`
		}
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			for _, is := range e.Issues {
				e.Error += "\n  - " + is
			}
			return nil, fmt.Errorf("%s: %s", resp.Status, e.Error)
		}
		return nil, fmt.Errorf("%s: %s", resp.Status, strings.TrimSpace(string(data)))
	}
	return data, nil
}
