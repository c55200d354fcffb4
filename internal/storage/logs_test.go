package storage

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestSaveStepLog(t *testing.T) {
	ls := NewLogStorage(t.TempDir())

	first, err := ls.SaveStepLog("run-1", "build", 0, "compile app", "ok\n")
	if err != nil {
		t.Fatalf("SaveStepLog: %v", err)
	}
	second, err := ls.SaveStepLog("run-1", "build", 1, "../../etc/passwd", "x")
	if err != nil {
		t.Fatalf("SaveStepLog: %v", err)
	}
	if !strings.HasPrefix(second, ls.BaseDir) {
		t.Errorf("log escaped the base dir: %s", second)
	}
	if filepath.Base(first) != "01_compile_app.log" {
		t.Errorf("log name = %s", filepath.Base(first))
	}

	data, err := os.ReadFile(first)
	if err != nil || string(data) != "ok\n" {
		t.Errorf("log content = %q, %v", data, err)
	}

	logs, err := ls.StageLogs("run-1", "build")
	if err != nil || len(logs) != 2 || logs[0] != first {
		t.Errorf("StageLogs = %v, %v", logs, err)
	}

	if err := ls.RemoveRun("run-1"); err != nil {
		t.Fatal(err)
	}
	if logs, _ := ls.StageLogs("run-1", "build"); len(logs) != 0 {
		t.Errorf("RemoveRun left %v", logs)
	}
}

func TestSanitize(t *testing.T) {
	tests := map[string]string{
		"build":     "build",
		"a b.c":     "a_b_c",
		"$(rm -rf)": "rm_-rf",
		"///":       "step",
	}
	for in, want := range tests {
		if got := sanitize(in); got != want {
			t.Errorf("sanitize(%q) = %q, want %q", in, got, want)
		}
	}
}
