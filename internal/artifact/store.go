// Package artifact hands files from producing stages to consuming stages.
//
// Every (run, stage) pair owns a namespace in a Backend. Publish replaces the
// namespace with the files a stage's rules capture from its working
// directory; Resolve copies stored files into a consumer's working directory.
package artifact

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"stagerun/internal/errdefs"
	"stagerun/pkg/utils"
)

// Artifact is one stored file.
type Artifact struct {
	Path   string `json:"path"`
	Size   int64  `json:"size"`
	SHA256 string `json:"sha256"`
}

// Set is a list of artifacts sorted by Path.
type Set []Artifact

// Paths returns the artifact paths in order.
func (s Set) Paths() []string {
	out := make([]string, len(s))
	for i, a := range s {
		out[i] = a.Path
	}
	return out
}

// NoMatchError is returned when a required rule captures no file.
type NoMatchError struct {
	StageID  string
	Upstream string
	Rule     Rule
}

func (e *NoMatchError) Error() string {
	var b strings.Builder
	if e.StageID != "" {
		b.WriteString("stage " + e.StageID + ": ")
	}
	fmt.Fprintf(&b, "artifact rule %q matched no files", e.Rule.String())
	if e.Upstream != "" {
		b.WriteString(" published by " + e.Upstream)
	}
	return b.String()
}

func (e *NoMatchError) Kind() errdefs.Kind     { return errdefs.KindArtifact }
func (e *NoMatchError) Reason() errdefs.Reason { return errdefs.ReasonNoMatch }
func (e *NoMatchError) Stage() string          { return e.StageID }

// Store publishes and resolves artifacts over a Backend.
type Store struct {
	backend Backend

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewStore(backend Backend) *Store {
	return &Store{backend: backend, locks: make(map[string]*sync.Mutex)}
}

// Namespace is the key prefix owned by a stage of a run.
func Namespace(runID, stageID string) string { return runID + "/" + stageID }

func (s *Store) lock(ns string) func() {
	s.mu.Lock()
	l, ok := s.locks[ns]
	if !ok {
		l = &sync.Mutex{}
		s.locks[ns] = l
	}
	s.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// Publish captures the files matched by rules under workDir into the
// namespace of (runID, stageID), replacing anything published before.
// Nothing is replaced when a required rule matches no file.
func (s *Store) Publish(ctx context.Context, runID, stageID, workDir string, rules []Rule) (Set, error) {
	files, err := listFiles(workDir)
	if err != nil {
		return nil, errdefs.Artifact(errdefs.ReasonArtifactIO, stageID, err, "scan %s", workDir)
	}

	targets := make(map[string]string)
	for _, r := range rules {
		n := 0
		for _, rel := range files {
			if dst, ok := r.Target(rel); ok {
				targets[dst] = rel
				n++
			}
		}
		if n == 0 && !r.Optional {
			return nil, &NoMatchError{StageID: stageID, Rule: r}
		}
	}

	ns := Namespace(runID, stageID)
	defer s.lock(ns)()

	if err := s.backend.DeletePrefix(ctx, ns); err != nil {
		return nil, errdefs.Artifact(errdefs.ReasonArtifactIO, stageID, err, "clear %s", ns)
	}
	set := make(Set, 0, len(targets))
	for dst, rel := range targets {
		a, err := s.put(ctx, ns+"/"+dst, filepath.Join(workDir, filepath.FromSlash(rel)))
		if err != nil {
			return nil, errdefs.Artifact(errdefs.ReasonArtifactIO, stageID, err, "store %s", rel)
		}
		a.Path = dst
		set = append(set, a)
	}
	sort.Slice(set, func(i, j int) bool { return set[i].Path < set[j].Path })
	return set, nil
}

func (s *Store) put(ctx context.Context, key, file string) (Artifact, error) {
	sum, err := utils.HashFile(file)
	if err != nil {
		return Artifact{}, err
	}
	f, err := os.Open(file)
	if err != nil {
		return Artifact{}, err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return Artifact{}, err
	}
	if err := s.backend.Put(ctx, key, f, info.Size()); err != nil {
		return Artifact{}, err
	}
	return Artifact{Size: info.Size(), SHA256: sum}, nil
}

// Resolve copies the artifacts of (runID, stageID) matched by rule into
// destDir and returns how many files were written.
func (s *Store) Resolve(ctx context.Context, runID, stageID string, rule Rule, destDir string) (int, error) {
	ns := Namespace(runID, stageID)
	defer s.lock(ns)()

	keys, err := s.backend.List(ctx, ns)
	if err != nil {
		return 0, errdefs.Artifact(errdefs.ReasonArtifactIO, "", err, "list %s", ns)
	}
	n := 0
	for _, key := range keys {
		rel := strings.TrimPrefix(key, ns+"/")
		dst, ok := rule.Target(rel)
		if !ok {
			continue
		}
		target := filepath.Join(destDir, filepath.FromSlash(dst))
		if !within(destDir, target) {
			return n, errdefs.Artifact(errdefs.ReasonArtifactIO, "", nil, "%s escapes %s", dst, destDir)
		}
		if err := s.fetch(ctx, key, target); err != nil {
			return n, errdefs.Artifact(errdefs.ReasonArtifactIO, "", err, "materialize %s", rel)
		}
		n++
	}
	if n == 0 && !rule.Optional {
		return 0, &NoMatchError{Upstream: stageID, Rule: rule}
	}
	return n, nil
}

func (s *Store) fetch(ctx context.Context, key, target string) error {
	rc, err := s.backend.Get(ctx, key)
	if err != nil {
		return err
	}
	defer rc.Close()
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	f, err := os.Create(target)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, rc); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// List returns what (runID, stageID) currently has published.
func (s *Store) List(ctx context.Context, runID, stageID string) ([]string, error) {
	ns := Namespace(runID, stageID)
	keys, err := s.backend.List(ctx, ns)
	if err != nil {
		return nil, err
	}
	for i, k := range keys {
		keys[i] = strings.TrimPrefix(k, ns+"/")
	}
	return keys, nil
}

// DeleteRun drops every namespace of runID.
func (s *Store) DeleteRun(ctx context.Context, runID string) error {
	return s.backend.DeletePrefix(ctx, runID)
}

func listFiles(root string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		files = append(files, filepath.ToSlash(rel))
		return nil
	})
	sort.Strings(files)
	return files, err
}

func within(root, target string) bool {
	rel, err := filepath.Rel(root, target)
	if err != nil {
		return false
	}
	rel = filepath.ToSlash(rel)
	return rel != ".." && !strings.HasPrefix(rel, "../") && !path.IsAbs(rel)
}
