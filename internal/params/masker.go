package params

import (
	"sort"
	"strings"
)

// Masker hides secret values in text.
type Masker struct {
	r *strings.Replacer
}

// NewMasker masks every non-empty value. Longer values are replaced first so
// a secret that contains another is hidden entirely.
func NewMasker(values ...string) *Masker {
	uniq := make(map[string]bool)
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			uniq[v] = true
		}
	}
	if len(uniq) == 0 {
		return &Masker{}
	}
	sorted := make([]string, 0, len(uniq))
	for v := range uniq {
		sorted = append(sorted, v)
	}
	sort.Slice(sorted, func(i, j int) bool {
		if len(sorted[i]) != len(sorted[j]) {
			return len(sorted[i]) > len(sorted[j])
		}
		return sorted[i] < sorted[j]
	})
	pairs := make([]string, 0, 2*len(sorted))
	for _, v := range sorted {
		pairs = append(pairs, v, Mask)
	}
	return &Masker{r: strings.NewReplacer(pairs...)}
}

// Mask returns s with secret values replaced. A nil Masker returns s.
func (m *Masker) Mask(s string) string {
	if m == nil || m.r == nil {
		return s
	}
	return m.r.Replace(s)
}
