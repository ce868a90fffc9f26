package worker

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"unicode"
)

// StaticRetriever ranks a fixed set of passages by term overlap with the query.
type StaticRetriever struct {
	Passages []string
	TopK     int
}

// LoadPassages reads every .txt and .md file in dir, one passage per
// blank-line separated paragraph.
func LoadPassages(dir string) ([]string, error) {
	var out []string
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		ext := strings.ToLower(filepath.Ext(path))
		if ext != ".txt" && ext != ".md" {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		for _, p := range strings.Split(string(data), "\n\n") {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		return nil
	})
	return out, err
}

func (r StaticRetriever) Retrieve(ctx context.Context, query string) ([]string, error) {
	k := r.TopK
	if k <= 0 {
		k = 3
	}
	q := Terms(query)
	type scored struct {
		idx   int
		score int
	}
	var hits []scored
	for i, p := range r.Passages {
		s := 0
		for t := range Terms(p) {
			if _, ok := q[t]; ok {
				s++
			}
		}
		if s > 0 {
			hits = append(hits, scored{idx: i, score: s})
		}
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].score > hits[j].score })
	if len(hits) > k {
		hits = hits[:k]
	}
	out := make([]string, 0, len(hits))
	for _, h := range hits {
		out = append(out, r.Passages[h.idx])
	}
	return out, ctx.Err()
}

// Terms lowercases s and returns its set of words longer than two runes.
func Terms(s string) map[string]struct{} {
	out := map[string]struct{}{}
	for _, f := range strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		if len([]rune(f)) > 2 {
			out[f] = struct{}{}
		}
	}
	return out
}
