package runner

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/gobwas/glob"

	"github.com/ShayCichocki/squad/internal/isolation"
)

// TruncationMarker is appended to context files cut at the size limit.
const TruncationMarker = "\n... [truncated]"

// maxContextFiles bounds how many files are inlined into one prompt.
const maxContextFiles = 10

var errEnoughFiles = errors.New("enough context files")

// ContextFile is a file inlined into a prompt.
type ContextFile struct {
	Path      string
	Content   string
	Truncated bool
}

// CollectContextFiles expands slash-separated glob patterns (supporting **)
// against the isolation root and reads at most maxBytes of each match.
// Files are returned in pattern order, then path order, without duplicates.
func CollectContextFiles(ic *isolation.Context, patterns []string, maxBytes int) ([]ContextFile, error) {
	if len(patterns) == 0 {
		return nil, nil
	}
	var matchers []glob.Glob
	for _, p := range patterns {
		g, err := glob.Compile(filepath.ToSlash(p), '/')
		if err != nil {
			return nil, fmt.Errorf("context file pattern %q: %w", p, err)
		}
		matchers = append(matchers, g)
	}

	buckets := make([][]string, len(matchers))
	total := 0
	err := filepath.WalkDir(ic.Path, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if d.Name() == ".git" {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(ic.Path, path)
		if err != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)
		for i, m := range matchers {
			if m.Match(rel) {
				buckets[i] = append(buckets[i], rel)
				total++
				break
			}
		}
		if total >= maxContextFiles*4 {
			return errEnoughFiles
		}
		return nil
	})
	if err != nil && !errors.Is(err, errEnoughFiles) {
		return nil, err
	}

	var files []ContextFile
	for _, bucket := range buckets {
		sort.Strings(bucket)
		for _, rel := range bucket {
			if len(files) == maxContextFiles {
				return files, nil
			}
			abs, err := ic.Resolve(rel)
			if err != nil {
				continue
			}
			cf, err := readLimited(abs, maxBytes)
			if err != nil {
				continue
			}
			cf.Path = rel
			files = append(files, cf)
		}
	}
	return files, nil
}

func readLimited(path string, maxBytes int) (ContextFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return ContextFile{}, err
	}
	defer f.Close()

	if maxBytes <= 0 {
		maxBytes = 10000
	}
	buf, err := io.ReadAll(io.LimitReader(f, int64(maxBytes)+1))
	if err != nil {
		return ContextFile{}, err
	}
	cf := ContextFile{Content: string(buf)}
	if len(buf) > maxBytes {
		cf.Content = string(buf[:maxBytes]) + TruncationMarker
		cf.Truncated = true
	}
	return cf, nil
}
