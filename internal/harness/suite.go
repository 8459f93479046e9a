package harness

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// FindScenarios returns every .yaml/.yml file under dir, sorted.
// A non-empty filter is a glob matched against the file name without extension.
func FindScenarios(dir, filter string) ([]string, error) {
	var files []string
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		ext := filepath.Ext(path)
		if ext != ".yaml" && ext != ".yml" {
			return nil
		}
		if filter != "" {
			name := strings.TrimSuffix(filepath.Base(path), ext)
			matched, err := filepath.Match(filter, name)
			if err != nil {
				return fmt.Errorf("invalid filter pattern: %w", err)
			}
			if !matched {
				return nil
			}
		}
		files = append(files, path)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	return files, nil
}

// SuiteResult is the outcome of one scenario file.
type SuiteResult struct {
	Path   string   `json:"path"`
	Name   string   `json:"name"`
	Pass   bool     `json:"pass"`
	Errors []string `json:"errors,omitempty"`

	// Result is nil when the scenario could not be loaded or run.
	Result *Result `json:"-"`
}

// RunSuite runs every scenario under dir. Load and run errors are reported
// as failing entries, not returned.
func RunSuite(dir, filter string) ([]SuiteResult, error) {
	files, err := FindScenarios(dir, filter)
	if err != nil {
		return nil, err
	}
	out := make([]SuiteResult, 0, len(files))
	for _, path := range files {
		entry := SuiteResult{Path: path, Name: strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))}
		scenario, result, err := RunFile(path)
		if scenario != nil {
			entry.Name = scenario.Name
		}
		if err != nil {
			entry.Errors = []string{err.Error()}
			out = append(out, entry)
			continue
		}
		entry.Result = result
		entry.Pass = result.Pass
		entry.Errors = result.Errors
		out = append(out, entry)
	}
	return out, nil
}
