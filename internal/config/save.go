package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/zjrosen/herald/internal/supervisor"
)

// SaveWorkers replaces the workers section of the config file.
// This preserves comments and formatting in other sections by using yaml.Node.
func SaveWorkers(configPath string, workers []supervisor.ProcessSpec) error {
	data, err := os.ReadFile(configPath)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("reading config: %w", err)
	}

	var doc yaml.Node
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return fmt.Errorf("parsing config: %w", err)
		}
	}

	workersNode, err := buildWorkersNode(workers)
	if err != nil {
		return fmt.Errorf("building workers node: %w", err)
	}

	if doc.Kind == 0 {
		doc = yaml.Node{
			Kind: yaml.DocumentNode,
			Content: []*yaml.Node{{
				Kind: yaml.MappingNode,
				Content: []*yaml.Node{
					{Kind: yaml.ScalarNode, Value: "workers"},
					workersNode,
				},
			}},
		}
	} else if doc.Kind == yaml.DocumentNode && len(doc.Content) > 0 {
		root := doc.Content[0]
		if root.Kind != yaml.MappingNode {
			return fmt.Errorf("parsing config: top level is not a mapping")
		}
		found := false
		for i := 0; i < len(root.Content)-1; i += 2 {
			if root.Content[i].Value == "workers" {
				root.Content[i+1] = workersNode
				found = true
				break
			}
		}
		if !found {
			root.Content = append(root.Content,
				&yaml.Node{Kind: yaml.ScalarNode, Value: "workers"},
				workersNode,
			)
		}
	}

	var buf bytes.Buffer
	encoder := yaml.NewEncoder(&buf)
	encoder.SetIndent(2)
	if err := encoder.Encode(&doc); err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	_ = encoder.Close()

	return writeAtomic(configPath, buf.Bytes())
}

// AddWorker appends spec to the workers section, or replaces the worker
// with the same name.
func AddWorker(configPath string, spec supervisor.ProcessSpec, existing []supervisor.ProcessSpec) error {
	workers := make([]supervisor.ProcessSpec, 0, len(existing)+1)
	replaced := false
	for _, w := range existing {
		if w.Name == spec.Name {
			w = spec
			replaced = true
		}
		workers = append(workers, w)
	}
	if !replaced {
		workers = append(workers, spec)
	}
	if err := ValidateWorkers(workers); err != nil {
		return err
	}
	return SaveWorkers(configPath, workers)
}

// RemoveWorker drops the worker named name. It reports false when no such
// worker is declared.
func RemoveWorker(configPath, name string, existing []supervisor.ProcessSpec) (bool, error) {
	workers := make([]supervisor.ProcessSpec, 0, len(existing))
	for _, w := range existing {
		if w.Name != name {
			workers = append(workers, w)
		}
	}
	if len(workers) == len(existing) {
		return false, nil
	}
	return true, SaveWorkers(configPath, workers)
}

func buildWorkersNode(workers []supervisor.ProcessSpec) (*yaml.Node, error) {
	if workers == nil {
		workers = []supervisor.ProcessSpec{}
	}
	var node yaml.Node
	if err := node.Encode(workers); err != nil {
		return nil, err
	}
	return &node, nil
}

// writeAtomic writes to a temp file in the same directory, then renames.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	temp, err := os.CreateTemp(dir, ".herald.yaml.tmp.*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tempPath := temp.Name()

	if _, err := temp.Write(data); err != nil {
		_ = temp.Close()
		_ = os.Remove(tempPath)
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := temp.Close(); err != nil {
		_ = os.Remove(tempPath)
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		_ = os.Remove(tempPath)
		return fmt.Errorf("renaming temp file: %w", err)
	}
	return nil
}
