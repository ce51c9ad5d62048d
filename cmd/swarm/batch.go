package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/aristath/swarm/internal/scheduler"
)

var errEmptyBatch = errors.New("batch has no tasks")

// batchFile is the mapping form of a batch. A bare sequence of tasks is
// accepted too. JSON input parses as YAML.
type batchFile struct {
	Tasks []scheduler.Spec `yaml:"tasks"`
}

// readBatch loads task specs from path. "-" reads stdin.
func readBatch(path string, stdin io.Reader) ([]scheduler.Spec, error) {
	var r io.Reader = stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open batch: %w", err)
		}
		defer f.Close()
		r = f
	}

	specs, err := decodeBatch(r)
	if err != nil {
		return nil, fmt.Errorf("batch %s: %w", path, err)
	}
	return specs, nil
}

func decodeBatch(r io.Reader) ([]scheduler.Spec, error) {
	var doc yaml.Node
	if err := yaml.NewDecoder(r).Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errEmptyBatch
		}
		return nil, fmt.Errorf("parse: %w", err)
	}
	if doc.Kind != yaml.DocumentNode || len(doc.Content) == 0 {
		return nil, errEmptyBatch
	}

	var specs []scheduler.Spec
	switch root := doc.Content[0]; root.Kind {
	case yaml.SequenceNode:
		if err := root.Decode(&specs); err != nil {
			return nil, fmt.Errorf("decode tasks: %w", err)
		}
	case yaml.MappingNode:
		var bf batchFile
		if err := root.Decode(&bf); err != nil {
			return nil, fmt.Errorf("decode tasks: %w", err)
		}
		specs = bf.Tasks
	default:
		return nil, fmt.Errorf("expected a list of tasks or a mapping with a tasks key, got %s", root.ShortTag())
	}

	if len(specs) == 0 {
		return nil, errEmptyBatch
	}
	return specs, nil
}
