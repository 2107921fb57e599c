package config

import (
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// LoadManifest reads a YAML file that may contain multiple "---"-separated
// EndpointSpec documents and returns them in file order.
func LoadManifest(path string) ([]EndpointSpec, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	specs, err := ParseManifest(f)
	if err != nil {
		return nil, fmt.Errorf("parse manifest %s: %w", path, err)
	}
	return specs, nil
}

// ParseManifest decodes a multi-document YAML stream into EndpointSpecs,
// skipping empty documents and validating each one.
func ParseManifest(r io.Reader) ([]EndpointSpec, error) {
	dec := yaml.NewDecoder(r)

	var specs []EndpointSpec
	for {
		var spec EndpointSpec
		if err := dec.Decode(&spec); err != nil {
			if err == io.EOF {
				break
			}
			return nil, err
		}
		if spec.Metadata.Name == "" && spec.Spec.Path == "" {
			continue // empty document between "---" separators
		}
		if err := spec.Validate(); err != nil {
			return nil, err
		}
		specs = append(specs, spec)
	}
	return specs, nil
}
