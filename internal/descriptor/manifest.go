package descriptor

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/tphakala/bankstream/internal/errors"
)

// Manifest is the on-disk list of resources
type Manifest struct {
	Root      string          `yaml:"root"`
	Resources []manifestEntry `yaml:"resources"`
}

type manifestEntry struct {
	ID                     uint32 `yaml:"id"`
	Name                   string `yaml:"name"`
	Path                   string `yaml:"path"`
	Language               string `yaml:"language"`
	Kind                   string `yaml:"kind"`
	Streaming              bool   `yaml:"streaming"`
	PrefetchSize           int64  `yaml:"prefetch"`
	UsingReferenceLanguage bool   `yaml:"reference_language"`
	Copy                   bool   `yaml:"copy"`
}

// LoadManifest reads and validates a manifest file
func LoadManifest(path string) (string, []Descriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", nil, errors.New(err).
			Component("descriptor").
			Category(errors.CategoryFileIO).
			Context("operation", "read_manifest").
			Build()
	}
	return ParseManifest(data)
}

// ParseManifest decodes manifest YAML. IDs must be unique and every entry
// needs a path.
func ParseManifest(data []byte) (string, []Descriptor, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return "", nil, errors.New(fmt.Errorf("parse manifest: %w", err)).
			Component("descriptor").
			Category(errors.CategoryValidation).
			Build()
	}

	seen := make(map[uint32]string, len(m.Resources))
	out := make([]Descriptor, 0, len(m.Resources))
	for i, e := range m.Resources {
		if e.ID == 0 {
			return "", nil, invalidEntry(i, "id must be non-zero")
		}
		if e.Path == "" {
			return "", nil, invalidEntry(i, "path is required")
		}
		if e.PrefetchSize < 0 {
			return "", nil, invalidEntry(i, "prefetch must not be negative")
		}
		if prev, dup := seen[e.ID]; dup {
			return "", nil, errors.Newf("manifest entries %q and %q share id %d", prev, e.Path, e.ID).
				Component("descriptor").
				Category(errors.CategoryDuplicateID).
				Build()
		}
		seen[e.ID] = e.Path

		kind, err := ParseKind(e.Kind)
		if err != nil {
			return "", nil, invalidEntry(i, err.Error())
		}

		out = append(out, Descriptor{
			ID:                     e.ID,
			Name:                   e.Name,
			Path:                   e.Path,
			Language:               e.Language,
			Kind:                   kind,
			Streaming:              e.Streaming,
			PrefetchSize:           e.PrefetchSize,
			UsingReferenceLanguage: e.UsingReferenceLanguage,
			Copy:                   e.Copy,
		})
	}
	return m.Root, out, nil
}

func invalidEntry(index int, reason string) error {
	return errors.Newf("manifest entry %d: %s", index, reason).
		Component("descriptor").
		Category(errors.CategoryValidation).
		Build()
}
