// Package descriptor defines the immutable identity of a streamed resource
// and the YAML manifest that lists them.
package descriptor

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Kind selects the resource variant that backs a descriptor
type Kind int

const (
	KindMedia Kind = iota
	KindSoundBank
	KindExternalSource
)

func (k Kind) String() string {
	switch k {
	case KindMedia:
		return "media"
	case KindSoundBank:
		return "soundbank"
	case KindExternalSource:
		return "external"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ParseKind parses the manifest spelling of a kind
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "media", "":
		return KindMedia, nil
	case "soundbank", "bank":
		return KindSoundBank, nil
	case "external", "externalsource":
		return KindExternalSource, nil
	default:
		return 0, fmt.Errorf("unknown resource kind %q", s)
	}
}

// Descriptor identifies one resource. ID is baked ahead of time and is the
// only lookup key, so it must stay stable across builds.
type Descriptor struct {
	ID       uint32
	Name     string
	Path     string // relative to the file cache root
	Language string

	Kind Kind

	// Streaming resources keep only PrefetchSize bytes in memory and serve
	// the rest through the file cache.
	Streaming    bool
	PrefetchSize int64

	// UsingReferenceLanguage marks a localized resource that fell back to
	// the reference language.
	UsingReferenceLanguage bool

	// Memory resources are supplied in Data instead of read from Path.
	Memory bool
	Data   []byte

	// Copy loads a sound bank as a private copy instead of a view over the
	// file buffer.
	Copy bool
}

// Equal reports whether two descriptors describe the same resource.
// Data is compared by length only.
func (d Descriptor) Equal(o Descriptor) bool {
	return d.ID == o.ID &&
		d.Name == o.Name &&
		d.Path == o.Path &&
		d.Language == o.Language &&
		d.Kind == o.Kind &&
		d.Streaming == o.Streaming &&
		d.PrefetchSize == o.PrefetchSize &&
		d.UsingReferenceLanguage == o.UsingReferenceLanguage &&
		d.Memory == o.Memory &&
		len(d.Data) == len(o.Data) &&
		d.Copy == o.Copy
}

// FullPath resolves Path against root
func (d Descriptor) FullPath(root string) string {
	if filepath.IsAbs(d.Path) || root == "" {
		return d.Path
	}
	return filepath.Join(root, d.Path)
}

func (d Descriptor) String() string {
	name := d.Name
	if name == "" {
		name = d.Path
	}
	if d.Language != "" {
		return fmt.Sprintf("%s %d (%s, %s)", d.Kind, d.ID, name, d.Language)
	}
	return fmt.Sprintf("%s %d (%s)", d.Kind, d.ID, name)
}
