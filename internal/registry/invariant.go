package registry

import (
	"fmt"

	"github.com/tphakala/bankstream/internal/descriptor"
	"github.com/tphakala/bankstream/internal/errors"
	"github.com/tphakala/bankstream/internal/logger"
)

// Violation describes a broken registry invariant
type Violation struct {
	Kind     string
	ID       uint32
	Existing descriptor.Descriptor
	Incoming descriptor.Descriptor
}

func (v Violation) Error() string {
	return fmt.Sprintf("%s: id %d held by %s, requested by %s", v.Kind, v.ID, v.Existing, v.Incoming)
}

// Violation kinds
const (
	ViolationDuplicateID = "duplicate_id"
)

// InvariantHandler is called when a registry invariant breaks. It runs on its
// own goroutine; the request that hit the violation fails once it returns.
type InvariantHandler func(v Violation)

// PanicOnViolation logs and reports v, then panics. Installed as the
// registry default it terminates the process.
func PanicOnViolation(v Violation) {
	err := errors.New(v).
		Component("registry").
		Category(errors.CategoryDuplicateID).
		Priority(errors.PriorityCritical).
		ResourceContext(v.ID, v.Incoming.Name).
		Context("existing", v.Existing.String()).
		Build()
	GetLogger().Error("registry invariant violated",
		logger.String("violation", v.Kind),
		logger.Uint32("id", v.ID),
		logger.Error(err))
	panic(err)
}
