package provisioner

import (
	"bytes"
	"fmt"

	"github.com/backkem/meshprov/pkg/prov"
	"github.com/google/uuid"
)

// UUIDFilter selects advertised devices for automatic provisioning: the
// device UUID must contain Value at Offset.
type UUIDFilter struct {
	Offset int
	Value  []byte
}

// Validate checks that the filter lies within a UUID.
func (f UUIDFilter) Validate() error {
	if f.Offset < 0 || len(f.Value) == 0 || f.Offset+len(f.Value) > len(uuid.UUID{}) {
		return fmt.Errorf("%w: UUID filter offset %d length %d", prov.ErrInvalidConfig, f.Offset, len(f.Value))
	}
	return nil
}

// Match reports whether id matches the filter.
func (f UUIDFilter) Match(id uuid.UUID) bool {
	if f.Validate() != nil {
		return false
	}
	return bytes.Equal(id[f.Offset:f.Offset+len(f.Value)], f.Value)
}
