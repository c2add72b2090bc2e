package errors

import (
	"fmt"

	kdb "github.com/opst/gpuplane/pkg/db"
)

// requested record is missing.
type Missing struct {
	Table    string
	Identity string
}

var _ error = Missing{}

func (m Missing) Error() string {
	return fmt.Sprintf("%s is not found in %s", m.Identity, m.Table)
}

func (m Missing) Unwrap() error {
	return kdb.ErrMissing
}

// a unique constraint rejected the write.
type Conflict struct {
	Table    string
	Identity string
}

var _ error = Conflict{}

func (c Conflict) Error() string {
	return fmt.Sprintf("%s conflicts in %s", c.Identity, c.Table)
}

func (c Conflict) Unwrap() error {
	return kdb.ErrNameConflict
}
