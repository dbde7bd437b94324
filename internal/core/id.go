package core

import (
	"github.com/oklog/ulid/v2"
)

// NewArtifactName returns a unique, time-ordered file name with the given
// extension. The ULID encodes a millisecond timestamp followed by random bits.
func NewArtifactName(ext string) string {
	return ulid.Make().String() + ext
}
