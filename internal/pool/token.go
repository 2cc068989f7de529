package pool

import "github.com/google/uuid"

// NewClientToken mints the opaque client identifier a worker's /ws and
// /prompt endpoints expect; every stream and every submission gets its
// own, per the connection contract.
func NewClientToken() string {
	return uuid.NewString()
}
