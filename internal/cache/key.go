package cache

import "fmt"

// BeaconKey identifies one beacon cache entry. A session that has been
// split carries several keys over its lifetime, one per sequence number.
type BeaconKey struct {
	BeaconID uint32
	Sequence uint32
}

// String renders the key the way it is used as a map key / log field.
func (k BeaconKey) String() string {
	return fmt.Sprintf("%d-%d", k.BeaconID, k.Sequence)
}
