// Package dedup implements the time-bounded processed/in-flight event sets
// that guard OrderStream and PositionStream against the exchange's
// at-least-once delivery, grounded on the donor app's Redis-backed order
// tracker and its in-memory chain-tracker mutex+map idiom.
package dedup

import "fmt"

// Kind distinguishes the two dedup key families the streams use. Orders and
// positions carry independent processed-set TTLs (§3.3).
type Kind string

const (
	KindOrder    Kind = "order"
	KindPosition Kind = "position"
)

// Key is the `(id, uTime)` tuple that uniquely identifies a single
// observation of an order or position update (§3.1 DedupKey).
type Key struct {
	Kind  Kind
	ID    string // oid for KindOrder, pid for KindPosition
	UTime string
}

func (k Key) String() string {
	return fmt.Sprintf("%s:%s:%s", k.Kind, k.ID, k.UTime)
}
