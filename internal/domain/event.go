package domain

import (
	"fmt"
	"time"
)

// Partition is the subscription key used to route change events: a requester
// feed, a fulfiller feed, a per-user feed for role changes, or the broadcast
// feed every fulfiller watches for newly pending requests.
type Partition string

const PartitionBroadcast Partition = "broadcast"

func PartitionRequester(id UserID) Partition {
	return Partition(fmt.Sprintf("requester:%s", id))
}

func PartitionFulfiller(id UserID) Partition {
	return Partition(fmt.Sprintf("fulfiller:%s", id))
}

func PartitionUser(id UserID) Partition {
	return Partition(fmt.Sprintf("user:%s", id))
}

// ChangeEvent is the immutable, append-only record published after every
// successful mutation. NewState always carries the full resulting record so
// consumers can replace rather than patch; applying a duplicate or superseded
// event is therefore a no-op on their side.
type ChangeEvent struct {
	EntityType string
	EntityID   string
	Partition  Partition
	Timestamp  time.Time
	NewState   any
}

// Entity types carried by ChangeEvent.
const (
	EntityTransportRequest = "transport_request"
	EntityAssignment       = "assignment"
	EntityClaim            = "claim"
)
