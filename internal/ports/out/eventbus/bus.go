package eventbus

import "github.com/CareRoute-Health/transport-dispatch-api/internal/domain"

// Bus distributes change events to subscribers.
//
// Delivery contract: at-least-once, unordered across partitions, timestamps
// non-decreasing within a partition. Publish is fire-and-forget relative to
// the write path: it never blocks on slow consumers and never surfaces a
// failure to the writer. Consumers must apply events idempotently; every
// event carries the full resulting record.
type Bus interface {
	Publish(evt domain.ChangeEvent)

	// Subscribe registers a consumer for the given partitions (all partitions
	// when none are given). The returned cancel closes the channel and is safe
	// to call more than once.
	Subscribe(partitions ...domain.Partition) (<-chan domain.ChangeEvent, func())
}
