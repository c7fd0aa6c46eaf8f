package dht

import "time"

// Contact is a (NodeID, endpoint, last-seen) triple. Contacts are mutated
// only through RoutingTable.Observe; a contact is destroyed when evicted
// from its bucket.
type Contact struct {
	ID       NodeID
	Endpoint Endpoint
	LastSeen time.Time
}
