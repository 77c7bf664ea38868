package cluster

// Bus addresses the core publishes on. Peer nodes must agree on these
// strings exactly.

// NodeDeliverAddr carries PUBLISH frames to the node owning a subscriber.
func NodeDeliverAddr(nodeID string) string {
	return "node/" + nodeID + "/deliver"
}

// StoreAddAddr broadcasts index additions for the named store.
func StoreAddAddr(store string) string {
	return "store/" + store + "/add"
}

// StoreDelAddr broadcasts index removals for the named store.
func StoreDelAddr(store string) string {
	return "store/" + store + "/del"
}
