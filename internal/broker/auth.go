package broker

import "context"

// Authorizer is the single authorization hook the core consumes. User
// management and ACL evaluation live behind it.
type Authorizer interface {
	CanPublish(ctx context.Context, clientID, topic string) bool
	CanSubscribe(ctx context.Context, clientID, filter string) bool
}

type allowAll struct{}

func (allowAll) CanPublish(context.Context, string, string) bool   { return true }
func (allowAll) CanSubscribe(context.Context, string, string) bool { return true }

// AllowAll returns an Authorizer that accepts every publish and subscribe.
func AllowAll() Authorizer { return allowAll{} }
