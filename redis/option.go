package eventuallyredis

// Option changes the configuration of a Checkpointer or a ClaimRegistry.
type Option[T any] func(T)

// WithCheckpointsPrefix sets the prefix of the keys a Checkpointer manages.
func WithCheckpointsPrefix(prefix string) Option[*Checkpointer] {
	return func(c *Checkpointer) { c.prefix = prefix }
}

// WithClaimsPrefix sets the prefix of the keys a ClaimRegistry manages.
func WithClaimsPrefix(prefix string) Option[*ClaimRegistry] {
	return func(r *ClaimRegistry) { r.prefix = prefix }
}
