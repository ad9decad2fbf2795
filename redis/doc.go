// Package eventuallyredis contains the Redis implementations of the
// checkpoint.Store and claim.Registry interfaces.
package eventuallyredis
