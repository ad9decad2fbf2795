package postgres

// Option can be used to change the configuration of an object.
type Option[T any] interface {
	apply(T)
}

type option[T any] func(T)

func newOption[T any](f func(T)) option[T] { return option[T](f) }

func (apply option[T]) apply(val T) { apply(val) }

const (
	// DefaultCheckpointsTableName is the default table a Checkpointer points to.
	DefaultCheckpointsTableName = "subscription_checkpoints"
	// DefaultClaimsTableName is the default table a ClaimRegistry points to.
	DefaultClaimsTableName = "domain_claims"
)

// WithCheckpointsTableName allows you to specify a different table name
// that a Checkpointer should manage.
func WithCheckpointsTableName(tableName string) Option[*Checkpointer] {
	return newOption(func(c *Checkpointer) {
		c.tableName = tableName
	})
}

// WithClaimsTableName allows you to specify a different table name
// that a ClaimRegistry should manage.
func WithClaimsTableName(tableName string) Option[*ClaimRegistry] {
	return newOption(func(r *ClaimRegistry) {
		r.tableName = tableName
	})
}
