package processor

type Initializer interface {
	Apply() interface{}
}

type InitializerFunc func() interface{}

func (fn InitializerFunc) Apply() interface{} {
	return fn()
}

// Aggregator folds one (key, value) into the running aggregate. The
// fold must be commutative and associative so that replayed or
// reordered events within a window converge to the same final value.
type Aggregator interface {
	Apply(key interface{}, value interface{}, aggregate interface{}) (interface{}, error)
}

type AggregatorFunc func(key interface{}, value interface{}, aggregate interface{}) (interface{}, error)

func (fn AggregatorFunc) Apply(key interface{}, value interface{}, aggregate interface{}) (interface{}, error) {
	return fn(key, value, aggregate)
}
