package optional

// Option represents a value that may be absent.
type Option[T any] struct {
	value  T
	isSome bool
}

func Some[T any](v T) Option[T] {
	return Option[T]{value: v, isSome: true}
}

func None[T any]() Option[T] {
	return Option[T]{}
}

func (o Option[T]) IsSome() bool {
	return o.isSome
}

func (o Option[T]) IsNone() bool {
	return !o.isSome
}

// Unwrap returns the contained value, or the zero value if none.
func (o Option[T]) Unwrap() T {
	return o.value
}

// Take returns the contained value and whether it is present.
func (o Option[T]) Take() (T, bool) {
	return o.value, o.isSome
}

func (o Option[T]) TakeOr(fallback T) T {
	if o.isSome {
		return o.value
	}
	return fallback
}

func Map[T, U any](o Option[T], mapper func(T) U) Option[U] {
	if o.isSome {
		return Some(mapper(o.value))
	}
	return None[U]()
}
