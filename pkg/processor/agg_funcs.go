package processor

import (
	"fmt"

	"tumblestream/pkg/commtypes"

	"github.com/Jeffail/gabs/v2"
	"golang.org/x/exp/constraints"
)

type AggKind uint8

const (
	AggCount AggKind = iota
	AggSum
	AggMin
	AggMax
)

func (k AggKind) String() string {
	switch k {
	case AggCount:
		return "COUNT"
	case AggSum:
		return "SUM"
	case AggMin:
		return "MIN"
	case AggMax:
		return "MAX"
	default:
		return fmt.Sprintf("AggKind(%d)", uint8(k))
	}
}

// AggSpec is one aggregate column: Kind applied to the payload field at
// Field (dot path, ignored for COUNT), materialized under the name As.
type AggSpec struct {
	Field string
	As    string
	Kind  AggKind
}

func MaxOrdered[T constraints.Ordered](a, b T) T {
	if a > b {
		return a
	}
	return b
}

func MinOrdered[T constraints.Ordered](a, b T) T {
	if a < b {
		return a
	}
	return b
}

// FieldValue resolves a dot path against a message value, which is
// either a decoded payload (*gabs.Container) or a derived aggregate
// row (map[string]interface{}).
func FieldValue(value interface{}, path string) (interface{}, bool) {
	switch v := value.(type) {
	case *gabs.Container:
		c := v.Path(path)
		if c == nil {
			return nil, false
		}
		return c.Data(), true
	case map[string]interface{}:
		val, ok := v[path]
		return val, ok
	default:
		return nil, false
	}
}

func numericFieldValue(value interface{}, path string) (float64, error) {
	raw, ok := FieldValue(value, path)
	if !ok {
		return 0, fmt.Errorf("field %q absent from event", path)
	}
	switch n := raw.(type) {
	case float64:
		return n, nil
	case int64:
		return float64(n), nil
	case int:
		return float64(n), nil
	default:
		return 0, fmt.Errorf("field %q is not numeric: %T", path, raw)
	}
}

// MultiAggInitializer returns the empty aggregate row for the given
// specs: COUNT columns start at zero; the rest start absent and take
// the first observed value.
func MultiAggInitializer(specs []AggSpec) Initializer {
	return InitializerFunc(func() interface{} {
		agg := make(map[string]interface{}, len(specs))
		for _, spec := range specs {
			if spec.Kind == AggCount {
				agg[spec.As] = int64(0)
			}
		}
		return agg
	})
}

// MultiAggregator folds one event into an aggregate row, one column per
// spec. Every column fold is commutative and associative, so the final
// row for a window is independent of arrival order.
func MultiAggregator(specs []AggSpec) Aggregator {
	return AggregatorFunc(func(key interface{}, value interface{}, aggregate interface{}) (interface{}, error) {
		oldAgg, ok := aggregate.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("aggregate is not a row: %T", aggregate)
		}
		newAgg := make(map[string]interface{}, len(specs))
		for k, v := range oldAgg {
			newAgg[k] = v
		}
		for _, spec := range specs {
			switch spec.Kind {
			case AggCount:
				cnt, _ := newAgg[spec.As].(int64)
				newAgg[spec.As] = cnt + 1
			case AggSum:
				v, err := numericFieldValue(value, spec.Field)
				if err != nil {
					return nil, err
				}
				sum, _ := newAgg[spec.As].(float64)
				newAgg[spec.As] = sum + v
			case AggMin:
				v, err := numericFieldValue(value, spec.Field)
				if err != nil {
					return nil, err
				}
				if cur, exists := newAgg[spec.As].(float64); exists {
					newAgg[spec.As] = MinOrdered(cur, v)
				} else {
					newAgg[spec.As] = v
				}
			case AggMax:
				v, err := numericFieldValue(value, spec.Field)
				if err != nil {
					return nil, err
				}
				if cur, exists := newAgg[spec.As].(float64); exists {
					newAgg[spec.As] = MaxOrdered(cur, v)
				} else {
					newAgg[spec.As] = v
				}
			default:
				return nil, fmt.Errorf("unknown aggregate kind %v", spec.Kind)
			}
		}
		return newAgg, nil
	})
}

// KeySelector extracts the grouping key for a message.
type KeySelector interface {
	SelectKey(msg *commtypes.Message) (string, error)
}

type KeySelectorFunc func(msg *commtypes.Message) (string, error)

func (fn KeySelectorFunc) SelectKey(msg *commtypes.Message) (string, error) {
	return fn(msg)
}

// FieldKeySelector keys messages by a payload field rendered as string.
func FieldKeySelector(path string) KeySelector {
	return KeySelectorFunc(func(msg *commtypes.Message) (string, error) {
		raw, ok := FieldValue(msg.Value, path)
		if !ok || raw == nil {
			return "", fmt.Errorf("key field %q absent from event", path)
		}
		return fmt.Sprintf("%v", raw), nil
	})
}
