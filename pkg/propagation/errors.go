package propagation

import "fmt"

// DomainError reports an input value outside the mathematical domain of a
// propagation or effect-size operation (a non-positive mean feeding a
// logarithm, a negative variance, a degenerate pooled SD). Unit carries the
// block identifier when the caller knows it.
type DomainError struct {
	Op       string
	Unit     string
	Quantity string
	Value    float64
}

func (e *DomainError) Error() string {
	if e.Unit != "" {
		return fmt.Sprintf("%s: unit %s: %s %v outside domain", e.Op, e.Unit, e.Quantity, e.Value)
	}
	return fmt.Sprintf("%s: %s %v outside domain", e.Op, e.Quantity, e.Value)
}
