package metareg

import "fmt"

// SingularDesignError reports a fixed-effect design matrix that is not full
// rank, or a total covariance matrix that could not be factorized. Column
// names the first unidentifiable column when it is known.
type SingularDesignError struct {
	Reason string
	Column string
}

func (e *SingularDesignError) Error() string {
	if e.Column != "" {
		return fmt.Sprintf("singular design: %s (column %q)", e.Reason, e.Column)
	}
	return fmt.Sprintf("singular design: %s", e.Reason)
}

// DimensionMismatchError reports a prediction design row whose width does
// not match the fitted coefficient vector.
type DimensionMismatchError struct {
	Row  int
	Got  int
	Want int
}

func (e *DimensionMismatchError) Error() string {
	return fmt.Sprintf("design row %d has %d columns, fitted model has %d coefficients", e.Row, e.Got, e.Want)
}
