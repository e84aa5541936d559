package metareg

import (
	"fmt"
	"strings"

	"gonum.org/v1/gonum/mat"
)

// Variable declares one model variable. Categorical variables carry their
// ordered level set; the first level is the reference and is dropped from
// the design matrix. Continuous variables contribute their value directly.
type Variable struct {
	Name       string
	Continuous bool
	Levels     []string
}

// Term is one fixed-effect term: a single variable name for a main effect,
// or several names for their interaction.
type Term struct {
	Variables []string
}

// FullFactorial returns the interaction closure of the named variables:
// every main effect followed by every higher-order interaction, smallest
// order first, preserving the given variable order within each term.
func FullFactorial(names ...string) []Term {
	var terms []Term
	for size := 1; size <= len(names); size++ {
		terms = append(terms, subsetsOfSize(names, size)...)
	}
	return terms
}

func subsetsOfSize(names []string, size int) []Term {
	var out []Term
	var walk func(start int, cur []string)
	walk = func(start int, cur []string) {
		if len(cur) == size {
			out = append(out, Term{Variables: append([]string(nil), cur...)})
			return
		}
		for i := start; i < len(names); i++ {
			walk(i+1, append(cur, names[i]))
		}
	}
	walk(0, nil)
	return out
}

// DesignSpec describes how the fixed-effect design matrix is built: which
// variables exist, which terms enter the model, and whether an intercept
// column is included. Column generation is deterministic: for a categorical
// variable every non-reference level yields one contrast column, and an
// interaction column is the product of its constituent contrast columns.
type DesignSpec struct {
	Intercept bool
	Variables []Variable
	Terms     []Term
}

// Observation is one row of model input: categorical level assignments and
// continuous covariate values keyed by variable name.
type Observation struct {
	Categorical map[string]string
	Continuous  map[string]float64
}

// Design is a realized fixed-effect design matrix together with its
// column-name-to-index mapping. Columns is ordered exactly like the matrix
// columns and like the coefficient vector of a model fitted from it.
type Design struct {
	X       *mat.Dense
	Columns []string
}

type column struct {
	name string
	eval func(row int, o Observation) (float64, error)
}

// Build realizes the design matrix for the given observations. Unknown
// variables in a term, unknown factor levels, and missing covariate values
// are caller errors and name the offending row.
func (s DesignSpec) Build(obs []Observation) (*Design, error) {
	cols, err := s.columns()
	if err != nil {
		return nil, err
	}
	if len(cols) == 0 {
		return nil, fmt.Errorf("design spec produces no columns")
	}
	if len(obs) == 0 {
		return nil, fmt.Errorf("no observations to build a design from")
	}

	x := mat.NewDense(len(obs), len(cols), nil)
	names := make([]string, len(cols))
	for j, c := range cols {
		names[j] = c.name
	}
	for i, o := range obs {
		for j, c := range cols {
			v, err := c.eval(i, o)
			if err != nil {
				return nil, err
			}
			x.Set(i, j, v)
		}
	}
	return &Design{X: x, Columns: names}, nil
}

// Row realizes a single design row, for building prediction grids against a
// fitted model's column layout.
func (s DesignSpec) Row(o Observation) ([]float64, error) {
	d, err := s.Build([]Observation{o})
	if err != nil {
		return nil, err
	}
	return d.X.RawRowView(0), nil
}

func (s DesignSpec) columns() ([]column, error) {
	byName := make(map[string]Variable, len(s.Variables))
	for _, v := range s.Variables {
		byName[v.Name] = v
	}

	var cols []column
	if s.Intercept {
		cols = append(cols, column{
			name: "(Intercept)",
			eval: func(int, Observation) (float64, error) { return 1, nil },
		})
	}
	for _, term := range s.Terms {
		units := [][]column{}
		for _, name := range term.Variables {
			v, ok := byName[name]
			if !ok {
				return nil, fmt.Errorf("term references unknown variable %q", name)
			}
			if !v.Continuous && len(v.Levels) < 2 {
				return nil, fmt.Errorf("factor %q needs at least 2 levels, has %d", name, len(v.Levels))
			}
			units = append(units, contrastColumns(v))
		}
		cols = append(cols, crossColumns(units)...)
	}
	return cols, nil
}

// contrastColumns returns the contrast columns of one variable: the value
// itself for a continuous variable, one indicator per non-reference level
// for a categorical one.
func contrastColumns(v Variable) []column {
	if v.Continuous {
		name := v.Name
		return []column{{
			name: name,
			eval: func(row int, o Observation) (float64, error) {
				val, ok := o.Continuous[name]
				if !ok {
					return 0, fmt.Errorf("row %d: missing value for covariate %q", row, name)
				}
				return val, nil
			},
		}}
	}

	known := make(map[string]bool, len(v.Levels))
	for _, l := range v.Levels {
		known[l] = true
	}
	name := v.Name
	cols := make([]column, 0, len(v.Levels)-1)
	for _, level := range v.Levels[1:] {
		level := level
		cols = append(cols, column{
			name: fmt.Sprintf("%s=%s", name, level),
			eval: func(row int, o Observation) (float64, error) {
				got, ok := o.Categorical[name]
				if !ok {
					return 0, fmt.Errorf("row %d: missing level for factor %q", row, name)
				}
				if !known[got] {
					return 0, fmt.Errorf("row %d: unknown level %q for factor %q", row, got, name)
				}
				if got == level {
					return 1, nil
				}
				return 0, nil
			},
		})
	}
	return cols
}

// crossColumns expands an interaction term into the cartesian product of
// its per-variable contrast columns, names joined with ":".
func crossColumns(units [][]column) []column {
	out := []column{{name: "", eval: func(int, Observation) (float64, error) { return 1, nil }}}
	for _, unit := range units {
		next := make([]column, 0, len(out)*len(unit))
		for _, a := range out {
			for _, b := range unit {
				a, b := a, b
				name := b.name
				if a.name != "" {
					name = a.name + ":" + b.name
				}
				next = append(next, column{
					name: name,
					eval: func(row int, o Observation) (float64, error) {
						va, err := a.eval(row, o)
						if err != nil {
							return 0, err
						}
						vb, err := b.eval(row, o)
						if err != nil {
							return 0, err
						}
						return va * vb, nil
					},
				})
			}
		}
		out = next
	}
	// Strip the seed column when the term had no variables.
	if len(out) == 1 && out[0].name == "" {
		return nil
	}
	return out
}

// String renders the term the way model summaries name it.
func (t Term) String() string { return strings.Join(t.Variables, ":") }
