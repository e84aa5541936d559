package fitness

// Replicate is one raw replicate proportion with the binomial trial count
// it was scored from. A zero Trials marks a count that was not recorded.
type Replicate struct {
	Proportion float64 `json:"proportion"`
	Trials     float64 `json:"trials,omitempty"`
}

// ObservationUnit is one experimental replicate-group record: per-unit mean
// proportions at the start and end assays with their propagated sampling
// variances, plus the grouping factors the meta-regression pools on. Units
// may instead carry the raw replicate proportions; Resolve then derives the
// summaries through the configured variance propagation.
type ObservationUnit struct {
	BlockID      string  `json:"block_id"`          // Unique block identifier
	Population   string  `json:"population"`        // Source population
	Isoline      string  `json:"isoline"`           // Isoline factor level
	Temperature  string  `json:"temperature"`       // Rearing temperature level
	Reproduction string  `json:"reproduction_type"` // Reproduction mode level
	Generation   float64 `json:"generation"`        // Generations of selection (continuous covariate)
	MeanStart    float64 `json:"mean_start"`        // Mean proportion at the start assay
	MeanEnd      float64 `json:"mean_end"`          // Mean proportion at the end assay
	VarStart     float64 `json:"var_start"`         // Sampling variance of MeanStart
	VarEnd       float64 `json:"var_end"`           // Sampling variance of MeanEnd
	ReferenceID  string  `json:"reference_block_id"` // Key of the paired ancestral unit
	Replicates   int     `json:"n_replicates"`      // Replicates behind each mean

	StartReplicates []Replicate `json:"start_replicates,omitempty"` // Raw replicate proportions at the start assay
	EndReplicates   []Replicate `json:"end_replicates,omitempty"`   // Raw replicate proportions at the end assay
}

// ReferenceUnit is the ancestral counterpart of an ObservationUnit, linked
// 1:1 through ObservationUnit.ReferenceID. Same proportion/variance shape,
// no grouping factors.
type ReferenceUnit struct {
	BlockID    string  `json:"block_id"`
	MeanStart  float64 `json:"mean_start"`
	MeanEnd    float64 `json:"mean_end"`
	VarStart   float64 `json:"var_start"`
	VarEnd     float64 `json:"var_end"`
	Replicates int     `json:"n_replicates"`

	StartReplicates []Replicate `json:"start_replicates,omitempty"`
	EndReplicates   []Replicate `json:"end_replicates,omitempty"`
}

// Estimate is a derived per-unit fitness value and its propagated variance.
// Which transform produced it is recorded so downstream reports can label
// the scale, but consumers only ever read Value and Variance.
type Estimate struct {
	Transform  Transform `json:"transform"`
	Value      float64   `json:"value"`
	Variance   float64   `json:"variance"`
	Replicates int       `json:"replicates"`
}
