package fitness

import (
	"errors"
	"math"
	"reflect"
	"testing"

	"github.com/example/evofit/pkg/propagation"
)

func TestSummarizeReplicatesSingleUncorrelated(t *testing.T) {
	cfg := propagation.DefaultConfig()
	cfg.ReplicateCorrelation = 0

	mean, v, err := SummarizeReplicates(cfg, "b1", []Replicate{{Proportion: 0.4, Trials: 50}})
	if err != nil {
		t.Fatalf("SummarizeReplicates() returned error: %v", err)
	}
	if mean != 0.4 {
		t.Fatalf("mean = %v, want 0.4", mean)
	}
	want := 0.4 * 0.6 / 50
	if math.Abs(v-want) > 1e-15 {
		t.Fatalf("variance = %v, want %v", v, want)
	}
}

func TestSummarizeReplicatesUsesAssumedTrialCount(t *testing.T) {
	// A replicate without a recorded count falls back to the configured
	// assumption, so changing the assumption changes the variance.
	small := propagation.DefaultConfig()
	small.ReplicateCorrelation = 0
	small.AssumedTrialCount = 10
	large := small
	large.AssumedTrialCount = 10000

	reps := []Replicate{{Proportion: 0.3}}
	_, vSmall, err := SummarizeReplicates(small, "b1", reps)
	if err != nil {
		t.Fatalf("SummarizeReplicates() returned error: %v", err)
	}
	_, vLarge, err := SummarizeReplicates(large, "b1", reps)
	if err != nil {
		t.Fatalf("SummarizeReplicates() returned error: %v", err)
	}
	if math.Abs(vSmall-0.3*0.7/10) > 1e-15 {
		t.Fatalf("variance = %v, want %v", vSmall, 0.3*0.7/10)
	}
	if vLarge >= vSmall {
		t.Fatalf("larger assumed count must shrink the variance: %v vs %v", vLarge, vSmall)
	}
}

func TestSummarizeReplicatesCorrelationCorrection(t *testing.T) {
	cfg := propagation.Config{
		ReplicateCorrelation: 0.8,
		ReplicateVariance:    0.0005,
		ReplicateCount:       4,
		AssumedTrialCount:    100,
	}
	reps := []Replicate{
		{Proportion: 0.5, Trials: 50},
		{Proportion: 0.5, Trials: 50},
		{Proportion: 0.5, Trials: 50},
		{Proportion: 0.5, Trials: 50},
	}

	mean, v, err := SummarizeReplicates(cfg, "b1", reps)
	if err != nil {
		t.Fatalf("SummarizeReplicates() returned error: %v", err)
	}
	if mean != 0.5 {
		t.Fatalf("mean = %v, want 0.5", mean)
	}
	perRep := 0.5 * 0.5 / 50
	want := 4*perRep/16 + 2*6*0.8*0.0005
	if math.Abs(v-want) > 1e-15 {
		t.Fatalf("variance = %v, want %v", v, want)
	}
}

func TestResolveDerivesSummaries(t *testing.T) {
	cfg := propagation.DefaultConfig()
	cfg.ReplicateCorrelation = 0

	u := ObservationUnit{
		BlockID:         "blk-1",
		StartReplicates: []Replicate{{Proportion: 0.4, Trials: 50}, {Proportion: 0.6, Trials: 50}},
		EndReplicates:   []Replicate{{Proportion: 0.7, Trials: 50}, {Proportion: 0.9, Trials: 50}},
	}

	resolved, err := u.Resolve(cfg)
	if err != nil {
		t.Fatalf("Resolve() returned error: %v", err)
	}
	if math.Abs(resolved.MeanStart-0.5) > 1e-15 || math.Abs(resolved.MeanEnd-0.8) > 1e-15 {
		t.Fatalf("means = %v, %v, want 0.5, 0.8", resolved.MeanStart, resolved.MeanEnd)
	}
	if resolved.VarStart <= 0 || resolved.VarEnd <= 0 {
		t.Fatalf("variances not derived: %v, %v", resolved.VarStart, resolved.VarEnd)
	}
	if resolved.Replicates != cfg.ReplicateCount {
		t.Fatalf("Replicates = %d, want configured default %d", resolved.Replicates, cfg.ReplicateCount)
	}
}

func TestResolvePassesThroughSummaries(t *testing.T) {
	u := ObservationUnit{BlockID: "blk-1", MeanStart: 0.5, MeanEnd: 0.8, VarStart: 0.001, VarEnd: 0.002, Replicates: 4}

	resolved, err := u.Resolve(propagation.DefaultConfig())
	if err != nil {
		t.Fatalf("Resolve() returned error: %v", err)
	}
	if !reflect.DeepEqual(resolved, u) {
		t.Fatalf("unit with summaries changed: %+v vs %+v", resolved, u)
	}
}

func TestResolveTagsOffendingUnit(t *testing.T) {
	u := ReferenceUnit{
		BlockID:         "anc-2",
		StartReplicates: []Replicate{{Proportion: 1, Trials: 50}},
	}

	_, err := u.Resolve(propagation.DefaultConfig())
	var de *propagation.DomainError
	if !errors.As(err, &de) {
		t.Fatalf("expected DomainError, got %v", err)
	}
	if de.Unit != "anc-2" {
		t.Fatalf("DomainError.Unit = %q, want anc-2", de.Unit)
	}
}
