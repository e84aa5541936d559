package analysis

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/example/evofit/pkg/effectsize"
	"github.com/example/evofit/pkg/fitness"
	"github.com/example/evofit/pkg/metareg"
	"github.com/example/evofit/pkg/propagation"
)

func isolineConfig() *Config {
	cfg := DefaultConfig()
	cfg.Models = []ModelSpec{{
		Name:      "isoline-only",
		Variables: []VariableSpec{{Name: "isoline"}},
		Terms:     []metareg.Term{{Variables: []string{"isoline"}}},
		Groupings: []string{"population", "esid"},
		Intercept: true,
	}}
	return cfg
}

func testUnits() ([]fitness.ObservationUnit, []fitness.ReferenceUnit) {
	isolines := []string{"A", "A", "A", "A", "B", "B", "B", "B"}
	ends := []float64{0.55, 0.6, 0.58, 0.52, 0.75, 0.8, 0.78, 0.72}
	populations := []string{"P1", "P1", "P2", "P2", "P3", "P3", "P4", "P4"}

	var obs []fitness.ObservationUnit
	var refs []fitness.ReferenceUnit
	for i := range isolines {
		blk := fmt.Sprintf("blk-%d", i+1)
		ref := fmt.Sprintf("anc-%d", i+1)
		obs = append(obs, fitness.ObservationUnit{
			BlockID:      blk,
			Population:   populations[i],
			Isoline:      isolines[i],
			Temperature:  "20",
			Reproduction: "selfing",
			Generation:   10,
			MeanStart:    0.5,
			MeanEnd:      ends[i],
			VarStart:     0.001,
			VarEnd:       0.001,
			ReferenceID:  ref,
			Replicates:   4,
		})
		refs = append(refs, fitness.ReferenceUnit{
			BlockID:    ref,
			MeanStart:  0.5,
			MeanEnd:    0.5,
			VarStart:   0.001,
			VarEnd:     0.001,
			Replicates: 4,
		})
	}
	return obs, refs
}

func TestRunEndToEnd(t *testing.T) {
	fw, err := NewFramework(zap.NewNop(), isolineConfig())
	if err != nil {
		t.Fatalf("NewFramework() returned error: %v", err)
	}
	obs, refs := testUnits()

	report, err := fw.Run(context.Background(), obs, refs)
	if err != nil {
		t.Fatalf("Run() returned error: %v", err)
	}

	if len(report.Records) != 8 {
		t.Fatalf("got %d effect-size records, want 8", len(report.Records))
	}
	for i, rec := range report.Records {
		if rec.ESID == "" || rec.VarD <= 0 {
			t.Fatalf("record %d malformed: %+v", i, rec)
		}
	}

	if len(report.Models) != 1 {
		t.Fatalf("got %d model reports, want 1", len(report.Models))
	}
	m := report.Models[0]
	if !m.Converged {
		t.Fatalf("model did not converge after %d iterations", m.Iterations)
	}
	if len(m.Coefficients) != 2 {
		t.Fatalf("got %d coefficients, want 2: %+v", len(m.Coefficients), m.Coefficients)
	}
	if m.Coefficients[0].Name != "(Intercept)" || m.Coefficients[1].Name != "isoline=B" {
		t.Fatalf("unexpected coefficient names: %+v", m.Coefficients)
	}
	// The B isoline gained proportion faster, so its contrast is positive.
	if m.Coefficients[1].Estimate <= 0 {
		t.Fatalf("isoline=B contrast = %v, want > 0", m.Coefficients[1].Estimate)
	}
	if len(m.VarianceComponents) != 2 {
		t.Fatalf("got %d variance components, want 2", len(m.VarianceComponents))
	}
	for _, vc := range m.VarianceComponents {
		if vc.Tau2 < 0 {
			t.Fatalf("negative variance component: %+v", vc)
		}
	}
	if m.ModeratorTest == nil {
		t.Fatalf("model report has no omnibus moderator test")
	}
	if m.ModeratorTest.DF != 1 || m.ModeratorTest.Statistic <= 0 {
		t.Fatalf("unexpected omnibus test: %+v", m.ModeratorTest)
	}
	if m.ModeratorTest.PValue < 0 || m.ModeratorTest.PValue > 1 {
		t.Fatalf("omnibus p-value %v outside [0,1]", m.ModeratorTest.PValue)
	}
	if len(m.Predictions) != 2 {
		t.Fatalf("got %d cell predictions, want one per isoline level", len(m.Predictions))
	}
	for _, p := range m.Predictions {
		if p.Lower > p.Value || p.Upper < p.Value {
			t.Fatalf("interval does not bracket the prediction: %+v", p)
		}
	}
}

func TestRunMissingReferenceNamesBlock(t *testing.T) {
	fw, err := NewFramework(zap.NewNop(), isolineConfig())
	if err != nil {
		t.Fatalf("NewFramework() returned error: %v", err)
	}
	obs, refs := testUnits()
	obs[3].ReferenceID = "anc-missing"

	_, err = fw.Run(context.Background(), obs, refs)
	if err == nil {
		t.Fatalf("Run() accepted a dangling reference key")
	}
	if !strings.Contains(err.Error(), "blk-4") {
		t.Fatalf("error %q does not name the offending block", err.Error())
	}
}

func TestRunDomainErrorNamesBlock(t *testing.T) {
	fw, err := NewFramework(zap.NewNop(), isolineConfig())
	if err != nil {
		t.Fatalf("NewFramework() returned error: %v", err)
	}
	obs, refs := testUnits()
	obs[5].MeanStart = 0 // log-ratio undefined

	_, err = fw.Run(context.Background(), obs, refs)
	if err == nil {
		t.Fatalf("Run() accepted a zero proportion for a log-ratio transform")
	}
	if !strings.Contains(err.Error(), "blk-6") {
		t.Fatalf("error %q does not name the offending block", err.Error())
	}
}

func TestNewFrameworkValidation(t *testing.T) {
	if _, err := NewFramework(zap.NewNop(), &Config{Transform: "bogus"}); err == nil {
		t.Fatalf("NewFramework() accepted an unknown transform")
	}

	cfg := DefaultConfig()
	cfg.ConfidenceLevel = 1.2
	if _, err := NewFramework(zap.NewNop(), cfg); err == nil {
		t.Fatalf("NewFramework() accepted a confidence level above 1")
	}

	if _, err := NewFramework(zap.NewNop(), nil); err != nil {
		t.Fatalf("NewFramework(nil config) returned error: %v", err)
	}
}

// replicateUnits carries raw replicate proportions only; summary moments
// must come out of Resolve.
func replicateUnits() ([]fitness.ObservationUnit, []fitness.ReferenceUnit) {
	isolines := []string{"A", "A", "A", "A", "B", "B", "B", "B"}
	ends := []float64{0.55, 0.6, 0.58, 0.52, 0.75, 0.8, 0.78, 0.72}
	populations := []string{"P1", "P1", "P2", "P2", "P3", "P3", "P4", "P4"}

	reps := func(p float64) []fitness.Replicate {
		return []fitness.Replicate{
			{Proportion: p - 0.01}, {Proportion: p}, {Proportion: p}, {Proportion: p + 0.01},
		}
	}

	var obs []fitness.ObservationUnit
	var refs []fitness.ReferenceUnit
	for i := range isolines {
		blk := fmt.Sprintf("blk-%d", i+1)
		ref := fmt.Sprintf("anc-%d", i+1)
		obs = append(obs, fitness.ObservationUnit{
			BlockID:         blk,
			Population:      populations[i],
			Isoline:         isolines[i],
			Temperature:     "20",
			Reproduction:    "selfing",
			Generation:      10,
			StartReplicates: reps(0.5),
			EndReplicates:   reps(ends[i]),
			ReferenceID:     ref,
		})
		refs = append(refs, fitness.ReferenceUnit{
			BlockID:         ref,
			StartReplicates: reps(0.5),
			EndReplicates:   reps(0.5),
		})
	}
	return obs, refs
}

func TestRunReplicateInputsRespondToPropagationConfig(t *testing.T) {
	runWith := func(t *testing.T, p propagation.Config) *Report {
		t.Helper()
		cfg := isolineConfig()
		cfg.Propagation = p
		fw, err := NewFramework(zap.NewNop(), cfg)
		if err != nil {
			t.Fatalf("NewFramework() returned error: %v", err)
		}
		obs, refs := replicateUnits()
		report, err := fw.Run(context.Background(), obs, refs)
		if err != nil {
			t.Fatalf("Run() returned error: %v", err)
		}
		return report
	}

	tight := propagation.DefaultConfig()
	tight.ReplicateCorrelation = 0
	tight.ReplicateVariance = 0

	loose := propagation.DefaultConfig()
	loose.ReplicateCorrelation = 0.9
	loose.ReplicateVariance = 0.01

	a := runWith(t, tight)
	b := runWith(t, loose)

	// Inflating the replicate covariance widens the pooled SD, which
	// shrinks every standardized contrast and with it the d^2 term of
	// var_d.
	for i := range a.Records {
		if a.Records[i].VarD <= b.Records[i].VarD {
			t.Fatalf("record %d: var_d %v under the tight config is not above %v under the loose one",
				i, a.Records[i].VarD, b.Records[i].VarD)
		}
	}
	ca := a.Models[0].Coefficients[1]
	cb := b.Models[0].Coefficients[1]
	if ca.Name != "isoline=B" || cb.Name != "isoline=B" {
		t.Fatalf("unexpected coefficient layout: %+v vs %+v", ca, cb)
	}
	if ca.Estimate == cb.Estimate {
		t.Fatalf("isoline contrast %v is insensitive to the propagation config", ca.Estimate)
	}
}

func TestWeightedCovariateMeanUnknownName(t *testing.T) {
	_, err := weightedCovariateMean("bogus", []effectsize.Record{{Generation: 10, VarD: 0.1}})
	if err == nil {
		t.Fatalf("weightedCovariateMean() accepted an unknown covariate name")
	}
	if !strings.Contains(err.Error(), "bogus") {
		t.Fatalf("error %q does not name the covariate", err.Error())
	}
}

func TestRunHonorsContextCancellation(t *testing.T) {
	fw, err := NewFramework(zap.NewNop(), isolineConfig())
	if err != nil {
		t.Fatalf("NewFramework() returned error: %v", err)
	}
	obs, refs := testUnits()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := fw.Run(ctx, obs, refs); err == nil {
		t.Fatalf("Run() ignored a cancelled context")
	}
}
