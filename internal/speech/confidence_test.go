package speech

import (
	"math"
	"testing"
)

func TestMeanConfidence(t *testing.T) {
	cases := []struct {
		name     string
		segments []float64
		want     float64
	}{
		{"no segments", nil, 0},
		{"empty", []float64{}, 0},
		{"single", []float64{0.7}, 0.7},
		{"pair", []float64{0.8, 0.84}, 0.82},
		{"many", []float64{1, 0.5, 0, 0.5}, 0.5},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := MeanConfidence(tc.segments)
			if math.Abs(got-tc.want) > 1e-9 {
				t.Fatalf("MeanConfidence(%v) = %v, want %v", tc.segments, got, tc.want)
			}
		})
	}
}

func TestNormalizeSentinels(t *testing.T) {
	partial, ok := Normalize(Result{Alternatives: []string{"hel"}})
	if !ok || partial.Confidence != 0.5 || partial.IsFinal {
		t.Fatalf("unexpected partial %+v", partial)
	}
	final, ok := Normalize(Result{Alternatives: []string{"hello"}, Final: true})
	if !ok || final.Confidence != 0.9 || !final.IsFinal {
		t.Fatalf("unexpected final %+v", final)
	}
	native, ok := Normalize(Result{Alternatives: []string{"hello"}, NativeConfidence: true, Final: true})
	if !ok || native.Confidence != 0 {
		t.Fatalf("native confidence without segments must be 0, got %+v", native)
	}
}

func TestNormalizePicksFirstAlternative(t *testing.T) {
	evt, ok := Normalize(Result{Alternatives: []string{"", "second"}})
	if !ok || evt.Text != "" {
		t.Fatalf("expected first (empty) alternative, got %+v", evt)
	}
	if _, ok := Normalize(Result{}); ok {
		t.Fatal("expected result without alternatives to be dropped")
	}
}
