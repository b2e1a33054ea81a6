// Package verdict reduces a file's scan set, or its children's verdicts,
// into a single tri-state outcome. The reduction is commutative: scan
// completion order across agents never changes the result.
package verdict

import (
	"math"

	"github.com/hexvault/multiscan-api/internal/models"
)

// Verdict is the tri-state outcome for a file. The numeric values encode
// aggregation priority: infected dominates unknown, unknown dominates clean.
type Verdict int

const (
	Clean    Verdict = 0
	Unknown  Verdict = 1
	Infected Verdict = 2
)

// String implements fmt.Stringer.
func (v Verdict) String() string {
	switch v {
	case Clean:
		return "clean"
	case Infected:
		return "infected"
	default:
		return "unknown"
	}
}

// Bool maps the verdict onto the nullable infected column: nil while
// unknown, otherwise the decided value.
func (v Verdict) Bool() *bool {
	switch v {
	case Clean:
		f := false
		return &f
	case Infected:
		t := true
		return &t
	default:
		return nil
	}
}

// FromBool converts a nullable infected column back into a Verdict.
func FromBool(infected *bool) Verdict {
	switch {
	case infected == nil:
		return Unknown
	case *infected:
		return Infected
	default:
		return Clean
	}
}

// Thresholds carries the two consensus indices, both in (0,1].
// CleanAcceptance is the minimum fraction of agents that must agree "clean"
// for a file to be cleared; its complement is the tolerated disagreement.
// ValidAcceptance is the minimum fraction of agents that must produce a
// usable result; its complement is the tolerated failure/timeout fraction.
type Thresholds struct {
	CleanAcceptance float64
	ValidAcceptance float64
}

// Evaluate reduces a leaf file's scan set to a verdict.
//
// The decision runs in three steps:
//  1. any still-pending scan, or a missing-result fraction at or above the
//     tolerated failure fraction, yields Unknown;
//  2. an infected-result fraction at or above the tolerated disagreement
//     fraction yields Infected;
//  3. otherwise Clean.
func Evaluate(scans []models.Scan, t Thresholds) Verdict {
	total := len(scans)
	if total == 0 {
		return Unknown
	}

	var pending, missing, flagged int
	for i := range scans {
		if scans[i].StatusCode == nil {
			pending++
			continue
		}
		if scans[i].InfectedCount == nil {
			missing++
			continue
		}
		if *scans[i].InfectedCount > 0 {
			flagged++
		}
	}

	if pending > 0 {
		return Unknown
	}
	if float64(missing) >= (1-t.ValidAcceptance)*float64(total) {
		return Unknown
	}
	if float64(flagged) >= (1-t.CleanAcceptance)*float64(total) {
		return Infected
	}
	return Clean
}

// Aggregate reduces children's verdicts into a parent verdict by priority:
// infected over unknown over clean. An empty child set is Unknown.
func Aggregate(children []Verdict) Verdict {
	if len(children) == 0 {
		return Unknown
	}
	max := Clean
	for _, v := range children {
		if v > max {
			max = v
		}
	}
	return max
}

// LeafProgress computes a leaf file's progress as the fraction of terminal
// scans, rounded to one decimal place.
func LeafProgress(scans []models.Scan) float64 {
	total := len(scans)
	if total == 0 {
		return 0
	}
	done := 0
	for i := range scans {
		if scans[i].StatusCode != nil {
			done++
		}
	}
	return round1(100 * float64(done) / float64(total))
}

// TreeProgress computes a non-leaf file's progress as the fraction of valid
// children that already reached 100.
func TreeProgress(resolvedChildren, validChildren int) float64 {
	if validChildren == 0 {
		return 0
	}
	return round1(100 * float64(resolvedChildren) / float64(validChildren))
}

// SessionProgress computes a session's progress across its top-level files.
// When intake discovered work (counter > 0) but produced no eligible
// top-level files, the session counts as finished: progressive sources such
// as directory walks can legitimately reject everything they find.
func SessionProgress(resolvedTopLevel, validTopLevel, counter int) float64 {
	if validTopLevel == 0 {
		if counter > 0 {
			return 100
		}
		return 0
	}
	return round1(100 * float64(resolvedTopLevel) / float64(validTopLevel))
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}
