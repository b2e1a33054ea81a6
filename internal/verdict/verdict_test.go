package verdict

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hexvault/multiscan-api/internal/models"
)

func intPtr(v int) *int { return &v }

func okScan(infected int) models.Scan {
	code := models.ScanStatusOK
	return models.Scan{StatusCode: &code, InfectedCount: intPtr(infected)}
}

func failedScan(code int) models.Scan {
	return models.Scan{StatusCode: &code}
}

func pendingScan() models.Scan {
	return models.Scan{}
}

func TestEvaluateEmptySet(t *testing.T) {
	require.Equal(t, Unknown, Evaluate(nil, Thresholds{CleanAcceptance: 0.5, ValidAcceptance: 0.5}))
}

func TestEvaluatePendingScansForceUnknown(t *testing.T) {
	scans := []models.Scan{okScan(0), okScan(0), pendingScan()}
	require.Equal(t, Unknown, Evaluate(scans, Thresholds{CleanAcceptance: 0.5, ValidAcceptance: 0.5}))
}

func TestEvaluateScenarioA(t *testing.T) {
	// 4 agents, c=0.5, v=0.5: [infected, infected, clean, error] -> infected.
	scans := []models.Scan{
		okScan(1),
		okScan(2),
		okScan(0),
		failedScan(models.ScanStatusTransport),
	}
	got := Evaluate(scans, Thresholds{CleanAcceptance: 0.5, ValidAcceptance: 0.5})
	require.Equal(t, Infected, got)
}

func TestEvaluateScenarioB(t *testing.T) {
	// 3 agents, c=0.5, v=0.34: [clean, clean, error] -> clean.
	scans := []models.Scan{
		okScan(0),
		okScan(0),
		failedScan(models.ScanStatusTimeout),
	}
	got := Evaluate(scans, Thresholds{CleanAcceptance: 0.5, ValidAcceptance: 0.34})
	require.Equal(t, Clean, got)
}

func TestEvaluateTooManyFailuresIsUnknown(t *testing.T) {
	// 4 agents, v=0.5: 2 failures reach the tolerated-failure bound.
	scans := []models.Scan{
		okScan(0),
		okScan(0),
		failedScan(models.ScanStatusEngineMissing),
		failedScan(models.ScanStatusEngineFailed),
	}
	require.Equal(t, Unknown, Evaluate(scans, Thresholds{CleanAcceptance: 0.5, ValidAcceptance: 0.5}))
}

func TestEvaluateOrderIndependence(t *testing.T) {
	scans := []models.Scan{
		okScan(1),
		okScan(0),
		okScan(3),
		failedScan(models.ScanStatusTransport),
		okScan(0),
	}
	thresholds := []Thresholds{
		{CleanAcceptance: 0.3, ValidAcceptance: 0.3},
		{CleanAcceptance: 0.5, ValidAcceptance: 0.5},
		{CleanAcceptance: 0.9, ValidAcceptance: 0.7},
		{CleanAcceptance: 1.0, ValidAcceptance: 1.0},
	}
	rng := rand.New(rand.NewSource(42))
	for _, th := range thresholds {
		want := Evaluate(scans, th)
		for i := 0; i < 50; i++ {
			shuffled := append([]models.Scan(nil), scans...)
			rng.Shuffle(len(shuffled), func(a, b int) {
				shuffled[a], shuffled[b] = shuffled[b], shuffled[a]
			})
			require.Equal(t, want, Evaluate(shuffled, th))
		}
	}
}

func TestEvaluateUnanimousAgreement(t *testing.T) {
	// Complete and unanimous scan sets decide regardless of thresholds,
	// as long as the failure tolerance is not exhausted by zero failures
	// (validAcceptance == 1 tolerates nothing, including zero results).
	thresholds := []Thresholds{
		{CleanAcceptance: 0.1, ValidAcceptance: 0.1},
		{CleanAcceptance: 0.5, ValidAcceptance: 0.5},
		{CleanAcceptance: 0.99, ValidAcceptance: 0.99},
	}
	allInfected := []models.Scan{okScan(1), okScan(4), okScan(2)}
	allClean := []models.Scan{okScan(0), okScan(0), okScan(0)}
	for _, th := range thresholds {
		require.Equal(t, Infected, Evaluate(allInfected, th))
		require.Equal(t, Clean, Evaluate(allClean, th))
	}
}

func TestEvaluateMonotonicInFailureTolerance(t *testing.T) {
	// Relaxing validAcceptance (tolerating more failures) can only move a
	// verdict from unknown toward a decided outcome, never the reverse.
	scans := []models.Scan{
		okScan(0),
		okScan(0),
		failedScan(models.ScanStatusTransport),
		failedScan(models.ScanStatusTimeout),
	}
	strict := Evaluate(scans, Thresholds{CleanAcceptance: 0.5, ValidAcceptance: 0.9})
	relaxed := Evaluate(scans, Thresholds{CleanAcceptance: 0.5, ValidAcceptance: 0.25})
	require.Equal(t, Unknown, strict)
	require.Equal(t, Clean, relaxed)

	for v := 0.05; v <= 1.0; v += 0.05 {
		stricter := Evaluate(scans, Thresholds{CleanAcceptance: 0.5, ValidAcceptance: v + 0.05})
		looser := Evaluate(scans, Thresholds{CleanAcceptance: 0.5, ValidAcceptance: v})
		if looser == Unknown {
			require.Equal(t, Unknown, stricter)
		}
	}
}

func TestAggregatePriority(t *testing.T) {
	cases := []struct {
		name     string
		children []Verdict
		want     Verdict
	}{
		{"empty", nil, Unknown},
		{"all clean", []Verdict{Clean, Clean}, Clean},
		{"unknown beats clean", []Verdict{Clean, Unknown, Clean}, Unknown},
		{"infected beats unknown", []Verdict{Unknown, Infected, Clean}, Infected},
		{"single infected", []Verdict{Infected}, Infected},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, Aggregate(tc.children))
		})
	}
}

func TestAggregateChildOrderIndependence(t *testing.T) {
	children := []Verdict{Clean, Infected, Unknown, Clean, Unknown}
	want := Aggregate(children)
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 100; i++ {
		shuffled := append([]Verdict(nil), children...)
		rng.Shuffle(len(shuffled), func(a, b int) {
			shuffled[a], shuffled[b] = shuffled[b], shuffled[a]
		})
		require.Equal(t, want, Aggregate(shuffled))
	}
}

func TestLeafProgressRounding(t *testing.T) {
	scans := []models.Scan{okScan(0), okScan(0), pendingScan()}
	require.InDelta(t, 66.7, LeafProgress(scans), 0.001)
	require.Equal(t, float64(0), LeafProgress(nil))
	require.Equal(t, float64(100), LeafProgress([]models.Scan{okScan(1)}))
}

func TestSessionProgressBounds(t *testing.T) {
	require.Equal(t, float64(0), SessionProgress(0, 0, 0))
	// Progressive discovery that rejected everything still finishes.
	require.Equal(t, float64(100), SessionProgress(0, 0, 3))
	require.Equal(t, float64(50), SessionProgress(1, 2, 2))
	require.Equal(t, float64(100), SessionProgress(2, 2, 2))

	for resolved := 0; resolved <= 10; resolved++ {
		p := SessionProgress(resolved, 10, 10)
		require.GreaterOrEqual(t, p, float64(0))
		require.LessOrEqual(t, p, float64(100))
		if p == 100 {
			require.Equal(t, 10, resolved)
		}
	}
}

func TestVerdictBoolRoundTrip(t *testing.T) {
	for _, v := range []Verdict{Clean, Unknown, Infected} {
		require.Equal(t, v, FromBool(v.Bool()))
	}
}
