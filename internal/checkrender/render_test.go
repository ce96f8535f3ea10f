package checkrender

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"flakeguard/internal/store"
)

func repo() store.Repository {
	return store.Repository{Owner: "acme", Name: "widgets", DefaultBranch: "main"}
}

func TestRender_NoRows_StableTitle(t *testing.T) {
	out := Render(Input{Repository: repo(), HeadSHA: "deadbeefcafe"})
	require.Equal(t, "No flaky tests detected", out.Title)
	require.Empty(t, out.Actions)
	require.False(t, out.Truncated)
}

func TestRender_CriticalRow_SuggestsQuarantineFirst(t *testing.T) {
	now := time.Now()
	row := Row{
		Identity:  store.TestIdentity{Name: "TestFlakyThing", FilePath: "pkg/thing_test.go", Line: 42},
		Detection: store.FlakeDetection{Confidence: 0.9, FailureRate: 0.4, IsFlaky: true, SuggestedAction: store.ActionQuarantine},
		RecentlyFailed: RecentlyFailed(store.FlakeDetection{LastFailureAt: timePtr(now.Add(-time.Hour))}, now, 7*24*time.Hour),
	}
	out := Render(Input{Repository: repo(), HeadSHA: "abc123", Rows: []Row{row}})

	require.Contains(t, out.Title, "critical")
	require.NotEmpty(t, out.Actions)
	require.Equal(t, store.ActionQuarantine, out.Actions[0].Identifier)
	require.Contains(t, out.Summary, "pkg/thing_test.go")
	require.Contains(t, out.Summary, "#L42")
}

func TestRender_ActionsCappedAtThree(t *testing.T) {
	rows := []Row{
		{Identity: store.TestIdentity{Name: "A"}, Detection: store.FlakeDetection{Confidence: 0.95, IsFlaky: true}},
		{Identity: store.TestIdentity{Name: "B"}, Detection: store.FlakeDetection{Confidence: 0.6, IsFlaky: true}, RecentlyFailed: true},
	}
	out := Render(Input{Repository: repo(), Rows: rows})
	require.LessOrEqual(t, len(out.Actions), 3)
}

func TestRender_SortedByConfidenceThenScore(t *testing.T) {
	rows := []Row{
		{Identity: store.TestIdentity{Name: "Low"}, Detection: store.FlakeDetection{Confidence: 0.5, FailureRate: 0.9, IsFlaky: true}},
		{Identity: store.TestIdentity{Name: "High"}, Detection: store.FlakeDetection{Confidence: 0.9, FailureRate: 0.2, IsFlaky: true}},
	}
	out := Render(Input{Repository: repo(), Rows: rows})
	highIdx := strings.Index(out.Summary, "High")
	lowIdx := strings.Index(out.Summary, "Low")
	require.Greater(t, highIdx, 0)
	require.Greater(t, lowIdx, 0)
	require.Less(t, highIdx, lowIdx)
}

func TestRender_TruncatesAtTwentyRowsWithFooter(t *testing.T) {
	rows := make([]Row, 0, 25)
	for i := 0; i < 25; i++ {
		rows = append(rows, Row{
			Identity:  store.TestIdentity{Name: "Test" + string(rune('A'+i))},
			Detection: store.FlakeDetection{Confidence: 0.6, IsFlaky: true},
		})
	}
	out := Render(Input{Repository: repo(), Rows: rows})
	require.True(t, out.Truncated)
	require.Contains(t, out.Summary, "Showing top 20 of 25")
}

func TestEscapeMarkdown_EscapesPipesAndBrackets(t *testing.T) {
	require.Equal(t, `a\|b\[c\]`, escapeMarkdown("a|b[c]"))
}

func TestTruncateName_AddsEllipsis(t *testing.T) {
	long := strings.Repeat("x", 60)
	got := truncateName(long, 50)
	require.Len(t, []rune(got), 50)
	require.True(t, strings.HasSuffix(got, "…"))
}

func timePtr(t time.Time) *time.Time { return &t }
