package rollup

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/realtime-sound-tracker/internal/tracker"
)

func TestSummarizeSumsEngagement(t *testing.T) {
	t.Parallel()
	m, geo := Summarize([]tracker.ChildObservation{
		{Views: 100, Likes: 10, Comments: 2, Shares: 3, Region: "us"},
		{Views: 300, Likes: 20, Comments: 4, Shares: 1, Region: "US"},
	})
	require.EqualValues(t, 400, m.Views)
	require.EqualValues(t, 30, m.Likes)
	require.EqualValues(t, 6, m.Comments)
	require.EqualValues(t, 4, m.Shares)
	require.Equal(t, 2, m.ChildCount)
	require.InDelta(t, 10.0, m.EngagementRate, 1e-9)
	require.Equal(t, []tracker.GeoShare{{Code: "US", Country: "United States", Percent: 100}}, geo)
}

func TestSummarizeEmpty(t *testing.T) {
	t.Parallel()
	m, geo := Summarize(nil)
	require.Equal(t, tracker.Metrics{}, m)
	require.Nil(t, geo)
}

func TestGeoKeepsTopFiveWithinHundredPercent(t *testing.T) {
	t.Parallel()
	// 42 clips across 8 regions, largest first: 12 US, 9 GB, 7 BR, 5 DE, 4 XK, 2 FR, 2 JP, 1 IT.
	plan := []struct {
		code string
		n    int
	}{{"US", 12}, {"GB", 9}, {"BR", 7}, {"DE", 5}, {"XK", 4}, {"FR", 2}, {"JP", 2}, {"IT", 1}}
	var codes []string
	for _, p := range plan {
		for i := 0; i < p.n; i++ {
			codes = append(codes, p.code)
		}
	}
	require.Len(t, codes, 42)

	geo := Geo(codes)
	require.Len(t, geo, TopRegions)

	sum := 0.0
	for i, g := range geo {
		require.Equal(t, plan[i].code, g.Code)
		if i > 0 {
			require.LessOrEqual(t, g.Percent, geo[i-1].Percent)
		}
		sum += g.Percent
	}
	require.LessOrEqual(t, sum, 100.0)
	require.Equal(t, "XK", geo[4].Country, "unknown codes pass through")
	require.InDelta(t, 28.57, geo[0].Percent, 0.001)
}

func TestGeoTieBreaksByCode(t *testing.T) {
	t.Parallel()
	geo := Geo([]string{"FR", "DE", "", " "})
	require.Len(t, geo, 2)
	require.Equal(t, "DE", geo[0].Code)
	require.Equal(t, "FR", geo[1].Code)
	require.InDelta(t, 50.0, geo[0].Percent, 1e-9)
}

func TestCountryName(t *testing.T) {
	t.Parallel()
	for _, code := range []string{"US", "GB", "JP"} {
		require.NotEqual(t, code, CountryName(code), fmt.Sprintf("expected a name for %s", code))
	}
	require.Equal(t, "ZZ", CountryName("ZZ"))
}
