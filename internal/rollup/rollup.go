// Package rollup aggregates child observations into a parent's metrics and region mix.
package rollup

import (
	"math"
	"sort"
	"strings"

	"github.com/JakeFAU/realtime-sound-tracker/internal/tracker"
)

// TopRegions is how many regions a geo breakdown keeps.
const TopRegions = 5

// Summarize sums engagement across children and derives the top regions.
func Summarize(children []tracker.ChildObservation) (tracker.Metrics, []tracker.GeoShare) {
	var m tracker.Metrics
	regions := make([]string, 0, len(children))
	for _, c := range children {
		m.Views += c.Views
		m.Likes += c.Likes
		m.Comments += c.Comments
		m.Shares += c.Shares
		regions = append(regions, c.Region)
	}
	m.ChildCount = len(children)
	if m.Views > 0 {
		m.EngagementRate = round2(float64(m.Likes+m.Comments+m.Shares) / float64(m.Views) * 100)
	}
	return m, Geo(regions)
}

// Geo converts region codes into percentage shares of the identified total, largest first.
// Blank codes are ignored. Ties are broken by code so output is stable.
func Geo(codes []string) []tracker.GeoShare {
	counts := make(map[string]int)
	total := 0
	for _, raw := range codes {
		code := strings.ToUpper(strings.TrimSpace(raw))
		if code == "" {
			continue
		}
		counts[code]++
		total++
	}
	if total == 0 {
		return nil
	}

	type bucket struct {
		code  string
		count int
	}
	buckets := make([]bucket, 0, len(counts))
	for code, n := range counts {
		buckets = append(buckets, bucket{code: code, count: n})
	}
	sort.Slice(buckets, func(i, j int) bool {
		if buckets[i].count != buckets[j].count {
			return buckets[i].count > buckets[j].count
		}
		return buckets[i].code < buckets[j].code
	})
	if len(buckets) > TopRegions {
		buckets = buckets[:TopRegions]
	}

	shares := make([]tracker.GeoShare, 0, len(buckets))
	for _, b := range buckets {
		shares = append(shares, tracker.GeoShare{
			Code:    b.code,
			Country: CountryName(b.code),
			Percent: round2(float64(b.count) / float64(total) * 100),
		})
	}
	return shares
}

func round2(v float64) float64 {
	return math.Floor(v*100) / 100
}
