// Package valuation scores appraisal snapshots against a tenant's comparable
// catalog and runs the asynchronous pipeline that turns a confirmed snapshot
// into a terminal valuation event.
package valuation

import (
	"math"
	"sort"
	"strings"

	"github.com/kudamusoni/chatbot-api-sub001/internal/storage"
)

// Source weights. Confirmed sales carry the most signal, asking prices less,
// third-party estimates the least.
const (
	weightSold     = 3
	weightAsking   = 2
	weightEstimate = 1
)

const yearTolerance = 5

// PriceRange is the min/max of matched comparable prices, in minor units.
type PriceRange struct {
	Min int64 `json:"min"`
	Max int64 `json:"max"`
}

// Result is the structured estimate produced by Score. With zero matches
// Count is 0, Range and WeightedMedian are null, Confidence is 0 and Quality
// is "none" — a valid result, not an error.
type Result struct {
	Count          int         `json:"count"`
	Range          *PriceRange `json:"range,omitempty"`
	WeightedMedian *int64      `json:"weighted_median,omitempty"`
	Confidence     float64     `json:"confidence"`
	Quality        string      `json:"quality"`
}

// Score selects the comparables matching the snapshot criteria and aggregates
// them into a weighted estimate. Pure: same inputs, same result.
func Score(snapshot map[string]any, comparables []storage.Comparable) Result {
	matched := match(snapshot, comparables)
	if len(matched) == 0 {
		return Result{Quality: "none"}
	}

	sort.Slice(matched, func(i, j int) bool { return matched[i].Price < matched[j].Price })

	var totalWeight, soldWeight int
	for _, cmp := range matched {
		w := sourceWeight(cmp.Source)
		totalWeight += w
		if cmp.Source == storage.SourceSold {
			soldWeight += w
		}
	}

	median := weightedMedian(matched, totalWeight)
	confidence := confidenceScore(len(matched), soldWeight, totalWeight)

	return Result{
		Count:          len(matched),
		Range:          &PriceRange{Min: matched[0].Price, Max: matched[len(matched)-1].Price},
		WeightedMedian: &median,
		Confidence:     confidence,
		Quality:        qualityLabel(confidence),
	}
}

func match(snapshot map[string]any, comparables []storage.Comparable) []storage.Comparable {
	category := snapshotString(snapshot, "category")
	keywords := keywordCriteria(snapshot)
	year, hasYear := snapshotYear(snapshot)

	var matched []storage.Comparable
	for _, cmp := range comparables {
		if cmp.Price <= 0 {
			continue
		}
		if category != "" && !strings.EqualFold(cmp.Category, category) {
			continue
		}
		if hasYear && cmp.Year != 0 && abs(cmp.Year-year) > yearTolerance {
			continue
		}
		title := strings.ToLower(cmp.Title)
		ok := true
		for _, keyword := range keywords {
			if !strings.Contains(title, keyword) {
				ok = false
				break
			}
		}
		if ok {
			matched = append(matched, cmp)
		}
	}
	return matched
}

// weightedMedian walks the price-sorted comparables until the cumulative
// weight reaches half the total, and returns that comparable's price.
func weightedMedian(sorted []storage.Comparable, totalWeight int) int64 {
	var cumulative int
	for _, cmp := range sorted {
		cumulative += sourceWeight(cmp.Source)
		if 2*cumulative >= totalWeight {
			return cmp.Price
		}
	}
	return sorted[len(sorted)-1].Price
}

// confidenceScore blends sample size with the share of weight coming from
// confirmed sales. Ten or more matches saturate the count term.
func confidenceScore(count, soldWeight, totalWeight int) float64 {
	countTerm := math.Min(float64(count)/10, 1)
	soldShare := float64(soldWeight) / float64(totalWeight)
	score := 0.7*countTerm + 0.3*soldShare
	return math.Round(score*100) / 100
}

func qualityLabel(confidence float64) string {
	switch {
	case confidence >= 0.75:
		return "high"
	case confidence >= 0.4:
		return "medium"
	case confidence > 0:
		return "low"
	default:
		return "none"
	}
}

func sourceWeight(source storage.ComparableSource) int {
	switch source {
	case storage.SourceSold:
		return weightSold
	case storage.SourceAsking:
		return weightAsking
	default:
		return weightEstimate
	}
}

func snapshotString(snapshot map[string]any, key string) string {
	value, _ := snapshot[key].(string)
	return strings.TrimSpace(value)
}

// keywordCriteria pulls the free-text criteria that narrow matching beyond
// the category, lowercased for substring search against titles.
func keywordCriteria(snapshot map[string]any) []string {
	var keywords []string
	for _, key := range []string{"brand", "model"} {
		if value := snapshotString(snapshot, key); value != "" {
			keywords = append(keywords, strings.ToLower(value))
		}
	}
	return keywords
}

func snapshotYear(snapshot map[string]any) (int, bool) {
	switch value := snapshot["year"].(type) {
	case float64:
		return int(value), true
	case int:
		return value, true
	default:
		return 0, false
	}
}

func abs(value int) int {
	if value < 0 {
		return -value
	}
	return value
}
