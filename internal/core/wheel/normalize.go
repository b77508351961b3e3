// Package wheel stores the overlay's wheel configuration (segments, weights,
// theme) and the streamer's goal list.
package wheel

import (
	"bytes"
	"encoding/json"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/text/unicode/norm"
)

const totalWeight = 100

// Item is one wheel segment. Weights of a saved wheel are integer
// percentages summing to 100 (when there are at most 100 items).
type Item struct {
	ID     string `json:"id"`
	Label  string `json:"label"`
	Bonus  bool   `json:"bonus"`
	Weight int    `json:"weight"`
}

// ItemInput is a segment as submitted by the control panel. Weight may be any
// non-negative number or a numeric string.
type ItemInput struct {
	ID     string     `json:"id"`
	Label  string     `json:"label"`
	Bonus  bool       `json:"bonus"`
	Weight FlexNumber `json:"weight"`
}

// FlexNumber decodes a JSON number or numeric string. Anything else is 0.
type FlexNumber float64

func (f *FlexNumber) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	var n float64
	if err := json.Unmarshal(data, &n); err == nil {
		*f = FlexNumber(n)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		if n, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
			*f = FlexNumber(n)
			return nil
		}
	}
	*f = 0
	return nil
}

type share struct {
	idx   int
	floor int
	frac  float64
}

// Normalize converts arbitrary non-negative weights into integer percentages
// using the largest-remainder method, then lifts any segment below 1 by
// taking points from the segments with the smallest remainders. Missing ids
// are generated and labels are trimmed and NFC-normalized.
func Normalize(inputs []ItemInput) []Item {
	n := len(inputs)
	if n == 0 {
		return []Item{}
	}

	weights := make([]float64, n)
	var sum float64
	for i, in := range inputs {
		w := float64(in.Weight)
		if math.IsNaN(w) || math.IsInf(w, 0) || w < 0 {
			w = 0
		}
		weights[i] = w
		sum += w
	}

	points := make([]int, n)
	if sum <= 0 {
		base, rest := totalWeight/n, totalWeight%n
		for i := range points {
			points[i] = base
			if i < rest {
				points[i]++
			}
		}
	} else {
		points = largestRemainder(weights, sum)
	}

	out := make([]Item, n)
	for i, in := range inputs {
		out[i] = Item{
			ID:     itemID(in.ID),
			Label:  CleanLabel(in.Label),
			Bonus:  in.Bonus,
			Weight: max(1, points[i]),
		}
	}
	return out
}

func largestRemainder(weights []float64, sum float64) []int {
	shares := make([]share, len(weights))
	allotted := 0
	for i, w := range weights {
		v := w / sum * totalWeight
		f := math.Floor(v)
		shares[i] = share{idx: i, floor: int(f), frac: v - f}
		allotted += int(f)
	}

	sort.SliceStable(shares, func(a, b int) bool { return shares[a].frac > shares[b].frac })
	for i := 0; i < len(shares) && allotted < totalWeight; i++ {
		shares[i].floor++
		allotted++
	}

	debt := 0
	for i := range shares {
		if shares[i].floor < 1 {
			debt += 1 - shares[i].floor
			shares[i].floor = 1
		}
	}
	if debt > 0 {
		sort.SliceStable(shares, func(a, b int) bool {
			if shares[a].frac != shares[b].frac {
				return shares[a].frac < shares[b].frac
			}
			return shares[a].floor < shares[b].floor
		})
		for debt > 0 {
			taken := false
			for i := range shares {
				if shares[i].floor > 1 {
					shares[i].floor--
					debt--
					taken = true
					break
				}
			}
			if !taken {
				break
			}
		}
	}

	points := make([]int, len(weights))
	for _, s := range shares {
		points[s.idx] = s.floor
	}
	return points
}

// CleanLabel trims surrounding space and applies Unicode NFC so visually
// identical labels compare equal.
func CleanLabel(s string) string {
	return norm.NFC.String(strings.TrimSpace(s))
}

func itemID(id string) string {
	if id = strings.TrimSpace(id); id != "" {
		return id
	}
	return "itm_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}
