package dataset

import (
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"math/rand/v2"
	"strconv"

	"gonum.org/v1/gonum/stat/distuv"
)

// SyntheticOptions shapes a generated origin/destination trip table.
type SyntheticOptions struct {
	Origins      int
	Destinations int
	// NoiseSigma is the log-scale standard deviation of multiplicative noise.
	NoiseSigma float64
	// MissingRate is the share of rows written with one blank cell.
	MissingRate float64
}

// SyntheticHeader lists the generated columns.
var SyntheticHeader = []string{"origin", "destination", "origin_population", "dest_jobs", "distance", "trips"}

// GenerateTrips writes one row per origin/destination pair. Expected trips
// follow a gravity model, rising with origin_population and dest_jobs and
// falling with distance.
func GenerateTrips(w io.Writer, o SyntheticOptions, rng *rand.Rand) (int, error) {
	if o.Origins < 1 || o.Destinations < 1 {
		return 0, fmt.Errorf("origins and destinations must be >= 1")
	}
	if o.NoiseSigma < 0 || o.MissingRate < 0 || o.MissingRate >= 1 {
		return 0, fmt.Errorf("noise sigma must be >= 0 and missing rate in [0, 1)")
	}

	population := distuv.LogNormal{Mu: math.Log(20000), Sigma: 0.8, Src: rng}
	jobs := distuv.LogNormal{Mu: math.Log(8000), Sigma: 1.0, Src: rng}
	coord := distuv.Uniform{Min: 0, Max: 50, Src: rng}
	noise := distuv.LogNormal{Mu: 0, Sigma: o.NoiseSigma, Src: rng}
	missing := distuv.Bernoulli{P: o.MissingRate, Src: rng}

	type place struct {
		size float64
		x, y float64
	}
	origins := make([]place, o.Origins)
	for i := range origins {
		origins[i] = place{population.Rand(), coord.Rand(), coord.Rand()}
	}
	dests := make([]place, o.Destinations)
	for j := range dests {
		dests[j] = place{jobs.Rand(), coord.Rand(), coord.Rand()}
	}

	cw := csv.NewWriter(w)
	if err := cw.Write(SyntheticHeader); err != nil {
		return 0, err
	}

	rows := 0
	for i, org := range origins {
		for j, dst := range dests {
			dist := math.Hypot(org.x-dst.x, org.y-dst.y) + 0.5
			expected := 0.05 * math.Pow(org.size, 0.6) * math.Pow(dst.size, 0.5) / math.Pow(dist, 1.2)
			trips := expected
			if o.NoiseSigma > 0 {
				trips *= noise.Rand()
			}

			record := []string{
				fmt.Sprintf("o%03d", i),
				fmt.Sprintf("d%03d", j),
				strconv.FormatFloat(math.Round(org.size), 'f', 0, 64),
				strconv.FormatFloat(math.Round(dst.size), 'f', 0, 64),
				strconv.FormatFloat(dist, 'f', 3, 64),
				strconv.FormatFloat(math.Round(trips), 'f', 0, 64),
			}
			if o.MissingRate > 0 && missing.Rand() == 1 {
				record[2+rng.IntN(4)] = ""
			}
			if err := cw.Write(record); err != nil {
				return rows, err
			}
			rows++
		}
	}

	cw.Flush()
	return rows, cw.Error()
}
