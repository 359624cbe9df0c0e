package dataset

import (
	"context"
	"errors"
	"math/rand/v2"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleCSV = `origin,origin_population,dest_jobs,distance,trips
a,100,50,3.5,1200
b,NA,40,2.0,800
c,300,,1.0,900
d,400,80,4.0,2400
e,500,90,0.5,abc
f,600,100,2.5,3000
g,700,110,1.5,3500
h,800,120,6.0,4100
i,900,130,7.0,4800
j,1000,140,8.0,5200
k,1100,150,9.0,5900
`

func TestParseCSVAndNumeric(t *testing.T) {
	table, err := ParseCSV(strings.NewReader(sampleCSV))
	require.NoError(t, err)
	assert.Len(t, table.Records, 11)

	rows, dropped, err := table.Numeric([]string{"origin_population", "dest_jobs", "trips"})
	require.NoError(t, err)
	assert.Equal(t, 3, dropped, "NA, empty and unparsable rows are dropped")
	assert.Len(t, rows, 8)
	assert.Equal(t, []float64{100, 50, 1200}, rows[0])

	_, _, err = table.Numeric([]string{"population"})
	assert.True(t, errors.Is(err, ErrUnknownColumn))
}

func TestParseCSVSkipsRaggedRecords(t *testing.T) {
	table, err := ParseCSV(strings.NewReader("a,b\n1,2\n3\n4,5\n"))
	require.NoError(t, err)
	assert.Len(t, table.Records, 2)

	_, err = ParseCSV(strings.NewReader(""))
	assert.Error(t, err)
}

func TestPrepare(t *testing.T) {
	table, err := ParseCSV(strings.NewReader(sampleCSV))
	require.NoError(t, err)

	s, err := Prepare(table, PrepareOptions{
		Target:     "trips",
		Features:   []string{"origin_population", "dest_jobs", "distance"},
		Divisor:    1000,
		TrainRatio: 0.5,
		ValRatio:   0.25,
	}, rand.New(rand.NewPCG(1, 3)))
	require.NoError(t, err)

	assert.Equal(t, 8, s.Train.Len()+s.Val.Len()+s.Test.Len())
	assert.Equal(t, 4, s.Train.Len())
	assert.Equal(t, 2, s.Val.Len())
	assert.Equal(t, 3, s.Dropped)

	// Targets are divided but not min-max scaled.
	for _, y := range append(append([]float64{}, s.Train.Y...), s.Test.Y...) {
		assert.Greater(t, y, 0.5)
		assert.Less(t, y, 6.0)
	}

	// Training features are standardized.
	for j := 0; j < 3; j++ {
		var mean float64
		for _, row := range s.Train.X {
			mean += row[j]
		}
		assert.InDelta(t, 0, mean/float64(s.Train.Len()), 1e-9)
	}

	idx, err := s.ColumnIndexes([]string{"distance", "origin_population"})
	require.NoError(t, err)
	assert.Equal(t, []int{2, 0}, idx)
	_, err = s.ColumnIndex("trips")
	assert.True(t, errors.Is(err, ErrUnknownColumn))
}

func TestPrepareDefaultsFeaturesToNonTargetColumns(t *testing.T) {
	table, err := ParseCSV(strings.NewReader("x1,x2,y\n1,2,3\n2,3,4\n3,4,5\n4,5,6\n5,6,7\n6,7,8\n"))
	require.NoError(t, err)

	s, err := Prepare(table, PrepareOptions{Target: "y", Divisor: 1, TrainRatio: 0.5, ValRatio: 0.2}, rand.New(rand.NewPCG(1, 3)))
	require.NoError(t, err)
	assert.Equal(t, []string{"x1", "x2"}, s.FeatureNames)
}

func TestPrepareErrors(t *testing.T) {
	table, err := ParseCSV(strings.NewReader(sampleCSV))
	require.NoError(t, err)
	rng := rand.New(rand.NewPCG(1, 3))

	_, err = Prepare(table, PrepareOptions{Target: "flow", Divisor: 1, TrainRatio: 0.7, ValRatio: 0.1}, rng)
	assert.True(t, errors.Is(err, ErrUnknownColumn))

	_, err = Prepare(table, PrepareOptions{Target: "trips", Features: []string{"trips"}, Divisor: 1, TrainRatio: 0.7, ValRatio: 0.1}, rng)
	assert.Error(t, err)

	// The origin column is text, so every row is dropped.
	_, err = Prepare(table, PrepareOptions{Target: "trips", Divisor: 1, TrainRatio: 0.7, ValRatio: 0.1}, rng)
	assert.Error(t, err)

	_, err = Prepare(table, PrepareOptions{Target: "trips", Features: []string{"dest_jobs"}, Divisor: 1, TrainRatio: 0.9, ValRatio: 0.1}, rng)
	assert.Error(t, err)
}

func TestTargetScalerRoundTrip(t *testing.T) {
	y := []float64{1000, 3000, 5000}
	s, err := FitTarget(y, 1000, true)
	require.NoError(t, err)

	scaled := s.Transform(y)
	assert.InDeltaSlice(t, []float64{0, 0.5, 1}, scaled, 1e-12)
	assert.InDeltaSlice(t, []float64{1, 3, 5}, s.Inverse(scaled), 1e-12)

	plain, err := FitTarget(y, 1000, false)
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 3, 5}, plain.Transform(y))
	assert.Equal(t, []float64{1, 3, 5}, plain.Inverse([]float64{1, 3, 5}))

	_, err = FitTarget(y, 0, false)
	assert.Error(t, err)
}

func TestLoaderLocalAndRemote(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "trips.csv")
	require.NoError(t, os.WriteFile(path, []byte(sampleCSV), 0o644))

	l := NewLoader(5 * time.Second)
	local, err := l.Load(context.Background(), path)
	require.NoError(t, err)
	assert.Len(t, local.Records, 11)

	_, err = l.Load(context.Background(), filepath.Join(dir, "missing.csv"))
	assert.Error(t, err)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/trips.csv" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/csv")
		_, _ = w.Write([]byte(sampleCSV))
	}))
	defer srv.Close()

	remote, err := l.Load(context.Background(), srv.URL+"/trips.csv")
	require.NoError(t, err)
	assert.Equal(t, local.Header, remote.Header)
	assert.Equal(t, local.Records, remote.Records)

	_, err = l.Load(context.Background(), srv.URL+"/other.csv")
	assert.Error(t, err)
}

func TestGenerateTrips(t *testing.T) {
	var buf strings.Builder
	n, err := GenerateTrips(&buf, SyntheticOptions{Origins: 6, Destinations: 5, NoiseSigma: 0.1, MissingRate: 0.2}, rand.New(rand.NewPCG(3, 4)))
	require.NoError(t, err)
	assert.Equal(t, 30, n)

	table, err := ParseCSV(strings.NewReader(buf.String()))
	require.NoError(t, err)
	assert.Equal(t, SyntheticHeader, table.Header)
	assert.Len(t, table.Records, 30)

	rows, dropped, err := table.Numeric([]string{"origin_population", "dest_jobs", "distance", "trips"})
	require.NoError(t, err)
	assert.Equal(t, 30, len(rows)+dropped)
	assert.Greater(t, dropped, 0)
	for _, r := range rows {
		assert.Greater(t, r[0], 0.0)
		assert.Greater(t, r[2], 0.0)
		assert.GreaterOrEqual(t, r[3], 0.0)
	}
}

func TestGenerateTripsIsDeterministicAndComplete(t *testing.T) {
	gen := func() string {
		var buf strings.Builder
		_, err := GenerateTrips(&buf, SyntheticOptions{Origins: 8, Destinations: 8, NoiseSigma: 0.2}, rand.New(rand.NewPCG(5, 6)))
		require.NoError(t, err)
		return buf.String()
	}
	out := gen()
	assert.Equal(t, out, gen())

	table, err := ParseCSV(strings.NewReader(out))
	require.NoError(t, err)
	_, dropped, err := table.Numeric([]string{"origin_population", "dest_jobs", "distance", "trips"})
	require.NoError(t, err)
	assert.Equal(t, 0, dropped)

	var buf strings.Builder
	_, err = GenerateTrips(&buf, SyntheticOptions{Origins: 0, Destinations: 1}, rand.New(rand.NewPCG(5, 6)))
	assert.Error(t, err)
	_, err = GenerateTrips(&buf, SyntheticOptions{Origins: 1, Destinations: 1, MissingRate: 1}, rand.New(rand.NewPCG(5, 6)))
	assert.Error(t, err)
}
