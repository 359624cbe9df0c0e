package main

import (
	"flag"
	"math/rand/v2"
	"os"
	"path/filepath"

	"monosweep/internal/dataset"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	var (
		out          = flag.String("out", "data/trips.csv", "Output CSV path")
		origins      = flag.Int("origins", 40, "Number of origin zones")
		destinations = flag.Int("destinations", 30, "Number of destination zones")
		noise        = flag.Float64("noise", 0.25, "Log-scale noise on trip counts")
		missing      = flag.Float64("missing", 0.01, "Share of rows with a blank cell")
		seed         = flag.Uint64("seed", 42, "Random seed")
	)
	flag.Parse()
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	if err := os.MkdirAll(filepath.Dir(*out), 0o755); err != nil {
		log.Fatal().Err(err).Msg("Failed to create output directory")
	}
	file, err := os.Create(*out)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create output file")
	}
	defer file.Close()

	rows, err := dataset.GenerateTrips(file, dataset.SyntheticOptions{
		Origins:      *origins,
		Destinations: *destinations,
		NoiseSigma:   *noise,
		MissingRate:  *missing,
	}, rand.New(rand.NewPCG(*seed, 0)))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to generate trips")
	}

	log.Info().
		Str("file", *out).
		Int("rows", rows).
		Msg("Generated synthetic trip data")
}
