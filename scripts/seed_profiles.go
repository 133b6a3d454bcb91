// Seeds asset profiles and dynamic-parameter overrides from a JSON file,
// writing through the storage layer so validation and versioning apply.
//
// Usage:
//
//	go run scripts/seed_profiles.go -db data/aethelgard.db -file profiles.json
//
// Seed file shape:
//
//	{
//	  "profiles": [
//	    {"symbol": "EURUSD", "contract_size": "100000", "pip_size": "0.0001",
//	     "digits": 5, "category": "FOREX", "enabled": true, "min_score": 55,
//	     "lot_step": "0.01", "lot_min": "0.01", "lot_max": "100",
//	     "risk_multiplier": "1.0"}
//	  ],
//	  "params": {"strategy": {"min_score": 60}}
//	}
package main

import (
	"encoding/json"
	"flag"
	"os"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/aethelgard/aethelgard/storage"
	"github.com/aethelgard/aethelgard/types"
)

type seedFile struct {
	Profiles []types.AssetProfile   `json:"profiles"`
	Params   map[string]interface{} `json:"params"`
}

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	_ = godotenv.Load()

	dbURL := flag.String("db", envOr("DATABASE_URL", "data/aethelgard.db"), "database url or sqlite path")
	file := flag.String("file", "profiles.json", "seed file")
	flag.Parse()

	raw, err := os.ReadFile(*file)
	if err != nil {
		log.Fatal().Err(err).Str("file", *file).Msg("❌ Cannot read seed file")
	}

	var seed seedFile
	if err := json.Unmarshal(raw, &seed); err != nil {
		log.Fatal().Err(err).Msg("❌ Seed file is not valid JSON")
	}

	store, err := storage.New(*dbURL)
	if err != nil {
		log.Fatal().Err(err).Msg("❌ Cannot open storage")
	}
	defer store.Close()

	for i := range seed.Profiles {
		p := &seed.Profiles[i]
		if err := store.SaveAssetProfile(p); err != nil {
			log.Fatal().Err(err).Str("symbol", p.Symbol).Msg("❌ Profile write failed")
		}
		log.Info().
			Str("symbol", p.Symbol).
			Bool("enabled", p.Enabled).
			Float64("min_score", p.MinScore).
			Msg("💾 Profile seeded")
	}

	if len(seed.Params) > 0 {
		if _, err := store.UpdateDynamicParams(seed.Params); err != nil {
			log.Fatal().Err(err).Msg("❌ Parameter patch rejected")
		}
		log.Info().Int("version", store.ParamsVersion()).Msg("💾 Dynamic parameters patched")
	}

	log.Info().Int("profiles", len(seed.Profiles)).Msg("✅ Seed complete")
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
