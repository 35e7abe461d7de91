/*
Package config loads launch settings for shardsave processes.

# Overview

Config wraps a decoded YAML or JSON document and extracts typed values
with defaults. Keys may be dotted paths into nested sections:

	cfg, err := config.FromFile("launch.yaml")
	if err != nil {
	    log.Fatal(err)
	}
	kind := cfg.String("storage.kind", "memory")
	timeout := cfg.Section("rendezvous").Duration("timeout", 0)

Numbers decoded from JSON are float64; Int accepts them when they have no
fractional part. Durations accept strings ("90s") or seconds.

# Launch

Launch is the typed form most programs want. LoadLaunch reads a file,
applies launcher environment variables (RANK, WORLD_SIZE, MASTER_ADDR,
MASTER_PORT, COORDINATOR_RANK) and validates:

	launch, err := config.LoadLaunch("launch.yaml")
	if err != nil {
	    log.Fatal(err)
	}
	logger, err := launch.Logger(os.Stderr)

Environment values win over the file, so one file can serve every rank.
*/
package config
