package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/strideprep/itemforge-backend/internal/db"
	"github.com/strideprep/itemforge-backend/internal/pipeline/fingerprint"
	"github.com/strideprep/itemforge-backend/internal/pipeline/store"
	"github.com/strideprep/itemforge-backend/internal/platform/envutil"
	"github.com/strideprep/itemforge-backend/internal/platform/logger"
	"github.com/strideprep/itemforge-backend/internal/repos"
)

// Recomputes fingerprints for every variant that already has a generate
// output and registers any that are missing from the index. Useful after
// a canonicalization change, and safe to re-run: existing rows are kept.
func main() {
	log, err := logger.New(envutil.String("LOG_MODE", "development"))
	if err != nil {
		fmt.Printf("Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx := context.Background()

	database, err := db.New(log)
	if err != nil {
		log.Fatal("Failed to connect to database", "error", err)
	}
	conn := database.DB()

	artifacts := repos.NewArtifactRepo(conn, log)
	records := repos.NewStageRecordRepo(conn, log)
	fps := repos.NewFingerprintRepo(conn, log)

	st := store.New(envutil.String("DATA_DIR", "./data"), records, artifacts, log)

	ids, err := st.ListArtifacts(ctx, "variant")
	if err != nil {
		log.Fatal("Failed to list variants", "error", err)
	}

	var scanned, registered, skipped, failed int
	for _, id := range ids {
		scanned++

		xml, err := st.ReadOutput(ctx, id, "generate")
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				skipped++
				continue
			}
			log.Warn("Failed to read generate output", "artifact_id", id, "error", err)
			failed++
			continue
		}

		fp, err := fingerprint.Compute(xml)
		if err != nil {
			log.Warn("Failed to fingerprint output", "artifact_id", id, "error", err)
			failed++
			continue
		}

		art, err := st.Artifact(ctx, id)
		if err != nil {
			log.Warn("Failed to load artifact", "artifact_id", id, "error", err)
			failed++
			continue
		}
		scope := art.ParentID
		if scope == "" {
			scope = art.ID
		}

		inserted, err := fps.InsertIfNew(ctx, nil, scope, fp, id)
		if err != nil {
			log.Warn("Failed to register fingerprint", "artifact_id", id, "error", err)
			failed++
			continue
		}
		if inserted {
			registered++
			log.Info("Registered fingerprint", "artifact_id", id, "parent_id", scope)
		}
	}

	log.Info("Backfill finished",
		"scanned", scanned,
		"registered", registered,
		"skipped", skipped,
		"failed", failed,
	)
	if failed > 0 {
		os.Exit(1)
	}
}
