package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/strideprep/itemforge-backend/internal/atoms"
	"github.com/strideprep/itemforge-backend/internal/collab"
	"github.com/strideprep/itemforge-backend/internal/db"
	httpapi "github.com/strideprep/itemforge-backend/internal/http"
	httpH "github.com/strideprep/itemforge-backend/internal/http/handlers"
	httpMW "github.com/strideprep/itemforge-backend/internal/http/middleware"
	"github.com/strideprep/itemforge-backend/internal/jobs"
	"github.com/strideprep/itemforge-backend/internal/observability"
	"github.com/strideprep/itemforge-backend/internal/pipeline/coordinator"
	"github.com/strideprep/itemforge-backend/internal/pipeline/executor"
	"github.com/strideprep/itemforge-backend/internal/pipeline/fingerprint"
	"github.com/strideprep/itemforge-backend/internal/pipeline/registry"
	"github.com/strideprep/itemforge-backend/internal/pipeline/store"
	"github.com/strideprep/itemforge-backend/internal/pipeline/tracker"
	"github.com/strideprep/itemforge-backend/internal/platform/envutil"
	"github.com/strideprep/itemforge-backend/internal/platform/gcp"
	"github.com/strideprep/itemforge-backend/internal/platform/logger"
	"github.com/strideprep/itemforge-backend/internal/platform/neo4jdb"
	"github.com/strideprep/itemforge-backend/internal/platform/openai"
	"github.com/strideprep/itemforge-backend/internal/repos"
	"github.com/strideprep/itemforge-backend/internal/services/auth"
	"github.com/strideprep/itemforge-backend/internal/services/notify"
)

func main() {
	// Logger
	logMode := envutil.String("LOG_MODE", "development")
	log, err := logger.New(logMode)
	if err != nil {
		fmt.Printf("Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Tracing
	shutdownOTel := observability.InitOTel(ctx, log, observability.OtelConfig{
		ServiceName: "itemforge",
		Environment: envutil.String("ENVIRONMENT", "development"),
		Version:     envutil.String("SERVICE_VERSION", "dev"),
	})
	if shutdownOTel != nil {
		defer func() {
			sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer scancel()
			_ = shutdownOTel(sctx)
		}()
	}

	// Database
	dbService, err := db.New(log)
	if err != nil {
		log.Error("Database init failed", "error", err)
		os.Exit(1)
	}
	if err := dbService.AutoMigrateAll(); err != nil {
		log.Error("Database migration failed", "error", err)
		os.Exit(1)
	}
	conn := dbService.DB()

	// Repos
	log.Info("Setting up repos...")
	artifactRepo := repos.NewArtifactRepo(conn, log)
	stageRecordRepo := repos.NewStageRecordRepo(conn, log)
	fingerprintRepo := repos.NewFingerprintRepo(conn, log)
	batchJobRepo := repos.NewBatchJobRepo(conn, log)
	itemRepo := repos.NewItemRepo(conn, log)
	operatorRepo := repos.NewOperatorRepo(conn, log)

	// Stage registry
	var reg *registry.Registry
	if path := envutil.String("PIPELINE_CONFIG", ""); path != "" {
		reg, err = registry.LoadYAML(path)
		if err != nil {
			log.Error("Pipeline config failed to load", "path", path, "error", err)
			os.Exit(1)
		}
		log.Info("Pipeline config loaded", "path", path)
	} else {
		reg = registry.Default()
	}

	// Artifact store
	dataDir := envutil.String("DATA_DIR", "./data")
	st := store.New(dataDir, stageRecordRepo, artifactRepo, log)

	// Platform clients
	log.Info("Setting up platform clients...")
	aiClient, err := openai.NewClient(log)
	if err != nil {
		log.Error("Could not init OpenAI client", "error", err)
		os.Exit(1)
	}
	var docClient gcp.Document
	if dc, derr := gcp.NewDocument(log); derr != nil {
		log.Warn("Document AI unavailable, parse stage will fail", "error", derr)
	} else {
		docClient = dc
		defer docClient.Close()
	}
	var bucket gcp.Bucket
	if b, berr := gcp.NewBucket(log); berr != nil {
		log.Warn("Source bucket unavailable, using SOURCE_DIR only", "error", berr)
	} else {
		bucket = b
		defer bucket.Close()
	}
	graph, err := neo4jdb.NewFromEnv(log)
	if err != nil {
		log.Warn("Neo4j unavailable, atom graph disabled", "error", err)
	}
	if graph != nil {
		defer graph.Close(context.Background())
	}

	// Services
	log.Info("Setting up services...")
	atomService := atoms.NewService(graph, log)
	atomService.EnsureSchema(ctx)

	bus := notify.NewBusFromEnv(log)
	defer bus.Close()

	authService, err := auth.NewService(operatorRepo, log)
	if err != nil {
		log.Error("Could not init auth service", "error", err)
		os.Exit(1)
	}
	if err := authService.SeedAdmin(ctx); err != nil {
		log.Warn("Could not seed bootstrap operator", "error", err)
	}

	// Pipeline
	idx := fingerprint.NewIndex(fingerprintRepo, log)
	collabs := map[string]executor.Collaborator{
		"parse":    collab.NewParse(docClient, bucket, log),
		"segment":  collab.NewSegment(aiClient, log),
		"generate": collab.NewGenerate(aiClient, st, log),
		"validate": collab.NewValidate(log),
		"sync":     collab.NewSync(itemRepo, st, log),
	}
	exec := executor.New(st, reg, idx, collabs, log)
	track := tracker.New(batchJobRepo, log)
	coord := coordinator.New(exec, st, reg, batchJobRepo, track, bus, log)

	// Worker
	worker := jobs.NewWorker(batchJobRepo, coord, log)
	go worker.Start(ctx)

	// HTTP
	server := httpapi.NewServer(httpapi.RouterConfig{
		Log:             log,
		AuthHandler:     httpH.NewAuthHandler(authService),
		AuthMiddleware:  httpMW.NewAuthMiddleware(log, authService),
		RunHandler:      httpH.NewRunHandler(batchJobRepo, reg),
		JobHandler:      httpH.NewJobHandler(batchJobRepo, track),
		ArtifactHandler: httpH.NewArtifactHandler(st, coord),
		AtomHandler:     httpH.NewAtomHandler(atomService),
		HealthHandler:   httpH.NewHealthHandler(),
	})

	addr := envutil.String("HTTP_ADDR", ":8080")
	log.Info("Starting HTTP server", "addr", addr)
	if err := server.Run(addr); err != nil {
		log.Error("HTTP server exited", "error", err)
		os.Exit(1)
	}
}
