package main

import (
	"context"

	"github.com/GoogleCloudPlatform/functions-framework-go/functions"
	"go.uber.org/zap"

	"github.com/Lllllllleong/clinicaldocumentflow/internal/app"
	"github.com/Lllllllleong/clinicaldocumentflow/internal/config"
	"github.com/Lllllllleong/clinicaldocumentflow/internal/dispatch"
	"github.com/Lllllllleong/clinicaldocumentflow/internal/handlers"
)

func init() {
	h := handlers.New(load)

	// Stage functions are named after the stage so dispatch can address them.
	for _, stage := range []dispatch.Stage{dispatch.StageSplit, dispatch.StageClassify, dispatch.StageExtract} {
		functions.HTTP(string(stage), h.Stage(stage))
	}
	functions.HTTP("StartOrchestration", h.StartOrchestration)
	functions.HTTP("Recover", h.Recover)
	functions.HTTP("ReconcileMedications", h.ReconcileMedications)

	functions.CloudEvent("RecoveryConsumer", h.RecoveryEvent)
	functions.CloudEvent("IngestUpload", h.UploadEvent)
}

// main is required by the Go Functions Framework.
func main() {}

func load(ctx context.Context) (handlers.Backend, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := config.InitLogger(cfg.Log); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	a, err := app.New(ctx, cfg)
	if err != nil {
		zap.L().Error("orchestrator: initialization failed", zap.Error(err))
		return nil, err
	}
	return a, nil
}
