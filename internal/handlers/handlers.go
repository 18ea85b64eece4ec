// Package handlers adapts the App to Cloud Functions: HTTP functions for the
// pipeline stages and commands, CloudEvent functions for the recovery topic
// and for uploads.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sync"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/Lllllllleong/clinicaldocumentflow/internal/app"
	"github.com/Lllllllleong/clinicaldocumentflow/internal/dispatch"
	"github.com/Lllllllleong/clinicaldocumentflow/internal/ingest"
	"github.com/Lllllllleong/clinicaldocumentflow/internal/messaging"
	"github.com/Lllllllleong/clinicaldocumentflow/internal/models"
	"github.com/Lllllllleong/clinicaldocumentflow/internal/orchestration"
	"github.com/Lllllllleong/clinicaldocumentflow/internal/reconcile"
)

// Backend is what the handlers call. *app.App implements it.
type Backend interface {
	RunStage(ctx context.Context, stage dispatch.Stage, payload []byte) (orchestration.Outcome, error)
	StartOrchestration(ctx context.Context, req models.StartOrchestrationRequest) (models.StartOrchestrationResponse, error)
	Recover(ctx context.Context, logID string) (models.RecoverResponse, error)
	ReconcileMedications(ctx context.Context, req models.ReconcileMedicationsRequest) (*models.MedicationProfile, error)
	HandleRecoveryMessage(ctx context.Context, msg messaging.Message) error
	ProcessUpload(ctx context.Context, e ingest.GCSEvent) (ingest.Result, error)
}

// Loader builds the Backend on first use.
type Loader func(ctx context.Context) (Backend, error)

// Handlers serves every function of the orchestrator.
type Handlers struct {
	load Loader

	once    sync.Once
	backend Backend
	initErr error
}

// New returns Handlers that initialize their backend lazily with load.
func New(load Loader) *Handlers {
	return &Handlers{load: load}
}

func (h *Handlers) get() (Backend, error) {
	h.once.Do(func() {
		h.backend, h.initErr = h.load(context.Background())
	})
	if h.initErr != nil {
		zap.L().Error("handlers: initialization failed", zap.Error(h.initErr))
	}
	return h.backend, h.initErr
}

// Stage returns the HTTP function serving one pipeline stage. Step failures
// answer 200 because they are recovered through the recovery topic; only
// infrastructure errors answer 500 so the task queue redelivers.
func (h *Handlers) Stage(stage dispatch.Stage) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		b, err := h.get()
		if err != nil {
			http.Error(w, "Internal Server Error: failed to initialize service", http.StatusInternalServerError)
			return
		}
		payload, err := io.ReadAll(r.Body)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, models.StageResponse{Status: "error", Message: "could not read body"})
			return
		}

		out, err := b.RunStage(r.Context(), stage, payload)
		switch {
		case errors.Is(err, app.ErrBadPayload), errors.Is(err, app.ErrUnknownStage):
			zap.L().Warn("handlers: rejected task", zap.String("stage", string(stage)), zap.Error(err))
			writeJSON(w, http.StatusBadRequest, models.StageResponse{Status: "error", Message: err.Error()})
		case err != nil:
			writeJSON(w, http.StatusInternalServerError, models.StageResponse{Status: "error", Message: err.Error()})
		default:
			writeJSON(w, http.StatusOK, models.StageResponse{Status: string(out.Result), Message: out.Detail})
		}
	}
}

// StartOrchestration serves the start-orchestration function.
func (h *Handlers) StartOrchestration(w http.ResponseWriter, r *http.Request) {
	b, err := h.get()
	if err != nil {
		http.Error(w, "Internal Server Error: failed to initialize service", http.StatusInternalServerError)
		return
	}
	var req models.StartOrchestrationRequest
	if !decode(w, r, &req) {
		return
	}
	resp, err := b.StartOrchestration(r.Context(), req)
	if err != nil {
		writeError(w, err, orchestration.ErrPermanent)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// Recover serves the recover function.
func (h *Handlers) Recover(w http.ResponseWriter, r *http.Request) {
	b, err := h.get()
	if err != nil {
		http.Error(w, "Internal Server Error: failed to initialize service", http.StatusInternalServerError)
		return
	}
	var req models.RecoverRequest
	if !decode(w, r, &req) {
		return
	}
	if req.LogID == "" {
		http.Error(w, "Bad Request: logId is required", http.StatusBadRequest)
		return
	}
	resp, err := b.Recover(r.Context(), req.LogID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// ReconcileMedications serves the reconcile-medications function.
func (h *Handlers) ReconcileMedications(w http.ResponseWriter, r *http.Request) {
	b, err := h.get()
	if err != nil {
		http.Error(w, "Internal Server Error: failed to initialize service", http.StatusInternalServerError)
		return
	}
	var req models.ReconcileMedicationsRequest
	if !decode(w, r, &req) {
		return
	}
	profile, err := b.ReconcileMedications(r.Context(), req)
	if err != nil {
		writeError(w, err, reconcile.ErrInvalidFact)
		return
	}
	writeJSON(w, http.StatusOK, profile)
}

// pubsubEnvelope is the data of a google.cloud.pubsub.topic.v1.messagePublished event.
type pubsubEnvelope struct {
	Message struct {
		Data        []byte `json:"data"`
		OrderingKey string `json:"orderingKey"`
		MessageID   string `json:"messageId"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

// RecoveryEvent consumes the recovery topic. It never returns an error for a
// failed recovery: the retry counter bounds recovery, not the broker.
func (h *Handlers) RecoveryEvent(ctx context.Context, e cloudevents.Event) error {
	b, err := h.get()
	if err != nil {
		return err
	}
	var env pubsubEnvelope
	if err := json.Unmarshal(e.Data(), &env); err != nil {
		zap.L().Error("handlers: dropping undecodable recovery event", zap.String("eventId", e.ID()), zap.Error(err))
		return nil
	}
	return b.HandleRecoveryMessage(ctx, messaging.Message{
		Data:        env.Message.Data,
		OrderingKey: env.Message.OrderingKey,
	})
}

// UploadEvent handles a storage object finalize event. Transient failures are
// returned so the trigger retries.
func (h *Handlers) UploadEvent(ctx context.Context, e cloudevents.Event) error {
	b, err := h.get()
	if err != nil {
		return err
	}
	var ge ingest.GCSEvent
	if err := json.Unmarshal(e.Data(), &ge); err != nil {
		zap.L().Error("handlers: failed to unmarshal upload event", zap.Error(err), zap.String("data", string(e.Data())))
		return eris.Wrap(err, "handlers: decode upload event")
	}
	_, err = b.ProcessUpload(ctx, ge)
	return err
}

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		zap.L().Warn("handlers: could not decode request body", zap.Error(err))
		http.Error(w, "Bad Request: could not parse JSON", http.StatusBadRequest)
		return false
	}
	return true
}

// writeError answers 400 for errors matching one of badRequest and 500 otherwise.
func writeError(w http.ResponseWriter, err error, badRequest ...error) {
	for _, target := range badRequest {
		if errors.Is(err, target) {
			http.Error(w, "Bad Request: "+err.Error(), http.StatusBadRequest)
			return
		}
	}
	zap.L().Error("handlers: request failed", zap.Error(err))
	http.Error(w, "Internal Server Error: processing failed", http.StatusInternalServerError)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		zap.L().Error("handlers: failed to write response", zap.Error(err))
	}
}
