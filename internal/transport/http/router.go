// SPDX-License-Identifier: Apache-2.0

package httptransport

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/mirelo/stagehand/internal/auth"
	"github.com/mirelo/stagehand/internal/domain"
	"github.com/mirelo/stagehand/internal/metrics"
	"github.com/mirelo/stagehand/internal/repository"
	"github.com/mirelo/stagehand/internal/transport/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type createWorkflowRequest struct {
	Pipeline    string `json:"pipeline"`
	Title       string `json:"title"`
	Description string `json:"description"`
	BrandID     string `json:"brand_id"`
	CampaignID  string `json:"campaign_id"`
}

type stageTransitionRequest struct {
	Input  json.RawMessage `json:"input"`
	Output json.RawMessage `json:"output"`
	Error  string          `json:"error"`
}

type decisionRequest struct {
	ActorID string `json:"actor_id"`
	Note    string `json:"note"`
}

type mergeSettingsRequest struct {
	Values      map[string]any `json:"values"`
	BaseVersion *int64         `json:"base_version"`
}

type appendTimelineRequest struct {
	ID            string            `json:"id"`
	CardType      string            `json:"card_type"`
	Content       string            `json:"content"`
	AuthorID      string            `json:"author_id"`
	Visibility    string            `json:"visibility"`
	Todos         []domain.TodoItem `json:"todos"`
	ParentEntryID string            `json:"parent_entry_id"`
}

type editTimelineRequest struct {
	Content  string `json:"content"`
	EditedBy string `json:"edited_by"`
}

type toggleTodoRequest struct {
	Completed bool `json:"completed"`
}

type createAPIKeyRequest struct {
	Name                   string `json:"name"`
	Role                   string `json:"role"`
	MaxConcurrentWorkflows int    `json:"max_concurrent_workflows"`
	MaxRequestsPerMin      int    `json:"max_requests_per_min"`
}

type Deps struct {
	WorkflowRepo   WorkflowManager
	TimelineRepo   TimelineManager
	SettingsRepo   SettingsManager
	APIKeyAdmin    APIKeyManager
	Health         HealthChecker
	Logger         *slog.Logger
	APIKeyResolver APIKeyResolver
	AdminToken     string
	Version        string
	Commit         string
	BuildDate      string
}

func NewRouter(deps Deps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics.Init()
	version := valueOrDefault(deps.Version, "dev")
	commit := valueOrDefault(deps.Commit, "none")
	buildDate := valueOrDefault(deps.BuildDate, "unknown")

	r := chi.NewRouter()
	r.Use(requestIDMiddleware())
	r.Use(requestLoggingMiddleware(logger))

	// ---------------- HEALTH ----------------

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		logger.Debug("health check hit")
		if deps.Health != nil {
			if err := deps.Health.Check(r.Context()); err != nil {
				logger.Error("health check failed", "error", err)
				http.Error(w, "unhealthy", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	// ---------------- METRICS ----------------

	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		promhttp.Handler().ServeHTTP(w, r)
	})

	// ---------------- VERSION ----------------

	r.Get("/version", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"version":    version,
			"commit":     commit,
			"build_date": buildDate,
		})
	})

	// ---------------- API KEY LIFECYCLE (ADMIN) ----------------

	if deps.APIKeyAdmin != nil {
		r.Route("/api-keys", func(admin chi.Router) {
			admin.Use(middleware.AdminTokenAuth(deps.AdminToken, logger))

			admin.Post("/", func(w http.ResponseWriter, r *http.Request) {
				reqBody, err := decodeCreateAPIKeyRequest(r)
				if err != nil {
					http.Error(w, "invalid request body", http.StatusBadRequest)
					return
				}

				created, err := deps.APIKeyAdmin.CreateAPIKey(r.Context(), domain.CreateAPIKeyParams{
					Name:                   reqBody.Name,
					Role:                   domain.Role(reqBody.Role),
					MaxConcurrentWorkflows: reqBody.MaxConcurrentWorkflows,
					MaxRequestsPerMin:      reqBody.MaxRequestsPerMin,
				})
				if err != nil {
					if errors.Is(err, domain.ErrInvalidAPIKeyName) {
						http.Error(w, "invalid api key name", http.StatusBadRequest)
						return
					}
					logger.Error("create api key failed", "error", err)
					http.Error(w, "failed to create api key", http.StatusInternalServerError)
					return
				}

				writeJSON(w, http.StatusOK, map[string]string{
					"api_key_id": created.ID.String(),
					"token":      created.Token,
				})
			})

			admin.Get("/", func(w http.ResponseWriter, r *http.Request) {
				keys, err := deps.APIKeyAdmin.ListAPIKeys(r.Context())
				if err != nil {
					logger.Error("list api keys failed", "error", err)
					http.Error(w, "failed to list api keys", http.StatusInternalServerError)
					return
				}
				writeJSON(w, http.StatusOK, map[string]any{
					"api_keys": keys,
				})
			})

			admin.Delete("/{id}", func(w http.ResponseWriter, r *http.Request) {
				id, err := uuid.Parse(chi.URLParam(r, "id"))
				if err != nil {
					http.Error(w, "invalid api key ID", http.StatusBadRequest)
					return
				}

				if err := deps.APIKeyAdmin.RevokeAPIKey(r.Context(), id); err != nil {
					if errors.Is(err, pgx.ErrNoRows) {
						http.Error(w, "api key not found", http.StatusNotFound)
						return
					}
					logger.Error("delete api key failed", "api_key_id", id, "error", err)
					http.Error(w, "failed to delete api key", http.StatusInternalServerError)
					return
				}

				w.WriteHeader(http.StatusNoContent)
			})
		})
	}

	// ---------------- WORKFLOWS (API KEY AUTH) ----------------

	r.Group(func(r chi.Router) {
		if deps.APIKeyResolver != nil {
			r.Use(middleware.APITokenAuth(deps.APIKeyResolver, logger))
		}

		// ---------------- CREATE WORKFLOW ----------------

		r.Post("/workflows", func(w http.ResponseWriter, r *http.Request) {
			reqBody, err := decodeJSONBody[createWorkflowRequest](r)
			if err != nil {
				http.Error(w, "invalid request body", http.StatusBadRequest)
				return
			}

			workflowID, err := deps.WorkflowRepo.CreateWorkflow(r.Context(), domain.CreateWorkflowParams{
				Pipeline:    strings.TrimSpace(reqBody.Pipeline),
				Title:       strings.TrimSpace(reqBody.Title),
				Description: reqBody.Description,
				BrandID:     reqBody.BrandID,
				CampaignID:  reqBody.CampaignID,
			})
			if err != nil {
				if errors.Is(err, domain.ErrUnknownPipeline) {
					http.Error(w, "unknown pipeline", http.StatusBadRequest)
					return
				}
				logger.Error("create workflow failed", "error", err)
				http.Error(w, "failed to create workflow", http.StatusInternalServerError)
				return
			}

			logger.Info("workflow created via API", "workflow_id", workflowID)

			writeJSON(w, http.StatusOK, map[string]string{
				"workflow_id": workflowID.String(),
			})
		})

		// ---------------- GET WORKFLOW ----------------

		r.Get("/workflows/{id}", func(w http.ResponseWriter, r *http.Request) {
			workflowID, ok := parseWorkflowID(w, r)
			if !ok {
				return
			}

			snap, err := deps.WorkflowRepo.GetWorkflow(r.Context(), workflowID)
			if err != nil {
				writeDomainError(w, logger, "get workflow", workflowID, err)
				return
			}

			writeJSON(w, http.StatusOK, snap)
		})

		// ---------------- LIST NODES ----------------

		r.Get("/workflows/{id}/nodes", func(w http.ResponseWriter, r *http.Request) {
			workflowID, ok := parseWorkflowID(w, r)
			if !ok {
				return
			}

			nodes, err := deps.WorkflowRepo.ListNodes(r.Context(), workflowID)
			if err != nil {
				writeDomainError(w, logger, "list nodes", workflowID, err)
				return
			}

			writeJSON(w, http.StatusOK, struct {
				WorkflowID string                `json:"workflow_id"`
				Nodes      []domain.WorkflowNode `json:"nodes"`
			}{
				WorkflowID: workflowID.String(),
				Nodes:      nodes,
			})
		})

		// ---------------- LIST APPROVALS ----------------

		r.Get("/workflows/{id}/approvals", func(w http.ResponseWriter, r *http.Request) {
			workflowID, ok := parseWorkflowID(w, r)
			if !ok {
				return
			}

			approvals, err := deps.WorkflowRepo.ListApprovals(r.Context(), workflowID)
			if err != nil {
				writeDomainError(w, logger, "list approvals", workflowID, err)
				return
			}

			writeJSON(w, http.StatusOK, struct {
				WorkflowID string                 `json:"workflow_id"`
				Approvals  []domain.ApprovalRecord `json:"approvals"`
			}{
				WorkflowID: workflowID.String(),
				Approvals:  approvals,
			})
		})

		// ---------------- STAGE TRANSITIONS (DRIVER BOUNDARY) ----------------

		r.Post("/workflows/{id}/stages/{stage}/start", func(w http.ResponseWriter, r *http.Request) {
			workflowID, ok := parseWorkflowID(w, r)
			if !ok {
				return
			}
			stageKey := chi.URLParam(r, "stage")

			reqBody, err := decodeJSONBody[stageTransitionRequest](r)
			if err != nil {
				http.Error(w, "invalid request body", http.StatusBadRequest)
				return
			}

			snap, err := deps.WorkflowRepo.StartStage(r.Context(), workflowID, stageKey, reqBody.Input)
			if err != nil {
				writeDomainError(w, logger, "start stage", workflowID, err)
				return
			}
			writeJSON(w, http.StatusOK, snap)
		})

		r.Post("/workflows/{id}/stages/{stage}/complete", func(w http.ResponseWriter, r *http.Request) {
			workflowID, ok := parseWorkflowID(w, r)
			if !ok {
				return
			}
			stageKey := chi.URLParam(r, "stage")

			reqBody, err := decodeJSONBody[stageTransitionRequest](r)
			if err != nil {
				http.Error(w, "invalid request body", http.StatusBadRequest)
				return
			}

			snap, err := deps.WorkflowRepo.CompleteStage(r.Context(), workflowID, stageKey, reqBody.Output)
			if err != nil {
				writeDomainError(w, logger, "complete stage", workflowID, err)
				return
			}
			writeJSON(w, http.StatusOK, snap)
		})

		r.Post("/workflows/{id}/stages/{stage}/fail", func(w http.ResponseWriter, r *http.Request) {
			workflowID, ok := parseWorkflowID(w, r)
			if !ok {
				return
			}
			stageKey := chi.URLParam(r, "stage")

			reqBody, err := decodeJSONBody[stageTransitionRequest](r)
			if err != nil {
				http.Error(w, "invalid request body", http.StatusBadRequest)
				return
			}

			snap, err := deps.WorkflowRepo.FailStage(r.Context(), workflowID, stageKey, reqBody.Error)
			if err != nil {
				writeDomainError(w, logger, "fail stage", workflowID, err)
				return
			}
			writeJSON(w, http.StatusOK, snap)
		})

		// ---------------- APPROVAL GATE ----------------

		r.Post("/workflows/{id}/stages/{stage}/approve", func(w http.ResponseWriter, r *http.Request) {
			workflowID, ok := parseWorkflowID(w, r)
			if !ok {
				return
			}
			stageKey := chi.URLParam(r, "stage")

			reqBody, err := decodeJSONBody[decisionRequest](r)
			if err != nil {
				http.Error(w, "invalid request body", http.StatusBadRequest)
				return
			}

			snap, err := deps.WorkflowRepo.Approve(r.Context(), workflowID, stageKey, reqBody.ActorID, reqBody.Note)
			if err != nil {
				writeDomainError(w, logger, "approve stage", workflowID, err)
				return
			}

			logger.Info("stage approved via API", "workflow_id", workflowID, "stage", stageKey)
			writeJSON(w, http.StatusOK, snap)
		})

		r.Post("/workflows/{id}/stages/{stage}/reject", func(w http.ResponseWriter, r *http.Request) {
			workflowID, ok := parseWorkflowID(w, r)
			if !ok {
				return
			}
			stageKey := chi.URLParam(r, "stage")

			reqBody, err := decodeJSONBody[decisionRequest](r)
			if err != nil {
				http.Error(w, "invalid request body", http.StatusBadRequest)
				return
			}

			snap, err := deps.WorkflowRepo.Reject(r.Context(), workflowID, stageKey, reqBody.ActorID, reqBody.Note)
			if err != nil {
				writeDomainError(w, logger, "reject stage", workflowID, err)
				return
			}

			logger.Info("stage rejected via API", "workflow_id", workflowID, "stage", stageKey)
			writeJSON(w, http.StatusOK, snap)
		})

		// ---------------- CANCEL / PAUSE / RESUME ----------------

		r.Post("/workflows/{id}/cancel", func(w http.ResponseWriter, r *http.Request) {
			workflowID, ok := parseWorkflowID(w, r)
			if !ok {
				return
			}

			snap, err := deps.WorkflowRepo.Cancel(r.Context(), workflowID)
			if err != nil {
				writeDomainError(w, logger, "cancel workflow", workflowID, err)
				return
			}

			logger.Info("workflow canceled via API", "workflow_id", workflowID)
			writeJSON(w, http.StatusOK, snap)
		})

		r.Post("/workflows/{id}/pause", func(w http.ResponseWriter, r *http.Request) {
			workflowID, ok := parseWorkflowID(w, r)
			if !ok {
				return
			}

			snap, err := deps.WorkflowRepo.Pause(r.Context(), workflowID)
			if err != nil {
				writeDomainError(w, logger, "pause workflow", workflowID, err)
				return
			}
			writeJSON(w, http.StatusOK, snap)
		})

		r.Post("/workflows/{id}/resume", func(w http.ResponseWriter, r *http.Request) {
			workflowID, ok := parseWorkflowID(w, r)
			if !ok {
				return
			}

			snap, err := deps.WorkflowRepo.Resume(r.Context(), workflowID)
			if err != nil {
				writeDomainError(w, logger, "resume workflow", workflowID, err)
				return
			}
			writeJSON(w, http.StatusOK, snap)
		})

		// ---------------- ASSET TOGGLE ----------------

		r.Post("/workflows/{id}/assets/{assetID}/toggle", func(w http.ResponseWriter, r *http.Request) {
			workflowID, ok := parseWorkflowID(w, r)
			if !ok {
				return
			}
			assetID := strings.TrimSpace(chi.URLParam(r, "assetID"))
			if assetID == "" {
				http.Error(w, "invalid asset ID", http.StatusBadRequest)
				return
			}

			attached, err := deps.WorkflowRepo.ToggleAsset(r.Context(), workflowID, assetID)
			if err != nil {
				writeDomainError(w, logger, "toggle asset", workflowID, err)
				return
			}

			writeJSON(w, http.StatusOK, map[string]any{
				"workflow_id": workflowID.String(),
				"asset_id":    assetID,
				"attached":    attached,
			})
		})

		// ---------------- STAGE SETTINGS ----------------

		r.Get("/workflows/{id}/settings/{stage}", func(w http.ResponseWriter, r *http.Request) {
			workflowID, ok := parseWorkflowID(w, r)
			if !ok {
				return
			}
			stageKey := chi.URLParam(r, "stage")

			values, version, err := deps.SettingsRepo.GetStageSettings(r.Context(), workflowID, stageKey)
			if err != nil {
				writeDomainError(w, logger, "get stage settings", workflowID, err)
				return
			}

			writeJSON(w, http.StatusOK, map[string]any{
				"values":  values,
				"version": version,
			})
		})

		r.Patch("/workflows/{id}/settings/{stage}", func(w http.ResponseWriter, r *http.Request) {
			workflowID, ok := parseWorkflowID(w, r)
			if !ok {
				return
			}
			stageKey := chi.URLParam(r, "stage")

			reqBody, err := decodeJSONBody[mergeSettingsRequest](r)
			if err != nil || len(reqBody.Values) == 0 {
				http.Error(w, "invalid request body", http.StatusBadRequest)
				return
			}

			baseVersion := int64(-1)
			if reqBody.BaseVersion != nil {
				baseVersion = *reqBody.BaseVersion
			}

			version, err := deps.SettingsRepo.MergeStageSettings(r.Context(), workflowID, stageKey, reqBody.Values, baseVersion)
			if err != nil {
				writeDomainError(w, logger, "merge stage settings", workflowID, err)
				return
			}

			writeJSON(w, http.StatusOK, map[string]any{
				"version": version,
			})
		})

		// ---------------- TIMELINE ----------------

		r.Get("/workflows/{id}/timeline", func(w http.ResponseWriter, r *http.Request) {
			workflowID, ok := parseWorkflowID(w, r)
			if !ok {
				return
			}

			visibility, err := visibilityFilter(r)
			if err != nil {
				http.Error(w, "invalid visibility", http.StatusBadRequest)
				return
			}

			entries, err := deps.TimelineRepo.List(r.Context(), workflowID, visibility)
			if err != nil {
				writeDomainError(w, logger, "list timeline", workflowID, err)
				return
			}

			writeJSON(w, http.StatusOK, struct {
				WorkflowID string                 `json:"workflow_id"`
				Entries    []domain.TimelineEntry `json:"entries"`
			}{
				WorkflowID: workflowID.String(),
				Entries:    entries,
			})
		})

		r.Post("/workflows/{id}/timeline", func(w http.ResponseWriter, r *http.Request) {
			workflowID, ok := parseWorkflowID(w, r)
			if !ok {
				return
			}

			reqBody, err := decodeJSONBody[appendTimelineRequest](r)
			if err != nil {
				http.Error(w, "invalid request body", http.StatusBadRequest)
				return
			}

			cardType := domain.CardType(reqBody.CardType)
			if !cardType.Valid() {
				http.Error(w, "invalid card_type", http.StatusBadRequest)
				return
			}

			params := repository.AppendEntryParams{
				WorkflowID: workflowID,
				CardType:   cardType,
				Content:    reqBody.Content,
				AuthorID:   reqBody.AuthorID,
				AuthorRole: auth.RoleFromContext(r.Context()),
				Visibility: domain.Visibility(reqBody.Visibility),
				Todos:      reqBody.Todos,
			}
			if reqBody.ID != "" {
				id, err := uuid.Parse(reqBody.ID)
				if err != nil {
					http.Error(w, "invalid entry id", http.StatusBadRequest)
					return
				}
				params.ID = id
			}
			if reqBody.ParentEntryID != "" {
				parentID, err := uuid.Parse(reqBody.ParentEntryID)
				if err != nil {
					http.Error(w, "invalid parent_entry_id", http.StatusBadRequest)
					return
				}
				params.ParentEntryID = &parentID
			}

			entry, err := deps.TimelineRepo.Append(r.Context(), params)
			if err != nil {
				writeDomainError(w, logger, "append timeline entry", workflowID, err)
				return
			}
			writeJSON(w, http.StatusOK, entry)
		})

		r.Patch("/timeline/{entryID}", func(w http.ResponseWriter, r *http.Request) {
			entryID, ok := parseEntryID(w, r)
			if !ok {
				return
			}

			reqBody, err := decodeJSONBody[editTimelineRequest](r)
			if err != nil {
				http.Error(w, "invalid request body", http.StatusBadRequest)
				return
			}

			entry, err := deps.TimelineRepo.Edit(r.Context(), entryID, reqBody.Content, reqBody.EditedBy)
			if err != nil {
				writeDomainError(w, logger, "edit timeline entry", entryID, err)
				return
			}
			writeJSON(w, http.StatusOK, entry)
		})

		r.Delete("/timeline/{entryID}", func(w http.ResponseWriter, r *http.Request) {
			entryID, ok := parseEntryID(w, r)
			if !ok {
				return
			}

			if err := deps.TimelineRepo.SoftDelete(r.Context(), entryID); err != nil {
				writeDomainError(w, logger, "delete timeline entry", entryID, err)
				return
			}
			w.WriteHeader(http.StatusNoContent)
		})

		r.Post("/timeline/{entryID}/publish", func(w http.ResponseWriter, r *http.Request) {
			entryID, ok := parseEntryID(w, r)
			if !ok {
				return
			}

			entry, err := deps.TimelineRepo.Publish(r.Context(), entryID)
			if err != nil {
				writeDomainError(w, logger, "publish timeline entry", entryID, err)
				return
			}
			writeJSON(w, http.StatusOK, entry)
		})

		r.Post("/timeline/{entryID}/todos/{todoID}/toggle", func(w http.ResponseWriter, r *http.Request) {
			entryID, ok := parseEntryID(w, r)
			if !ok {
				return
			}
			todoID := chi.URLParam(r, "todoID")

			reqBody, err := decodeJSONBody[toggleTodoRequest](r)
			if err != nil {
				http.Error(w, "invalid request body", http.StatusBadRequest)
				return
			}

			entry, err := deps.TimelineRepo.ToggleTodo(r.Context(), entryID, todoID, reqBody.Completed)
			if err != nil {
				writeDomainError(w, logger, "toggle todo", entryID, err)
				return
			}
			writeJSON(w, http.StatusOK, entry)
		})

		// ---------------- STREAM TIMELINE (SSE) ----------------

		r.Get("/workflows/{id}/events", func(w http.ResponseWriter, r *http.Request) {
			workflowID, ok := parseWorkflowID(w, r)
			if !ok {
				return
			}

			// Enforce tenant ownership and hide cross-tenant existence.
			if _, err := deps.WorkflowRepo.GetWorkflow(r.Context(), workflowID); err != nil {
				writeDomainError(w, logger, "sse get workflow", workflowID, err)
				return
			}

			visibility, err := visibilityFilter(r)
			if err != nil {
				http.Error(w, "invalid visibility", http.StatusBadRequest)
				return
			}

			cursor := int64(0)
			if since := strings.TrimSpace(r.URL.Query().Get("since_seq")); since != "" {
				seq, err := strconv.ParseInt(since, 10, 64)
				if err != nil || seq < 0 {
					http.Error(w, "invalid since_seq", http.StatusBadRequest)
					return
				}
				cursor = seq
			}

			flusher, ok := w.(http.Flusher)
			if !ok {
				http.Error(w, "streaming unsupported", http.StatusInternalServerError)
				return
			}

			w.Header().Set("Content-Type", "text/event-stream")
			w.Header().Set("Cache-Control", "no-cache")
			w.Header().Set("Connection", "keep-alive")
			w.Header().Set("X-Accel-Buffering", "no")
			w.WriteHeader(http.StatusOK)
			flusher.Flush()

			writeEntries := func() error {
				entries, err := deps.TimelineRepo.ListAfter(r.Context(), workflowID, visibility, cursor)
				if err != nil {
					return err
				}

				for _, entry := range entries {
					payload, err := json.Marshal(entry)
					if err != nil {
						return err
					}
					if _, err := fmt.Fprintf(w, "event: timeline_entry\ndata: %s\n\n", payload); err != nil {
						return err
					}
					flusher.Flush()
					cursor = entry.Seq
				}

				return nil
			}

			if err := writeEntries(); err != nil {
				logger.Error("sse initial write failed", "workflow_id", workflowID, "error", err)
				return
			}

			ticker := time.NewTicker(500 * time.Millisecond)
			defer ticker.Stop()

			for {
				select {
				case <-r.Context().Done():
					return
				case <-ticker.C:
					if err := writeEntries(); err != nil {
						logger.Error("sse write failed", "workflow_id", workflowID, "error", err)
						return
					}
				}
			}
		})
	})

	return r
}

func parseWorkflowID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid workflow ID", http.StatusBadRequest)
		return uuid.Nil, false
	}
	return id, true
}

func parseEntryID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "entryID"))
	if err != nil {
		http.Error(w, "invalid entry ID", http.StatusBadRequest)
		return uuid.Nil, false
	}
	return id, true
}

// visibilityFilter turns the ?visibility= query into a repository
// filter. CLIENT callers are always capped to PUBLIC regardless of what
// they asked for.
func visibilityFilter(r *http.Request) (*domain.Visibility, error) {
	requested := strings.TrimSpace(r.URL.Query().Get("visibility"))

	if auth.RoleFromContext(r.Context()) == domain.RoleClient {
		v := domain.VisibilityPublic
		return &v, nil
	}

	switch domain.Visibility(requested) {
	case "":
		return nil, nil
	case domain.VisibilityPublic, domain.VisibilityInternal:
		v := domain.Visibility(requested)
		return &v, nil
	default:
		return nil, errors.New("invalid visibility")
	}
}

// writeDomainError maps domain errors onto HTTP statuses: rejected
// transitions and stale writes are conflicts, schema misconfiguration
// is unprocessable, missing rows are not found.
func writeDomainError(w http.ResponseWriter, logger *slog.Logger, op string, id uuid.UUID, err error) {
	var transition *domain.TransitionError
	if errors.As(err, &transition) {
		writeJSON(w, http.StatusConflict, map[string]any{
			"error":    "invalid transition",
			"op":       transition.Op,
			"stage":    transition.StageKey,
			"current":  transition.Current,
			"required": transition.Required,
		})
		return
	}

	switch {
	case errors.Is(err, domain.ErrInvalidTransition), errors.Is(err, domain.ErrStaleWrite):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, domain.ErrConfiguration):
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
	case errors.Is(err, domain.ErrNotFound), errors.Is(err, pgx.ErrNoRows):
		http.Error(w, "not found", http.StatusNotFound)
	default:
		logger.Error(op+" failed", "id", id, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// decodeJSONBody reads exactly one JSON object; an empty body decodes
// to the zero value.
func decodeJSONBody[T any](r *http.Request) (T, error) {
	var req T
	if r == nil || r.Body == nil || r.Body == http.NoBody {
		return req, nil
	}

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		if errors.Is(err, io.EOF) {
			return req, nil
		}
		var zero T
		return zero, err
	}

	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		var zero T
		return zero, errors.New("request body must contain exactly one JSON object")
	}

	return req, nil
}

func decodeCreateAPIKeyRequest(r *http.Request) (createAPIKeyRequest, error) {
	req, err := decodeJSONBody[createAPIKeyRequest](r)
	if err != nil {
		return createAPIKeyRequest{}, err
	}

	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		return createAPIKeyRequest{}, domain.ErrInvalidAPIKeyName
	}

	return req, nil
}

func valueOrDefault(value, defaultValue string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return defaultValue
	}
	return trimmed
}
