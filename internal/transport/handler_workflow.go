package transport

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/batchflow/model"
)

// maxBodyBytes bounds request bodies read by the API.
const maxBodyBytes = 1 << 20

func handleInstantiate(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		batchID := chi.URLParam(r, "batchID")

		var product model.Product
		if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&product); err != nil {
			writeRequestError(w, r, deps.Logger, model.NewBadRequestError("invalid JSON body"))
			return
		}

		report, err := deps.Engine.Instantiate(r.Context(), batchID, product)
		if err != nil {
			writeRequestError(w, r, deps.Logger, err)
			return
		}
		WriteJSON(w, http.StatusCreated, report)
	}
}

func handleStatus(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report, err := deps.Engine.Status(r.Context(), chi.URLParam(r, "batchID"))
		if err != nil {
			writeRequestError(w, r, deps.Logger, err)
			return
		}
		WriteJSON(w, http.StatusOK, report)
	}
}

func handlePhases(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		execs, err := deps.Engine.Executions(r.Context(), chi.URLParam(r, "batchID"))
		if err != nil {
			writeRequestError(w, r, deps.Logger, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{"data": execs})
	}
}

func handlePhase(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		phase, err := model.ParsePhase(chi.URLParam(r, "phase"))
		if err != nil {
			writeRequestError(w, r, deps.Logger, err)
			return
		}
		exec, err := deps.Engine.Execution(r.Context(), chi.URLParam(r, "batchID"), phase)
		if err != nil {
			writeRequestError(w, r, deps.Logger, err)
			return
		}
		WriteJSON(w, http.StatusOK, exec)
	}
}

// handleDefinitions lists the phase sequence recorded for a product type.
func handleDefinitions(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		productType := model.ProductType(chi.URLParam(r, "productType"))
		defs, err := deps.Engine.Definitions(r.Context(), productType)
		if err != nil {
			writeRequestError(w, r, deps.Logger, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{"data": defs})
	}
}

func handleEvents(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		evts, err := deps.Engine.Events(r.Context(), chi.URLParam(r, "batchID"))
		if err != nil {
			writeRequestError(w, r, deps.Logger, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{"data": evts})
	}
}

// handleTasks lists the actionable phases for one of the operator's roles.
func handleTasks(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, model.NewUnauthorizedError("missing request context"))
			return
		}

		role := r.URL.Query().Get("role")
		if role == "" {
			writeRequestError(w, r, deps.Logger, model.NewBadRequestError("role query parameter is required"))
			return
		}
		if !rctx.HasRole(role) {
			writeRequestError(w, r, deps.Logger, model.NewForbiddenError(
				fmt.Sprintf("operator does not hold role %q", role),
			))
			return
		}

		tasks, err := deps.Engine.TasksForRole(r.Context(), chi.URLParam(r, "batchID"), role)
		if err != nil {
			writeRequestError(w, r, deps.Logger, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{"data": tasks})
	}
}
