package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/pitabwire/batchflow/internal/idempotency"
	"github.com/pitabwire/batchflow/internal/observability"
	"github.com/pitabwire/batchflow/internal/workflow"
	"github.com/pitabwire/batchflow/model"
)

// IdempotencyHeader carries the client supplied key that deduplicates
// retried transition requests.
const IdempotencyHeader = "X-Idempotency-Key"

// ReplayHeader is set on responses served from the idempotency store.
const ReplayHeader = "X-Idempotent-Replay"

const (
	opStart    = "start"
	opComplete = "complete"
	opFail     = "fail"
)

type phaseRequest struct {
	Comments string `json:"comments"`
	Reason   string `json:"reason"`
}

// CompleteResponse reports the execution activated by a completion, if any.
type CompleteResponse struct {
	Activated *model.PhaseExecution `json:"activated"`
}

// FailResponse reports the execution the batch was rolled back to.
type FailResponse struct {
	RollbackTarget *model.PhaseExecution `json:"rollback_target"`
}

// phaseOp performs one transition and returns the status code and body to
// send back.
type phaseOp func(ctx context.Context, batchID string, phase model.Phase, actor model.Actor, req phaseRequest) (int, any, error)

func startPhase(engine *workflow.Engine) phaseOp {
	return func(ctx context.Context, batchID string, phase model.Phase, actor model.Actor, _ phaseRequest) (int, any, error) {
		exec, err := engine.Start(ctx, batchID, phase, actor)
		if err != nil {
			return 0, nil, err
		}
		return http.StatusOK, exec, nil
	}
}

func completePhase(engine *workflow.Engine) phaseOp {
	return func(ctx context.Context, batchID string, phase model.Phase, actor model.Actor, req phaseRequest) (int, any, error) {
		activated, err := engine.Complete(ctx, batchID, phase, actor, req.Comments)
		if err != nil {
			return 0, nil, err
		}
		return http.StatusOK, CompleteResponse{Activated: activated}, nil
	}
}

func failPhase(engine *workflow.Engine) phaseOp {
	return func(ctx context.Context, batchID string, phase model.Phase, actor model.Actor, req phaseRequest) (int, any, error) {
		target, err := engine.Fail(ctx, batchID, phase, actor, req.Reason)
		if err != nil {
			return 0, nil, err
		}
		return http.StatusOK, FailResponse{RollbackTarget: target}, nil
	}
}

// handlePhaseTransition resolves the acting role, replays a recorded
// response for a known idempotency key and otherwise runs op.
func handlePhaseTransition(deps Dependencies, op string, fn phaseOp) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		rctx := model.RequestContextFrom(ctx)
		if rctx == nil {
			WriteError(w, model.NewUnauthorizedError("missing request context"))
			return
		}
		logger := observability.LoggerFrom(ctx, deps.Logger)
		batchID := chi.URLParam(r, "batchID")

		phase, err := model.ParsePhase(chi.URLParam(r, "phase"))
		if err != nil {
			writeRequestError(w, r, logger, err)
			return
		}

		// 1. Resolve the role the operator acts under.
		role, ok := deps.Policy.FirstAuthorized(rctx.Roles, phase)
		if !ok {
			writeRequestError(w, r, logger, model.NewForbiddenError(
				fmt.Sprintf("operator holds no role authorized for phase %q", phase),
			))
			return
		}

		// 2. Read the optional body.
		raw, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
		if err != nil {
			writeRequestError(w, r, logger, model.NewBadRequestError("unreadable request body"))
			return
		}
		var req phaseRequest
		if len(bytes.TrimSpace(raw)) > 0 {
			if err := json.Unmarshal(raw, &req); err != nil {
				writeRequestError(w, r, logger, model.NewBadRequestError("invalid JSON body"))
				return
			}
		}
		if ce := logger.Check(zap.DebugLevel, "phase transition request"); ce != nil {
			var body map[string]any
			_ = json.Unmarshal(raw, &body)
			ce.Write(
				zap.String("operation", op),
				zap.String("batch_id", batchID),
				zap.String("phase", phase.String()),
				zap.Any("body", observability.RedactBody(body, nil)),
			)
		}

		// 3. Replay a recorded response for a retried request.
		var key, hash string
		if k := r.Header.Get(IdempotencyHeader); k != "" && deps.Idempotency != nil {
			key = idempotency.FormatKey(k, op, batchID, phase.String())
			hash = idempotency.HashInput([]byte(rctx.OperatorID), raw)
			trace.SpanFromContext(ctx).SetAttributes(observability.AttrIdempotencyKey.String(k))

			cached, found, err := deps.Idempotency.Check(ctx, key, hash)
			if err != nil {
				writeRequestError(w, r, logger, err)
				return
			}
			if found {
				deps.Metrics.RecordIdempotentReplay(op)
				trace.SpanFromContext(ctx).SetAttributes(observability.AttrReplayed.Bool(true))
				logger.Info("idempotent replay",
					zap.String("operation", op),
					zap.String("batch_id", batchID),
					zap.String("phase", phase.String()),
				)
				w.Header().Set(ReplayHeader, "true")
				writeRawJSON(w, cached.StatusCode, cached.Body)
				return
			}
		}

		// 4. Run the transition.
		actor := model.Actor{ID: rctx.OperatorID, Role: role}
		status, body, err := fn(ctx, batchID, phase, actor, req)
		if err != nil {
			writeRequestError(w, r, logger, err)
			return
		}
		payload, err := json.Marshal(body)
		if err != nil {
			writeRequestError(w, r, logger, fmt.Errorf("encoding %s response: %w", op, err))
			return
		}

		// 5. Record the response for retries. The transition is committed, so
		// a failure here is only logged.
		if key != "" {
			resp := idempotency.Response{StatusCode: status, Body: payload}
			if err := deps.Idempotency.Save(ctx, key, hash, resp, deps.idempotencyTTL()); err != nil {
				logger.Warn("failed to record idempotent response",
					zap.String("operation", op),
					zap.Error(err),
				)
			}
		}
		writeRawJSON(w, status, payload)
	}
}
