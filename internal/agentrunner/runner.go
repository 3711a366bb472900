package agentrunner

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/nextlevelbuilder/chatsupervisor/internal/agentengine"
	"github.com/nextlevelbuilder/chatsupervisor/internal/coreerrors"
	"github.com/nextlevelbuilder/chatsupervisor/internal/statestore"
	"github.com/nextlevelbuilder/chatsupervisor/internal/tokenizer"
	"github.com/nextlevelbuilder/chatsupervisor/internal/tracing"
	"github.com/nextlevelbuilder/chatsupervisor/internal/usage"
)

// RunOptions carries everything one invocation of Run needs (§4.6).
type RunOptions struct {
	AgentID              string // stable identity for usage accounting, e.g. the bot id
	AgentName            string
	AppName              string // AgentConfig.AppName, passed to the engine's Run/CreateSession
	ModelName            string
	SessionID            agentengine.SessionID
	ConversationKey      string // opaque to the adaptor; the engine's user_key, the rate-limit and usage-window key, and a log field
	QueryText            string // already includes the user-context preamble (§4.4 point 7)
	FunctionDisplayMap   map[string]string
	OnlyFinal            bool
	FallbackErrorMessage string
}

// Emit delivers one already-chunked piece of output to the chat service.
// Implemented by the Bot Worker's dispatch closure.
type Emit func(ctx context.Context, chunk string) error

// Runner wraps an agentengine.Engine with rate limiting, output chunking,
// and usage accounting (§4.6).
type Runner struct {
	Engine agentengine.Engine
	Store  statestore.Store // per-session rate-limit ledger (§9); may be nil in tests that don't exercise limiting
	Usage  usage.Sink
	Logger *slog.Logger

	WindowSeconds int64 // defaults to the resolved model's IntervalSeconds when zero

	limiters *limiters
}

// NewRunner constructs a Runner. logger may be nil (defaults to slog.Default()).
func NewRunner(engine agentengine.Engine, store statestore.Store, sink usage.Sink, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{Engine: engine, Store: store, Usage: sink, Logger: logger, limiters: newLimiters()}
}

// Run attaches opts.QueryText to opts.SessionID, streams the engine's
// events, classifies them per §4.6 point 2, chunks the output, and emits
// each chunk via emit. Any engine/connection/internal error is converted
// into a single fallback-message chunk (§7); Run itself always returns nil
// so the Channel Router's serial worker keeps draining (§4.6, §5).
func (r *Runner) Run(ctx context.Context, opts RunOptions, emit Emit) error {
	runID := uuid.NewString()
	ctx, span := tracing.Tracer().Start(ctx, "agentrunner.run", trace.WithAttributes(
		attribute.String("bot_id", opts.AgentID),
		attribute.String("model_name", opts.ModelName),
		attribute.String("run_id", runID),
	))
	defer span.End()

	rec, err := ResolveModel(opts.AgentID, opts.ModelName)
	if err != nil {
		r.Logger.Error("agent run: config error", "bot_id", opts.AgentID, "run_id", runID, "model", opts.ModelName, "error", err)
		return r.deliverFallback(ctx, opts, emit)
	}

	inputTokens := tokenizer.ForModel(rec.Name).Count(opts.QueryText)

	windowSeconds := r.WindowSeconds
	if windowSeconds <= 0 {
		windowSeconds = rec.IntervalSeconds
	}
	if r.limiters != nil {
		if err := r.limiters.admit(ctx, r.Store, rec, opts.AgentID, opts.ConversationKey, inputTokens.Tokens); err != nil {
			r.Logger.Warn("agent run: rate limited", "bot_id", opts.AgentID, "conversation_key", opts.ConversationKey, "model", rec.Name, "error", err)
			return r.deliverFallback(ctx, opts, emit)
		}
	}

	text, engineErr := r.runOnce(ctx, opts)
	if engineErr != nil {
		r.Logger.Error("agent run: engine error", "bot_id", opts.AgentID, "conversation_key", opts.ConversationKey, "error", engineErr)
		return r.deliverFallback(ctx, opts, emit)
	}

	for _, chunk := range ChunkText(text) {
		if err := emit(ctx, chunk); err != nil {
			r.Logger.Warn("agent run: emit failed", "bot_id", opts.AgentID, "error", err)
			return nil
		}
	}

	outputTokens := tokenizer.ForModel(rec.Name).Count(text)
	recordWindow(ctx, r.Store, opts.AgentID, rec.Name, opts.ConversationKey, inputTokens.Tokens+outputTokens.Tokens, windowSeconds)
	r.writeUsage(ctx, opts, rec, inputTokens, outputTokens)
	return nil
}

// runOnce consumes one run's event stream to completion, classifying each
// event per §4.6 point 2 and returning the full (pre-chunking) output text.
// An empty string with a non-nil error means the run failed before producing
// any deliverable text; deliverFallback handles that case.
func (r *Runner) runOnce(ctx context.Context, opts RunOptions) (string, error) {
	events, errc := r.Engine.Run(ctx, opts.AppName, opts.SessionID, opts.ConversationKey, opts.QueryText)

	var accumulated strings.Builder
	var emittedPartials strings.Builder // tracks everything already surfaced when OnlyFinal is false

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				// Channel closed without a terminal event: treat as a silent
				// completion of whatever was accumulated.
				final := prefixFor(opts, &accumulated, &emittedPartials)
				if strings.TrimSpace(final) == "" {
					return noValidResponseMarker, nil
				}
				return strings.TrimSpace(final), nil
			}
			switch ev.Type {
			case agentengine.EventPartial:
				accumulated.WriteString(ev.Text)
				if !opts.OnlyFinal {
					emittedPartials.WriteString(ev.Text)
				}
			case agentengine.EventFunctionCall:
				label, known := opts.FunctionDisplayMap[ev.FunctionName]
				if !opts.OnlyFinal {
					if known {
						emittedPartials.WriteString(functionCallOpen + label + functionCallClose)
					} else {
						emittedPartials.WriteString(functionCallOpen + "working" + functionCallClose)
					}
				}
			case agentengine.EventFunctionResponse:
				// ignored by the core (§6): only names are mapped.
			case agentengine.EventEscalation:
				return escalationMarker + ev.Message, nil
			case agentengine.EventFinal:
				combined := strings.TrimSpace(prefixFor(opts, &accumulated, &emittedPartials) + ev.Text)
				if combined == "" {
					return noValidResponseMarker, nil
				}
				return combined, nil
			}
		case err := <-errc:
			if err != nil {
				return "", &coreerrors.AgentRunError{Err: err}
			}
		case <-ctx.Done():
			return "", &coreerrors.EngineTimeout{Timeout: ctx.Err().Error()}
		}
	}
}

// prefixFor returns the text to prepend to the final payload: when
// opts.OnlyFinal is false, function-call labels are interleaved with partial
// text in emittedPartials (§4.6 point 2 — a function-call event is only
// emitted "when not only_final"); when OnlyFinal is true, function-call
// labels are dropped and only the raw partial text in accumulated survives.
func prefixFor(opts RunOptions, accumulated, emittedPartials *strings.Builder) string {
	if opts.OnlyFinal {
		return accumulated.String()
	}
	return emittedPartials.String()
}

// deliverFallback emits opts.FallbackErrorMessage through the normal output
// path (§7): one chunk, no usage written.
func (r *Runner) deliverFallback(ctx context.Context, opts RunOptions, emit Emit) error {
	msg := opts.FallbackErrorMessage
	if msg == "" {
		msg = "Sorry, something went wrong handling that message."
	}
	if err := emit(ctx, msg); err != nil {
		r.Logger.Warn("agent run: fallback emit failed", "bot_id", opts.AgentID, "error", err)
	}
	return nil
}

func (r *Runner) writeUsage(ctx context.Context, opts RunOptions, rec ModelRecord, in, out tokenizer.Count) {
	if r.Usage == nil {
		return
	}
	now := time.Now()
	record := usage.Record{
		AgentID:      opts.AgentID,
		AgentName:    opts.AgentName,
		ModelName:    rec.Name,
		Year:         now.Year(),
		Month:        int(now.Month()),
		InputTokens:  int64(in.Tokens),
		OutputTokens: int64(out.Tokens),
		Approximate:  in.Approximate || out.Approximate,
	}
	if err := r.Usage.RecordUsage(ctx, record); err != nil {
		// Failure to write usage is logged but never fails the interaction (§4.6 point 4).
		r.Logger.Warn("agent run: usage write failed", "bot_id", opts.AgentID, "error", err)
	}
}
