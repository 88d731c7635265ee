// Package engine turns a provider's output into wire events and persists the
// finished assistant message.
package engine

import (
	"context"
	"errors"
	"iter"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/capitalize-ai/resumable-chat/internal/apperr"
	"github.com/capitalize-ai/resumable-chat/internal/llm"
	"github.com/capitalize-ai/resumable-chat/internal/model"
	"github.com/capitalize-ai/resumable-chat/internal/stream"
	"github.com/capitalize-ai/resumable-chat/pkg/logger"
	"github.com/capitalize-ai/resumable-chat/pkg/metrics"
)

// ErrTimeout is the cancellation cause of a generation that ran too long.
var ErrTimeout = errors.New("generation timed out")

// FinishStopped is the finish reason of a generation stopped by the client.
const FinishStopped = "stopped"

// MessageAppender persists messages.
type MessageAppender interface {
	AppendMessage(ctx context.Context, conversationID string, msg model.Message) error
}

// Config controls generation limits and persistence retries.
type Config struct {
	// Timeout bounds a whole generation.
	Timeout time.Duration
	// PersistTimeout bounds all attempts to persist one message.
	PersistTimeout time.Duration
	// PersistInitialInterval is the first retry delay.
	PersistInitialInterval time.Duration
}

// DefaultConfig returns the default engine configuration.
func DefaultConfig() Config {
	return Config{
		Timeout:                5 * time.Minute,
		PersistTimeout:         30 * time.Second,
		PersistInitialInterval: 200 * time.Millisecond,
	}
}

// Job is one generation request.
type Job struct {
	ConversationID string
	StreamID       string
	Identity       string
	// Model is the client-facing model selector.
	Model string
	// History is the conversation so far, ending with the user turn.
	History      []model.Message
	SystemPrompt string
	APIKey       string
	Options      model.ChatOptions
}

// Engine runs generations.
type Engine struct {
	cfg      Config
	registry *llm.Registry
	store    MessageAppender
	logger   *logger.Logger
	tracer   trace.Tracer
}

// New creates an engine.
func New(cfg Config, registry *llm.Registry, store MessageAppender, log *logger.Logger) *Engine {
	def := DefaultConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.PersistTimeout <= 0 {
		cfg.PersistTimeout = def.PersistTimeout
	}
	if cfg.PersistInitialInterval <= 0 {
		cfg.PersistInitialInterval = def.PersistInitialInterval
	}
	return &Engine{
		cfg:      cfg,
		registry: registry,
		store:    store,
		logger:   log.Named("engine"),
		tracer:   otel.Tracer("github.com/capitalize-ai/resumable-chat/internal/engine"),
	}
}

// Producer returns the stream producer for job.
func (e *Engine) Producer(job Job) stream.Producer {
	return func(ctx context.Context) iter.Seq2[model.Event, error] {
		return func(yield func(model.Event, error) bool) {
			e.generate(ctx, job, yield)
		}
	}
}

func (e *Engine) generate(ctx context.Context, job Job, yield func(model.Event, error) bool) {
	start := time.Now()
	log := e.logger.WithStream(job.ConversationID, job.StreamID)

	ctx, span := e.tracer.Start(ctx, "engine.generate", trace.WithAttributes(
		attribute.String("chat.conversation_id", job.ConversationID),
		attribute.String("chat.stream_id", job.StreamID),
		attribute.String("chat.model", job.Model),
	))
	defer span.End()

	cfg, provider, err := e.registry.Resolve(job.Model)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		yield(model.Event{}, err)
		return
	}

	genCtx, cancel := context.WithTimeoutCause(ctx, e.cfg.Timeout, ErrTimeout)
	defer cancel()

	builder := model.NewMessageBuilder(job.ConversationID, job.StreamID, job.Model)
	var (
		finishReason string
		usage        llm.Usage
		failure      error
		events       int
	)

	for chunk, err := range provider.Generate(genCtx, e.request(job, cfg)) {
		if err != nil {
			failure = err
			break
		}
		if chunk.Type == llm.ChunkFinish {
			finishReason = chunk.FinishReason
			usage = chunk.Usage
			continue
		}
		ev, err := toEvent(chunk, builder)
		if err != nil {
			failure = err
			break
		}
		events++
		if !yield(ev, nil) {
			return
		}
	}

	status := "completed"
	defer func() {
		metrics.RecordLLMStream(job.Model, status, time.Since(start).Seconds(), usage.InputTokens, usage.OutputTokens)
		span.SetAttributes(
			attribute.Int("chat.events", events),
			attribute.String("chat.status", status),
		)
	}()

	switch cause := context.Cause(genCtx); {
	case errors.Is(cause, stream.ErrStopped):
		status = FinishStopped
		finishReason = FinishStopped
		log.Info("generation stopped by client", zap.Int("events", events))
	case errors.Is(cause, ErrTimeout):
		status = "timeout"
		span.SetStatus(codes.Error, ErrTimeout.Error())
		log.Warn("generation timed out", zap.Duration("timeout", e.cfg.Timeout))
		yield(model.Event{}, apperr.Wrap(apperr.KindProvider, "generation timed out", ErrTimeout))
		return
	case failure != nil:
		status = "error"
		span.RecordError(failure)
		span.SetStatus(codes.Error, failure.Error())
		yield(model.Event{}, failure)
		return
	}

	if finishReason == "" {
		finishReason = "stop"
	}

	done := model.DoneEvent{FinishReason: finishReason}
	if builder.Len() > 0 {
		msg := builder.Message(finishReason)
		if err := e.persist(ctx, job, msg); err != nil {
			metrics.PersistenceFailuresTotal.Inc()
			span.RecordError(err)
			log.Error("failed to persist assistant message",
				zap.String("message_id", msg.ID),
				zap.Error(err),
			)
		} else {
			done.MessageID = msg.ID
			metrics.MessagesTotal.WithLabelValues(string(model.RoleAssistant)).Inc()
		}
	}

	ev, err := model.NewEvent(model.EventDone, done)
	if err != nil {
		yield(model.Event{}, err)
		return
	}
	yield(ev, nil)
}

// persist appends msg with retries. It runs detached from ctx's cancellation
// so a stopped generation still saves its partial output.
func (e *Engine) persist(ctx context.Context, job Job, msg model.Message) error {
	ctx, span := e.tracer.Start(ctx, "engine.persist")
	defer span.End()

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.PersistTimeout)
	defer cancel()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.cfg.PersistInitialInterval
	b.MaxElapsedTime = e.cfg.PersistTimeout

	attempts := 0
	op := func() error {
		attempts++
		err := e.store.AppendMessage(ctx, job.ConversationID, msg)
		if err == nil {
			return nil
		}
		switch apperr.KindOf(err) {
		case apperr.KindMissingField, apperr.KindForbidden, apperr.KindNotFound:
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		e.logger.Warn("retrying message persistence",
			zap.String("stream_id", job.StreamID),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
	}

	err := backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify)
	span.SetAttributes(attribute.Int("chat.persist_attempts", attempts))
	if err != nil {
		return apperr.Wrap(apperr.KindPersistence, "failed to save message", err)
	}
	return nil
}

func (e *Engine) request(job Job, cfg llm.ModelConfig) *llm.Request {
	req := &llm.Request{
		Model:       cfg.Model,
		System:      cfg.SystemPrompt,
		MaxTokens:   cfg.MaxTokens,
		Temperature: job.Options.Temperature,
		APIKey:      job.APIKey,
	}
	if job.SystemPrompt != "" {
		req.System = job.SystemPrompt
	}
	if job.Options.MaxTokens > 0 {
		req.MaxTokens = job.Options.MaxTokens
	}
	for _, msg := range job.History {
		text := msg.Text()
		if text == "" {
			continue
		}
		req.Messages = append(req.Messages, llm.ChatMessage{Role: string(msg.Role), Content: text})
	}
	return req
}

// toEvent converts a content chunk to a wire event and records it in b.
func toEvent(chunk llm.Chunk, b *model.MessageBuilder) (model.Event, error) {
	switch chunk.Type {
	case llm.ChunkText:
		b.AppendText(chunk.Text)
		return model.NewEvent(model.EventTextDelta, model.TextDelta{Text: chunk.Text})
	case llm.ChunkSource:
		src := model.SourcePart{SourceID: chunk.Source.ID, URL: chunk.Source.URL, Title: chunk.Source.Title}
		b.AddSource(src)
		return model.NewEvent(model.EventSource, src)
	case llm.ChunkToolCall:
		tc := chunk.ToolCall
		b.AddToolCall(tc.ID, tc.Name, tc.Args)
		return model.NewEvent(model.EventToolCall, model.ToolCall{ToolCallID: tc.ID, ToolName: tc.Name, Args: tc.Args})
	case llm.ChunkToolResult:
		tr := chunk.ToolResult
		b.SetToolResult(tr.ToolCallID, tr.Result, tr.IsError)
		return model.NewEvent(model.EventToolResult, model.ToolResult{ToolCallID: tr.ToolCallID, Result: tr.Result, IsError: tr.IsError})
	default:
		return model.Event{}, apperr.New(apperr.KindProvider, "unsupported provider output")
	}
}
