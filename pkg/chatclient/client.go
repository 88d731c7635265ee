// Package chatclient is a Go client for the resumable chat API. A Controller
// keeps a local copy of one conversation, applies optimistic updates for
// submitted messages and reconciles them with the server's answer.
package chatclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/tmaxmax/go-sse"

	"github.com/capitalize-ai/resumable-chat/internal/model"
)

// TempIDPrefix marks ids of optimistic messages not yet confirmed by the
// server.
const TempIDPrefix = "tmp-"

// ErrBusy is returned by Submit while a response is still streaming.
var ErrBusy = errors.New("a response is still streaming")

// Status is the reconciliation state of a submission.
type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusRejected  Status = "rejected"
)

// NoticeKind classifies a user-facing notice.
type NoticeKind string

const (
	NoticeQuota   NoticeKind = "quota"
	NoticeGeneric NoticeKind = "generic"
)

// Notice is a message for the user about a failed or degraded request.
type Notice struct {
	Kind    NoticeKind
	Message string
}

// APIError is a non-streaming error response from the server.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("chat api: %d %s: %s", e.Status, e.Code, e.Message)
}

// Submission is the reconciliation record of one submitted message.
type Submission struct {
	TempID   string
	Status   Status
	ServerID string
}

// Config configures a Controller.
type Config struct {
	BaseURL string
	Token   string
	Model   string
	// HTTPClient defaults to http.DefaultClient.
	HTTPClient *http.Client
	// MaxResumeAttempts bounds reconnects after a dropped stream.
	MaxResumeAttempts uint64
	// OnChange, if set, is called after every local state change.
	OnChange func()
}

// Controller drives one conversation. It is safe for concurrent use, but
// only one response streams at a time.
type Controller struct {
	cfg    Config
	client *http.Client

	mu             sync.Mutex
	conversationID string
	messages       []model.Message
	submissions    map[string]*Submission
	streaming      bool
	streamID       string

	notices chan Notice
}

// New creates a controller.
func New(cfg Config) *Controller {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}
	if cfg.MaxResumeAttempts == 0 {
		cfg.MaxResumeAttempts = 3
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Controller{
		cfg:         cfg,
		client:      cfg.HTTPClient,
		submissions: make(map[string]*Submission),
		notices:     make(chan Notice, 16),
	}
}

// Notices delivers user-facing notices. Notices are dropped when nobody
// reads them.
func (c *Controller) Notices() <-chan Notice {
	return c.notices
}

// Messages returns a copy of the local conversation.
func (c *Controller) Messages() []model.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]model.Message(nil), c.messages...)
}

// Submission returns the reconciliation record of an optimistic message.
func (c *Controller) Submission(tempID string) (Submission, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.submissions[tempID]
	if !ok {
		return Submission{}, false
	}
	return *s, true
}

// ConversationID returns the mounted conversation. Submitting without
// mounting starts a new conversation with a generated id.
func (c *Controller) ConversationID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conversationID
}

// Streaming reports whether a response is being received.
func (c *Controller) Streaming() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.streaming
}

// Mount loads the persisted history of conversationID and, if a generation
// is still running, follows it until it ends. An unknown conversation mounts
// empty and is created by the first Submit.
func (c *Controller) Mount(ctx context.Context, conversationID string) error {
	c.mu.Lock()
	c.conversationID = conversationID
	c.messages = nil
	c.mu.Unlock()

	var resp model.ListMessagesResponse
	err := c.getJSON(ctx, "/api/v1/conversations/"+url.PathEscape(conversationID)+"/messages", &resp)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound {
		c.changed()
		return nil
	}
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.messages = resp.Messages
	c.mu.Unlock()
	c.changed()

	if !resp.StreamActive {
		return nil
	}
	return c.Resume(ctx)
}

// Submit sends text as a new user message and receives the reply. The
// message is shown immediately under a temporary id; it is confirmed with
// the server id once the server accepts it, or removed and reported through
// Notices when it is refused.
func (c *Controller) Submit(ctx context.Context, text string) (Submission, error) {
	tempID := TempIDPrefix + uuid.NewString()
	optimistic := model.Message{
		ID:    tempID,
		Role:  model.RoleUser,
		Parts: model.Parts{model.TextPart{Text: text}},
		Metadata: model.Metadata{
			CreatedAt: time.Now().UTC(),
		},
	}

	c.mu.Lock()
	if c.streaming {
		c.mu.Unlock()
		return Submission{}, ErrBusy
	}
	c.streaming = true
	if c.conversationID == "" {
		c.conversationID = uuid.NewString()
	}
	sub := &Submission{TempID: tempID, Status: StatusPending}
	c.submissions[tempID] = sub
	c.messages = append(c.messages, optimistic)
	req := model.ChatRequest{
		Messages:       append([]model.Message(nil), c.messages...),
		ConversationID: c.conversationID,
		Model:          c.cfg.Model,
	}
	c.mu.Unlock()
	c.changed()

	defer c.setStreaming(false)

	resp, err := c.postChat(ctx, &req)
	if err != nil {
		c.reject(tempID, err)
		return c.submissionOf(tempID), err
	}
	defer resp.Body.Close()

	serverID := resp.Header.Get("X-User-Message-ID")
	c.confirm(tempID, serverID, resp.Header.Get("X-Stream-ID"))
	if warning := resp.Header.Get("X-Warning"); warning != "" {
		c.notify(Notice{Kind: NoticeGeneric, Message: warning})
	}

	terminal, err := c.consume(resp.Body)
	if !terminal && ctx.Err() == nil {
		err = c.resumeWithRetry(ctx)
	}
	return c.submissionOf(tempID), err
}

// Resume follows the conversation's current stream from its start, or
// replays its last persisted reply.
func (c *Controller) Resume(ctx context.Context) error {
	c.setStreaming(true)
	defer c.setStreaming(false)
	return c.resumeWithRetry(ctx)
}

// Stop asks the server to stop the running generation. The partial reply is
// kept and finishes with the stopped reason.
func (c *Controller) Stop(ctx context.Context) error {
	c.mu.Lock()
	conversationID := c.conversationID
	c.mu.Unlock()

	q := url.Values{"conversationId": {conversationID}}
	req, err := c.newRequest(ctx, http.MethodPost, "/api/v1/chat/stop?"+q.Encode(), nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to stop generation: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		return decodeError(resp)
	}
	return nil
}

func (c *Controller) resumeWithRetry(ctx context.Context) error {
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), c.cfg.MaxResumeAttempts), ctx)
	return backoff.Retry(func() error {
		terminal, err := c.resumeOnce(ctx)
		var apiErr *APIError
		if errors.As(err, &apiErr) {
			return backoff.Permanent(err)
		}
		if err != nil {
			return err
		}
		if !terminal {
			return errors.New("stream ended early")
		}
		return nil
	}, b)
}

// resumeOnce reads the conversation's stream once. It reports whether the
// stream reached its end.
func (c *Controller) resumeOnce(ctx context.Context) (bool, error) {
	c.mu.Lock()
	q := url.Values{"conversationId": {c.conversationID}}
	c.mu.Unlock()

	req, err := c.newRequest(ctx, http.MethodGet, "/api/v1/chat?"+q.Encode(), nil)
	if err != nil {
		return false, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("failed to resume: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false, decodeError(resp)
	}

	c.mu.Lock()
	c.streamID = resp.Header.Get("X-Stream-ID")
	c.mu.Unlock()
	return c.consume(resp.Body)
}

// consume applies streamed events to the in-progress assistant message. An
// empty stream counts as complete.
func (c *Controller) consume(body io.Reader) (bool, error) {
	c.mu.Lock()
	streamID := c.streamID
	b := model.NewMessageBuilder(c.conversationID, streamID, c.cfg.Model)
	c.mu.Unlock()

	placeholder := model.AssistantMessageID(streamID)
	received := false

	for frame, err := range sse.Read(body, nil) {
		if err != nil {
			return false, fmt.Errorf("failed to read stream: %w", err)
		}
		received = true
		ev := model.Event{Type: model.EventType(frame.Type), Payload: json.RawMessage(frame.Data)}

		switch ev.Type {
		case model.EventTextDelta:
			var d model.TextDelta
			if err := ev.Decode(&d); err != nil {
				return false, err
			}
			b.AppendText(d.Text)
		case model.EventSource:
			var s model.SourcePart
			if err := ev.Decode(&s); err != nil {
				return false, err
			}
			b.AddSource(s)
		case model.EventToolCall:
			var tc model.ToolCall
			if err := ev.Decode(&tc); err != nil {
				return false, err
			}
			b.AddToolCall(tc.ToolCallID, tc.ToolName, tc.Args)
		case model.EventToolResult:
			var tr model.ToolResult
			if err := ev.Decode(&tr); err != nil {
				return false, err
			}
			b.SetToolResult(tr.ToolCallID, tr.Result, tr.IsError)
		case model.EventDone:
			var done model.DoneEvent
			if err := ev.Decode(&done); err != nil {
				return false, err
			}
			msg := b.Message(done.FinishReason)
			if done.MessageID != "" {
				msg.ID = done.MessageID
			}
			c.upsert(placeholder, msg)
			return true, nil
		case model.EventError:
			var e model.ErrorEvent
			if err := ev.Decode(&e); err != nil {
				return false, err
			}
			// Partial output stays visible.
			if b.Len() > 0 {
				c.upsert(placeholder, b.Message("error"))
			}
			kind := NoticeGeneric
			if e.Code == "quota_exceeded" {
				kind = NoticeQuota
			}
			c.notify(Notice{Kind: kind, Message: e.Message})
			return true, nil
		case model.EventMessage:
			var msg model.Message
			if err := ev.Decode(&msg); err != nil {
				return false, err
			}
			c.upsert(msg.ID, msg)
			return true, nil
		default:
			continue
		}
		c.upsert(placeholder, b.Message(""))
	}
	return !received, nil
}

// upsert replaces the message with id, or appends msg.
func (c *Controller) upsert(id string, msg model.Message) {
	c.mu.Lock()
	replaced := false
	for i := range c.messages {
		if c.messages[i].ID == id || c.messages[i].ID == msg.ID {
			c.messages[i] = msg
			replaced = true
			break
		}
	}
	if !replaced {
		c.messages = append(c.messages, msg)
	}
	c.mu.Unlock()
	c.changed()
}

func (c *Controller) confirm(tempID, serverID, streamID string) {
	c.mu.Lock()
	sub := c.submissions[tempID]
	sub.Status = StatusConfirmed
	sub.ServerID = serverID
	if serverID != "" {
		for i := range c.messages {
			if c.messages[i].ID == tempID {
				c.messages[i].ID = serverID
				c.messages[i].ConversationID = c.conversationID
				break
			}
		}
	}
	c.streamID = streamID
	c.mu.Unlock()
	c.changed()
}

func (c *Controller) reject(tempID string, err error) {
	c.mu.Lock()
	c.submissions[tempID].Status = StatusRejected
	for i := range c.messages {
		if c.messages[i].ID == tempID {
			c.messages = append(c.messages[:i], c.messages[i+1:]...)
			break
		}
	}
	c.mu.Unlock()
	c.changed()

	notice := Notice{Kind: NoticeGeneric, Message: err.Error()}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		notice.Message = apiErr.Message
		if apiErr.Code == "quota_exceeded" {
			notice.Kind = NoticeQuota
		}
	}
	c.notify(notice)
}

func (c *Controller) submissionOf(tempID string) Submission {
	s, _ := c.Submission(tempID)
	return s
}

func (c *Controller) setStreaming(v bool) {
	c.mu.Lock()
	c.streaming = v
	c.mu.Unlock()
	c.changed()
}

func (c *Controller) notify(n Notice) {
	select {
	case c.notices <- n:
	default:
	}
}

func (c *Controller) changed() {
	if c.cfg.OnChange != nil {
		c.cfg.OnChange()
	}
}

func (c *Controller) postChat(ctx context.Context, body *model.ChatRequest) (*http.Response, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := c.newRequest(ctx, http.MethodPost, "/api/v1/chat", strings.NewReader(string(data)))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send message: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, decodeError(resp)
	}
	return resp, nil
}

func (c *Controller) getJSON(ctx context.Context, path string, v any) error {
	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return decodeError(resp)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

func (c *Controller) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, body)
	if err != nil {
		return nil, err
	}
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}
	return req, nil
}

func decodeError(resp *http.Response) error {
	var body struct {
		Error string `json:"error"`
		Code  string `json:"code"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&body)
	if body.Error == "" {
		body.Error = http.StatusText(resp.StatusCode)
	}
	return &APIError{Status: resp.StatusCode, Code: body.Code, Message: body.Error}
}
