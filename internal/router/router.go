// Package router routes backend push events and chat-host lifecycle
// notifications to the session orchestrator and the activity feed.
package router

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/echograph/tavernbridge/internal/config"
	"github.com/echograph/tavernbridge/internal/host"
	"github.com/echograph/tavernbridge/internal/model"
	"github.com/echograph/tavernbridge/internal/session"
	"github.com/echograph/tavernbridge/internal/ws"
)

// EnhancedContextHeader prefixes the system entry injected into prompts.
const EnhancedContextHeader = "[EchoGraph Enhanced Context]"

const defaultSubmitDelay = 100 * time.Millisecond

// Orchestrator is the subset of session.Orchestrator the router drives.
type Orchestrator interface {
	InitializeSession(ctx context.Context, caller string, force bool) bool
	SubmitCharacter(ctx context.Context) bool
	SessionID() string
	LastCharacterID() string
	Stats(ctx context.Context) (session.Stats, error)
}

// Caller issues RPCs over the session connection.
type Caller interface {
	Call(ctx context.Context, action string, payload any, timeout time.Duration) (json.RawMessage, error)
}

// Options configures a Router.
type Options struct {
	Config   *config.Config
	Reporter session.Reporter
	Logger   *zap.Logger
	// SubmitDelay defers backend-requested character submissions.
	SubmitDelay time.Duration
}

// Router dispatches push events by type and reacts to host lifecycle events.
// Handlers never return errors to the host; failures are logged and reported.
type Router struct {
	orch   Orchestrator
	caller Caller
	host   host.Context
	cfg    *config.Config
	report session.Reporter
	logger *zap.Logger
	delay  time.Duration
	now    func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	// guards wg.Add against Close
	asyncMu sync.Mutex
	closed  bool

	mu        sync.RWMutex
	callbacks map[ws.MessageType][]func(ws.Push)
}

// New creates a Router.
func New(orch Orchestrator, caller Caller, hostCtx host.Context, opts Options) *Router {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	delay := opts.SubmitDelay
	if delay <= 0 {
		delay = defaultSubmitDelay
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Router{
		orch:      orch,
		caller:    caller,
		host:      hostCtx,
		cfg:       cfg,
		report:    opts.Reporter,
		logger:    logger,
		delay:     delay,
		now:       time.Now,
		ctx:       ctx,
		cancel:    cancel,
		callbacks: make(map[ws.MessageType][]func(ws.Push)),
	}
}

// On registers fn for push events of type t. Callbacks run on the transport's
// reader and must not block on RPCs.
func (r *Router) On(t ws.MessageType, fn func(ws.Push)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.callbacks[t] = append(r.callbacks[t], fn)
}

// Wait blocks until background work started by the router has finished.
func (r *Router) Wait() {
	r.wg.Wait()
}

// Close cancels background work and waits for it. Push events handled after
// Close no longer start background work.
func (r *Router) Close() {
	r.asyncMu.Lock()
	r.closed = true
	r.asyncMu.Unlock()

	r.cancel()
	r.wg.Wait()
}

func (r *Router) goAsync(name string, fn func(ctx context.Context)) {
	r.asyncMu.Lock()
	defer r.asyncMu.Unlock()
	if r.closed {
		r.logger.Debug("Router closed, dropping background task", zap.String("task", name))
		return
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer func() {
			if rec := recover(); rec != nil {
				r.logger.Error("Background task panicked", zap.String("task", name), zap.Any("panic", rec))
			}
		}()
		fn(r.ctx)
	}()
}

func (r *Router) notify(level model.ActivityLevel, message string) {
	if r.report != nil {
		r.report.Report(level, r.orch.SessionID(), message)
	}
}

// HandlePush routes one push event. It runs on the connection's reader, so
// anything that issues RPCs is moved to the background.
func (r *Router) HandlePush(p ws.Push) {
	switch p.Type {
	case ws.PushConnectionEstablished:
		r.logger.Debug("Connection established by backend")

	case ws.PushInitializationComplete:
		var ev initializationComplete
		r.decode(p, &ev)
		r.notify(model.ActivitySuccess, fmt.Sprintf("Knowledge graph initialized (nodes: %d)", ev.Stats.NodesAdded))
		r.goAsync("refresh_stats", r.refresh)

	case ws.PushGraphUpdated:
		var ev graphUpdated
		r.decode(p, &ev)
		r.notify(model.ActivityInfo, fmt.Sprintf("Knowledge graph updated (total nodes: %d)", ev.TotalNodes))
		r.goAsync("refresh_stats", r.refresh)

	case ws.PushCharacterSubmissionRequest:
		r.logger.Debug("Backend requested character submission")
		r.notify(model.ActivityInfo, "Backend requested character data")
		r.goAsync("submit_character", func(ctx context.Context) {
			select {
			case <-time.After(r.delay):
			case <-ctx.Done():
				return
			}
			r.orch.SubmitCharacter(ctx)
		})

	case ws.PushReinitializationComplete:
		var ev reinitializationComplete
		r.decode(p, &ev)
		name := ev.CharacterName
		if name == "" {
			name = "unknown character"
		}
		r.notify(model.ActivitySuccess, "Knowledge graph reinitialized: "+name)
		r.goAsync("refresh_stats", r.refresh)

	case ws.PushReinitializationFailed:
		var ev reinitializationFailed
		r.decode(p, &ev)
		reason := ev.Error
		if reason == "" {
			reason = "unknown error"
		}
		r.notify(model.ActivityError, "Knowledge graph reinitialization failed: "+reason)

	default:
		r.logger.Debug("Unknown push event", zap.String("type", string(p.Type)))
		r.notify(model.ActivityInfo, "Received unknown message: "+string(p.Type))
	}

	r.mu.RLock()
	callbacks := slices.Clone(r.callbacks[p.Type])
	r.mu.RUnlock()
	for _, fn := range callbacks {
		fn(p)
	}
}

func (r *Router) decode(p ws.Push, v any) {
	if err := p.Decode(v); err != nil {
		r.logger.Warn("Malformed push event", zap.String("type", string(p.Type)), zap.Error(err))
	}
}

func (r *Router) refresh(ctx context.Context) {
	r.RefreshStats(ctx)
}

// RefreshStats fetches graph statistics for the current session. It returns
// false when there is no session or the call failed.
func (r *Router) RefreshStats(ctx context.Context) (session.Stats, bool) {
	stats, err := r.orch.Stats(ctx)
	if err != nil {
		if !errors.Is(err, model.ErrNoSession) {
			r.logger.Warn("Stats refresh failed", zap.Error(err))
			r.notify(model.ActivityError, "Stats refresh failed")
		}
		return stats, false
	}
	r.logger.Debug("Stats refreshed",
		zap.Int("graph_nodes", stats.GraphNodes),
		zap.Int("graph_edges", stats.GraphEdges),
		zap.Int("conversation_turns", stats.ConversationTurns))
	return stats, true
}

// OnChatChanged initializes a session when the character changed or none
// exists yet. Message deletions are handled the same way.
func (r *Router) OnChatChanged(ctx context.Context) {
	if !r.cfg.Enabled {
		return
	}
	char, ok := r.host.ActiveCharacter()
	if !ok {
		r.logger.Debug("Chat changed without a selected character")
		return
	}
	if char.ID == r.orch.LastCharacterID() && r.orch.SessionID() != "" {
		r.logger.Debug("Chat changed, same character and session; nothing to do")
		return
	}

	if r.orch.InitializeSession(ctx, "CHAT_CHANGED", false) {
		r.notify(model.ActivitySuccess, "Character switched: "+char.Name)
	} else {
		r.notify(model.ActivityError, "Character switch failed")
	}
}

// OnMessageDeleted re-evaluates the session like a chat change.
func (r *Router) OnMessageDeleted(ctx context.Context) {
	r.OnChatChanged(ctx)
}

// OnMessageReceived feeds a completed assistant turn at index idx into the
// backend's sliding window.
func (r *Router) OnMessageReceived(ctx context.Context, idx int) {
	sessionID := r.orch.SessionID()
	if !r.cfg.Enabled || sessionID == "" {
		r.logger.Debug("Conversation processing skipped: disabled or no session")
		return
	}

	chat := r.host.Chat()
	if idx < 0 || idx >= len(chat) {
		r.logger.Debug("Message index out of range", zap.Int("index", idx), zap.Int("chat_len", len(chat)))
		return
	}
	msg := chat[idx]
	if msg.IsUser {
		return
	}
	if strings.TrimSpace(msg.Content) == "" {
		r.logger.Debug("Empty assistant response, skipping")
		return
	}

	userInput := ""
	if idx > 0 {
		userInput = chat[idx-1].Content
	}
	messageID := msg.ID
	if messageID == "" {
		messageID = strconv.Itoa(idx)
	}

	data, err := r.caller.Call(ctx, session.ActionProcessConversation, ProcessConversationRequest{
		SessionID:       sessionID,
		UserInput:       userInput,
		LLMResponse:     msg.Content,
		Timestamp:       r.now().UTC().Format(time.RFC3339),
		ChatID:          idx,
		TavernMessageID: messageID,
	}, r.cfg.Timeouts.ProcessConversation)
	if err != nil {
		r.logger.Warn("Conversation processing failed", zap.Error(err))
		r.notify(model.ActivityError, "Conversation processing error: "+err.Error())
		return
	}

	var res ProcessConversationResult
	if err := json.Unmarshal(data, &res); err != nil {
		r.logger.Warn("Malformed process_conversation result", zap.Error(err))
	}
	r.notify(model.ActivitySuccess, describeTurn(res))
}

func describeTurn(res ProcessConversationResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Conversation added to sliding window (turn %d)", res.TurnSequence)
	if !res.TargetProcessed {
		b.WriteString(" | processing deferred")
		return b.String()
	}
	fmt.Fprintf(&b, " | processed target turn: +%d nodes, +%d edges", res.NodesUpdated, res.EdgesAdded)
	if res.ConflictsResolved > 0 {
		fmt.Fprintf(&b, " | resolved %d conflicts", res.ConflictsResolved)
	}
	return b.String()
}

// OnMessageEdited resyncs the chat log with the conflict resolver.
func (r *Router) OnMessageEdited(ctx context.Context, idx int) {
	r.logger.Debug("Message edited, syncing conversation state", zap.Int("index", idx))
	r.SyncConversation(ctx)
}

// OnMessageSwiped resyncs the chat log with the conflict resolver.
func (r *Router) OnMessageSwiped(ctx context.Context, idx int) {
	r.logger.Debug("Message swiped, syncing conversation state", zap.Int("index", idx))
	r.SyncConversation(ctx)
}

// SyncConversation sends the full chat log for conflict resolution. It is a
// no-op unless conflict resolution is enabled and a session exists.
func (r *Router) SyncConversation(ctx context.Context) {
	sessionID := r.orch.SessionID()
	if !r.cfg.Enabled || sessionID == "" || !r.cfg.SlidingWindow.EnableConflictResolution {
		return
	}
	chat := r.host.Chat()
	if len(chat) == 0 {
		r.logger.Debug("Empty chat history, skipping conflict sync")
		return
	}

	data, err := r.caller.Call(ctx, session.ActionSyncConversation, SyncConversationRequest{
		SessionID:     sessionID,
		TavernHistory: r.history(chat),
	}, r.cfg.Timeouts.SyncConversation)
	if err != nil {
		r.logger.Warn("Conversation sync failed", zap.Error(err))
		r.notify(model.ActivityError, "Conversation sync error: "+err.Error())
		return
	}

	var res SyncConversationResult
	if err := json.Unmarshal(data, &res); err != nil {
		r.logger.Warn("Malformed sync_conversation result", zap.Error(err))
		return
	}
	r.logger.Debug("Conversation state synced",
		zap.Int("conflicts_detected", res.ConflictsDetected),
		zap.Int("conflicts_resolved", res.ConflictsResolved))
	if res.ConflictsResolved > 0 {
		r.notify(model.ActivityWarning, fmt.Sprintf("Detected and resolved %d conversation conflicts", res.ConflictsResolved))
	}
}

func (r *Router) history(chat []model.ChatMessage) []HistoryEntry {
	now := r.now().UTC().Format(time.RFC3339)
	out := make([]HistoryEntry, len(chat))
	for i, msg := range chat {
		var messageID any = i
		if msg.ID != "" {
			messageID = msg.ID
		}
		ts := msg.Timestamp
		if ts == "" {
			ts = now
		}
		e := HistoryEntry{
			Sequence:    i + 1,
			MessageID:   messageID,
			Timestamp:   ts,
			IsUser:      msg.IsUser,
			ContentHash: base64.StdEncoding.EncodeToString([]byte(msg.Content)),
		}
		if msg.IsUser {
			e.UserInput = msg.Content
		} else {
			e.LLMResponse = msg.Content
		}
		out[i] = e
	}
	return out
}

// OnPromptReady asks the backend for graph context relevant to the latest
// user message and injects it as a system entry just before the final
// message of p. Dry runs are left untouched.
func (r *Router) OnPromptReady(ctx context.Context, p *model.PromptPayload) {
	if !r.cfg.Enabled || p == nil || p.DryRun {
		return
	}

	if r.orch.SessionID() == "" {
		if !r.cfg.AutoInitialize {
			r.logger.Debug("No active session and auto-initialize disabled, skipping enhancement")
			return
		}
		if !r.orch.InitializeSession(ctx, "prompt_ready", false) {
			r.logger.Debug("Failed to initialize session for prompt enhancement")
			return
		}
	}
	sessionID := r.orch.SessionID()

	userInput := ""
	for i := len(p.Chat) - 1; i >= 0; i-- {
		if p.Chat[i].Role == "user" {
			userInput = p.Chat[i].Content
			break
		}
	}
	if userInput == "" {
		r.logger.Debug("No user message found in prompt")
		return
	}

	keep := r.cfg.MemoryEnhancement.HotMemoryTurns * 2
	recent := p.Chat
	if keep > 0 && len(recent) > keep {
		recent = recent[len(recent)-keep:]
	}

	data, err := r.caller.Call(ctx, session.ActionEnhancePrompt, EnhancePromptRequest{
		SessionID:        sessionID,
		UserInput:        userInput,
		RecentHistory:    append([]model.PromptMessage(nil), recent...),
		MaxContextLength: r.cfg.MaxContextLength,
	}, r.cfg.Timeouts.EnhancePrompt)
	if err != nil {
		r.logger.Warn("Prompt enhancement failed", zap.Error(err))
		r.notify(model.ActivityError, "Prompt enhancement failed: "+err.Error())
		return
	}

	var res EnhancePromptResult
	if err := json.Unmarshal(data, &res); err != nil {
		r.logger.Warn("Malformed enhance_prompt result", zap.Error(err))
		return
	}
	if strings.TrimSpace(res.EnhancedContext) == "" {
		r.logger.Debug("No enhanced context received")
		return
	}

	injected := model.PromptMessage{Role: "system", Content: EnhancedContextHeader + "\n" + res.EnhancedContext}
	last := len(p.Chat) - 1
	p.Chat = append(p.Chat[:last], append([]model.PromptMessage{injected}, p.Chat[last:]...)...)
	r.logger.Debug("Injected enhanced context",
		zap.Int("context_length", len(res.EnhancedContext)), zap.String("session_id", sessionID))
}
