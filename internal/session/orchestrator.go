// Package session owns the single logical session with the knowledge-graph
// backend and runs its single-flight initialization.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/echograph/tavernbridge/internal/config"
	"github.com/echograph/tavernbridge/internal/hashid"
	"github.com/echograph/tavernbridge/internal/health"
	"github.com/echograph/tavernbridge/internal/host"
	"github.com/echograph/tavernbridge/internal/model"
)

const initFlightKey = "initialize"

// ErrQuickResetRejected is returned when the backend answers a quick reset with success=false.
var ErrQuickResetRejected = errors.New("quick reset rejected")

// State is the orchestrator's lifecycle state.
type State int32

const (
	StateIdle State = iota
	StateInitializing
	StateReady
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Transport is the connection the orchestrator drives.
type Transport interface {
	Call(ctx context.Context, action string, payload any, timeout time.Duration) (json.RawMessage, error)
	EnsureConnection(sessionID string)
	Disconnect()
	ForgetTarget()
	IsOpenFor(sessionID string) bool
}

// Ledger records adopted sessions.
type Ledger interface {
	Upsert(ctx context.Context, b *model.SessionBinding) error
}

// Reporter receives user-visible notifications.
type Reporter interface {
	Report(level model.ActivityLevel, sessionID, message string)
}

// Resetter performs the backend-wide quick reset.
type Resetter interface {
	QuickReset(ctx context.Context) (health.ResetResult, error)
}

// Options configures an Orchestrator. Ledger, Reporter and Resetter are optional.
type Options struct {
	Timeouts      config.Timeouts
	SlidingWindow config.SlidingWindow
	// IncludeWorldInfo sends the host's world-info text with submissions.
	IncludeWorldInfo bool

	Ledger   Ledger
	Reporter Reporter
	Resetter Resetter
	Logger   *zap.Logger
}

// Orchestrator decides when to reuse, look up or create the backend session
// for the host's active character. It is the only writer of the current
// session id and the last character id.
type Orchestrator struct {
	host      host.Context
	transport Transport
	opts      Options
	logger    *zap.Logger
	now       func() time.Time

	group singleflight.Group

	mu      sync.Mutex
	current model.Session
	state   State
	// epoch is bumped whenever session state is replaced; an attempt only
	// adopts its result if the epoch it started under is still current.
	epoch uint64
}

// NewOrchestrator creates an Orchestrator.
func NewOrchestrator(hostCtx host.Context, transport Transport, opts Options) *Orchestrator {
	if opts.Timeouts == (config.Timeouts{}) {
		opts.Timeouts = config.DefaultTimeouts()
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		host:      hostCtx,
		transport: transport,
		opts:      opts,
		logger:    logger,
		now:       time.Now,
	}
}

// CurrentSession returns a snapshot of the current session.
func (o *Orchestrator) CurrentSession() model.Session {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.current
}

// SessionID returns the current session id, or "" when there is none.
func (o *Orchestrator) SessionID() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.current.ID
}

// LastCharacterID returns the character the last attempt ran for.
func (o *Orchestrator) LastCharacterID() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.current.CharacterID
}

// State returns the lifecycle state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// InitializeSession makes sure a backend session exists for the active
// character. Concurrent callers share one in-flight attempt unless force is
// set, which starts a fresh one. The result is false when no character is
// selected or the attempt failed; failures are reported, never returned.
func (o *Orchestrator) InitializeSession(ctx context.Context, caller string, force bool) bool {
	o.logger.Debug("InitializeSession called", zap.String("caller", caller), zap.Bool("force", force))

	if force {
		o.group.Forget(initFlightKey)
	}
	// The attempt outlives any single caller's context.
	flightCtx := context.WithoutCancel(ctx)
	ch := o.group.DoChan(initFlightKey, func() (any, error) {
		return o.perform(flightCtx, caller, force), nil
	})

	select {
	case res := <-ch:
		if res.Shared {
			o.logger.Debug("Joined in-flight initialization", zap.String("caller", caller))
		}
		ok, _ := res.Val.(bool)
		return ok
	case <-ctx.Done():
		return false
	}
}

func (o *Orchestrator) perform(ctx context.Context, caller string, force bool) bool {
	char, ok := o.host.ActiveCharacter()
	if !ok {
		o.logger.Debug("No valid character selected", zap.String("caller", caller))
		if o.clear() {
			o.logger.Debug("Cleared session state due to no valid character")
		}
		return false
	}
	if !char.HasData() {
		o.logger.Debug("Character data not found", zap.String("character_id", char.ID), zap.String("caller", caller))
		return false
	}

	o.mu.Lock()
	if !force && o.current.CharacterID == char.ID && o.current.ID != "" {
		sessionID := o.current.ID
		o.state = StateReady
		o.mu.Unlock()

		o.logger.Debug("Same character, keeping existing session",
			zap.String("character", char.Name), zap.String("session_id", sessionID), zap.String("caller", caller))
		if !o.transport.IsOpenFor(sessionID) {
			o.logger.Debug("Existing connection not active, reconnecting", zap.String("session_id", sessionID))
			o.transport.EnsureConnection(sessionID)
		}
		return true
	}

	changed := o.current.CharacterID != char.ID
	o.epoch++
	epoch := o.epoch
	o.current = model.Session{CharacterID: char.ID, CharacterName: char.Name}
	o.state = StateInitializing
	o.mu.Unlock()

	if changed {
		o.logger.Debug("Character changed, disconnecting old connection", zap.String("character_id", char.ID))
		o.transport.Disconnect()
	}

	o.logger.Info("Initializing session",
		zap.String("character_id", char.ID), zap.String("character", char.Name), zap.String("caller", caller))

	candidate := hashid.DeriveSessionID(char.Name)
	o.transport.EnsureConnection(candidate)

	existing, err := o.queryCurrentSession(ctx)
	if err != nil {
		o.logger.Debug("Failed to check for existing session, will create new one", zap.Error(err))
	} else if existing.HasSession && existing.SessionID != "" {
		o.logger.Debug("Found existing session",
			zap.String("session_id", existing.SessionID),
			zap.Int("graph_nodes", existing.GraphNodes),
			zap.Int("graph_edges", existing.GraphEdges))

		if existing.GraphNodes == 0 {
			o.logger.Debug("Existing session is empty, submitting character data")
			if o.submit(ctx, char) {
				o.report(model.ActivitySuccess, existing.SessionID, "Character data submitted to existing session: "+char.Name)
			}
		}
		return o.adopt(ctx, epoch, char, existing.SessionID, model.SessionSourceExisting,
			existing.GraphNodes, existing.GraphEdges, caller)
	}

	o.logger.Debug("Creating new session with full character data")
	if o.submit(ctx, char) {
		o.report(model.ActivitySuccess, "", "Character data submitted: "+char.Name)
	} else {
		o.logger.Debug("Character data submission failed, continuing with initialization")
	}

	resp, err := o.initialize(ctx, char, candidate)
	if err != nil {
		o.fail(epoch, caller, err)
		return false
	}
	return o.adopt(ctx, epoch, char, resp.SessionID, model.SessionSourceInitialized,
		resp.GraphStats.NodesCreated, resp.GraphStats.EdgesCreated, caller)
}

func (o *Orchestrator) queryCurrentSession(ctx context.Context) (CurrentSessionResponse, error) {
	var out CurrentSessionResponse
	data, err := o.transport.Call(ctx, ActionCurrentSession, struct{}{}, o.opts.Timeouts.CurrentSession)
	if err != nil {
		return out, err
	}
	if err := decode(data, &out); err != nil {
		return out, fmt.Errorf("%s: %w", ActionCurrentSession, err)
	}
	return out, nil
}

func (o *Orchestrator) initialize(ctx context.Context, char *model.Character, candidate string) (InitializeResponse, error) {
	var out InitializeResponse
	req := InitializeRequest{
		SessionID:     candidate,
		CharacterCard: char.Card(),
		WorldInfo:     o.worldInfo(ctx),
		SessionConfig: SessionConfig{SlidingWindow: o.opts.SlidingWindow},
		IsTest:        false,
		EnableAgent:   o.opts.SlidingWindow.EnableEnhancedAgent,
	}

	data, err := o.transport.Call(ctx, ActionInitialize, req, o.opts.Timeouts.Initialize)
	if err != nil {
		return out, err
	}
	if err := decode(data, &out); err != nil {
		return out, fmt.Errorf("%s: %w", ActionInitialize, err)
	}
	if out.SessionID == "" {
		return out, fmt.Errorf("%s: response carried no session_id", ActionInitialize)
	}
	o.logger.Debug("Initialization response received",
		zap.String("session_id", out.SessionID),
		zap.String("message", out.Message),
		zap.Int("nodes_created", out.GraphStats.NodesCreated))
	return out, nil
}

func (o *Orchestrator) worldInfo(ctx context.Context) string {
	if !o.opts.IncludeWorldInfo {
		return ""
	}
	return o.host.WorldInfo(ctx)
}

// submit sends the full character card. Failures are logged, not fatal.
func (o *Orchestrator) submit(ctx context.Context, char *model.Character) bool {
	card := char.Card()
	rawData := char.Data
	if rawData == nil {
		rawData = map[string]any{}
	}
	req := SubmitCharacterRequest{
		CharacterID:   char.ID,
		CharacterName: card.Name,
		CharacterData: CharacterData{
			CharacterCard: card,
			WorldInfo:     o.worldInfo(ctx),
			RawCharacter:  char,
			RawData:       rawData,
		},
		Timestamp: float64(o.now().UnixNano()) / float64(time.Second),
	}

	if _, err := o.transport.Call(ctx, ActionSubmitCharacter, req, o.opts.Timeouts.SubmitCharacter); err != nil {
		o.logger.Warn("Character data submission failed",
			zap.String("character_id", char.ID), zap.Error(err))
		return false
	}
	o.logger.Debug("Character data submitted", zap.String("character_id", char.ID), zap.String("character", card.Name))
	return true
}

// SubmitCharacter submits the active character's card on the backend's request.
func (o *Orchestrator) SubmitCharacter(ctx context.Context) bool {
	char, ok := o.host.ActiveCharacter()
	if !ok || !char.HasData() {
		o.report(model.ActivityWarning, o.SessionID(), "No active character to submit")
		return false
	}
	if !o.submit(ctx, char) {
		o.report(model.ActivityError, o.SessionID(), "Character data submission failed: "+char.Name)
		return false
	}
	o.report(model.ActivitySuccess, o.SessionID(), "Character data submitted automatically: "+char.Name)
	return true
}

func (o *Orchestrator) adopt(ctx context.Context, epoch uint64, char *model.Character, sessionID string,
	source model.SessionSource, nodes, edges int, caller string) bool {
	o.mu.Lock()
	if o.epoch != epoch {
		o.mu.Unlock()
		o.logger.Debug("Initialization superseded, discarding result",
			zap.String("session_id", sessionID), zap.String("caller", caller))
		return false
	}
	o.current.ID = sessionID
	o.state = StateReady
	o.mu.Unlock()

	o.transport.EnsureConnection(sessionID)

	if o.opts.Ledger != nil {
		now := o.now().UTC()
		err := o.opts.Ledger.Upsert(ctx, &model.SessionBinding{
			SessionID:     sessionID,
			CharacterID:   char.ID,
			CharacterName: char.Name,
			Source:        source,
			GraphNodes:    nodes,
			GraphEdges:    edges,
			CreatedAt:     now,
			UpdatedAt:     now,
		})
		if err != nil {
			o.logger.Warn("Failed to record session binding", zap.String("session_id", sessionID), zap.Error(err))
		}
	}

	o.logger.Info("Session ready",
		zap.String("session_id", sessionID),
		zap.String("source", string(source)),
		zap.String("character", char.Name),
		zap.String("caller", caller))

	if source == model.SessionSourceExisting {
		o.report(model.ActivitySuccess, sessionID, fmt.Sprintf("Connected to existing session for %s (%s)", char.Name, caller))
	} else {
		o.report(model.ActivitySuccess, sessionID, fmt.Sprintf("Session initialized for %s (nodes: %d, edges: %d, %s)", char.Name, nodes, edges, caller))
	}
	return true
}

func (o *Orchestrator) fail(epoch uint64, caller string, err error) {
	o.mu.Lock()
	if o.epoch != epoch {
		o.mu.Unlock()
		o.logger.Debug("Initialization superseded, discarding failure",
			zap.String("caller", caller), zap.Error(err))
		return
	}
	o.state = StateFailed
	o.mu.Unlock()

	msg := "Session initialization failed"
	if errors.Is(err, context.DeadlineExceeded) {
		msg = "Session initialization timed out"
	}
	o.logger.Error(msg, zap.String("caller", caller), zap.Error(err))
	o.report(model.ActivityError, "", fmt.Sprintf("%s (%s): %v", msg, caller, err))
}

// clear drops session state. It reports whether there was anything to drop.
func (o *Orchestrator) clear() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.current == (model.Session{}) {
		return false
	}
	o.current = model.Session{}
	o.state = StateIdle
	o.epoch++
	return true
}

// Reset drops the current session and closes the connection. In-flight
// attempts finish but no longer adopt their result.
func (o *Orchestrator) Reset() {
	o.clear()
	o.group.Forget(initFlightKey)
	o.transport.Disconnect()
	o.transport.ForgetTarget()
	o.report(model.ActivityInfo, "", "Session reset")
}

// QuickReset disconnects, asks the backend to drop all state and, on success,
// clears the local session.
func (o *Orchestrator) QuickReset(ctx context.Context) (health.ResetResult, error) {
	if o.opts.Resetter == nil {
		return health.ResetResult{}, errors.New("quick reset not configured")
	}

	o.report(model.ActivityInfo, "", "Starting quick reset")
	o.transport.Disconnect()

	res, err := o.opts.Resetter.QuickReset(ctx)
	if err != nil {
		o.report(model.ActivityError, "", "Quick reset failed: "+err.Error())
		return res, err
	}
	if !res.Success {
		msg := res.Message
		if msg == "" {
			msg = "unknown error"
		}
		o.report(model.ActivityError, "", "Quick reset failed: "+msg)
		return res, fmt.Errorf("%w: %s", ErrQuickResetRejected, msg)
	}

	o.clear()
	o.group.Forget(initFlightKey)
	o.transport.ForgetTarget()
	o.report(model.ActivitySuccess, "", fmt.Sprintf("Quick reset cleared %d objects", res.ClearedCounts.Total))
	return res, nil
}

// Stats fetches graph statistics for the current session and refreshes the
// ledger's graph counts.
func (o *Orchestrator) Stats(ctx context.Context) (Stats, error) {
	var out Stats
	cur := o.CurrentSession()
	if cur.ID == "" {
		return out, model.ErrNoSession
	}

	data, err := o.transport.Call(ctx, ActionStats, StatsRequest{SessionID: cur.ID}, o.opts.Timeouts.Stats)
	if err != nil {
		return out, err
	}
	if err := decode(data, &out); err != nil {
		return out, fmt.Errorf("%s: %w", ActionStats, err)
	}

	if o.opts.Ledger != nil {
		now := o.now().UTC()
		err := o.opts.Ledger.Upsert(ctx, &model.SessionBinding{
			SessionID:     cur.ID,
			CharacterID:   cur.CharacterID,
			CharacterName: cur.CharacterName,
			GraphNodes:    out.GraphNodes,
			GraphEdges:    out.GraphEdges,
			CreatedAt:     now,
			UpdatedAt:     now,
		})
		if err != nil {
			o.logger.Debug("Failed to refresh session binding", zap.Error(err))
		}
	}
	return out, nil
}

func (o *Orchestrator) report(level model.ActivityLevel, sessionID, message string) {
	if o.opts.Reporter != nil {
		o.opts.Reporter.Report(level, sessionID, message)
	}
}

// decode unmarshals an RPC result. A null or empty result leaves v untouched.
func decode(data json.RawMessage, v any) error {
	if len(data) == 0 || string(data) == "null" {
		return nil
	}
	return json.Unmarshal(data, v)
}
