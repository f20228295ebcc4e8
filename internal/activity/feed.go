// Package activity keeps the user-visible activity feed: every report is
// logged, cached in memory for the status endpoints and optionally persisted.
package activity

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/echograph/tavernbridge/internal/buffer"
	"github.com/echograph/tavernbridge/internal/model"
)

// DefaultCapacity is how many entries the in-memory feed keeps.
const DefaultCapacity = 20

const storeTimeout = 2 * time.Second

// Store persists entries.
type Store interface {
	Append(ctx context.Context, e *model.ActivityEntry) error
}

// Feed records activity entries. It is safe for concurrent use.
type Feed struct {
	ring   *buffer.Ring[model.ActivityEntry]
	store  Store
	logger *zap.Logger
	now    func() time.Time

	quiet atomic.Bool
}

// NewFeed creates a Feed holding capacity entries in memory. store may be nil.
func NewFeed(capacity int, store Store, logger *zap.Logger) *Feed {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Feed{
		ring:   buffer.NewRing[model.ActivityEntry](capacity),
		store:  store,
		logger: logger.Named("activity"),
		now:    time.Now,
	}
}

// Report records one entry.
func (f *Feed) Report(level model.ActivityLevel, sessionID, message string) {
	e := model.ActivityEntry{
		Level:     level,
		Message:   message,
		SessionID: sessionID,
		CreatedAt: f.now().UTC(),
	}

	if ce := f.logger.Check(zapLevel(level), message); ce != nil {
		ce.Write(zap.String("session_id", sessionID), zap.String("level", string(level)))
	}

	if f.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		if err := f.store.Append(ctx, &e); err != nil {
			f.logger.Warn("Failed to persist activity", zap.Error(err))
		}
		cancel()
	}

	if f.quiet.Load() && (level == model.ActivityInfo || level == model.ActivitySuccess) {
		return
	}
	f.ring.Push(e)
}

// SetNotifications controls whether info and success entries reach the
// in-memory feed. Warnings and errors always do. Every entry is still logged
// and persisted.
func (f *Feed) SetNotifications(on bool) {
	f.quiet.Store(!on)
}

// Recent returns up to n entries, newest first.
func (f *Feed) Recent(n int) []model.ActivityEntry {
	return f.ring.Last(n)
}

// Len returns the number of cached entries.
func (f *Feed) Len() int {
	return f.ring.Len()
}

// Clear drops the cached entries. Persisted entries are kept.
func (f *Feed) Clear() {
	f.ring.Clear()
}

func zapLevel(l model.ActivityLevel) zapcore.Level {
	switch l {
	case model.ActivityError:
		return zapcore.ErrorLevel
	case model.ActivityWarning:
		return zapcore.WarnLevel
	default:
		return zapcore.InfoLevel
	}
}
