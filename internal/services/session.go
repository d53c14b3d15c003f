package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/membot/membot-backend/internal/models"
	"github.com/membot/membot-backend/internal/repository"
)

// ResetSelector names the sessions a reset applies to: either every active
// session of a chat, or one session by id.
type ResetSelector struct {
	ChatID    string
	SessionID *uuid.UUID
}

// SessionManager owns session lifecycle, message append and the
// messages_since_summary counter.
type SessionManager struct {
	sessions repository.SessionRepository
	messages repository.MessageRepository
	locks    *keyedMutex
	group    singleflight.Group
	logger   *logrus.Logger
}

// NewSessionManager creates a new session manager
func NewSessionManager(sessions repository.SessionRepository, messages repository.MessageRepository, logger *logrus.Logger) *SessionManager {
	return &SessionManager{
		sessions: sessions,
		messages: messages,
		locks:    newKeyedMutex(),
		logger:   logger,
	}
}

// GetOrCreateActive returns the active session for the (user, chat) pair,
// creating one if none exists. Concurrent callers for the same pair are
// collapsed with singleflight; a creation race lost against another process
// (repository.ErrConflict from the active-pair unique index) is resolved by
// re-reading the winner's row.
func (m *SessionManager) GetOrCreateActive(ctx context.Context, userID, chatID string) (*models.Session, error) {
	key := userID + ":" + chatID
	v, err, _ := m.group.Do(key, func() (interface{}, error) {
		session, err := m.sessions.FindActive(ctx, userID, chatID)
		if err == nil {
			return session, nil
		}
		if !errors.Is(err, repository.ErrNotFound) {
			return nil, err
		}

		session, err = m.sessions.Create(ctx, userID, chatID)
		if err == nil {
			m.logger.WithFields(logrus.Fields{
				"session_id": session.ID,
				"user_id":    userID,
				"chat_id":    chatID,
			}).Info("created new session")
			return session, nil
		}
		if !errors.Is(err, repository.ErrConflict) {
			return nil, err
		}

		// Someone else created the active session first; use theirs.
		return m.sessions.FindActive(ctx, userID, chatID)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to resolve session for %s: %w", key, err)
	}

	return v.(*models.Session), nil
}

// AppendMessage stores the message with the next insertion order and bumps
// messages_since_summary by one, returning the stored message together with
// the updated counter so the caller can hand it straight to the scheduler.
// The per-session lock covers only this mutation, never provider calls.
func (m *SessionManager) AppendMessage(ctx context.Context, sessionID uuid.UUID, role models.MessageRole, content string, tokens int) (*models.Message, int, error) {
	unlock := m.locks.Lock(sessionID)
	defer unlock()

	message, err := m.messages.Append(ctx, sessionID, role, content, tokens)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to append message: %w", err)
	}

	counter, err := m.sessions.IncrementCounter(ctx, sessionID, 1)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to increment counter: %w", err)
	}

	return message, counter, nil
}

// Reset closes the active sessions matching the selector and returns the
// number closed. A selector that matches nothing closes zero sessions and
// is not an error.
func (m *SessionManager) Reset(ctx context.Context, sel ResetSelector) (int64, error) {
	var closed int64

	if sel.SessionID != nil {
		n, err := m.sessions.CloseByID(ctx, *sel.SessionID)
		if err != nil {
			return 0, fmt.Errorf("failed to reset session %s: %w", sel.SessionID, err)
		}
		closed += n
	}

	if sel.ChatID != "" {
		n, err := m.sessions.CloseByChat(ctx, sel.ChatID)
		if err != nil {
			return 0, fmt.Errorf("failed to reset chat %s: %w", sel.ChatID, err)
		}
		closed += n
	}

	if closed > 0 {
		m.logger.WithFields(logrus.Fields{
			"chat_id": sel.ChatID,
			"closed":  closed,
		}).Info("reset sessions")
	}

	return closed, nil
}
