// Package table persists session snapshots with optimistic concurrency.
// Loads return the store version alongside the snapshot; saves go
// through compare-and-swap, so a writer holding a stale version gets a
// conflict instead of silently overwriting another writer's state.
package table

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/tavernhall/tablecore/internal/kvstore"
	"github.com/tavernhall/tablecore/pkg/gamecore"
)

const (
	sessionKeyPrefix = "game:"

	errorOperationTable = "table"
	errorSubjectSession = "session"
	errorCodeDecode     = "decode"
	errorCodeEncode     = "encode"
)

// Manager loads and saves session snapshots.
type Manager struct {
	store  kvstore.Store
	logger *zap.Logger
}

// NewManager wires a Manager.
func NewManager(store kvstore.Store, logger *zap.Logger) (*Manager, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", gamecore.ErrInvalidServiceConfig)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{store: store, logger: logger.Named("table")}, nil
}

// SessionKey returns the store key for a chat's session.
func SessionKey(chatID int64) string {
	return fmt.Sprintf("%s%d", sessionKeyPrefix, chatID)
}

// SessionKeyPattern matches every persisted session key.
func SessionKeyPattern() string {
	return sessionKeyPrefix + "*"
}

// ChatIDFromKey extracts the chat id from a session key.
func ChatIDFromKey(key string) (int64, bool) {
	raw, found := strings.CutPrefix(key, sessionKeyPrefix)
	if !found {
		return 0, false
	}
	chatID, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false
	}
	return chatID, true
}

// IsCorrupt reports whether a Load failure means the stored bytes
// cannot be decoded, as opposed to a store transport failure.
func IsCorrupt(err error) bool {
	var operationError gamecore.OperationError
	return errors.As(err, &operationError) && operationError.Code() == errorCodeDecode
}

// Load returns the persisted session and its version.
func (manager *Manager) Load(ctx context.Context, chatID int64) (*gamecore.Session, kvstore.Version, error) {
	raw, version, err := manager.store.Get(ctx, SessionKey(chatID))
	if err != nil {
		return nil, kvstore.NoVersion, err
	}
	var session gamecore.Session
	if err := json.Unmarshal(raw, &session); err != nil {
		return nil, version, gamecore.WrapError(errorOperationTable, errorSubjectSession, errorCodeDecode, err)
	}
	return &session, version, nil
}

// LoadOrCreate returns the persisted session, creating and persisting a
// fresh waiting session when the chat id has never been seen.
func (manager *Manager) LoadOrCreate(ctx context.Context, chatID int64) (*gamecore.Session, kvstore.Version, error) {
	session, version, err := manager.Load(ctx, chatID)
	if err == nil {
		return session, version, nil
	}
	if !errors.Is(err, gamecore.ErrKeyNotFound) {
		return nil, kvstore.NoVersion, err
	}
	created, err := gamecore.NewSession(chatID)
	if err != nil {
		return nil, kvstore.NoVersion, err
	}
	version, err = manager.Save(ctx, created, kvstore.NoVersion)
	if err != nil {
		// Another writer created it concurrently; theirs wins.
		if errors.Is(err, gamecore.ErrVersionConflict) {
			return manager.Load(ctx, chatID)
		}
		return nil, kvstore.NoVersion, err
	}
	manager.logger.Info("created session", zap.Int64("chat_id", chatID))
	return created, version, nil
}

// Save persists the session if the stored version still matches
// expected, returning the new version.
func (manager *Manager) Save(ctx context.Context, session *gamecore.Session, expected kvstore.Version) (kvstore.Version, error) {
	raw, err := json.Marshal(session)
	if err != nil {
		return kvstore.NoVersion, gamecore.WrapError(errorOperationTable, errorSubjectSession, errorCodeEncode, err)
	}
	version, err := manager.store.CompareAndSwap(ctx, SessionKey(session.ChatID), expected, raw)
	if err != nil {
		if errors.Is(err, gamecore.ErrVersionConflict) {
			manager.logger.Warn("session save rejected",
				zap.Int64("chat_id", session.ChatID),
				zap.Int64("expected_version", int64(expected)),
			)
		}
		return kvstore.NoVersion, err
	}
	return version, nil
}

// Delete removes the persisted session.
func (manager *Manager) Delete(ctx context.Context, chatID int64) error {
	return manager.store.Delete(ctx, SessionKey(chatID))
}

// ScanChatIDs enumerates every persisted session's chat id.
func (manager *Manager) ScanChatIDs(ctx context.Context) ([]int64, error) {
	keys, err := manager.store.ScanKeys(ctx, SessionKeyPattern())
	if err != nil {
		return nil, err
	}
	chatIDs := make([]int64, 0, len(keys))
	for _, key := range keys {
		if chatID, valid := ChatIDFromKey(key); valid {
			chatIDs = append(chatIDs, chatID)
		}
	}
	return chatIDs, nil
}
