// Package connection owns ESP connection records: the model, the postgres
// repository, and the registry service with ownership and sync-guard rules.
package connection

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/ignite/listpilot/internal/connector"
)

// AuthMethod distinguishes API-key connections from OAuth connections.
type AuthMethod string

const (
	AuthAPIKey AuthMethod = "api_key"
	AuthOAuth  AuthMethod = "oauth"
)

// Status is the connection's credential health.
type Status string

const (
	StatusActive  Status = "active"
	StatusInvalid Status = "invalid"
	StatusError   Status = "error"
)

// SyncStatus is the connection's sync state machine position:
// idle → syncing → {synced, error} → idle-or-syncing.
type SyncStatus string

const (
	SyncIdle    SyncStatus = "idle"
	SyncSyncing SyncStatus = "syncing"
	SyncSynced  SyncStatus = "synced"
	SyncError   SyncStatus = "error"
)

// Sentinel errors for the registry service.
var (
	ErrNotFound   = errors.New("connection: not found")
	ErrForbidden  = errors.New("connection: owned by another user")
	ErrConflict   = errors.New("connection: sync already in progress")
	ErrValidation = errors.New("connection: validation failed")
)

// Connection is one (user, provider) pairing. Secrets are stored encrypted;
// the model never holds plaintext credentials.
type Connection struct {
	ID       uuid.UUID
	UserID   uuid.UUID
	Provider connector.Provider
	Auth     AuthMethod

	EncryptedAPIKey       string
	EncryptedAccessToken  string
	EncryptedRefreshToken string
	TokenExpiresAt        *time.Time

	// PublicationIDs is provider-dependent: API-key connections carry
	// exactly one, OAuth connections zero or more.
	PublicationIDs []string

	Status          Status
	SyncStatus      SyncStatus
	LastValidatedAt *time.Time
	LastSyncedAt    *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// IsOAuth reports whether this connection authenticates via OAuth.
func (c *Connection) IsOAuth() bool { return c.Auth == AuthOAuth }

// Validate enforces the structural invariants from the data model:
// OAuth connections need a refresh token, API-key connections need an API
// key and exactly one publication id.
func (c *Connection) Validate() error {
	switch c.Auth {
	case AuthOAuth:
		if c.EncryptedRefreshToken == "" {
			return fmt.Errorf("%w: oauth connection requires a refresh token", ErrValidation)
		}
	case AuthAPIKey:
		if c.EncryptedAPIKey == "" {
			return fmt.Errorf("%w: api-key connection requires an api key", ErrValidation)
		}
		if len(c.PublicationIDs) != 1 {
			return fmt.Errorf("%w: api-key connection requires exactly one publication id", ErrValidation)
		}
	default:
		return fmt.Errorf("%w: unknown auth method %q", ErrValidation, c.Auth)
	}
	return nil
}
