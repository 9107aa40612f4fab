// Package server implements the ReplyKit HTTP API: saved-reply, extension
// config, feature-flag, app-setting and support-ticket CRUD, session auth,
// and the stream endpoint that pushes entity changes to connected clients.
package server

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors for store operations.
var (
	ErrReplyExists    = errors.New("saved reply already exists")
	ErrReplyNotFound  = errors.New("saved reply not found")
	ErrTicketNotFound = errors.New("ticket not found")
)

// SavedReplyRecord is a stored canned-response snippet owned by one user.
type SavedReplyRecord struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"owner_id"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	Tags      []string  `json:"tags,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ReplyStore provides CRUD operations for saved replies. All operations are
// scoped to the owning user.
type ReplyStore interface {
	ListReplies(ctx context.Context, ownerID string) ([]SavedReplyRecord, error)
	GetReply(ctx context.Context, ownerID, id string) (SavedReplyRecord, bool, error)
	CreateReply(ctx context.Context, rec SavedReplyRecord) error
	UpdateReply(ctx context.Context, rec SavedReplyRecord) error
	DeleteReply(ctx context.Context, ownerID, id string) error
}

// ExtensionConfigRecord is the per-user browser-extension configuration
// singleton.
type ExtensionConfigRecord struct {
	OwnerID   string            `json:"owner_id"`
	Enabled   bool              `json:"enabled"`
	Theme     string            `json:"theme,omitempty"`
	Shortcuts map[string]string `json:"shortcuts,omitempty"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// DefaultExtensionConfig is what a user gets before their first save.
func DefaultExtensionConfig(ownerID string) ExtensionConfigRecord {
	return ExtensionConfigRecord{
		OwnerID: ownerID,
		Enabled: true,
		Theme:   "system",
	}
}

// ConfigStore persists extension configurations, one per user.
type ConfigStore interface {
	GetConfig(ctx context.Context, ownerID string) (ExtensionConfigRecord, bool, error)
	PutConfig(ctx context.Context, rec ExtensionConfigRecord) error
}

// FeatureFlagRecord is a global feature toggle.
type FeatureFlagRecord struct {
	Key         string    `json:"key"`
	Enabled     bool      `json:"enabled"`
	Description string    `json:"description,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// AppSettingRecord is a global key/value application setting.
type AppSettingRecord struct {
	Key       string    `json:"key"`
	Value     string    `json:"value"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SettingStore persists global feature flags and app settings.
type SettingStore interface {
	ListFlags(ctx context.Context) ([]FeatureFlagRecord, error)
	PutFlag(ctx context.Context, rec FeatureFlagRecord) error
	ListSettings(ctx context.Context) ([]AppSettingRecord, error)
	PutSetting(ctx context.Context, rec AppSettingRecord) error
}

// TicketStatus is the lifecycle state of a support ticket.
type TicketStatus string

const (
	TicketOpen    TicketStatus = "open"
	TicketPending TicketStatus = "pending"
	TicketClosed  TicketStatus = "closed"
)

// ValidTicketStatus reports whether s is a known status value.
func ValidTicketStatus(s TicketStatus) bool {
	switch s {
	case TicketOpen, TicketPending, TicketClosed:
		return true
	}
	return false
}

// TicketRecord is a stored support ticket.
type TicketRecord struct {
	ID        string       `json:"id"`
	OwnerID   string       `json:"owner_id"`
	Subject   string       `json:"subject"`
	Body      string       `json:"body"`
	Status    TicketStatus `json:"status"`
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// TicketStore persists support tickets.
type TicketStore interface {
	ListTickets(ctx context.Context, ownerID string) ([]TicketRecord, error)
	ListAllTickets(ctx context.Context) ([]TicketRecord, error)
	GetTicket(ctx context.Context, id string) (TicketRecord, bool, error)
	CreateTicket(ctx context.Context, rec TicketRecord) error
	UpdateTicketStatus(ctx context.Context, id string, status TicketStatus, at time.Time) error
}
