/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the engine's domain model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

NULLABILITY:
  XPToNext serializes as a JSON number or null. null means the maximum
  level is reached; clients branch on it to hide next-level progress, so
  it is never coerced to 0.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/warp/xp-engine/xp"
)

// =============================================================================
// REQUEST/RESPONSE TYPES
// =============================================================================

// BuildKeyRequest mirrors xp.KeyParams.
type BuildKeyRequest struct {
	Kind       string         `json:"kind"`
	UserID     string         `json:"user_id"`
	Identifier string         `json:"identifier"`
	Version    int            `json:"version,omitempty"`
	Scope      string         `json:"scope,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// BuildKeyResponse carries the derived key.
type BuildKeyResponse struct {
	IdempotencyKey string `json:"idempotency_key"`
}

// CreditRequest is the credit operation's request body. Either XPDelta is
// given explicitly, or it is resolved from the rule table for the
// (source_type, action_type) pair.
type CreditRequest struct {
	UserID         string            `json:"user_id"`
	SourceType     string            `json:"source_type"`
	ActionType     string            `json:"action_type"`
	XPDelta        int64             `json:"xp_delta,omitempty"`
	IdempotencyKey string            `json:"idempotency_key"`
	ReferenceID    string            `json:"reference_id,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// CreditResultDTO is the before/after snapshot of one credit.
type CreditResultDTO struct {
	EventID        string `json:"event_id"`
	XPBefore       int64  `json:"xp_before"`
	XPAfter        int64  `json:"xp_after"`
	LevelBefore    int    `json:"level_before"`
	LevelAfter     int    `json:"level_after"`
	XPDeltaApplied int64  `json:"xp_delta_applied"`
	Status         string `json:"status"`
}

// UnlockRequest is the achievement unlock request body.
type UnlockRequest struct {
	UserID      string `json:"user_id"`
	Version     int    `json:"version,omitempty"`
	Scope       string `json:"scope,omitempty"`
	ReferenceID string `json:"reference_id,omitempty"`
}

// UnlockResultDTO reports a successful unlock.
type UnlockResultDTO struct {
	UnlockID    string `json:"unlock_id"`
	EventID     string `json:"event_id,omitempty"`
	XPBefore    int64  `json:"xp_before"`
	XPAfter     int64  `json:"xp_after"`
	LevelBefore int    `json:"level_before"`
	LevelAfter  int    `json:"level_after"`
}

// CreateUserRequest registers an XP profile.
type CreateUserRequest struct {
	UserID string `json:"user_id"`
}

// UserXpDTO is the aggregate plus derived display fields.
type UserXpDTO struct {
	UserID       string `json:"user_id"`
	TotalXP      int64  `json:"total_xp"`
	CurrentLevel int    `json:"current_level"`
	LevelTitle   string `json:"level_title,omitempty"`
	XPThreshold  int64  `json:"xp_threshold"`
	XPToNext     *int64 `json:"xp_to_next"` // null at max level
	UpdatedAt    string `json:"updated_at"`
}

// XpEventDTO is one ledger entry.
type XpEventDTO struct {
	ID             string            `json:"id"`
	UserID         string            `json:"user_id"`
	SourceType     string            `json:"source_type"`
	ActionType     string            `json:"action_type"`
	XPDelta        int64             `json:"xp_delta"`
	XPRequested    int64             `json:"xp_requested"`
	XPBefore       int64             `json:"xp_before"`
	XPAfter        int64             `json:"xp_after"`
	LevelBefore    int               `json:"level_before"`
	LevelAfter     int               `json:"level_after"`
	IdempotencyKey string            `json:"idempotency_key"`
	ReferenceID    string            `json:"reference_id,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	CreatedAt      string            `json:"created_at"`
}

// LevelDTO is one row of the level table.
type LevelDTO struct {
	Level      int    `json:"level"`
	XPRequired int64  `json:"xp_required"`
	Title      string `json:"title"`
	Badge      string `json:"badge,omitempty"`
}

// ErrorResponse is the uniform error body. Kind comes from the closed
// taxonomy; Retryable tells the client whether a retry (with the same
// idempotency key) can succeed.
type ErrorResponse struct {
	Error     string         `json:"error"`
	Kind      string         `json:"kind,omitempty"`
	Retryable bool           `json:"retryable"`
	Details   map[string]any `json:"details,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func toCreditResultDTO(r *xp.CreditResult) CreditResultDTO {
	return CreditResultDTO{
		EventID:        string(r.EventID),
		XPBefore:       r.XPBefore,
		XPAfter:        r.XPAfter,
		LevelBefore:    r.LevelBefore,
		LevelAfter:     r.LevelAfter,
		XPDeltaApplied: r.XPDeltaApplied,
		Status:         string(r.Status),
	}
}

func toUnlockResultDTO(r *xp.UnlockResult) UnlockResultDTO {
	return UnlockResultDTO{
		UnlockID:    string(r.UnlockID),
		EventID:     string(r.EventID),
		XPBefore:    r.XPBefore,
		XPAfter:     r.XPAfter,
		LevelBefore: r.LevelBefore,
		LevelAfter:  r.LevelAfter,
	}
}

func toEventDTO(ev xp.XpEvent) XpEventDTO {
	return XpEventDTO{
		ID:             string(ev.ID),
		UserID:         string(ev.UserID),
		SourceType:     ev.Source.SourceType,
		ActionType:     ev.Source.ActionType,
		XPDelta:        ev.XPDelta,
		XPRequested:    ev.XPRequested,
		XPBefore:       ev.XPBefore,
		XPAfter:        ev.XPAfter,
		LevelBefore:    ev.LevelBefore,
		LevelAfter:     ev.LevelAfter,
		IdempotencyKey: ev.IdempotencyKey,
		ReferenceID:    ev.ReferenceID,
		Metadata:       ev.Metadata,
		CreatedAt:      ev.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
}
