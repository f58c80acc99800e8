// Package subscriber stores the de-identified local copy of provider
// subscriber lists. Emails are kept encrypted with an irreversible masked
// form for display; provider-specific fields land in a metadata bag.
package subscriber

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/ignite/listpilot/internal/connector"
	"github.com/ignite/listpilot/internal/crypto"
	"github.com/ignite/listpilot/internal/pkg/logger"
)

// Subscriber is one row per (connection, external id).
type Subscriber struct {
	ID             uuid.UUID
	ConnectionID   uuid.UUID
	ExternalID     string
	EncryptedEmail string
	MaskedEmail    string
	Status         connector.SubscriberStatus
	FirstName      string
	LastName       string
	SubscribedAt   *time.Time
	UnsubscribedAt *time.Time
	Metadata       map[string]interface{}
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// FromRecord maps a fetched provider record to the stored shape: the email
// is encrypted, the masked form derived, and the canonical status carried
// through unchanged (connectors already normalized it).
func FromRecord(connectionID uuid.UUID, rec connector.SubscriberRecord, enc *crypto.Service) (*Subscriber, error) {
	if rec.ExternalID == "" {
		return nil, fmt.Errorf("subscriber: record has no external id")
	}
	if strings.TrimSpace(rec.Email) == "" {
		return nil, fmt.Errorf("subscriber: record %s has no email", rec.ExternalID)
	}

	encEmail, err := enc.Encrypt(rec.Email)
	if err != nil {
		return nil, fmt.Errorf("subscriber: encrypting email: %w", err)
	}

	status := rec.Status
	switch status {
	case connector.StatusActive, connector.StatusUnsubscribed, connector.StatusBounced:
	default:
		return nil, fmt.Errorf("subscriber: record %s has unknown status %q", rec.ExternalID, status)
	}

	meta := rec.Metadata
	if meta == nil {
		meta = map[string]interface{}{}
	}

	return &Subscriber{
		ID:             uuid.New(),
		ConnectionID:   connectionID,
		ExternalID:     rec.ExternalID,
		EncryptedEmail: encEmail,
		MaskedEmail:    logger.MaskEmail(rec.Email),
		Status:         status,
		FirstName:      rec.FirstName,
		LastName:       rec.LastName,
		SubscribedAt:   rec.SubscribedAt,
		UnsubscribedAt: rec.UnsubscribedAt,
		Metadata:       meta,
	}, nil
}
