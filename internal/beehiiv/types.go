package beehiiv

import (
	"time"

	"github.com/ignite/listpilot/internal/connector"
)

type publicationsResponse struct {
	Data       []publication `json:"data"`
	Page       int           `json:"page"`
	TotalPages int           `json:"total_pages"`
}

type publication struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type subscriptionsResponse struct {
	Data         []subscription `json:"data"`
	Page         int            `json:"page"`
	TotalPages   int            `json:"total_pages"`
	TotalResults int            `json:"total_results"`
}

type subscription struct {
	ID             string   `json:"id"`
	Email          string   `json:"email"`
	Status         string   `json:"status"`
	Created        int64    `json:"created"`
	UTMSource      string   `json:"utm_source"`
	UTMMedium      string   `json:"utm_medium"`
	UTMCampaign    string   `json:"utm_campaign"`
	ReferringSite  string   `json:"referring_site"`
	SubscriberTier string   `json:"subscription_tier"`
	Referrals      int      `json:"referral_count"`
	Tags           []string `json:"subscription_tags"`
}

// toRecord maps a Beehiiv subscription to the canonical record shape.
// Beehiiv statuses: active, inactive (unsubscribed or churned), validating,
// pending, invalid, needs_attention.
func (s subscription) toRecord() connector.SubscriberRecord {
	rec := connector.SubscriberRecord{
		ExternalID: s.ID,
		Email:      s.Email,
		Metadata:   map[string]interface{}{},
	}

	switch s.Status {
	case "active", "validating", "pending":
		rec.Status = connector.StatusActive
	case "inactive":
		rec.Status = connector.StatusUnsubscribed
	case "invalid", "needs_attention":
		rec.Status = connector.StatusBounced
	default:
		rec.Status = connector.StatusActive
	}

	if s.Created > 0 {
		ts := time.Unix(s.Created, 0).UTC()
		rec.SubscribedAt = &ts
	}

	if s.UTMSource != "" {
		rec.Metadata["utm_source"] = s.UTMSource
	}
	if s.UTMMedium != "" {
		rec.Metadata["utm_medium"] = s.UTMMedium
	}
	if s.UTMCampaign != "" {
		rec.Metadata["utm_campaign"] = s.UTMCampaign
	}
	if s.ReferringSite != "" {
		rec.Metadata["referring_site"] = s.ReferringSite
	}
	if s.SubscriberTier != "" {
		rec.Metadata["subscription_tier"] = s.SubscriberTier
	}
	if s.Referrals > 0 {
		rec.Metadata["referral_count"] = s.Referrals
	}
	if len(s.Tags) > 0 {
		rec.Metadata["tags"] = s.Tags
	}

	return rec
}
