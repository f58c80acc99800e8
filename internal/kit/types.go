package kit

import (
	"strconv"
	"time"

	"github.com/ignite/listpilot/internal/connector"
)

type pagination struct {
	HasNextPage bool   `json:"has_next_page"`
	EndCursor   string `json:"end_cursor"`
}

type formsResponse struct {
	Forms      []form     `json:"forms"`
	Pagination pagination `json:"pagination"`
}

type form struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

type subscribersResponse struct {
	Subscribers []subscriber `json:"subscribers"`
	Pagination  pagination   `json:"pagination"`
}

type subscriber struct {
	ID           int64                  `json:"id"`
	EmailAddress string                 `json:"email_address"`
	FirstName    string                 `json:"first_name"`
	State        string                 `json:"state"`
	CreatedAt    string                 `json:"created_at"`
	Fields       map[string]interface{} `json:"fields"`
}

// toRecord maps a Kit subscriber to the canonical record. Kit states:
// active, inactive, cancelled, bounced, complained.
func (s subscriber) toRecord() connector.SubscriberRecord {
	rec := connector.SubscriberRecord{
		// Kit ids are numeric; stored external ids are strings across providers.
		ExternalID: strconv.FormatInt(s.ID, 10),
		Email:      s.EmailAddress,
		FirstName:  s.FirstName,
		Metadata:   map[string]interface{}{},
	}

	switch s.State {
	case "active":
		rec.Status = connector.StatusActive
	case "inactive", "cancelled":
		rec.Status = connector.StatusUnsubscribed
	case "bounced", "complained":
		rec.Status = connector.StatusBounced
	default:
		rec.Status = connector.StatusActive
	}

	if s.CreatedAt != "" {
		if t, err := time.Parse(time.RFC3339, s.CreatedAt); err == nil {
			u := t.UTC()
			rec.SubscribedAt = &u
		}
	}

	// Kit custom fields map onto the metadata bag; a "last_name" field is
	// the conventional place Kit accounts keep surnames.
	for k, v := range s.Fields {
		if v == nil {
			continue
		}
		if k == "last_name" {
			if last, ok := v.(string); ok {
				rec.LastName = last
				continue
			}
		}
		rec.Metadata[k] = v
	}

	return rec
}
