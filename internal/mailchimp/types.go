package mailchimp

import (
	"time"

	"github.com/ignite/listpilot/internal/connector"
)

type metadataResponse struct {
	DC          string `json:"dc"`
	APIEndpoint string `json:"api_endpoint"`
	AccountName string `json:"accountname"`
}

type listsResponse struct {
	Lists      []list `json:"lists"`
	TotalItems int    `json:"total_items"`
}

type list struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type membersResponse struct {
	Members    []member `json:"members"`
	TotalItems int      `json:"total_items"`
}

type member struct {
	ID           string                 `json:"id"`
	EmailAddress string                 `json:"email_address"`
	Status       string                 `json:"status"`
	MergeFields  map[string]interface{} `json:"merge_fields"`
	Language     string                 `json:"language"`
	VIP          bool                   `json:"vip"`
	MemberRating int                    `json:"member_rating"`
	Source       string                 `json:"source"`
	TimestampOpt string                 `json:"timestamp_opt"`
	LastChanged  string                 `json:"last_changed"`
}

// toRecord maps a Mailchimp member to the canonical record. "pending" and
// "transactional" members are not subscribers and are skipped (ok=false).
// "cleaned" is Mailchimp's term for hard-bounced addresses.
func (m member) toRecord() (connector.SubscriberRecord, bool) {
	rec := connector.SubscriberRecord{
		ExternalID: m.ID,
		Email:      m.EmailAddress,
		Metadata:   map[string]interface{}{},
	}

	switch m.Status {
	case "subscribed":
		rec.Status = connector.StatusActive
	case "unsubscribed", "archived":
		rec.Status = connector.StatusUnsubscribed
	case "cleaned":
		rec.Status = connector.StatusBounced
	default: // pending, transactional
		return connector.SubscriberRecord{}, false
	}

	if first, ok := m.MergeFields["FNAME"].(string); ok {
		rec.FirstName = first
	}
	if last, ok := m.MergeFields["LNAME"].(string); ok {
		rec.LastName = last
	}

	if ts := parseTime(m.TimestampOpt); ts != nil {
		rec.SubscribedAt = ts
	}
	if rec.Status == connector.StatusUnsubscribed {
		rec.UnsubscribedAt = parseTime(m.LastChanged)
	}

	if m.Language != "" {
		rec.Metadata["language"] = m.Language
	}
	if m.VIP {
		rec.Metadata["vip"] = true
	}
	if m.MemberRating > 0 {
		rec.Metadata["member_rating"] = m.MemberRating
	}
	if m.Source != "" {
		rec.Metadata["source"] = m.Source
	}
	for k, v := range m.MergeFields {
		if k == "FNAME" || k == "LNAME" {
			continue
		}
		rec.Metadata["merge_"+k] = v
	}

	return rec, true
}

func parseTime(s string) *time.Time {
	if s == "" {
		return nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			u := t.UTC()
			return &u
		}
	}
	return nil
}
