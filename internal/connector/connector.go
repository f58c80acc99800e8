// Package connector defines the capability contract every ESP integration
// satisfies, the provider registry, and the shared failure taxonomy.
//
// Concrete connectors live in their own packages:
//   - internal/beehiiv:   Beehiiv v2 (API key, cursor pagination)
//   - internal/mailchimp: Mailchimp Marketing v3 (API key + OAuth, datacenter shards)
//   - internal/kit:       Kit v4 (API key + OAuth, cursor pagination)
package connector

import (
	"context"
	"time"

	"golang.org/x/oauth2"
)

// Provider identifies an ESP. The set is extensible: unknown values in
// stored rows must round-trip untouched.
type Provider string

const (
	ProviderBeehiiv   Provider = "beehiiv"
	ProviderMailchimp Provider = "mailchimp"
	ProviderKit       Provider = "kit"
)

// SubscriberStatus is the canonical status every provider-specific status
// string is normalized to.
type SubscriberStatus string

const (
	StatusActive       SubscriberStatus = "active"
	StatusUnsubscribed SubscriberStatus = "unsubscribed"
	StatusBounced      SubscriberStatus = "bounced"
)

// Publication is a provider-side subscriber list. Terminology varies by
// provider: list, segment, publication.
type Publication struct {
	ID   string
	Name string
}

// SubscriberRecord is one subscriber as fetched from a provider, before
// encryption and storage.
type SubscriberRecord struct {
	ExternalID     string
	Email          string
	Status         SubscriberStatus
	FirstName      string
	LastName       string
	SubscribedAt   *time.Time
	UnsubscribedAt *time.Time
	// Metadata buckets provider fields that have no canonical column.
	Metadata map[string]interface{}
}

// Connector is the capability contract common to all providers.
// ListSubscribers pages through the provider internally and returns the
// fully materialized list.
type Connector interface {
	Provider() Provider
	ValidateCredential(ctx context.Context, secret, publicationID string) (bool, error)
	ListPublications(ctx context.Context, secret string) ([]Publication, error)
	ListSubscribers(ctx context.Context, secret, publicationID string) ([]SubscriberRecord, error)
	CountSubscribers(ctx context.Context, secret, publicationID string) (int, error)
}

// OAuthConnector is implemented by providers that support OAuth-authorized
// access in addition to (or instead of) API keys. The *OAuth variants take
// an access token where the base methods take an API key.
type OAuthConnector interface {
	Connector
	OAuthEndpoint() oauth2.Endpoint
	ValidateAccessToken(ctx context.Context, accessToken string) (bool, error)
	ListPublicationsOAuth(ctx context.Context, accessToken string) ([]Publication, error)
	ListSubscribersOAuth(ctx context.Context, accessToken, publicationID string) ([]SubscriberRecord, error)
	CountSubscribersOAuth(ctx context.Context, accessToken, publicationID string) (int, error)
}

// AsOAuth returns the OAuth capability of c, or ErrUnsupported when the
// provider is API-key-only. Callers use this instead of silently no-opping
// so "no data" and "not implemented" stay distinguishable.
func AsOAuth(c Connector) (OAuthConnector, error) {
	oc, ok := c.(OAuthConnector)
	if !ok {
		return nil, &Error{Kind: KindUnsupported, Provider: c.Provider(), Op: "oauth"}
	}
	return oc, nil
}
