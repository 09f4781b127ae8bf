// Package visitor relays page-visit events to an external log sink after
// enriching them with a country lookup.
package visitor

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/developingchet/ai-lab-proxy/internal/upstream"
	"github.com/rs/zerolog"
)

// UnknownCountry is reported when the geo lookup fails.
const UnknownCountry = "Unknown"

// ErrSinkNotConfigured is returned by Deliver when no sink URL is set.
var ErrSinkNotConfigured = errors.New("visitor log sink not configured")

// Event is one page visit as reported by the browser.
type Event struct {
	IP        string `json:"ip"`
	Country   string `json:"country"`
	UserAgent string `json:"userAgent"`
	Page      string `json:"page"`
	Referrer  string `json:"referrer"`
	Timestamp string `json:"timestamp"`
}

// Relay looks up the visitor's country and forwards the event.
type Relay struct {
	client  *upstream.Client
	geoURL  string
	sinkURL string
	now     func() time.Time
	log     zerolog.Logger
}

// NewRelay constructs a Relay. geoURL is the base of an ipapi-compatible
// service answering GET <geoURL>/<ip>/country_name/ with plain text.
func NewRelay(client *upstream.Client, geoURL, sinkURL string, log zerolog.Logger) *Relay {
	return &Relay{
		client:  client,
		geoURL:  strings.TrimRight(geoURL, "/"),
		sinkURL: sinkURL,
		now:     time.Now,
		log:     log,
	}
}

// Configured reports whether a sink URL is set.
func (r *Relay) Configured() bool {
	return r.sinkURL != ""
}

// Deliver enriches ev and POSTs it to the sink. Geo failures are not fatal.
func (r *Relay) Deliver(ctx context.Context, ev Event) error {
	if !r.Configured() {
		return ErrSinkNotConfigured
	}
	if ev.Country == "" {
		ev.Country = r.Country(ctx, ev.IP)
	}
	if ev.Timestamp == "" {
		ev.Timestamp = r.now().UTC().Format(time.RFC3339)
	}

	if _, err := r.client.PostJSON(ctx, "visitor_log", r.sinkURL, nil, ev, nil); err != nil {
		return fmt.Errorf("post visitor event: %w", err)
	}
	r.log.Debug().Str("ip", ev.IP).Str("country", ev.Country).Str("page", ev.Page).Msg("visitor event delivered")
	return nil
}

// Country returns the country name for ip, or UnknownCountry.
func (r *Relay) Country(ctx context.Context, ip string) string {
	if r.geoURL == "" {
		return UnknownCountry
	}
	country, err := r.client.GetText(ctx, "geo", r.geoURL+"/"+url.PathEscape(ip)+"/country_name/")
	if err != nil || country == "" {
		if err != nil {
			r.log.Warn().Err(err).Str("ip", ip).Msg("geo lookup failed")
		}
		return UnknownCountry
	}
	return country
}
