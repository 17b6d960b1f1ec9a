package adapters

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/akmatori/opsrelay/internal/alerts"
)

// PagerDutyAdapter handles PagerDuty v3 webhooks
type PagerDutyAdapter struct {
	alerts.BaseAdapter
}

// NewPagerDutyAdapter creates a new PagerDuty adapter
func NewPagerDutyAdapter() *PagerDutyAdapter {
	return &PagerDutyAdapter{
		BaseAdapter: alerts.BaseAdapter{SourceType: "pagerduty"},
	}
}

// PagerDutyPayload represents the webhook payload from PagerDuty
type PagerDutyPayload struct {
	Event struct {
		ID         string `json:"id"`
		EventType  string `json:"event_type"` // incident.triggered, incident.resolved, etc.
		OccurredAt string `json:"occurred_at"`
		Data       struct {
			ID          string `json:"id"`
			Type        string `json:"type"`
			Title       string `json:"title"`
			Description string `json:"description"`
			Status      string `json:"status"`
			Urgency     string `json:"urgency"`
			CreatedAt   string `json:"created_at"`
			Priority    *struct {
				ID      string `json:"id"`
				Summary string `json:"summary"`
			} `json:"priority"`
			Service struct {
				ID      string `json:"id"`
				Name    string `json:"name"`
				Summary string `json:"summary"`
			} `json:"service"`
			Source string `json:"source"`
		} `json:"data"`
	} `json:"event"`
}

// SignatureHeader returns the header PagerDuty signs with
func (a *PagerDutyAdapter) SignatureHeader() string {
	return "X-PagerDuty-Signature"
}

// VerifySignature accepts a comma-separated list of "v1=<hex>" signatures.
// Any one matching is enough, which covers secret rotation.
func (a *PagerDutyAdapter) VerifySignature(body []byte, header, secret string) error {
	header = strings.TrimSpace(header)
	if header == "" {
		return alerts.ErrMissingSignature
	}
	var lastErr error = alerts.ErrInvalidSignature
	for _, part := range strings.Split(header, ",") {
		sig, ok := strings.CutPrefix(strings.TrimSpace(part), "v1=")
		if !ok {
			continue
		}
		err := alerts.VerifyHexSignature(secret, body, sig)
		if err == nil {
			return nil
		}
		lastErr = err
	}
	return lastErr
}

// ParsePayload parses PagerDuty webhook payload into a normalized alert
func (a *PagerDutyAdapter) ParsePayload(body []byte) (*alerts.NormalizedAlert, error) {
	var payload PagerDutyPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("%w: failed to parse pagerduty payload: %v", alerts.ErrInvalidPayload, err)
	}

	event := payload.Event
	data := event.Data

	externalID := event.ID
	if externalID == "" {
		externalID = data.ID
	}
	if externalID == "" {
		return nil, fmt.Errorf("%w: missing event id in pagerduty payload", alerts.ErrInvalidPayload)
	}

	title := data.Title
	if title == "" {
		title = "PagerDuty Incident"
	}

	occurred := alerts.ParseTimestamp(event.OccurredAt)
	if occurred == nil {
		occurred = alerts.ParseTimestamp(data.CreatedAt)
	}

	var tags []string
	if data.Service.Name != "" {
		tags = append(tags, "service:"+strings.ToLower(strings.ReplaceAll(data.Service.Name, " ", "-")))
	}
	if data.Urgency != "" {
		tags = append(tags, "urgency:"+data.Urgency)
	}
	if event.EventType != "" {
		tags = append(tags, "event_type:"+event.EventType)
	}
	if data.Source != "" {
		tags = append(tags, "host:"+data.Source)
	}
	if data.Priority != nil && data.Priority.Summary != "" {
		tags = append(tags, "priority:"+data.Priority.Summary)
	}

	return &alerts.NormalizedAlert{
		ExternalID: externalID,
		Title:      alerts.TruncateTitle(title),
		Message:    data.Description,
		OccurredAt: occurred,
		Tags:       tags,
	}, nil
}
