package adapters

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/akmatori/opsrelay/internal/alerts"
)

// DatadogAdapter handles Datadog webhooks
type DatadogAdapter struct {
	alerts.BaseAdapter
}

// NewDatadogAdapter creates a new Datadog adapter
func NewDatadogAdapter() *DatadogAdapter {
	return &DatadogAdapter{
		BaseAdapter: alerts.BaseAdapter{SourceType: "datadog"},
	}
}

// DatadogPayload represents the webhook payload from Datadog
type DatadogPayload struct {
	ID          alerts.FlexString `json:"id"`
	Title       string            `json:"title"`
	Body        string            `json:"body"`
	AlertType   string            `json:"alert_type"` // error, warning, info, success
	Priority    string            `json:"priority"`   // normal, low
	AlertID     alerts.FlexString `json:"alert_id"`
	AlertTitle  string            `json:"alert_title"`
	AlertStatus string            `json:"alert_status"`
	Hostname    string            `json:"hostname"`
	Date        alerts.FlexString `json:"date"`
	LastUpdated alerts.FlexString `json:"last_updated"`
	Tags        []string          `json:"tags"`
}

// SignatureHeader returns the header Datadog signs with
func (a *DatadogAdapter) SignatureHeader() string {
	return "X-Datadog-Signature"
}

// VerifySignature validates the hex HMAC-SHA256 of the body
func (a *DatadogAdapter) VerifySignature(body []byte, header, secret string) error {
	return alerts.VerifyHexSignature(secret, body, header)
}

// ParsePayload parses Datadog webhook payload into a normalized alert
func (a *DatadogAdapter) ParsePayload(body []byte) (*alerts.NormalizedAlert, error) {
	var payload DatadogPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("%w: failed to parse datadog payload: %v", alerts.ErrInvalidPayload, err)
	}

	externalID := string(payload.ID)
	if externalID == "" {
		externalID = string(payload.AlertID)
	}
	if externalID == "" {
		return nil, fmt.Errorf("%w: missing 'id' field in datadog payload", alerts.ErrInvalidPayload)
	}

	title := payload.Title
	if title == "" {
		title = payload.AlertTitle
	}
	if title == "" {
		title = "Datadog Alert"
	}

	occurred := alerts.ParseTimestamp(string(payload.LastUpdated))
	if occurred == nil {
		occurred = alerts.ParseTimestamp(string(payload.Date))
	}

	tags := append([]string(nil), payload.Tags...)
	if payload.Hostname != "" {
		tags = append(tags, "host:"+payload.Hostname)
	}
	if alertType := strings.ToLower(payload.AlertType); alertType != "" {
		tags = append(tags, "alert_type:"+alertType)
	}

	return &alerts.NormalizedAlert{
		ExternalID: externalID,
		Title:      alerts.TruncateTitle(title),
		Message:    payload.Body,
		OccurredAt: occurred,
		Tags:       tags,
	}, nil
}
