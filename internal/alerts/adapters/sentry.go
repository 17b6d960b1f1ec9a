package adapters

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/akmatori/opsrelay/internal/alerts"
)

// SentryAdapter handles Sentry webhooks
type SentryAdapter struct {
	alerts.BaseAdapter
}

// NewSentryAdapter creates a new Sentry adapter
func NewSentryAdapter() *SentryAdapter {
	return &SentryAdapter{
		BaseAdapter: alerts.BaseAdapter{SourceType: "sentry"},
	}
}

// SentryPayload covers both the issue-alert envelope and the direct event shape
type SentryPayload struct {
	// Issue alert envelope
	Data *struct {
		Issue *sentryIssue `json:"issue"`
		Event *sentryEvent `json:"event"`
	} `json:"data"`

	// Direct event
	sentryEvent
	Project alerts.FlexString `json:"project"`
}

type sentryIssue struct {
	ID       alerts.FlexString `json:"id"`
	Title    string            `json:"title"`
	Culprit  string            `json:"culprit"`
	Level    string            `json:"level"`
	LastSeen string            `json:"lastSeen"`
	Metadata struct {
		Value string `json:"value"`
	} `json:"metadata"`
	Project struct {
		Slug string `json:"slug"`
	} `json:"project"`
}

type sentryEvent struct {
	ID        alerts.FlexString `json:"id"`
	EventID   alerts.FlexString `json:"event_id"`
	Title     string            `json:"title"`
	Message   string            `json:"message"`
	Culprit   string            `json:"culprit"`
	Level     string            `json:"level"`
	Timestamp alerts.FlexString `json:"timestamp"`
	Tags      json.RawMessage   `json:"tags"`
}

// SignatureHeader returns the header Sentry signs with
func (a *SentryAdapter) SignatureHeader() string {
	return "Sentry-Hook-Signature"
}

// VerifySignature checks a "<timestamp>,<hex>" header as sent by Sentry
func (a *SentryAdapter) VerifySignature(body []byte, header, secret string) error {
	header = strings.TrimSpace(header)
	if header == "" {
		return alerts.ErrMissingSignature
	}
	// <timestamp>,<hex>
	parts := strings.Split(header, ",")
	if len(parts) != 2 {
		return alerts.ErrInvalidSignature
	}
	return alerts.VerifyHexSignature(secret, body, parts[1])
}

// ParsePayload parses Sentry webhook payload into a normalized alert
func (a *SentryAdapter) ParsePayload(body []byte) (*alerts.NormalizedAlert, error) {
	var payload SentryPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("%w: failed to parse sentry payload: %v", alerts.ErrInvalidPayload, err)
	}

	var (
		externalID, title, message, timestamp, level, project string
		rawTags                                             json.RawMessage
	)

	if payload.Data != nil && payload.Data.Issue != nil {
		issue := payload.Data.Issue
		event := payload.Data.Event
		if event == nil {
			event = &sentryEvent{}
		}
		externalID = string(issue.ID)
		title = firstNonEmpty(issue.Title, "Sentry Issue")
		message = firstNonEmpty(event.Message, issue.Metadata.Value)
		timestamp = firstNonEmpty(string(event.Timestamp), issue.LastSeen)
		level = firstNonEmpty(event.Level, issue.Level)
		project = issue.Project.Slug
		rawTags = event.Tags
	} else {
		ev := payload.sentryEvent
		externalID = firstNonEmpty(string(ev.ID), string(ev.EventID))
		title = firstNonEmpty(ev.Title, ev.Message, "Sentry Event")
		message = ev.Message
		timestamp = string(ev.Timestamp)
		level = ev.Level
		project = string(payload.Project)
		rawTags = ev.Tags
	}

	if externalID == "" {
		return nil, fmt.Errorf("%w: missing event/issue ID in sentry payload", alerts.ErrInvalidPayload)
	}

	tags := parseSentryTags(rawTags)
	if project != "" {
		tags = append(tags, "project:"+project)
	}
	if level != "" {
		tags = append(tags, "level:"+strings.ToLower(level))
	}

	return &alerts.NormalizedAlert{
		ExternalID: externalID,
		Title:      alerts.TruncateTitle(title),
		Message:    message,
		OccurredAt: alerts.ParseTimestamp(timestamp),
		Tags:       tags,
	}, nil
}

// parseSentryTags accepts [["k","v"], ...] and [{"key":"k","value":"v"}, ...]
func parseSentryTags(raw json.RawMessage) []string {
	if len(raw) == 0 {
		return nil
	}

	var pairs [][]string
	if err := json.Unmarshal(raw, &pairs); err == nil {
		tags := make([]string, 0, len(pairs))
		for _, p := range pairs {
			if len(p) == 2 {
				tags = append(tags, p[0]+":"+p[1])
			}
		}
		return tags
	}

	var objects []struct {
		Key   string `json:"key"`
		Value string `json:"value"`
	}
	if err := json.Unmarshal(raw, &objects); err == nil {
		tags := make([]string, 0, len(objects))
		for _, o := range objects {
			tags = append(tags, o.Key+":"+o.Value)
		}
		return tags
	}
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
