// Package slack posts incident notifications to a Slack channel.
package slack

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/slack-go/slack"

	"github.com/akmatori/opsrelay/internal/database"
	"github.com/akmatori/opsrelay/internal/metrics"
	"github.com/akmatori/opsrelay/internal/utils"
)

// maxAlertBodyLen bounds the alert excerpt in a notification
const maxAlertBodyLen = 500

var severityEmoji = map[database.Severity]string{
	database.SeverityCritical: ":red_circle:",
	database.SeverityError:    ":large_orange_circle:",
	database.SeverityWarning:  ":large_yellow_circle:",
	database.SeverityInfo:     ":large_blue_circle:",
}

// Notifier announces new incidents in one channel
type Notifier struct {
	client   *slack.Client
	resolver *ChannelResolver
	channel  string
}

// NewNotifier creates a notifier posting as the bot behind token to
// channel, given as a name or an ID
func NewNotifier(token, channel string, options ...slack.Option) *Notifier {
	client := slack.New(token, options...)
	return &Notifier{
		client:   client,
		resolver: NewChannelResolver(client),
		channel:  channel,
	}
}

// NotifyIncidentCreated posts the incident and the alert that opened it
func (n *Notifier) NotifyIncidentCreated(ctx context.Context, incident *database.Incident, alert *database.Alert) error {
	channelID, err := n.resolver.ResolveChannel(ctx, n.channel)
	if err != nil {
		metrics.Notifications.WithLabelValues("slack", "failed").Inc()
		return fmt.Errorf("failed to resolve channel %q: %w", n.channel, err)
	}

	_, ts, err := n.client.PostMessageContext(ctx, channelID,
		slack.MsgOptionText(FallbackText(incident), false),
		slack.MsgOptionBlocks(IncidentBlocks(incident, alert)...),
	)
	if err != nil {
		metrics.Notifications.WithLabelValues("slack", "failed").Inc()
		return fmt.Errorf("failed to post incident #%d: %w", incident.ID, err)
	}

	metrics.Notifications.WithLabelValues("slack", "sent").Inc()
	log.Printf("Slack: posted incident #%d to %s (ts=%s)", incident.ID, channelID, ts)
	return nil
}

// FallbackText is the plain text shown in notifications and clients
// without block support
func FallbackText(incident *database.Incident) string {
	return fmt.Sprintf("New %s incident #%d: %s", incident.Severity, incident.ID, incident.Title)
}

// IncidentBlocks renders the notification body
func IncidentBlocks(incident *database.Incident, alert *database.Alert) []slack.Block {
	emoji, ok := severityEmoji[incident.Severity]
	if !ok {
		emoji = ":white_circle:"
	}

	header := slack.NewHeaderBlock(slack.NewTextBlockObject(slack.PlainTextType,
		utils.TruncateText(fmt.Sprintf("Incident #%d: %s", incident.ID, incident.Title), 150), true, false))

	fields := []*slack.TextBlockObject{
		markdown(fmt.Sprintf("*Severity*\n%s %s", emoji, incident.Severity)),
		markdown(fmt.Sprintf("*Status*\n%s", incident.Status)),
	}
	if len(incident.AffectedServices) > 0 {
		fields = append(fields, markdown("*Services*\n"+strings.Join(incident.AffectedServices, ", ")))
	}
	if incident.AssignedTeam != "" {
		fields = append(fields, markdown("*Team*\n"+incident.AssignedTeam))
	}

	blocks := []slack.Block{header, slack.NewSectionBlock(nil, fields, nil)}

	if alert != nil {
		text := fmt.Sprintf("*%s*", alert.Title)
		if body := strings.TrimSpace(alert.Message); body != "" {
			text += "\n" + utils.TruncateText(body, maxAlertBodyLen)
		}
		blocks = append(blocks,
			slack.NewSectionBlock(markdown(text), nil, nil),
			slack.NewContextBlock("",
				markdown(fmt.Sprintf("Opened by %s alert `%s`", alert.Source, alert.ExternalID))),
		)
	}
	return blocks
}

func markdown(text string) *slack.TextBlockObject {
	return slack.NewTextBlockObject(slack.MarkdownType, text, false, false)
}
