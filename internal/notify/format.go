package notify

import (
	"encoding/json"
	"fmt"
)

// FormatPayload builds the webhook body for the given format.
func FormatPayload(format string, n Notification) ([]byte, error) {
	switch format {
	case "slack":
		return formatSlack(n)
	case "pagerduty":
		return formatPagerDuty(n)
	default:
		return formatGeneric(n)
	}
}

func formatGeneric(n Notification) ([]byte, error) {
	return json.Marshal(n)
}

func formatSlack(n Notification) ([]byte, error) {
	if n.Kind != KindThreat {
		return json.Marshal(map[string]any{
			"text": fmt.Sprintf("guardiansms: %s", n.Title),
		})
	}

	payload := map[string]any{
		"blocks": []any{
			map[string]any{
				"type": "header",
				"text": map[string]any{
					"type": "plain_text",
					"text": fmt.Sprintf("guardiansms: %s", n.Title),
				},
			},
			map[string]any{
				"type": "section",
				"fields": []any{
					map[string]any{"type": "mrkdwn", "text": fmt.Sprintf("*Sender:* %s", n.Sender)},
					map[string]any{"type": "mrkdwn", "text": fmt.Sprintf("*Risk:* %d/100 (%s)", n.RiskScore, riskLabelFor(n.RiskScore))},
				},
			},
			map[string]any{
				"type": "section",
				"text": map[string]any{"type": "plain_text", "text": n.Body},
			},
		},
	}
	return json.Marshal(payload)
}

func formatPagerDuty(n Notification) ([]byte, error) {
	action := "trigger"
	if n.Kind == KindStatusCleared {
		action = "resolve"
	}

	severity := "info"
	if n.Kind == KindThreat {
		switch {
		case n.RiskScore >= 80:
			severity = "critical"
		case n.RiskScore >= 50:
			severity = "error"
		default:
			severity = "warning"
		}
	}

	payload := map[string]any{
		"event_action": action,
		"dedup_key":    "guardiansms-" + n.Slot,
		"payload": map[string]any{
			"summary":  fmt.Sprintf("guardiansms %s: %s", n.Kind, n.Title),
			"severity": severity,
			"source":   "guardiansms",
			"custom_details": map[string]any{
				"sender":     n.Sender,
				"risk_score": n.RiskScore,
				"body":       n.Body,
				"channel":    n.Channel,
			},
		},
	}
	return json.Marshal(payload)
}

func riskLabelFor(score int) string {
	switch {
	case score >= 80:
		return "critical"
	case score >= 50:
		return "high"
	case score >= 20:
		return "elevated"
	default:
		return "low"
	}
}
