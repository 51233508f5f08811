package engagement

import (
	"strings"

	"github.com/lucasven/nexfinapp-sub008/internal/models"
)

// The goodbye message offers three canned replies. Users answer with the
// option number or with free text close enough to one of the labels.
//
//	1. I could use some help getting back on track
//	2. Remind me again in a week
//	3. All good, just busy!
//
// ClassifyGoodbyeReply maps a raw reply onto the matching goodbye-response
// trigger. It returns false when the reply matches none of the options, in
// which case the caller falls back to a plain user_message trigger.
func ClassifyGoodbyeReply(raw string) (models.Trigger, bool) {
	text := strings.ToLower(strings.TrimSpace(raw))
	if text == "" {
		return "", false
	}

	switch text {
	case "1":
		return models.TriggerGoodbyeResponse1, true
	case "2":
		return models.TriggerGoodbyeResponse2, true
	case "3":
		return models.TriggerGoodbyeResponse3, true
	}

	switch {
	case strings.Contains(text, "help"):
		return models.TriggerGoodbyeResponse1, true
	case strings.Contains(text, "remind") || strings.Contains(text, "later"):
		return models.TriggerGoodbyeResponse2, true
	case strings.Contains(text, "all good") || strings.Contains(text, "busy") || strings.Contains(text, "fine"):
		return models.TriggerGoodbyeResponse3, true
	}

	return "", false
}
