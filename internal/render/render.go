// Package render holds the fixed catalog of proactive message templates and
// renders them with per-message parameters. Message text lives here, not in
// the queue rows, so wording changes never require touching queued data.
package render

import (
	"fmt"
	"sort"
	"strings"
)

// Catalog keys for the engagement lifecycle messages.
const (
	KeyGoodbye      = "engagement.goodbye"
	KeyWeeklyReview = "engagement.weekly_review"
	KeyWelcomeBack  = "engagement.welcome_back"
)

// catalog is the hard-coded set of renderable templates. Placeholders use
// {name} syntax and are substituted from the params map.
var catalog = map[string]string{
	KeyGoodbye: "Hey! I noticed it's been a while since we last talked about your finances. " +
		"Is everything okay?\n\n" +
		"1. I could use some help getting back on track\n" +
		"2. Remind me again in a week\n" +
		"3. All good, just busy!",
	KeyWeeklyReview: "Here's your week in review 📊\n" +
		"You logged {transaction_count} transactions totalling {total_spent}.\n" +
		"Top category: {top_category}.",
	KeyWelcomeBack: "Welcome back! 👋 It's good to hear from you again. " +
		"Your records are right where you left them, just send a transaction whenever you're ready.",
}

// defaults fill placeholders the caller did not supply, so a review rendered
// before stats are available still reads sensibly.
var defaults = map[string]string{
	"transaction_count": "0",
	"total_spent":       "R$ 0,00",
	"top_category":      "none yet",
}

// Keys returns the catalog keys in sorted order.
func Keys() []string {
	keys := make([]string, 0, len(catalog))
	for k := range catalog {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Known reports whether a key exists in the catalog.
func Known(key string) bool {
	_, ok := catalog[key]
	return ok
}

// Render substitutes params into the template for key. Unknown keys are an
// error; missing params fall back to defaults so no braces leak to users.
func Render(key string, params map[string]string) (string, error) {
	tmpl, ok := catalog[key]
	if !ok {
		return "", fmt.Errorf("unknown message key %q", key)
	}
	out := tmpl
	for name, fallback := range defaults {
		val, ok := params[name]
		if !ok || val == "" {
			val = fallback
		}
		out = strings.ReplaceAll(out, "{"+name+"}", val)
	}
	for name, val := range params {
		out = strings.ReplaceAll(out, "{"+name+"}", val)
	}
	return out, nil
}
