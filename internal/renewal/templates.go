package renewal

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"renewalhub/internal/types"
)

// TemplateOverride is one admin-configured reminder template. Empty fields
// fall through to the built-in template for the same offset.
type TemplateOverride struct {
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// TemplateOverrides is the typed per-offset override configuration,
// constructed once at startup from RENEWAL_TEMPLATES_JSON. One named field
// per recognized offset; unknown offsets in the JSON are a startup error
// rather than a silently ignored key.
type TemplateOverrides struct {
	Plus30 TemplateOverride
	Plus14 TemplateOverride
	Plus7  TemplateOverride
	DayOf  TemplateOverride
	Minus7 TemplateOverride
	Final  TemplateOverride
}

// forOffset returns the override slot for a recognized offset.
func (o *TemplateOverrides) forOffset(offset int) (TemplateOverride, bool) {
	switch offset {
	case 30:
		return o.Plus30, true
	case 14:
		return o.Plus14, true
	case 7:
		return o.Plus7, true
	case 0:
		return o.DayOf, true
	case -7:
		return o.Minus7, true
	case types.DeactivateOffset:
		return o.Final, true
	default:
		return TemplateOverride{}, false
	}
}

// ParseTemplateOverrides parses the override JSON, keyed by offset as a
// string ("30", "-7", ...). An empty input yields zero overrides. A key
// outside the recognized offset set fails loudly.
func ParseTemplateOverrides(raw string) (TemplateOverrides, error) {
	var overrides TemplateOverrides
	if raw == "" {
		return overrides, nil
	}

	var byKey map[string]TemplateOverride
	if err := json.Unmarshal([]byte(raw), &byKey); err != nil {
		return overrides, fmt.Errorf("parsing template overrides JSON: %w", err)
	}

	for key, tmpl := range byKey {
		offset, err := strconv.Atoi(key)
		if err != nil {
			return overrides, fmt.Errorf("template override key %q is not an offset", key)
		}
		switch offset {
		case 30:
			overrides.Plus30 = tmpl
		case 14:
			overrides.Plus14 = tmpl
		case 7:
			overrides.Plus7 = tmpl
		case 0:
			overrides.DayOf = tmpl
		case -7:
			overrides.Minus7 = tmpl
		case types.DeactivateOffset:
			overrides.Final = tmpl
		default:
			return overrides, fmt.Errorf("template override offset %d is not recognized", offset)
		}
	}

	return overrides, nil
}

// builtinTemplate is a hardcoded fallback template.
type builtinTemplate struct {
	subject string
	body    string
}

// builtinTemplates covers every recognized offset. genericTemplate covers any
// other offset reached via the ad-hoc testing entry points, so Resolve can
// always return non-empty content.
var builtinTemplates = map[int]builtinTemplate{
	30: {
		subject: "{first_name}, your {membership_label} membership renews in 30 days",
		body: "<p>Hi {first_name},</p>" +
			"<p>Your {membership_label} membership is due for renewal on <strong>{renewal_date}</strong>, 30 days from today.</p>" +
			"<p>No action is needed yet. We will remind you again as the date approaches.</p>",
	},
	14: {
		subject: "{first_name}, your {membership_label} membership renews in two weeks",
		body: "<p>Hi {first_name},</p>" +
			"<p>Your {membership_label} membership renews on <strong>{renewal_date}</strong>.</p>" +
			"<p>Renew now to keep your membership benefits without interruption.</p>",
	},
	7: {
		subject: "{first_name}, your membership renewal is coming up in 7 days",
		body: "<p>Hi {first_name},</p>" +
			"<p>This is a reminder that your {membership_label} membership renewal is coming up on <strong>{renewal_date}</strong>.</p>" +
			"<p>Please renew before the date to avoid losing access.</p>",
	},
	0: {
		subject: "{first_name}, your {membership_label} membership renews today",
		body: "<p>Hi {first_name},</p>" +
			"<p>Your {membership_label} membership reaches the end of its term today, {renewal_date}.</p>" +
			"<p>Renew today to keep your benefits active.</p>",
	},
	-7: {
		subject: "{first_name}, your {membership_label} membership is past due",
		body: "<p>Hi {first_name},</p>" +
			"<p>Your {membership_label} membership came up for renewal on {renewal_date} and has not been renewed.</p>" +
			"<p>You are within the grace period, but access will end if the membership stays unrenewed.</p>",
	},
	types.DeactivateOffset: {
		subject: "{first_name}, your {membership_label} membership has ended",
		body: "<p>Hi {first_name},</p>" +
			"<p>Your {membership_label} membership renewal date of {renewal_date} passed 30 days ago, so your membership access has now ended.</p>" +
			"<p>You can rejoin at any time; we would love to have you back.</p>",
	},
}

var genericTemplate = builtinTemplate{
	subject: "{first_name}, an update about your {membership_label} membership",
	body: "<p>Hi {first_name},</p>" +
		"<p>This is a notice about your {membership_label} membership with renewal date {renewal_date}.</p>",
}

// ContentResolver maps a reminder offset and member fields to a subject and
// body. Resolution order: admin override for the offset, then the built-in
// template, then the generic fallback. Interpolation is plain placeholder
// substitution; no templating language, no code execution.
type ContentResolver struct {
	overrides TemplateOverrides
}

// NewContentResolver creates a resolver with the given typed overrides.
func NewContentResolver(overrides TemplateOverrides) *ContentResolver {
	return &ContentResolver{overrides: overrides}
}

// Resolve returns the message content for a reminder offset. The returned
// subject and body are always non-empty, with every placeholder replaced.
func (r *ContentResolver) Resolve(offset int, fields types.MemberFields) types.MessageContent {
	subject, body := r.lookup(offset)
	rep := placeholderReplacer(fields)
	return types.MessageContent{
		Subject:  rep.Replace(subject),
		BodyHTML: rep.Replace(body),
	}
}

// lookup selects the template text for the offset before interpolation.
func (r *ContentResolver) lookup(offset int) (subject, body string) {
	builtin, recognized := builtinTemplates[offset]
	if !recognized {
		builtin = genericTemplate
	}
	subject, body = builtin.subject, builtin.body

	if override, ok := r.overrides.forOffset(offset); ok {
		if override.Subject != "" {
			subject = override.Subject
		}
		if override.Body != "" {
			body = override.Body
		}
	}
	return subject, body
}

// placeholderReplacer builds the substitution set for one member. A missing
// first name falls back to a neutral salutation so the output never contains
// an empty greeting.
func placeholderReplacer(fields types.MemberFields) *strings.Replacer {
	first := fields.FirstName
	if first == "" {
		first = "Member"
	}
	label := fields.MembershipLabel
	if label == "" {
		label = "membership"
	}
	return strings.NewReplacer(
		"{first_name}", first,
		"{last_name}", fields.LastName,
		"{membership_label}", label,
		"{renewal_date}", fields.RenewalDate,
	)
}
