package bounce

import (
	"regexp"
	"strings"
	"time"
)

// Type is the delivery-failure class of a bounce.
type Type string

const (
	TypeHard      Type = "hard"
	TypeSoft      Type = "soft"
	TypeTransient Type = "transient"
	TypeUnknown   Type = "unknown"
)

// Categories
const (
	CategoryInvalidEmail    = "invalid_email"
	CategoryInvalidDomain   = "invalid_domain"
	CategoryMailboxIssue    = "mailbox_issue"
	CategoryDeliveryBlocked = "delivery_blocked"
	CategoryNetworkIssue    = "network_issue"
	CategoryOther           = "other"
)

// Subcategories
const (
	SubcategoryUnknownRecipient = "unknown_recipient"
	SubcategoryDomainNotFound   = "domain_not_found"
	SubcategoryMailboxFull      = "mailbox_full"
	SubcategoryMailboxDisabled  = "mailbox_disabled"
	SubcategoryPolicyBlock      = "policy_block"
	SubcategoryConnection       = "connection"
	SubcategoryUnclassified     = "unclassified"
)

// Severities
const (
	SeverityCritical = "critical"
	SeverityHigh     = "high"
	SeverityMedium   = "medium"
	SeverityLow      = "low"
)

// typeRule maps a pattern to a bounce type. Rules are evaluated in slice
// order and the first match wins, so every hard rule outranks every soft
// rule, which outranks every transient rule.
type typeRule struct {
	pattern *regexp.Regexp
	result  Type
}

func rules(result Type, patterns ...string) []typeRule {
	out := make([]typeRule, len(patterns))
	for i, p := range patterns {
		out[i] = typeRule{pattern: regexp.MustCompile(p), result: result}
	}
	return out
}

var typeRules = concat(
	rules(TypeHard,
		`user unknown|unknown user|no such user`,
		`mailbox (not found|unavailable|does not exist)`,
		`(recipient|address) (address )?rejected`,
		`invalid (recipient|address|mailbox)`,
		`does not exist`,
		`no such domain|domain not found|host not found|unrouteable`,
		`account (has been )?(disabled|deactivated|closed)`,
		`permanent(ly)? fail`,
		`\b5\.1\.[0-9]\b`,
		`\b55[013]\b`,
	),
	rules(TypeSoft,
		`mailbox (is )?full|over quota|quota exceeded|insufficient storage`,
		`message (too large|size exceeds)`,
		`temporar(y|ily) (rejected|deferred)`,
		`\b5\.2\.2\b`,
		`\b45[02]\b|\b552\b`,
	),
	rules(TypeTransient,
		`time(d)? ?out`,
		`connection (refused|reset|lost|dropped)`,
		`rate limit|throttl|too many (connections|messages)`,
		`greylist`,
		`try again later|service (temporarily )?unavailable`,
		`dns (failure|error)|network (error|unreachable)`,
		`\b421\b|\b451\b`,
	),
)

func concat(sets ...[]typeRule) []typeRule {
	var out []typeRule
	for _, s := range sets {
		out = append(out, s...)
	}
	return out
}

type categoryRule struct {
	pattern     *regexp.Regexp
	category    string
	subcategory string
}

// Evaluated in order; domain rules precede address rules so that
// "domain does not exist" is not taken for an unknown mailbox.
var categoryRules = []categoryRule{
	{regexp.MustCompile(`no such domain|domain (not found|does not exist)|host not found|unrouteable|dns`), CategoryInvalidDomain, SubcategoryDomainNotFound},
	{regexp.MustCompile(`user unknown|unknown user|no such user|invalid (recipient|address)|(recipient|address) (address )?rejected|does not exist`), CategoryInvalidEmail, SubcategoryUnknownRecipient},
	{regexp.MustCompile(`mailbox (is )?full|over quota|quota exceeded|insufficient storage`), CategoryMailboxIssue, SubcategoryMailboxFull},
	{regexp.MustCompile(`mailbox (not found|unavailable|disabled|inactive)|account (has been )?(disabled|deactivated|closed)`), CategoryMailboxIssue, SubcategoryMailboxDisabled},
	{regexp.MustCompile(`spam|blocked|blacklist|blocklist|policy|reputation|rejected by`), CategoryDeliveryBlocked, SubcategoryPolicyBlock},
	{regexp.MustCompile(`time(d)? ?out|connection|network|rate limit|throttl|greylist`), CategoryNetworkIssue, SubcategoryConnection},
}

// Classification is the outcome of classifying one bounce.
type Classification struct {
	Type        Type   `json:"type"`
	Category    string `json:"category"`
	Subcategory string `json:"subcategory"`
	Severity    string `json:"severity"`
}

// ClassifyType returns the bounce type for a reason and code. Pattern rules
// are tried first; without a match the first digit of the code decides
// (5 hard, 4 soft).
func ClassifyType(reason, code string) Type {
	text := strings.ToLower(strings.TrimSpace(reason + " " + code))
	for _, r := range typeRules {
		if r.pattern.MatchString(text) {
			return r.result
		}
	}

	code = strings.TrimSpace(code)
	if code != "" {
		switch code[0] {
		case '5':
			return TypeHard
		case '4':
			return TypeSoft
		}
	}
	return TypeUnknown
}

// ClassifyCategory matches the reason text against the category rules.
func ClassifyCategory(reason string) (category, subcategory string) {
	text := strings.ToLower(reason)
	for _, r := range categoryRules {
		if r.pattern.MatchString(text) {
			return r.category, r.subcategory
		}
	}
	return CategoryOther, SubcategoryUnclassified
}

// Severity derives the severity of a bounce from its type and category.
func Severity(t Type, category, subcategory string) string {
	switch {
	case t == TypeHard && category == CategoryInvalidDomain:
		return SeverityCritical
	case t == TypeHard:
		return SeverityHigh
	case t == TypeSoft && subcategory == SubcategoryMailboxFull:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// Classify runs all three classification steps.
func Classify(reason, code string) Classification {
	t := ClassifyType(reason, code)
	category, subcategory := ClassifyCategory(reason)
	return Classification{
		Type:        t,
		Category:    category,
		Subcategory: subcategory,
		Severity:    Severity(t, category, subcategory),
	}
}

var backoff = []time.Duration{
	1 * time.Hour,
	4 * time.Hour,
	12 * time.Hour,
	24 * time.Hour,
}

// RetryDelay returns the backoff before the next retry for a bounce that
// has already been retried retryCount times.
func RetryDelay(retryCount int) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	if retryCount >= len(backoff) {
		return backoff[len(backoff)-1]
	}
	return backoff[retryCount]
}

// MaxRetries is the retry budget of a bounce type. Hard and unknown bounces
// are never retried.
func MaxRetries(t Type) int {
	switch t {
	case TypeSoft:
		return 3
	case TypeTransient:
		return 5
	default:
		return 0
	}
}
