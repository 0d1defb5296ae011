package reply

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// HumanReplyMinLength is the body length a reply must exceed, after markup
// is stripped and whitespace collapsed, to count as written by a person.
const HumanReplyMinLength = 50

// Classification labels
const (
	ClassHuman       = "human"
	ClassAutoReply   = "auto_reply"
	ClassOutOfOffice = "out_of_office"
	ClassVacation    = "vacation"
	ClassShort       = "short"
)

var (
	autoReplyPattern = regexp.MustCompile(strings.Join([]string{
		`auto-?reply`,
		`auto reply`,
		`automatic reply`,
		`automated (reply|response|message)`,
		`out of (the )?office`,
		`vacation`,
		`away from`,
		`do not reply`,
		`this is an automated`,
	}, "|"))

	outOfOfficePattern = regexp.MustCompile(strings.Join([]string{
		`out of (the )?office`,
		`\booo\b`,
		`currently away`,
		`away from (my|the) (desk|office|email)`,
		`limited access to (my )?email`,
		`will be back`,
		`returning on`,
		`back in the office`,
	}, "|"))

	vacationPattern = regexp.MustCompile(`vacation|holiday|leave`)

	markupPattern     = regexp.MustCompile(`<[^>]*>`)
	whitespacePattern = regexp.MustCompile(`\s+`)
)

// Classification is the set of independent reply markers.
type Classification struct {
	IsAutoReply       bool `json:"is_auto_reply"`
	IsOutOfOffice     bool `json:"is_out_of_office"`
	IsVacationMessage bool `json:"is_vacation_message"`
	IsHumanReply      bool `json:"is_human_reply"`
	BodyLength        int  `json:"body_length"`
}

// Label collapses the markers into one name for metrics and logs.
func (c Classification) Label() string {
	switch {
	case c.IsHumanReply:
		return ClassHuman
	case c.IsOutOfOffice:
		return ClassOutOfOffice
	case c.IsAutoReply:
		return ClassAutoReply
	case c.IsVacationMessage:
		return ClassVacation
	default:
		return ClassShort
	}
}

// CleanBody removes markup and collapses whitespace.
func CleanBody(body string) string {
	body = markupPattern.ReplaceAllString(body, " ")
	return strings.TrimSpace(whitespacePattern.ReplaceAllString(body, " "))
}

// Classify evaluates each marker against the lower-cased subject and body.
// A reply is human only when no marker fires and its cleaned body is longer
// than HumanReplyMinLength characters.
func Classify(subject, body string) Classification {
	text := strings.ToLower(subject + " " + body)

	c := Classification{
		IsAutoReply:       autoReplyPattern.MatchString(text),
		IsOutOfOffice:     outOfOfficePattern.MatchString(text),
		IsVacationMessage: vacationPattern.MatchString(text),
		BodyLength:        utf8.RuneCountInString(CleanBody(body)),
	}
	c.IsHumanReply = !c.IsAutoReply && !c.IsOutOfOffice && !c.IsVacationMessage &&
		c.BodyLength > HumanReplyMinLength
	return c
}
