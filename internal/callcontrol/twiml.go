package callcontrol

import (
	"strconv"
	"strings"
	"time"
	"unicode/utf8"
)

// WebhookPath is the route that receives the provider's next-input callback.
const WebhookPath = "/process-user-input"

// Ellipsis is appended to spoken text cut to fit the document ceiling.
const Ellipsis = "..."

// Documents renders TwiML instruction documents. The zero value is not
// usable; start from DefaultDocuments.
type Documents struct {
	// PublicURL is the externally reachable base URL of this service, used
	// for Gather actions and Redirects.
	PublicURL string

	// Language is the Say language attribute (e.g. "en-IN").
	Language string

	// GreetingText is spoken when a call starts.
	GreetingText string

	// NoInputText is spoken when a Gather times out without speech.
	NoInputText string

	// ErrorText is spoken before hanging up when the webhook fails.
	ErrorText string

	// GatherTimeout is the Gather timeout attribute.
	GatherTimeout time.Duration

	// PauseAfterReply is the Pause inserted after a spoken reply.
	PauseAfterReply time.Duration

	// MaxChars is the hard ceiling on a rendered document, in characters.
	MaxChars int

	// TruncatedChars is the spoken-text budget used once a reply document
	// exceeds MaxChars. It is lowered further if the document still would
	// not fit.
	TruncatedChars int
}

// DefaultDocuments returns the stock prompts and limits.
func DefaultDocuments(publicURL string) Documents {
	return Documents{
		PublicURL:       strings.TrimRight(publicURL, "/"),
		Language:        "en-IN",
		GreetingText:    "Hello! I'm your AI sales assistant. How can I help you today?",
		NoInputText:     "We have not received any input from your side. Feel free to reach out to us again. Goodbye!",
		ErrorText:       "Sorry, there was an error processing your request. Please try again later.",
		GatherTimeout:   600 * time.Second,
		PauseAfterReply: 2 * time.Second,
		MaxChars:        4000,
		TruncatedChars:  1500,
	}
}

var sanitizer = strings.NewReplacer(
	"&", "&amp;",
	"<", "&lt;",
	">", "&gt;",
	`"`, "&quot;",
	"'", "&#39;",
)

// Sanitize escapes the five XML special characters so s can be embedded in a
// document as text or an attribute value.
func Sanitize(s string) string {
	return sanitizer.Replace(s)
}

// RenderGreeting returns the call-start document: the greeting followed by a
// redirect to the webhook.
func (d Documents) RenderGreeting() string {
	var b strings.Builder
	b.WriteString("<Response>")
	d.writeSay(&b, Sanitize(d.GreetingText))
	b.WriteString(`<Redirect method="POST">`)
	b.WriteString(Sanitize(d.actionURL()))
	b.WriteString("</Redirect></Response>")
	return b.String()
}

// RenderSpeak returns the document that speaks text, pauses, and gathers the
// next utterance. When the document would exceed MaxChars the text is cut and
// Ellipsis appended; truncated reports whether that happened.
func (d Documents) RenderSpeak(text string) (doc string, truncated bool) {
	doc = d.speak(Sanitize(text))
	if d.MaxChars <= 0 || utf8.RuneCountInString(doc) <= d.MaxChars {
		return doc, false
	}

	overhead := utf8.RuneCountInString(d.speak("")) + len(Ellipsis)
	budget := d.MaxChars - overhead
	if d.TruncatedChars > 0 && d.TruncatedChars < budget {
		budget = d.TruncatedChars
	}
	return d.speak(truncateEscaped(text, budget) + Ellipsis), true
}

// RenderInterrupt returns the document that replaces current playback with
// an open Gather, cutting the bot off.
func (d Documents) RenderInterrupt() string {
	var b strings.Builder
	b.WriteString("<Response>")
	d.writeGather(&b, `<Pause length="1"/>`)
	b.WriteString("</Response>")
	return b.String()
}

// RenderReArm returns the webhook answer that keeps listening after a Gather
// callback.
func (d Documents) RenderReArm() string {
	var b strings.Builder
	b.WriteString(`<?xml version="1.0" encoding="UTF-8"?><Response>`)
	d.writeGather(&b, `<Pause length="1"/>`)
	d.writeSay(&b, Sanitize(d.NoInputText))
	b.WriteString("</Response>")
	return b.String()
}

// RenderApologyHangup returns the webhook answer used when handling the
// callback failed.
func (d Documents) RenderApologyHangup() string {
	var b strings.Builder
	b.WriteString(`<?xml version="1.0" encoding="UTF-8"?><Response>`)
	d.writeSay(&b, Sanitize(d.ErrorText))
	b.WriteString("<Hangup/></Response>")
	return b.String()
}

// speak renders the reply document around already-escaped text.
func (d Documents) speak(escaped string) string {
	var b strings.Builder
	b.WriteString("<Response>")
	d.writeSay(&b, escaped)
	if d.PauseAfterReply > 0 {
		b.WriteString(`<Pause length="`)
		b.WriteString(seconds(d.PauseAfterReply))
		b.WriteString(`"/>`)
	}
	d.writeGather(&b, "")
	d.writeSay(&b, Sanitize(d.NoInputText))
	b.WriteString("</Response>")
	return b.String()
}

func (d Documents) writeSay(b *strings.Builder, escaped string) {
	b.WriteString(`<Say language="`)
	b.WriteString(Sanitize(d.Language))
	b.WriteString(`">`)
	b.WriteString(escaped)
	b.WriteString("</Say>")
}

func (d Documents) writeGather(b *strings.Builder, inner string) {
	b.WriteString(`<Gather input="speech" action="`)
	b.WriteString(Sanitize(d.actionURL()))
	b.WriteString(`" method="POST" timeout="`)
	b.WriteString(seconds(d.GatherTimeout))
	b.WriteString(`">`)
	b.WriteString(inner)
	b.WriteString("</Gather>")
}

func (d Documents) actionURL() string {
	return d.PublicURL + WebhookPath
}

func seconds(dur time.Duration) string {
	return strconv.FormatInt(int64(dur/time.Second), 10)
}

// truncateEscaped escapes text rune by rune and stops before the escaped form
// would exceed budget characters. Entities are never split.
func truncateEscaped(text string, budget int) string {
	if budget <= 0 {
		return ""
	}
	var b strings.Builder
	n := 0
	for _, r := range text {
		esc := Sanitize(string(r))
		w := utf8.RuneCountInString(esc)
		if n+w > budget {
			break
		}
		b.WriteString(esc)
		n += w
	}
	return b.String()
}
