package callcontrol

import (
	"encoding/xml"
	"strings"
	"testing"
	"unicode/utf8"
)

const testURL = "https://bridge.example.com"

func TestSanitize(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in, want string
	}{
		{"plain text", "plain text"},
		{"a < b", "a &lt; b"},
		{"a > b", "a &gt; b"},
		{"fish & chips", "fish &amp; chips"},
		{`say "hi"`, "say &quot;hi&quot;"},
		{"it's", "it&#39;s"},
		{"&amp;", "&amp;amp;"},
		{"", ""},
	}
	for _, tc := range tests {
		if got := Sanitize(tc.in); got != tc.want {
			t.Errorf("Sanitize(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestDefaultDocuments_TrimsTrailingSlash(t *testing.T) {
	t.Parallel()

	d := DefaultDocuments(testURL + "/")
	if d.PublicURL != testURL {
		t.Errorf("PublicURL = %q, want %q", d.PublicURL, testURL)
	}
}

func TestRenderGreeting(t *testing.T) {
	t.Parallel()

	got := DefaultDocuments(testURL).RenderGreeting()
	want := `<Response><Say language="en-IN">Hello! I&#39;m your AI sales assistant. How can I help you today?</Say>` +
		`<Redirect method="POST">https://bridge.example.com/process-user-input</Redirect></Response>`
	if got != want {
		t.Errorf("RenderGreeting =\n%s\nwant\n%s", got, want)
	}
}

func TestRenderSpeak_Short(t *testing.T) {
	t.Parallel()

	doc, truncated := DefaultDocuments(testURL).RenderSpeak("Our plans start at $10 & up.")
	if truncated {
		t.Error("short reply should not be truncated")
	}
	want := `<Response><Say language="en-IN">Our plans start at $10 &amp; up.</Say>` +
		`<Pause length="2"/>` +
		`<Gather input="speech" action="https://bridge.example.com/process-user-input" method="POST" timeout="600"></Gather>` +
		`<Say language="en-IN">We have not received any input from your side. Feel free to reach out to us again. Goodbye!</Say>` +
		`</Response>`
	if doc != want {
		t.Errorf("RenderSpeak =\n%s\nwant\n%s", doc, want)
	}
}

func TestRenderSpeak_EscapesMarkup(t *testing.T) {
	t.Parallel()

	doc, _ := DefaultDocuments(testURL).RenderSpeak(`<Hangup/> "now"`)
	if strings.Contains(doc, "<Hangup/>") {
		t.Errorf("reply text injected markup: %s", doc)
	}
	if err := xml.Unmarshal([]byte(doc), new(struct{})); err != nil {
		t.Errorf("document is not well-formed XML: %v", err)
	}
}

func TestRenderSpeak_TruncatesLongReply(t *testing.T) {
	t.Parallel()

	d := DefaultDocuments(testURL)
	doc, truncated := d.RenderSpeak(strings.Repeat("a", 5000))
	if !truncated {
		t.Fatal("expected truncation")
	}
	if n := utf8.RuneCountInString(doc); n > d.MaxChars {
		t.Errorf("document length = %d, exceeds %d", n, d.MaxChars)
	}
	wantSay := `<Say language="en-IN">` + strings.Repeat("a", 1500) + "...</Say>"
	if !strings.Contains(doc, wantSay) {
		t.Error("truncated reply should keep exactly 1500 characters followed by an ellipsis")
	}
}

func TestRenderSpeak_TruncationNeverSplitsEntities(t *testing.T) {
	t.Parallel()

	d := DefaultDocuments(testURL)
	doc, truncated := d.RenderSpeak(strings.Repeat("&", 2000))
	if !truncated {
		t.Fatal("expected truncation")
	}
	if n := utf8.RuneCountInString(doc); n > d.MaxChars {
		t.Errorf("document length = %d, exceeds %d", n, d.MaxChars)
	}
	if !strings.Contains(doc, strings.Repeat("&amp;", 300)+"...</Say>") {
		t.Error("expected 300 whole entities before the ellipsis")
	}
	if err := xml.Unmarshal([]byte(doc), new(struct{})); err != nil {
		t.Errorf("document is not well-formed XML: %v", err)
	}
}

func TestRenderSpeak_CountsRunesNotBytes(t *testing.T) {
	t.Parallel()

	d := DefaultDocuments(testURL)
	// 1200 three-byte runes fit in 4000 characters but not 4000 bytes.
	doc, truncated := d.RenderSpeak(strings.Repeat("€", 1200))
	if truncated {
		t.Errorf("reply of %d characters should fit", utf8.RuneCountInString(doc))
	}
}

func TestRenderSpeak_SmallCeiling(t *testing.T) {
	t.Parallel()

	d := DefaultDocuments(testURL)
	d.MaxChars = 500
	doc, truncated := d.RenderSpeak(strings.Repeat("b", 1000))
	if !truncated {
		t.Fatal("expected truncation")
	}
	if n := utf8.RuneCountInString(doc); n > d.MaxChars {
		t.Errorf("document length = %d, exceeds %d", n, d.MaxChars)
	}
}

func TestRenderInterrupt(t *testing.T) {
	t.Parallel()

	got := DefaultDocuments(testURL).RenderInterrupt()
	want := `<Response><Gather input="speech" action="https://bridge.example.com/process-user-input" method="POST" timeout="600">` +
		`<Pause length="1"/></Gather></Response>`
	if got != want {
		t.Errorf("RenderInterrupt =\n%s\nwant\n%s", got, want)
	}
}

func TestRenderReArm(t *testing.T) {
	t.Parallel()

	got := DefaultDocuments(testURL).RenderReArm()
	if !strings.HasPrefix(got, `<?xml version="1.0" encoding="UTF-8"?><Response><Gather`) {
		t.Errorf("unexpected prefix: %s", got)
	}
	if !strings.Contains(got, `<Pause length="1"/></Gather>`) {
		t.Errorf("missing gather pause: %s", got)
	}
	if !strings.HasSuffix(got, "Goodbye!</Say></Response>") {
		t.Errorf("missing no-input message: %s", got)
	}
}

func TestRenderApologyHangup(t *testing.T) {
	t.Parallel()

	got := DefaultDocuments(testURL).RenderApologyHangup()
	want := `<?xml version="1.0" encoding="UTF-8"?><Response>` +
		`<Say language="en-IN">Sorry, there was an error processing your request. Please try again later.</Say>` +
		`<Hangup/></Response>`
	if got != want {
		t.Errorf("RenderApologyHangup =\n%s\nwant\n%s", got, want)
	}
}
