package voice

import (
	"encoding/xml"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// GatherPath is the webhook that receives gather results.
const GatherPath = "/webhooks/voice/gather"

type twimlResponse struct {
	XMLName xml.Name `xml:"Response"`
	Verbs   []any
}

type sayVerb struct {
	XMLName xml.Name `xml:"Say"`
	Voice   string   `xml:"voice,attr,omitempty"`
	Text    string   `xml:",chardata"`
}

type playVerb struct {
	XMLName xml.Name `xml:"Play"`
	URL     string   `xml:",chardata"`
}

type gatherVerb struct {
	XMLName       xml.Name `xml:"Gather"`
	Input         string   `xml:"input,attr"`
	Action        string   `xml:"action,attr"`
	Method        string   `xml:"method,attr"`
	Timeout       int      `xml:"timeout,attr"`
	NumDigits     int      `xml:"numDigits,attr,omitempty"`
	SpeechTimeout string   `xml:"speechTimeout,attr,omitempty"`
	Prompts       []any
}

type redirectVerb struct {
	XMLName xml.Name `xml:"Redirect"`
	Method  string   `xml:"method,attr"`
	URL     string   `xml:",chardata"`
}

type hangupVerb struct {
	XMLName xml.Name `xml:"Hangup"`
}

// Renderer turns engine results into TwiML documents.
type Renderer struct {
	baseURL       string
	voice         string
	gatherTimeout time.Duration
}

func NewRenderer(baseURL, voice string, gatherTimeout time.Duration) Renderer {
	if gatherTimeout <= 0 {
		gatherTimeout = 6 * time.Second
	}
	return Renderer{baseURL: strings.TrimRight(baseURL, "/"), voice: voice, gatherTimeout: gatherTimeout}
}

// Render builds the response for res. A gather is followed by a redirect
// back to the gather endpoint, so a silent caller is reported as an empty
// (timed out) turn.
func (r Renderer) Render(res Result) ([]byte, error) {
	doc := twimlResponse{}
	prompt := r.prompt(res.Speech)
	switch {
	case res.Gather:
		action := r.gatherURL(res.Turn)
		g := gatherVerb{
			Input:         res.Input,
			Action:        action,
			Method:        "POST",
			Timeout:       int(r.gatherTimeout / time.Second),
			SpeechTimeout: "auto",
			Prompts:       prompt,
		}
		if res.Input == InputDTMFSpeech {
			g.NumDigits = 1
		}
		doc.Verbs = append(doc.Verbs, g, redirectVerb{Method: "POST", URL: action})
	default:
		doc.Verbs = append(doc.Verbs, prompt...)
		if res.Hangup {
			doc.Verbs = append(doc.Verbs, hangupVerb{})
		}
	}
	out, err := xml.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("voice: render twiml: %w", err)
	}
	return append([]byte(xml.Header), out...), nil
}

// Error renders a spoken apology that ends the call.
func (r Renderer) Error() []byte {
	out, _ := r.Render(Result{Speech: Speech{Text: "Sorry, we are having technical difficulties. Please call back later."}, Hangup: true})
	return out
}

func (r Renderer) prompt(s Speech) []any {
	switch {
	case s.AudioURL != "":
		return []any{playVerb{URL: s.AudioURL}}
	case s.Text != "":
		return []any{sayVerb{Voice: r.voice, Text: s.Text}}
	}
	return nil
}

func (r Renderer) gatherURL(turn int) string {
	q := url.Values{}
	q.Set("turn", strconv.Itoa(turn))
	return r.baseURL + GatherPath + "?" + q.Encode()
}
