package analysis

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/flashreport/flashreport/internal/models"
)

// Response is what a provider hands back for one batch. It is exactly one of
// StructuredResult, TextBlob or Unparseable.
type Response interface {
	isResponse()
}

// Result is the verdict for one event.
type Result struct {
	EventID      string `json:"event_id"`
	SameIncident bool   `json:"same_incident"`
	Escalation   bool   `json:"escalation"`
	Alert        bool   `json:"alert"`
	Brief        string `json:"brief"`
}

// StructuredResult is an already-decoded response.
type StructuredResult struct {
	Results []Result
}

// TextBlob is raw model output, possibly wrapped in a fenced code block.
type TextBlob struct {
	Text string
}

// Unparseable marks a response that could not be interpreted at all.
type Unparseable struct {
	Raw    string
	Reason error
}

func (StructuredResult) isResponse() {}
func (TextBlob) isResponse()         {}
func (Unparseable) isResponse()      {}

const excerptLen = 200

// ParseResponse resolves resp to its results. Text is stripped of code
// fences and decoded; anything that does not decode yields a
// *models.ParseError and no results, never a partial list.
func ParseResponse(resp Response) ([]Result, error) {
	switch r := resp.(type) {
	case StructuredResult:
		return keepIdentified(r.Results), nil
	case *StructuredResult:
		return keepIdentified(r.Results), nil
	case TextBlob:
		return parseText(r.Text)
	case *TextBlob:
		return parseText(r.Text)
	case Unparseable:
		return nil, &models.ParseError{Excerpt: excerpt(r.Raw), Err: reasonOr(r.Reason)}
	case *Unparseable:
		return nil, &models.ParseError{Excerpt: excerpt(r.Raw), Err: reasonOr(r.Reason)}
	case nil:
		return nil, &models.ParseError{Err: errors.New("empty response")}
	default:
		return nil, &models.ParseError{Err: fmt.Errorf("unsupported response type %T", resp)}
	}
}

func parseText(text string) ([]Result, error) {
	body := StripFences(text)
	if body == "" {
		return nil, &models.ParseError{Excerpt: excerpt(text), Err: errors.New("empty response")}
	}

	var raw []rawResult
	if strings.HasPrefix(body, "[") {
		if err := json.Unmarshal([]byte(body), &raw); err != nil {
			return nil, &models.ParseError{Excerpt: excerpt(text), Err: err}
		}
	} else {
		var envelope struct {
			Results *[]rawResult `json:"results"`
		}
		if err := json.Unmarshal([]byte(body), &envelope); err != nil {
			return nil, &models.ParseError{Excerpt: excerpt(text), Err: err}
		}
		if envelope.Results == nil {
			return nil, &models.ParseError{Excerpt: excerpt(text), Err: errors.New("missing results field")}
		}
		raw = *envelope.Results
	}

	results := make([]Result, 0, len(raw))
	for _, r := range raw {
		results = append(results, r.result())
	}
	return keepIdentified(results), nil
}

// StripFences removes a surrounding markdown code fence, with or without a
// language tag, and trims whitespace.
func StripFences(text string) string {
	s := strings.TrimSpace(text)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		// drop the language tag line, e.g. ```json
		if tag := strings.TrimSpace(s[:nl]); !strings.ContainsAny(tag, "{[") {
			s = s[nl+1:]
		}
	}
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

func keepIdentified(results []Result) []Result {
	kept := make([]Result, 0, len(results))
	for _, r := range results {
		r.EventID = strings.TrimSpace(r.EventID)
		if r.EventID == "" {
			continue
		}
		kept = append(kept, r)
	}
	return kept
}

// rawResult tolerates the loose typing models produce: ids as numbers and
// flags as strings.
type rawResult struct {
	EventID      json.RawMessage `json:"event_id"`
	SameIncident flexBool        `json:"same_incident"`
	Escalation   flexBool        `json:"escalation"`
	Alert        flexBool        `json:"alert"`
	Brief        string          `json:"brief"`
}

func (r rawResult) result() Result {
	return Result{
		EventID:      decodeID(r.EventID),
		SameIncident: bool(r.SameIncident),
		Escalation:   bool(r.Escalation),
		Alert:        bool(r.Alert),
		Brief:        strings.TrimSpace(r.Brief),
	}
}

func decodeID(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return ""
}

type flexBool bool

func (b *flexBool) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*b = false
		return nil
	}
	var v bool
	if err := json.Unmarshal(data, &v); err == nil {
		*b = flexBool(v)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		parsed, perr := strconv.ParseBool(strings.TrimSpace(s))
		if perr != nil {
			return fmt.Errorf("invalid boolean %q", s)
		}
		*b = flexBool(parsed)
		return nil
	}
	var n float64
	if err := json.Unmarshal(data, &n); err == nil {
		*b = n != 0
		return nil
	}
	return fmt.Errorf("invalid boolean %s", string(data))
}

func excerpt(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > excerptLen {
		return s[:excerptLen] + "..."
	}
	return s
}

func reasonOr(err error) error {
	if err != nil {
		return err
	}
	return errors.New("response could not be interpreted")
}
