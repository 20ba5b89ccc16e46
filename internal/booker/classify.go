package booker

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/example/venue-autobook/internal/portal"
)

// Outcome is how one acquisition attempt ended.
type Outcome string

const (
	OutcomeSuccess               Outcome = "success"
	OutcomeTooEarly              Outcome = "too_early"
	OutcomeQuotaExceeded         Outcome = "quota_exceeded"
	OutcomeUnclassifiedRejection Outcome = "unclassified_rejection"
	OutcomeTransportError        Outcome = "transport_error"
	OutcomeProtocolError         Outcome = "protocol_error"
)

// Retryable outcomes let the driver try again within its ceiling.
func (o Outcome) Retryable() bool {
	switch o {
	case OutcomeTooEarly, OutcomeTransportError, OutcomeProtocolError:
		return true
	}
	return false
}

func (o Outcome) Terminal() bool { return !o.Retryable() }

// rejections maps portal rejection messages to outcomes. Matching is by substring, first
// row wins. A new rejection kind is one more row.
var rejections = []struct {
	pattern string
	outcome Outcome
}{
	{"未到该日期的预订时间", OutcomeTooEarly},
	{"每日限预约一场", OutcomeQuotaExceeded},
}

// Verdict is a classified attempt.
type Verdict struct {
	Outcome Outcome
	Message string
}

// Classify maps a raw submission result onto exactly one Outcome. It never fails.
func Classify(r portal.RawResult) Verdict {
	if r.Err != nil {
		return Verdict{Outcome: OutcomeTransportError, Message: r.Err.Error()}
	}
	if r.StatusCode < 200 || r.StatusCode > 299 {
		return Verdict{Outcome: OutcomeTransportError, Message: "http status " + strconv.Itoa(r.StatusCode)}
	}

	var body struct {
		Result  json.RawMessage `json:"result"`
		Message any             `json:"message"`
	}
	dec := json.NewDecoder(bytes.NewReader(r.Body))
	if err := dec.Decode(&body); err != nil {
		return Verdict{Outcome: OutcomeProtocolError, Message: "response is not JSON: " + snippet(r.Body)}
	}
	if len(body.Result) == 0 || string(body.Result) == "null" {
		return Verdict{Outcome: OutcomeProtocolError, Message: "response has no result field: " + snippet(r.Body)}
	}
	msg := messageText(body.Message)

	if resultCode(body.Result) == "1" {
		return Verdict{Outcome: OutcomeSuccess, Message: msg}
	}
	for _, row := range rejections {
		if strings.Contains(msg, row.pattern) {
			return Verdict{Outcome: row.outcome, Message: msg}
		}
	}
	return Verdict{Outcome: OutcomeUnclassifiedRejection, Message: msg}
}

// resultCode accepts "1" and 1 alike.
func resultCode(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return string(raw)
}

func messageText(v any) string {
	switch m := v.(type) {
	case nil:
		return ""
	case string:
		return m
	default:
		b, _ := json.Marshal(m)
		return string(b)
	}
}

func snippet(b []byte) string {
	const limit = 200
	s := string(b)
	if len(s) > limit {
		s = s[:limit] + "..."
	}
	return s
}
