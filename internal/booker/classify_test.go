package booker

import (
	"errors"
	"testing"

	"github.com/example/venue-autobook/internal/portal"
	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		in   portal.RawResult
		want Outcome
	}{
		{"success string", portal.RawResult{StatusCode: 200, Body: []byte(`{"result":"1","message":"预约成功"}`)}, OutcomeSuccess},
		{"success number", portal.RawResult{StatusCode: 200, Body: []byte(`{"result":1,"message":"ok"}`)}, OutcomeSuccess},
		{"too early", portal.RawResult{StatusCode: 200, Body: []byte(`{"result":"0","message":"未到该日期的预订时间"}`)}, OutcomeTooEarly},
		{"too early embedded", portal.RawResult{StatusCode: 200, Body: []byte(`{"result":"0","message":"提示：未到该日期的预订时间，请稍后"}`)}, OutcomeTooEarly},
		{"quota", portal.RawResult{StatusCode: 200, Body: []byte(`{"result":"0","message":"每日限预约一场"}`)}, OutcomeQuotaExceeded},
		{"other rejection", portal.RawResult{StatusCode: 200, Body: []byte(`{"result":"0","message":"场地已被预约"}`)}, OutcomeUnclassifiedRejection},
		{"rejection without message", portal.RawResult{StatusCode: 200, Body: []byte(`{"result":"2"}`)}, OutcomeUnclassifiedRejection},
		{"transport", portal.RawResult{Err: errors.New("dial tcp: timeout")}, OutcomeTransportError},
		{"http 502", portal.RawResult{StatusCode: 502, Body: []byte(`{"result":"1"}`)}, OutcomeTransportError},
		{"not json", portal.RawResult{StatusCode: 200, Body: []byte(`<html>login</html>`)}, OutcomeProtocolError},
		{"empty body", portal.RawResult{StatusCode: 200}, OutcomeProtocolError},
		{"missing result", portal.RawResult{StatusCode: 200, Body: []byte(`{"message":"未到该日期的预订时间"}`)}, OutcomeProtocolError},
		{"null result", portal.RawResult{StatusCode: 200, Body: []byte(`{"result":null}`)}, OutcomeProtocolError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Classify(tc.in).Outcome)
		})
	}
}

func TestClassifyKeepsMessage(t *testing.T) {
	v := Classify(portal.RawResult{StatusCode: 200, Body: []byte(`{"result":"0","message":"场地维护"}`)})
	assert.Equal(t, "场地维护", v.Message)
}

func TestOutcomeRetryable(t *testing.T) {
	assert.True(t, OutcomeTooEarly.Retryable())
	assert.True(t, OutcomeTransportError.Retryable())
	assert.True(t, OutcomeProtocolError.Retryable())
	assert.False(t, OutcomeSuccess.Retryable())
	assert.True(t, OutcomeQuotaExceeded.Terminal())
	assert.True(t, OutcomeUnclassifiedRejection.Terminal())
}
