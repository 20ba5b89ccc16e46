// Package portal talks to the venue booking portal. One Session per login; the cookie jar
// is the whole of the session state.
package portal

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strconv"
	"strings"
	"time"
)

var ErrLoginFailed = errors.New("portal: login failed")

const userAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"

type Credentials struct {
	Username string
	Password string
}

// Acquisition is one booking submission.
type Acquisition struct {
	ServiceID int64
	StockID   int64
	DetailID  int64 // the venue record id the portal calls "stockdetail"
	Users     []string
}

// RawResult is exactly what came back from one submission, for the classifier.
type RawResult struct {
	StatusCode int
	Body       []byte
	Err        error
}

type Client struct {
	base    string
	timeout time.Duration
	hc      *http.Client
}

func New(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &Client{
		base:    strings.TrimRight(baseURL, "/"),
		timeout: timeout,
		hc:      &http.Client{Timeout: timeout},
	}
}

func (c *Client) BaseURL() string { return c.base }

type Session struct {
	Username string
	hc       *http.Client
}

// Login opens a fresh session. Concurrent callers with the same credentials get
// independent sessions.
func (c *Client) Login(ctx context.Context, creds Credentials) (*Session, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}
	hc := &http.Client{Timeout: c.timeout, Jar: jar}

	form := url.Values{}
	form.Set("dlm", creds.Username)
	form.Set("mm", creds.Password)
	form.Set("yzm", "1")
	form.Set("logintype", "sno")
	form.Set("continueurl", "")
	form.Set("openid", "")

	status, _, err := do(ctx, hc, http.MethodPost, c.base+"/cgyd/login.html", []byte(form.Encode()), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLoginFailed, err)
	}
	if status < 200 || status > 299 {
		return nil, fmt.Errorf("%w: status=%d", ErrLoginFailed, status)
	}
	return &Session{Username: creds.Username, hc: hc}, nil
}

type bookParam struct {
	StockDetail map[string]string `json:"stockdetail"`
	ServiceID   string            `json:"serviceid"`
	StockID     string            `json:"stockid"`
	Remark      string            `json:"remark"`
	Users       string            `json:"users"`
}

// Submit sends one acquisition attempt. It never retries.
func (c *Client) Submit(ctx context.Context, s *Session, a Acquisition) RawResult {
	if s == nil {
		return RawResult{Err: errors.New("portal: nil session")}
	}
	stock := strconv.FormatInt(a.StockID, 10)
	sid := strconv.FormatInt(a.ServiceID, 10)
	param, err := json.Marshal(bookParam{
		StockDetail: map[string]string{stock: strconv.FormatInt(a.DetailID, 10)},
		ServiceID:   sid,
		StockID:     stock + ",",
		Users:       strings.Join(a.Users, ","),
	})
	if err != nil {
		return RawResult{Err: err}
	}

	form := url.Values{}
	form.Set("param", string(param))
	form.Set("num", "1")
	form.Set("json", "true")

	hdr := http.Header{}
	hdr.Set("X-Requested-With", "XMLHttpRequest")
	hdr.Set("Referer", c.base+"/cgyd/product/show.html?id="+sid)

	status, body, err := do(ctx, s.hc, http.MethodPost, c.base+"/cgyd/order/tobook.html", []byte(form.Encode()), hdr)
	return RawResult{StatusCode: status, Body: body, Err: err}
}

// Area is one bookable venue slot as listed by the portal.
type Area struct {
	ID      FlexInt `json:"id"`
	StockID FlexInt `json:"stockid"`
	SName   string  `json:"sname"`
	Status  FlexInt `json:"status"`
	Stock   struct {
		ServiceID FlexInt `json:"serviceid"`
		SDate     string  `json:"s_date"`
		TimeNo    string  `json:"time_no"`
	} `json:"stock"`
}

// FindAvailable lists the venue slots for a date (YYYY-MM-DD) and service. No login needed.
func (c *Client) FindAvailable(ctx context.Context, date string, serviceID int64) ([]Area, error) {
	q := url.Values{}
	q.Set("s_date", date)
	q.Set("serviceid", strconv.FormatInt(serviceID, 10))

	status, body, err := do(ctx, c.hc, http.MethodGet, c.base+"/cgyd/product/findOkArea.html?"+q.Encode(), nil, nil)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("portal: find areas failed (status=%d)", status)
	}
	var res struct {
		Object []Area `json:"object"`
	}
	if err := json.Unmarshal(body, &res); err != nil {
		return nil, fmt.Errorf("portal: decode areas: %w", err)
	}
	return res.Object, nil
}

func do(ctx context.Context, hc *http.Client, method, rawURL string, body []byte, hdr http.Header) (int, []byte, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, rawURL, rd)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("User-Agent", userAgent)
	if body != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded; charset=UTF-8")
	}
	for k, vs := range hdr {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	res, err := hc.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer res.Body.Close()
	b, err := io.ReadAll(res.Body)
	if err != nil {
		return res.StatusCode, nil, err
	}
	return res.StatusCode, b, nil
}

// FlexInt decodes a JSON number or a quoted number; the portal is not consistent.
type FlexInt int64

func (f *FlexInt) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fmt.Errorf("portal: not an integer: %s", b)
	}
	*f = FlexInt(n)
	return nil
}
