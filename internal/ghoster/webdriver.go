package ghoster

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// WebDriver is a thin W3C WebDriver client implementing Driver against
// a remote endpoint such as a geckodriver or a Selenium grid. One
// Acquire call is one browser session.
type WebDriver struct {
	baseURL string
	client  *http.Client
	binary  string
}

// NewWebDriver points at a WebDriver endpoint, e.g.
// "http://localhost:4444". binary optionally pins the Firefox binary
// path used for new sessions.
func NewWebDriver(baseURL, binary string) *WebDriver {
	return &WebDriver{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 60 * time.Second},
		binary:  binary,
	}
}

func (d *WebDriver) Acquire(ctx context.Context) (Browser, error) {
	firefoxOpts := map[string]any{"args": []string{"-headless"}}
	if d.binary != "" {
		firefoxOpts["binary"] = d.binary
	}
	body := map[string]any{
		"capabilities": map[string]any{
			"alwaysMatch": map[string]any{
				"browserName":             "firefox",
				"moz:firefoxOptions":      firefoxOpts,
				"timeouts":                map[string]any{"pageLoad": 30000},
				"unhandledPromptBehavior": "dismiss",
			},
		},
	}
	var resp struct {
		SessionID string `json:"sessionId"`
	}
	if err := d.do(ctx, http.MethodPost, "/session", body, &resp); err != nil {
		return nil, fmt.Errorf("create browser session: %w", err)
	}
	if resp.SessionID == "" {
		return nil, fmt.Errorf("create browser session: endpoint returned no session id")
	}
	return &webSession{driver: d, id: resp.SessionID}, nil
}

// wireError is the W3C error payload carried under "value".
type wireError struct {
	Kind    string `json:"error"`
	Message string `json:"message"`
}

func (d *WebDriver) do(ctx context.Context, method, path string, body, out any) error {
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader([]byte("{}"))
	}
	req, err := http.NewRequestWithContext(ctx, method, d.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var envelope struct {
		Value json.RawMessage `json:"value"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("webdriver %s %s: %w", method, path, err)
	}
	if resp.StatusCode >= 400 {
		var werr wireError
		if json.Unmarshal(envelope.Value, &werr) == nil && werr.Kind != "" {
			if werr.Kind == "no such element" {
				return fmt.Errorf("%s: %w", werr.Message, ErrNoSuchElement)
			}
			return fmt.Errorf("webdriver %s: %s", werr.Kind, werr.Message)
		}
		return fmt.Errorf("webdriver %s %s: status %d", method, path, resp.StatusCode)
	}
	if out != nil {
		if err := json.Unmarshal(envelope.Value, out); err != nil {
			return fmt.Errorf("webdriver %s %s: %w", method, path, err)
		}
	}
	return nil
}

// webSession implements Browser over one WebDriver session.
type webSession struct {
	driver *WebDriver
	id     string
}

func (s *webSession) path(suffix string) string {
	return "/session/" + s.id + suffix
}

func (s *webSession) Navigate(ctx context.Context, url string) error {
	return s.driver.do(ctx, http.MethodPost, s.path("/url"), map[string]string{"url": url}, nil)
}

func (s *webSession) CurrentURL(ctx context.Context) (string, error) {
	var url string
	err := s.driver.do(ctx, http.MethodGet, s.path("/url"), nil, &url)
	return url, err
}

func (s *webSession) PageHTML(ctx context.Context) (string, error) {
	var html string
	err := s.driver.do(ctx, http.MethodGet, s.path("/source"), nil, &html)
	return html, err
}

const elementKey = "element-6066-11e4-a52e-4f735466cecf"

func (s *webSession) findElement(ctx context.Context, selector string) (string, error) {
	body := map[string]string{"using": "css selector", "value": selector}
	var resp map[string]string
	if err := s.driver.do(ctx, http.MethodPost, s.path("/element"), body, &resp); err != nil {
		return "", err
	}
	id := resp[elementKey]
	if id == "" {
		return "", fmt.Errorf("element %q: %w", selector, ErrNoSuchElement)
	}
	return id, nil
}

func (s *webSession) SendKeys(ctx context.Context, selector, text string) error {
	id, err := s.findElement(ctx, selector)
	if err != nil {
		return err
	}
	return s.driver.do(ctx, http.MethodPost, s.path("/element/"+id+"/value"),
		map[string]string{"text": text}, nil)
}

func (s *webSession) Click(ctx context.Context, selector string) error {
	id, err := s.findElement(ctx, selector)
	if err != nil {
		return err
	}
	return s.driver.do(ctx, http.MethodPost, s.path("/element/"+id+"/click"), struct{}{}, nil)
}

func (s *webSession) PressEscape(ctx context.Context) error {
	const escape = ""
	actions := map[string]any{
		"actions": []any{map[string]any{
			"type": "key",
			"id":   "keyboard",
			"actions": []any{
				map[string]any{"type": "keyDown", "value": escape},
				map[string]any{"type": "keyUp", "value": escape},
			},
		}},
	}
	return s.driver.do(ctx, http.MethodPost, s.path("/actions"), actions, nil)
}

// redactScript rewrites matching text nodes in place.
const redactScript = `
const [needle, replacement] = arguments;
const walker = document.createTreeWalker(document.body, NodeFilter.SHOW_TEXT);
let node;
while ((node = walker.nextNode())) {
  if (node.nodeValue.includes(needle)) {
    node.nodeValue = node.nodeValue.split(needle).join(replacement);
  }
}`

func (s *webSession) ReplaceText(ctx context.Context, needle, replacement string) error {
	body := map[string]any{"script": redactScript, "args": []any{needle, replacement}}
	return s.driver.do(ctx, http.MethodPost, s.path("/execute/sync"), body, nil)
}

func (s *webSession) Screenshot(ctx context.Context) ([]byte, error) {
	var encoded string
	if err := s.driver.do(ctx, http.MethodGet, s.path("/screenshot"), nil, &encoded); err != nil {
		return nil, err
	}
	return base64.StdEncoding.DecodeString(encoded)
}

const pollInterval = 250 * time.Millisecond

// waitUntil polls cond until it reports true or the timeout elapses.
func (s *webSession) waitUntil(ctx context.Context, timeout time.Duration, cond func(context.Context) (bool, error)) error {
	deadline := time.Now().Add(timeout)
	for {
		ok, err := cond(ctx)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		if time.Now().After(deadline) {
			return ErrWaitTimeout
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

func (s *webSession) hasElement(ctx context.Context, selector string) (bool, error) {
	body := map[string]string{"using": "css selector", "value": selector}
	var resp []map[string]string
	if err := s.driver.do(ctx, http.MethodPost, s.path("/elements"), body, &resp); err != nil {
		return false, err
	}
	return len(resp) > 0, nil
}

func (s *webSession) WaitVisible(ctx context.Context, selector string, timeout time.Duration) error {
	return s.waitUntil(ctx, timeout, func(ctx context.Context) (bool, error) {
		return s.hasElement(ctx, selector)
	})
}

func (s *webSession) WaitGone(ctx context.Context, selector string, timeout time.Duration) error {
	return s.waitUntil(ctx, timeout, func(ctx context.Context) (bool, error) {
		present, err := s.hasElement(ctx, selector)
		return !present, err
	})
}

func (s *webSession) WaitURLContains(ctx context.Context, needle string, timeout time.Duration) error {
	return s.waitUntil(ctx, timeout, func(ctx context.Context) (bool, error) {
		url, err := s.CurrentURL(ctx)
		if err != nil {
			return false, err
		}
		return strings.Contains(url, needle), nil
	})
}

func (s *webSession) Close(ctx context.Context) error {
	return s.driver.do(ctx, http.MethodDelete, s.path(""), nil, nil)
}
