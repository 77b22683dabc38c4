package ghoster

import (
	"context"
	"strings"
	"sync"
	"time"
)

// FakeDriver hands out a scripted FakeBrowser. Acquire count is
// tracked so tests can assert one browser per task.
type FakeDriver struct {
	Browser    *FakeBrowser
	AcquireErr error

	mu       sync.Mutex
	acquired int
}

func (d *FakeDriver) Acquire(ctx context.Context) (Browser, error) {
	if d.AcquireErr != nil {
		return nil, d.AcquireErr
	}
	d.mu.Lock()
	d.acquired++
	d.mu.Unlock()
	return d.Browser, nil
}

func (d *FakeDriver) Acquired() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.acquired
}

// FakeBrowser is an in-memory Browser. Selectors in Present resolve;
// everything else is missing. OnClick hooks mutate state so tests can
// script redirects and popups.
type FakeBrowser struct {
	mu sync.Mutex

	URL  string
	HTML string
	// Redirects rewrites the URL after Navigate, simulating the
	// sign-in redirect.
	Redirects map[string]string
	Present   map[string]bool
	OnClick   map[string]func(b *FakeBrowser)
	// Shot is returned by every Screenshot call unless Shots is set,
	// in which case captures are popped from it in order.
	Shot  []byte
	Shots [][]byte

	Keys       map[string]string
	Clicks     []string
	Escapes    int
	Redactions []string
	Captures   int
	Closed     bool
}

func NewFakeBrowser() *FakeBrowser {
	return &FakeBrowser{
		Present: map[string]bool{},
		Keys:    map[string]string{},
		Shot:    []byte("png"),
	}
}

func (b *FakeBrowser) Navigate(ctx context.Context, url string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.URL = url
	if next, ok := b.Redirects[url]; ok {
		b.URL = next
	}
	return nil
}

func (b *FakeBrowser) CurrentURL(ctx context.Context) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.URL, nil
}

func (b *FakeBrowser) PageHTML(ctx context.Context) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.HTML, nil
}

func (b *FakeBrowser) WaitVisible(ctx context.Context, selector string, timeout time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.Present[selector] {
		return nil
	}
	return ErrWaitTimeout
}

func (b *FakeBrowser) WaitGone(ctx context.Context, selector string, timeout time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.Present[selector] {
		return ErrWaitTimeout
	}
	return nil
}

func (b *FakeBrowser) WaitURLContains(ctx context.Context, needle string, timeout time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if strings.Contains(b.URL, needle) {
		return nil
	}
	return ErrWaitTimeout
}

func (b *FakeBrowser) SendKeys(ctx context.Context, selector, text string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.Present[selector] {
		return ErrNoSuchElement
	}
	b.Keys[selector] += text
	return nil
}

func (b *FakeBrowser) Click(ctx context.Context, selector string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.Present[selector] {
		return ErrNoSuchElement
	}
	b.Clicks = append(b.Clicks, selector)
	if hook, ok := b.OnClick[selector]; ok {
		hook(b)
	}
	return nil
}

func (b *FakeBrowser) PressEscape(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.Escapes++
	return nil
}

func (b *FakeBrowser) ReplaceText(ctx context.Context, needle, replacement string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.Redactions = append(b.Redactions, needle)
	b.HTML = strings.ReplaceAll(b.HTML, needle, replacement)
	return nil
}

func (b *FakeBrowser) Screenshot(ctx context.Context) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.Captures++
	if len(b.Shots) > 0 {
		shot := b.Shots[0]
		b.Shots = b.Shots[1:]
		return shot, nil
	}
	return b.Shot, nil
}

func (b *FakeBrowser) Close(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.Closed = true
	return nil
}
