package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nzilbb/jsendpraat/adapter"
	"github.com/nzilbb/jsendpraat/iox"
)

func testNotice() *adapter.LifecycleNotice {
	return adapter.NewNotice(
		adapter.NoticeUpgradeNeeded,
		"inst-001",
		"20151028.1857",
		"20180606.1040",
		"host version below minimum",
		time.Date(2026, 2, 7, 12, 0, 0, 0, time.UTC),
	)
}

// receiver records requests and answers with the next status in codes,
// repeating the last one.
type receiver struct {
	codes    []int
	attempts atomic.Int32
	last     atomic.Pointer[http.Request]
	body     atomic.Pointer[adapter.LifecycleNotice]
}

func (rc *receiver) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	n := int(rc.attempts.Add(1))
	rc.last.Store(r)
	var notice adapter.LifecycleNotice
	if err := json.NewDecoder(r.Body).Decode(&notice); err == nil {
		rc.body.Store(&notice)
	}
	code := http.StatusOK
	if len(rc.codes) > 0 {
		code = rc.codes[min(n, len(rc.codes))-1]
	}
	w.WriteHeader(code)
}

func startReceiver(t *testing.T, codes ...int) (*receiver, string) {
	t.Helper()
	rc := &receiver{codes: codes}
	ts := httptest.NewServer(rc)
	t.Cleanup(ts.Close)
	return rc, ts.URL
}

func newNotifier(t *testing.T, cfg Config) *Notifier {
	t.Helper()
	nt, err := New(cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() { iox.DiscardClose(nt) })
	return nt
}

func TestPublish_PostsNotice(t *testing.T) {
	rc, url := startReceiver(t)
	nt := newNotifier(t, Config{
		URL:     url,
		Headers: map[string]string{"Authorization": "Bearer test-token"},
	})

	if err := nt.Publish(t.Context(), testNotice()); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	req := rc.last.Load()
	if req.Method != http.MethodPost {
		t.Errorf("method = %s, want POST", req.Method)
	}
	for header, want := range map[string]string{
		"Content-Type":     "application/json",
		"Authorization":    "Bearer test-token",
		HeaderEvent:        "upgrade_needed",
		HeaderInstallation: "inst-001",
	} {
		if got := req.Header.Get(header); got != want {
			t.Errorf("%s = %q, want %q", header, got, want)
		}
	}

	got := rc.body.Load()
	if got == nil {
		t.Fatal("notice body not decoded")
	}
	if got.EventType != adapter.NoticeUpgradeNeeded || got.Page != "upgrade.html" || got.HostVersion != "20151028.1857" {
		t.Errorf("notice = %+v", got)
	}
}

func TestPublish_StatusHandling(t *testing.T) {
	tests := []struct {
		name         string
		codes        []int
		retries      int
		wantErr      bool
		wantAttempts int32
	}{
		{"200", []int{200}, 0, false, 1},
		{"204", []int{204}, 0, false, 1},
		{"recovers after 5xx", []int{500, 503, 200}, 3, false, 3},
		{"5xx exhausts retries", []int{502}, 2, true, 3},
		{"400 not retried", []int{400}, 3, true, 1},
		{"404 not retried", []int{404}, 3, true, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rc, url := startReceiver(t, tt.codes...)
			nt := newNotifier(t, Config{URL: url, Retries: tt.retries, Timeout: 5 * time.Second})

			err := nt.Publish(t.Context(), testNotice())
			if (err != nil) != tt.wantErr {
				t.Fatalf("Publish err = %v, wantErr %v", err, tt.wantErr)
			}
			if got := rc.attempts.Load(); got != tt.wantAttempts {
				t.Errorf("attempts = %d, want %d", got, tt.wantAttempts)
			}
			var statusErr *StatusError
			if tt.wantErr && !errors.As(err, &statusErr) {
				t.Errorf("error %v should wrap *StatusError", err)
			}
		})
	}
}

func TestPublish_ContextCanceled(t *testing.T) {
	release := make(chan struct{})
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		<-release
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(ts.Close)
	t.Cleanup(func() { close(release) })

	nt := newNotifier(t, Config{URL: ts.URL, Timeout: 10 * time.Second})

	ctx, cancel := context.WithTimeout(t.Context(), 100*time.Millisecond)
	defer cancel()
	if err := nt.Publish(ctx, testNotice()); err == nil {
		t.Fatal("expected error on canceled context")
	}
}

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"empty url", Config{}, true},
		{"bad scheme", Config{URL: "ftp://example.com/hook"}, true},
		{"unparseable", Config{URL: "http://[::1"}, true},
		{"negative retries", Config{URL: "http://example.com", Retries: -1}, true},
		{"https", Config{URL: "https://example.com/hook"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.cfg)
			if (err != nil) != tt.wantErr {
				t.Errorf("New err = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestNew_Defaults(t *testing.T) {
	nt := newNotifier(t, Config{URL: "http://example.com"})
	if nt.Timeout() != DefaultTimeout {
		t.Errorf("Timeout = %v, want %v", nt.Timeout(), DefaultTimeout)
	}
	if nt.Retries() != 0 {
		t.Errorf("Retries = %d, want 0", nt.Retries())
	}

	nt = newNotifier(t, Config{URL: "http://example.com", Retries: 5, Timeout: time.Second})
	if nt.Timeout() != time.Second || nt.Retries() != 5 {
		t.Errorf("Timeout/Retries = %v/%d, want 1s/5", nt.Timeout(), nt.Retries())
	}
}
