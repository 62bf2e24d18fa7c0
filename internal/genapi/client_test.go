package genapi

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// ---------------------------------------------------------------------------
// Test helpers
// ---------------------------------------------------------------------------

// fakeClock advances only when the client sleeps.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Sleep(_ context.Context, d time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sleeps = append(f.sleeps, d)
	f.now = f.now.Add(d)
	return nil
}

func testClient(baseURL string) (*Client, *fakeClock) {
	cfg := DefaultConfig()
	cfg.BaseURL = baseURL
	cfg.APIKey = "test-key"
	cfg.TextPollTimeout = 30 * time.Second
	cfg.AudioPollTimeout = 90 * time.Second
	c := New(cfg, nil)
	clock := &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	c.Sleep = clock.Sleep
	c.Now = clock.Now
	return c, clock
}

func kindOf(t *testing.T, err error) Kind {
	t.Helper()
	var gerr *Error
	if !errors.As(err, &gerr) {
		t.Fatalf("expected *genapi.Error, got %T: %v", err, err)
	}
	return gerr.Kind
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

// ---------------------------------------------------------------------------
// Synchronous responses
// ---------------------------------------------------------------------------

func TestGenerateText_SyncChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer test-key" {
			t.Errorf("missing bearer token")
		}
		if r.Method != http.MethodPost || r.URL.Path != "/api/v1/networks/grok-4-1" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		w.Write([]byte(`{"choices":[{"message":{"content":"  Verse one\nChorus  "}}]}`))
	}))
	defer srv.Close()

	c, _ := testClient(srv.URL)
	text, err := c.GenerateText(context.Background(), []Message{TextMessage("user", "hi")}, nil)
	if err != nil {
		t.Fatalf("GenerateText: %v", err)
	}
	if text != "Verse one\nChorus" {
		t.Errorf("text = %q", text)
	}
}

func TestInvoke_HTTPErrorIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, `{"error":"internal secret detail"}`, http.StatusBadGateway)
	}))
	defer srv.Close()

	c, _ := testClient(srv.URL)
	_, err := c.GenerateText(context.Background(), nil, nil)
	if kindOf(t, err) != KindHTTP {
		t.Errorf("kind = %s, want http", kindOf(t, err))
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", calls.Load())
	}
	if strings.Contains(err.Error(), "secret") {
		t.Errorf("user-facing message leaks provider payload: %q", err.Error())
	}
}

func TestInvoke_ReportedFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":"failed","error":"content policy"}`))
	}))
	defer srv.Close()

	c, _ := testClient(srv.URL)
	_, err := c.GenerateAudio(context.Background(), AudioRequest{Title: "x"}, nil)
	if kindOf(t, err) != KindFailed {
		t.Errorf("kind = %s, want failed", kindOf(t, err))
	}
}

func TestInvoke_ProcessingWithoutRequestID(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Write([]byte(`{"status":"processing"}`))
	}))
	defer srv.Close()

	c, _ := testClient(srv.URL)
	_, err := c.GenerateText(context.Background(), nil, nil)
	if kindOf(t, err) != KindProtocol {
		t.Errorf("kind = %s, want protocol", kindOf(t, err))
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", calls.Load())
	}
}

// ---------------------------------------------------------------------------
// Polling
// ---------------------------------------------------------------------------

func TestGenerateAudio_PollsUntilSuccess(t *testing.T) {
	var polls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost:
			w.Write([]byte(`{"status":"processing","request_id":"77"}`))
		case r.URL.Path == "/api/v1/request/get/77":
			if polls.Add(1) < 3 {
				w.Write([]byte(`{"status":"processing"}`))
				return
			}
			w.Write([]byte(`{"status":"success","result":[{"audio_url":"https://cdn/a.mp3"},{"stream_audio_url":"https://cdn/b.mp3"}]}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c, clock := testClient(srv.URL)
	var pending int64
	urls, err := c.GenerateAudio(context.Background(), AudioRequest{Title: "t", Tags: "pop"}, func(id int64) { pending = id })
	if err != nil {
		t.Fatalf("GenerateAudio: %v", err)
	}
	if pending != 77 {
		t.Errorf("onPending got %d, want 77", pending)
	}
	if urls != [2]string{"https://cdn/a.mp3", "https://cdn/b.mp3"} {
		t.Errorf("urls = %v", urls)
	}
	want := []time.Duration{time.Second, 1150 * time.Millisecond, 1322500 * time.Microsecond}
	if len(clock.sleeps) != len(want) {
		t.Fatalf("sleeps = %v, want %v", clock.sleeps, want)
	}
	for i := range want {
		if d := clock.sleeps[i] - want[i]; d > time.Millisecond || d < -time.Millisecond {
			t.Errorf("sleep[%d] = %s, want %s", i, clock.sleeps[i], want[i])
		}
	}
}

func TestResumeAudio_PollsStoredRequestWithoutSubmitting(t *testing.T) {
	var posts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost:
			posts.Add(1)
			w.Write([]byte(`{"status":"processing","request_id":"1"}`))
		case r.URL.Path == "/api/v1/request/get/91":
			w.Write([]byte(`{"status":"success","result":[{"audio_url":"https://cdn/a.mp3"},{"audio_url":"https://cdn/b.mp3"}]}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c, _ := testClient(srv.URL)
	urls, err := c.ResumeAudio(context.Background(), 91)
	if err != nil {
		t.Fatalf("ResumeAudio: %v", err)
	}
	if urls != [2]string{"https://cdn/a.mp3", "https://cdn/b.mp3"} {
		t.Errorf("urls = %v", urls)
	}
	if posts.Load() != 0 {
		t.Errorf("resume submitted %d new generations", posts.Load())
	}
}

func TestResumeAudio_ProviderFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":"failed","error":"render failed"}`))
	}))
	defer srv.Close()

	c, _ := testClient(srv.URL)
	if _, err := c.ResumeAudio(context.Background(), 5); kindOf(t, err) != KindFailed {
		t.Errorf("kind = %s, want failed", kindOf(t, err))
	}
}

func TestPoll_IntervalCapsAtTwoSeconds(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":"running"}`))
	}))
	defer srv.Close()

	c, clock := testClient(srv.URL)
	_, err := c.Poll(context.Background(), OpText, 1)
	if kindOf(t, err) != KindTimeout {
		t.Fatalf("kind = %s, want timeout", kindOf(t, err))
	}
	for _, d := range clock.sleeps {
		if d > 2*time.Second {
			t.Fatalf("interval %s exceeds cap", d)
		}
	}
	if last := clock.sleeps[len(clock.sleeps)-1]; last != 2*time.Second {
		t.Errorf("last interval = %s, want 2s", last)
	}
}

func TestPoll_AudioTimeoutLongerThanText(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":"queued"}`))
	}))
	defer srv.Close()

	c, clock := testClient(srv.URL)
	start := clock.Now()
	if _, err := c.Poll(context.Background(), OpText, 1); kindOf(t, err) != KindTimeout {
		t.Fatalf("text: expected timeout, got %v", err)
	}
	textElapsed := clock.Now().Sub(start)

	start = clock.Now()
	if _, err := c.Poll(context.Background(), OpAudio, 1); kindOf(t, err) != KindTimeout {
		t.Fatalf("audio: expected timeout, got %v", err)
	}
	audioElapsed := clock.Now().Sub(start)

	if textElapsed < 30*time.Second || textElapsed > 33*time.Second {
		t.Errorf("text poll gave up after %s", textElapsed)
	}
	if audioElapsed < 90*time.Second || audioElapsed > 93*time.Second {
		t.Errorf("audio poll gave up after %s", audioElapsed)
	}
}

// ---------------------------------------------------------------------------
// Transport retries
// ---------------------------------------------------------------------------

func TestSend_ConnectionRefusedExhaustsRetries(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c, clock := testClient(url)
	_, err := c.GenerateText(context.Background(), nil, nil)
	if kindOf(t, err) != KindTransport {
		t.Fatalf("kind = %s, want transport", kindOf(t, err))
	}
	if len(clock.sleeps) != 3 {
		t.Errorf("sleeps = %v, want 3 retries", clock.sleeps)
	}
}

func TestSend_TLSHandshakeScheduleBeforeGeneralBackoff(t *testing.T) {
	var calls atomic.Int32
	c, clock := testClient("https://provider.invalid")
	c.http = &http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
		if calls.Add(1) <= 4 {
			return nil, errors.New("net/http: TLS handshake timeout")
		}
		return &http.Response{
			StatusCode: http.StatusOK,
			Body:       http.NoBody,
			Header:     http.Header{},
		}, nil
	})}

	if _, err := c.send(context.Background(), OpText, http.MethodGet, "https://provider.invalid/x", nil); err != nil {
		t.Fatalf("send: %v", err)
	}
	if calls.Load() != 5 {
		t.Errorf("calls = %d, want 5", calls.Load())
	}
	if len(clock.sleeps) != 4 {
		t.Fatalf("sleeps = %v", clock.sleeps)
	}
	for i, want := range tlsHandshakeSchedule {
		if clock.sleeps[i] != want {
			t.Errorf("sleep[%d] = %s, want %s", i, clock.sleeps[i], want)
		}
	}
	// The fourth failure falls through to the general schedule (1s +/- 10%).
	if d := clock.sleeps[3]; d < 900*time.Millisecond || d > 1100*time.Millisecond {
		t.Errorf("general backoff = %s", d)
	}
}
