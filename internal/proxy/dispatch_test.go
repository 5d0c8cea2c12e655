package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"

	"github.com/relaygate/relaygate/internal/adapters"
	"github.com/relaygate/relaygate/internal/quota"
	"github.com/relaygate/relaygate/internal/registry"
	"github.com/relaygate/relaygate/internal/store"
)

// --- fakes -------------------------------------------------------------------

type fakeAuthStore struct {
	tokens map[string]*store.Token
	users  map[int64]*store.User
}

func (s *fakeAuthStore) GetTokenByKey(_ context.Context, key string) (*store.Token, error) {
	tok, ok := s.tokens[key]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *tok
	return &cp, nil
}

func (s *fakeAuthStore) GetUserByID(_ context.Context, id int64) (*store.User, error) {
	u, ok := s.users[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

// fakeQuotaStore tracks a single balance per user; tokens are unlimited.
type fakeQuotaStore struct {
	mu       sync.Mutex
	balances map[int64]int64
}

func (s *fakeQuotaStore) PreDeduct(_ context.Context, userID, _, amount int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.balances[userID] < amount {
		return store.ErrInsufficientQuota
	}
	s.balances[userID] -= amount
	return nil
}

func (s *fakeQuotaStore) AdjustQuota(_ context.Context, userID, _, delta int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.balances[userID] += delta
	return nil
}

func (s *fakeQuotaStore) balance(userID int64) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.balances[userID]
}

type fakeChannelLister struct {
	channels []*store.Channel
}

func (s *fakeChannelLister) ListEnabledChannels(context.Context) ([]*store.Channel, error) {
	return s.channels, nil
}

// --- harness -----------------------------------------------------------------

type testEnv struct {
	gw     *Gateway
	quotas *fakeQuotaStore
	client *http.Client
	close  func()
}

const testUserID = 1

func newTestEnv(t *testing.T, channels []*store.Channel, startingQuota int64) *testEnv {
	t.Helper()

	auth := &fakeAuthStore{
		tokens: map[string]*store.Token{
			"sk-test": {ID: 10, UserID: testUserID, Key: "sk-test",
				Status: store.StatusEnabled, RemainQuota: store.UnlimitedQuota},
		},
		users: map[int64]*store.User{
			testUserID: {ID: testUserID, Group: "default",
				Status: store.StatusEnabled, Quota: startingQuota},
		},
	}

	reg := registry.New(&fakeChannelLister{channels: channels}, nil, testLogger(), time.Minute)
	if err := reg.Refresh(context.Background()); err != nil {
		t.Fatal(err)
	}

	quotas := &fakeQuotaStore{balances: map[int64]int64{testUserID: startingQuota}}
	ledger := quota.NewLedger(quotas, testLogger())
	breaker := NewBreaker(newRecordingBreakerStore(), &recordingInvalidator{}, nil, nil, testLogger(), 3)
	up := NewUpstream(time.Second, 10*time.Second)

	gw := NewGateway(auth, reg, ledger, nil, breaker, up, GatewayOptions{Logger: testLogger()})

	ln := fasthttputil.NewInmemoryListener()
	go func() {
		_ = fasthttp.Serve(ln, gw.Handler(nil))
	}()

	client := &http.Client{
		Transport: &http.Transport{
			DialContext: func(context.Context, string, string) (net.Conn, error) {
				return ln.Dial()
			},
		},
	}

	return &testEnv{gw: gw, quotas: quotas, client: client, close: func() { ln.Close() }}
}

func (e *testEnv) post(t *testing.T, path string, body any, auth string) *http.Response {
	t.Helper()
	payload, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	req, err := http.NewRequest(http.MethodPost, "http://test"+path, bytes.NewReader(payload))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if auth != "" {
		req.Header.Set("Authorization", "Bearer "+auth)
	}
	resp, err := e.client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func readAll(t *testing.T, resp *http.Response) []byte {
	t.Helper()
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return data
}

// chatUpstream serves a canned OpenAI chat completion with the given usage.
func chatUpstream(t *testing.T, promptTokens, completionTokens int, hits *int32) *httptest.Server {
	t.Helper()
	var mu sync.Mutex
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits != nil {
			mu.Lock()
			*hits++
			mu.Unlock()
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"id":"chatcmpl-1","object":"chat.completion","model":"gpt-3.5-turbo",
			"choices":[{"index":0,"message":{"role":"assistant","content":"hello"},"finish_reason":"stop"}],
			"usage":{"prompt_tokens":%d,"completion_tokens":%d}}`, promptTokens, completionTokens)
	}))
}

func openaiChannel(id int64, name, baseURL string, priority int64) *store.Channel {
	return &store.Channel{
		ID:       id,
		Name:     name,
		Type:     adapters.TypeOpenAI,
		BaseURL:  baseURL,
		Key:      "upstream-key",
		Models:   []string{"gpt-3.5-turbo"},
		Priority: priority,
		Weight:   1,
		Status:   store.ChannelEnabled,
	}
}

func chatBody(maxTokens int, stream bool) map[string]any {
	body := map[string]any{
		"model":    "gpt-3.5-turbo",
		"messages": []any{map[string]any{"role": "user", "content": "hello"}},
	}
	if maxTokens > 0 {
		body["max_tokens"] = maxTokens
	}
	if stream {
		body["stream"] = true
	}
	return body
}

// --- tests -------------------------------------------------------------------

func TestChatRelaySuccessBillsMeasuredUsage(t *testing.T) {
	ts := chatUpstream(t, 100, 200, nil)
	defer ts.Close()

	env := newTestEnv(t, []*store.Channel{openaiChannel(1, "primary", ts.URL, 10)}, 100_000)
	defer env.close()

	resp := env.post(t, "/v1/chat/completions", chatBody(1000, false), "sk-test")
	body := readAll(t, resp)

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body = %s", resp.StatusCode, body)
	}
	var out struct {
		Choices []struct {
			Message struct{ Content string }
		}
	}
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatal(err)
	}
	if len(out.Choices) != 1 || out.Choices[0].Message.Content != "hello" {
		t.Fatalf("unexpected response: %s", body)
	}
	if resp.Header.Get("X-Request-ID") == "" {
		t.Error("missing X-Request-ID header")
	}

	// ceil((100 + 200*1.33) * 1) = 366
	wantCost := int64(366)
	if got := 100_000 - env.quotas.balance(testUserID); got != wantCost {
		t.Fatalf("charged %d, want %d", got, wantCost)
	}
}

func TestChatRelayRejectsMissingAuth(t *testing.T) {
	env := newTestEnv(t, nil, 1000)
	defer env.close()

	resp := env.post(t, "/v1/chat/completions", chatBody(0, false), "")
	readAll(t, resp)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}

	resp = env.post(t, "/v1/chat/completions", chatBody(0, false), "sk-wrong")
	readAll(t, resp)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
}

func TestChatRelayNoChannelForModel(t *testing.T) {
	env := newTestEnv(t, nil, 1000)
	defer env.close()

	resp := env.post(t, "/v1/chat/completions", chatBody(0, false), "sk-test")
	body := readAll(t, resp)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503; body = %s", resp.StatusCode, body)
	}
	if !bytes.Contains(body, []byte("no_channel_available")) {
		t.Fatalf("body = %s, want no_channel_available code", body)
	}
}

func TestChatRelayInsufficientQuota(t *testing.T) {
	ts := chatUpstream(t, 10, 10, nil)
	defer ts.Close()

	env := newTestEnv(t, []*store.Channel{openaiChannel(1, "primary", ts.URL, 10)}, 5)
	defer env.close()

	resp := env.post(t, "/v1/chat/completions", chatBody(100, false), "sk-test")
	body := readAll(t, resp)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want 403; body = %s", resp.StatusCode, body)
	}
	if !bytes.Contains(body, []byte("insufficient_quota")) {
		t.Fatalf("body = %s, want insufficient_quota", body)
	}
	if env.quotas.balance(testUserID) != 5 {
		t.Fatalf("balance changed to %d on rejected request", env.quotas.balance(testUserID))
	}
}

func TestChatRelayFailsOverToNextChannel(t *testing.T) {
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprint(w, `{"error":{"message":"upstream exploded"}}`)
	}))
	defer bad.Close()
	good := chatUpstream(t, 100, 200, nil)
	defer good.Close()

	env := newTestEnv(t, []*store.Channel{
		openaiChannel(1, "primary", bad.URL, 10),
		openaiChannel(2, "fallback", good.URL, 5),
	}, 100_000)
	defer env.close()

	resp := env.post(t, "/v1/chat/completions", chatBody(1000, false), "sk-test")
	body := readAll(t, resp)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body = %s", resp.StatusCode, body)
	}

	// The failed attempt must be refunded in full: only the fallback's
	// measured cost remains charged.
	if got := 100_000 - env.quotas.balance(testUserID); got != 366 {
		t.Fatalf("charged %d after failover, want 366", got)
	}
	if env.gw.breaker.Failures(1) != 1 {
		t.Fatalf("primary failure count = %d, want 1", env.gw.breaker.Failures(1))
	}
}

func TestChatRelayClientErrorFailsOver(t *testing.T) {
	var fallbackHits int32
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"error":{"message":"model not found"}}`)
	}))
	defer bad.Close()
	fallback := chatUpstream(t, 100, 200, &fallbackHits)
	defer fallback.Close()

	env := newTestEnv(t, []*store.Channel{
		openaiChannel(1, "primary", bad.URL, 10),
		openaiChannel(2, "fallback", fallback.URL, 5),
	}, 100_000)
	defer env.close()

	resp := env.post(t, "/v1/chat/completions", chatBody(100, false), "sk-test")
	body := readAll(t, resp)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body = %s; want 200 from the fallback", resp.StatusCode, body)
	}
	if fallbackHits != 1 {
		t.Fatalf("fallback hits = %d, want 1", fallbackHits)
	}

	// The rejected attempt is refunded; only the fallback's usage is billed.
	if got := 100_000 - env.quotas.balance(testUserID); got != 366 {
		t.Fatalf("charged %d, want 366", got)
	}
	// Client errors say nothing about channel health.
	if env.gw.breaker.Failures(1) != 0 {
		t.Fatalf("breaker advanced on client error: %d", env.gw.breaker.Failures(1))
	}
}

func TestChatRelayAllClientErrorsReturnAggregate(t *testing.T) {
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":{"message":"context length exceeded"}}`)
	}))
	defer bad.Close()

	env := newTestEnv(t, []*store.Channel{
		openaiChannel(1, "primary", bad.URL, 10),
		openaiChannel(2, "secondary", bad.URL, 5),
	}, 100_000)
	defer env.close()

	resp := env.post(t, "/v1/chat/completions", chatBody(100, false), "sk-test")
	body := readAll(t, resp)
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502 after both candidates rejected", resp.StatusCode)
	}
	if !bytes.Contains(body, []byte("all_channels_exhausted")) {
		t.Fatalf("body = %s, want all_channels_exhausted code", body)
	}
	// Both reservations refunded in full.
	if env.quotas.balance(testUserID) != 100_000 {
		t.Fatalf("balance = %d, want untouched 100000", env.quotas.balance(testUserID))
	}
}

func TestChatRelayTokenModelAllowlist(t *testing.T) {
	ts := chatUpstream(t, 1, 1, nil)
	defer ts.Close()

	env := newTestEnv(t, []*store.Channel{openaiChannel(1, "primary", ts.URL, 10)}, 1000)
	defer env.close()

	// Restrict the token to a different model.
	env.gw.auth.(*fakeAuthStore).tokens["sk-test"].Models = []string{"gpt-4"}

	resp := env.post(t, "/v1/chat/completions", chatBody(0, false), "sk-test")
	body := readAll(t, resp)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want 403; body = %s", resp.StatusCode, body)
	}
	if !bytes.Contains(body, []byte("model_not_allowed")) {
		t.Fatalf("body = %s, want model_not_allowed", body)
	}
}

func TestChatRelayStreamingBillsByteEstimate(t *testing.T) {
	chunk1 := "data: {\"choices\":[{\"delta\":{\"content\":\"hel\"}}]}\n\n"
	chunk2 := "data: [DONE]\n\n"
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		io.WriteString(w, chunk1)
		flusher.Flush()
		io.WriteString(w, chunk2)
		flusher.Flush()
	}))
	defer ts.Close()

	env := newTestEnv(t, []*store.Channel{openaiChannel(1, "primary", ts.URL, 10)}, 100_000)
	defer env.close()

	resp := env.post(t, "/v1/chat/completions", chatBody(100, true), "sk-test")
	body := readAll(t, resp)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body = %s", resp.StatusCode, body)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q, want text/event-stream", ct)
	}
	if string(body) != chunk1+chunk2 {
		t.Fatalf("stream body = %q, want verbatim relay", body)
	}

	// The stream settles quota before closing the body, so the balance is
	// final once the client sees EOF.
	tokens := int64(len(body)) / streamBytesPerToken
	wantCost := quota.Cost(nil, "gpt-3.5-turbo", "default", 0, tokens)
	if got := 100_000 - env.quotas.balance(testUserID); got != wantCost {
		t.Fatalf("charged %d for %d streamed bytes, want %d", got, len(body), wantCost)
	}
}

func TestStreamClientDisconnectStillBillsUpstreamBytes(t *testing.T) {
	chunkA := "data: {\"choices\":[{\"delta\":{\"content\":\"one\"}}]}\n\n"
	chunkB := strings.Repeat("data: {\"choices\":[{\"delta\":{\"content\":\"more\"}}]}\n\n", 50)
	release := make(chan struct{})
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		io.WriteString(w, chunkA)
		flusher.Flush()
		<-release
		io.WriteString(w, chunkB)
		flusher.Flush()
	}))
	defer ts.Close()

	env := newTestEnv(t, []*store.Channel{openaiChannel(1, "primary", ts.URL, 10)}, 100_000)
	defer env.close()

	payload, err := json.Marshal(chatBody(100, true))
	if err != nil {
		t.Fatal(err)
	}
	req, err := http.NewRequest(http.MethodPost, "http://test/v1/chat/completions", bytes.NewReader(payload))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer sk-test")
	req.Close = true
	resp, err := env.client.Do(req)
	if err != nil {
		t.Fatal(err)
	}

	// Read the first chunk, then hang up before the upstream finishes.
	first := make([]byte, len(chunkA))
	if _, err := io.ReadFull(resp.Body, first); err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	close(release)

	// The bill covers everything the upstream generated, not just the bytes
	// the client stayed around for.
	wantTokens := int64(len(chunkA)+len(chunkB)) / streamBytesPerToken
	wantCost := quota.Cost(nil, "gpt-3.5-turbo", "default", 0, wantTokens)
	waitFor(t, func() bool {
		return 100_000-env.quotas.balance(testUserID) == wantCost
	})
}

func TestAudioTranscriptionRelay(t *testing.T) {
	var gotModel string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("upstream did not receive multipart: %v", err)
		}
		gotModel = r.FormValue("model")
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"text":"hello world transcript"}`)
	}))
	defer ts.Close()

	ch := openaiChannel(1, "primary", ts.URL, 10)
	ch.Models = []string{"whisper-1"}
	ch.ModelMapping = map[string]string{"whisper-1": "whisper-large"}
	env := newTestEnv(t, []*store.Channel{ch}, 100_000)
	defer env.close()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := mw.WriteField("model", "whisper-1"); err != nil {
		t.Fatal(err)
	}
	part, err := mw.CreateFormFile("file", "audio.mp3")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := part.Write([]byte("fake audio bytes")); err != nil {
		t.Fatal(err)
	}
	if err := mw.Close(); err != nil {
		t.Fatal(err)
	}

	req, err := http.NewRequest(http.MethodPost, "http://test/v1/audio/transcriptions", &buf)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer sk-test")
	resp, err := env.client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	body := readAll(t, resp)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body = %s", resp.StatusCode, body)
	}
	if !bytes.Contains(body, []byte("hello world transcript")) {
		t.Fatalf("body = %s, want upstream transcript passthrough", body)
	}
	if gotModel != "whisper-large" {
		t.Fatalf("upstream model = %q, want remapped whisper-large", gotModel)
	}

	// 22 characters of transcript bill 5 tokens at ratio 1.
	if got := 100_000 - env.quotas.balance(testUserID); got != 5 {
		t.Fatalf("charged %d, want 5", got)
	}
}

// statusChannelStore backs the registry and the breaker with the same rows:
// a status flip written by the breaker disappears from the next
// enabled-channel listing, the way the database behaves in production.
type statusChannelStore struct {
	mu       sync.Mutex
	channels []*store.Channel
}

func (s *statusChannelStore) ListEnabledChannels(context.Context) ([]*store.Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*store.Channel
	for _, ch := range s.channels {
		if ch.Status == store.ChannelEnabled {
			out = append(out, ch)
		}
	}
	return out, nil
}

func (s *statusChannelStore) SetChannelStatus(_ context.Context, id int64, status int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.channels {
		if ch.ID == id {
			ch.Status = status
		}
	}
	return nil
}

func TestAutoDisabledChannelLeavesCandidateSet(t *testing.T) {
	var mu sync.Mutex
	badHits := 0
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		mu.Lock()
		badHits++
		mu.Unlock()
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprint(w, `{"error":{"message":"upstream exploded"}}`)
	}))
	defer bad.Close()
	good := chatUpstream(t, 100, 200, nil)
	defer good.Close()

	chStore := &statusChannelStore{channels: []*store.Channel{
		openaiChannel(1, "flaky", bad.URL, 10),
		openaiChannel(2, "steady", good.URL, 5),
	}}

	auth := &fakeAuthStore{
		tokens: map[string]*store.Token{
			"sk-test": {ID: 10, UserID: testUserID, Key: "sk-test",
				Status: store.StatusEnabled, RemainQuota: store.UnlimitedQuota},
		},
		users: map[int64]*store.User{
			testUserID: {ID: testUserID, Group: "default",
				Status: store.StatusEnabled, Quota: 1_000_000},
		},
	}
	reg := registry.New(chStore, nil, testLogger(), time.Minute)
	if err := reg.Refresh(context.Background()); err != nil {
		t.Fatal(err)
	}
	quotas := &fakeQuotaStore{balances: map[int64]int64{testUserID: 1_000_000}}
	ledger := quota.NewLedger(quotas, testLogger())
	breaker := NewBreaker(chStore, reg, nil, nil, testLogger(), 3)
	up := NewUpstream(time.Second, 10*time.Second)
	gw := NewGateway(auth, reg, ledger, nil, breaker, up, GatewayOptions{Logger: testLogger()})

	ln := fasthttputil.NewInmemoryListener()
	defer ln.Close()
	go func() {
		_ = fasthttp.Serve(ln, gw.Handler(nil))
	}()
	client := &http.Client{
		Transport: &http.Transport{
			DialContext: func(context.Context, string, string) (net.Conn, error) {
				return ln.Dial()
			},
		},
	}
	env := &testEnv{gw: gw, quotas: quotas, client: client, close: func() {}}

	// Three requests, three qualifying failures on the flaky channel; each
	// request still succeeds through the fallback.
	for i := 0; i < 3; i++ {
		resp := env.post(t, "/v1/chat/completions", chatBody(100, false), "sk-test")
		readAll(t, resp)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("request %d: status = %d, want 200 via fallback", i+1, resp.StatusCode)
		}
	}
	mu.Lock()
	if badHits != 3 {
		mu.Unlock()
		t.Fatalf("flaky channel hits = %d, want 3", badHits)
	}
	mu.Unlock()

	// The trip flips the status and re-resolves the snapshot in the
	// background; wait for the flaky channel to drop out.
	waitFor(t, func() bool {
		chs := reg.ChannelsForModel("gpt-3.5-turbo")
		return len(chs) == 1 && chs[0].ID == 2
	})

	resp := env.post(t, "/v1/chat/completions", chatBody(100, false), "sk-test")
	readAll(t, resp)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status after trip = %d, want 200", resp.StatusCode)
	}
	mu.Lock()
	defer mu.Unlock()
	if badHits != 3 {
		t.Fatalf("disabled channel was attempted again: hits = %d", badHits)
	}
}

func TestConversationTextSpansAllMessages(t *testing.T) {
	conv := func(system string) map[string]any {
		return map[string]any{
			"model": "gpt-3.5-turbo",
			"messages": []any{
				map[string]any{"role": "system", "content": system},
				map[string]any{"role": "user", "content": "Tell me a story."},
			},
		}
	}

	pirate := conversationText(conv("You are a pirate."))
	banker := conversationText(conv("You are a banker."))
	if pirate == banker {
		t.Fatalf("conversations with different context share key %q", pirate)
	}
	if pirate != "You are a pirate. Tell me a story." {
		t.Fatalf("key = %q, want every message's text concatenated", pirate)
	}

	structured := map[string]any{
		"messages": []any{
			map[string]any{"role": "user", "content": []any{
				map[string]any{"type": "text", "text": "describe"},
				map[string]any{"type": "image_url", "image_url": map[string]any{"url": "data:..."}},
				map[string]any{"type": "text", "text": "this"},
			}},
		},
	}
	if got := conversationText(structured); got != "describe this" {
		t.Fatalf("structured content key = %q, want text parts only", got)
	}
}

func TestModelsEndpointListsRegistryModels(t *testing.T) {
	env := newTestEnv(t, []*store.Channel{
		openaiChannel(1, "primary", "http://unused", 10),
	}, 1000)
	defer env.close()

	req, err := http.NewRequest(http.MethodGet, "http://test/v1/models", nil)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Authorization", "Bearer sk-test")
	resp, err := env.client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	body := readAll(t, resp)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body = %s", resp.StatusCode, body)
	}

	var out struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatal(err)
	}
	if len(out.Data) != 1 || out.Data[0].ID != "gpt-3.5-turbo" {
		t.Fatalf("models = %s", body)
	}
}
