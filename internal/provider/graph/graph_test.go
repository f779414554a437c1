package graph

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shineum/smtp-inbox-lite/internal/email"
)

func TestBuildSendMailRequest_RecipientSubset(t *testing.T) {
	t.Parallel()

	msg := email.NewMessage("alice@local.test",
		[]string{"bob@local.test", "carol@remote.test", "dave@other.test"},
		"Subject: Quarterly\nFrom: alice@local.test\n\nNumbers attached.\n")

	req := buildSendMailRequest(msg, []string{"carol@remote.test", "dave@other.test"})

	if req.Message.Subject != "Quarterly" {
		t.Errorf("Subject: got %q, want %q", req.Message.Subject, "Quarterly")
	}
	if req.Message.Body.ContentType != "text" {
		t.Errorf("Body.ContentType: got %q, want text", req.Message.Body.ContentType)
	}
	if len(req.Message.ToRecipients) != 2 {
		t.Fatalf("ToRecipients count: got %d, want 2", len(req.Message.ToRecipients))
	}
	if got := req.Message.ToRecipients[0].EmailAddress.Address; got != "carol@remote.test" {
		t.Errorf("ToRecipients[0]: got %q, want carol@remote.test", got)
	}
	if got := req.Message.ToRecipients[1].EmailAddress.Address; got != "dave@other.test" {
		t.Errorf("ToRecipients[1]: got %q, want dave@other.test", got)
	}
	if len(req.Message.ReplyTo) != 1 || req.Message.ReplyTo[0].EmailAddress.Address != "alice@local.test" {
		t.Errorf("ReplyTo: got %+v, want alice@local.test", req.Message.ReplyTo)
	}
}

func TestBuildSendMailRequest_AttachesOriginal(t *testing.T) {
	t.Parallel()

	msg := email.NewMessage("alice@local.test", []string{"carol@remote.test"},
		"Subject: Hi\nX-Custom: kept\n\nbody\n")

	req := buildSendMailRequest(msg, []string{"carol@remote.test"})

	if len(req.Message.Attachments) != 1 {
		t.Fatalf("Attachments count: got %d, want 1", len(req.Message.Attachments))
	}
	att := req.Message.Attachments[0]
	if att.ODataType != "#microsoft.graph.fileAttachment" {
		t.Errorf("ODataType: got %q", att.ODataType)
	}
	if att.Name != "original.eml" || att.ContentType != "message/rfc822" {
		t.Errorf("attachment: got %q (%s), want original.eml (message/rfc822)", att.Name, att.ContentType)
	}

	raw, err := base64.StdEncoding.DecodeString(att.ContentBytes)
	if err != nil {
		t.Fatalf("ContentBytes is not base64: %v", err)
	}
	if string(raw) != string(msg.CRLFContent()) {
		t.Errorf("attached content: got %q, want %q", raw, msg.CRLFContent())
	}
}

func TestBuildSendMailRequest_HTMLOnly(t *testing.T) {
	t.Parallel()

	msg := email.NewMessage("", []string{"carol@remote.test"},
		"Subject: Promo\nContent-Type: text/html\n\n<p>Sale</p>\n")

	req := buildSendMailRequest(msg, []string{"carol@remote.test"})

	if req.Message.Body.ContentType != "html" {
		t.Errorf("Body.ContentType: got %q, want html", req.Message.Body.ContentType)
	}
	if req.Message.ReplyTo != nil {
		t.Errorf("ReplyTo for null sender: got %+v, want none", req.Message.ReplyTo)
	}
}

func TestBuildSendMailRequest_UnparseableContent(t *testing.T) {
	t.Parallel()

	msg := email.NewMessage("a@local.test", []string{"b@remote.test"}, "just a line")

	req := buildSendMailRequest(msg, []string{"b@remote.test"})

	if req.Message.Subject != "" {
		t.Errorf("Subject: got %q, want empty", req.Message.Subject)
	}
	if len(req.Message.Attachments) != 1 {
		t.Errorf("original must still be attached, got %d attachments", len(req.Message.Attachments))
	}
}

func TestGraphProvider_Name(t *testing.T) {
	t.Parallel()

	p := &GraphProvider{}
	if p.Name() != "msgraph" {
		t.Errorf("Name: got %q, want %q", p.Name(), "msgraph")
	}
}

// newTokenServer issues tokens "token-1", "token-2", ... and counts requests.
func newTokenServer(t *testing.T, calls *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		if err := r.ParseForm(); err != nil {
			t.Errorf("token request form: %v", err)
		}
		if got := r.PostForm.Get("grant_type"); got != "client_credentials" {
			t.Errorf("grant_type: got %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(tokenResponse{
			AccessToken: "token-" + string(rune('0'+n)),
			ExpiresIn:   3600,
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestProvider(t *testing.T, graphURL, tokenURL string) *GraphProvider {
	t.Helper()
	p := newWithOverrides(GraphProviderConfig{
		TenantID:     "tenant",
		ClientID:     "client",
		ClientSecret: "secret",
		Sender:       "relay@local.test",
	}, graphURL, tokenURL, &http.Client{Timeout: 5 * time.Second})
	p.baseDelay = time.Millisecond
	return p
}

func testMessage() *email.Message {
	return email.NewMessage("alice@local.test", []string{"carol@remote.test"}, "Subject: Test\n\nHello\n")
}

func TestGraphProvider_SendSuccess(t *testing.T) {
	t.Parallel()

	var tokenCalls atomic.Int32
	tokenServer := newTokenServer(t, &tokenCalls)

	graphServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer token-1" {
			t.Errorf("Authorization header: got %q, want %q", got, "Bearer token-1")
		}
		if got := r.Header.Get("Content-Type"); got != "application/json" {
			t.Errorf("Content-Type header: got %q", got)
		}

		var body sendMailRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("failed to decode request body: %v", err)
		}
		if body.Message.Subject != "Test" {
			t.Errorf("Subject in body: got %q, want %q", body.Message.Subject, "Test")
		}
		if len(body.Message.ToRecipients) != 1 {
			t.Errorf("ToRecipients: got %d, want 1", len(body.Message.ToRecipients))
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer graphServer.Close()

	p := newTestProvider(t, graphServer.URL, tokenServer.URL)
	if err := p.Send(context.Background(), testMessage(), []string{"carol@remote.test"}); err != nil {
		t.Fatalf("Send: unexpected error: %v", err)
	}

	// The cached token serves the second send.
	if err := p.Send(context.Background(), testMessage(), []string{"carol@remote.test"}); err != nil {
		t.Fatalf("second Send: unexpected error: %v", err)
	}
	if n := tokenCalls.Load(); n != 1 {
		t.Errorf("token requests: got %d, want 1", n)
	}
}

func TestGraphProvider_RefreshOn401(t *testing.T) {
	t.Parallel()

	var tokenCalls atomic.Int32
	tokenServer := newTokenServer(t, &tokenCalls)

	graphServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") == "Bearer token-1" {
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"error":{"code":"InvalidAuthenticationToken","message":"expired"}}`))
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer graphServer.Close()

	p := newTestProvider(t, graphServer.URL, tokenServer.URL)
	if err := p.Send(context.Background(), testMessage(), []string{"carol@remote.test"}); err != nil {
		t.Fatalf("Send: unexpected error: %v", err)
	}
	if n := tokenCalls.Load(); n != 2 {
		t.Errorf("token requests: got %d, want 2", n)
	}
}

func TestGraphProvider_RetryAfterRateLimit(t *testing.T) {
	t.Parallel()

	var tokenCalls, sendCalls atomic.Int32
	tokenServer := newTokenServer(t, &tokenCalls)

	graphServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if sendCalls.Add(1) == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer graphServer.Close()

	p := newTestProvider(t, graphServer.URL, tokenServer.URL)
	if err := p.Send(context.Background(), testMessage(), []string{"carol@remote.test"}); err != nil {
		t.Fatalf("Send: unexpected error: %v", err)
	}
	if n := sendCalls.Load(); n != 2 {
		t.Errorf("sendMail requests: got %d, want 2", n)
	}
}

func TestGraphProvider_PermanentError(t *testing.T) {
	t.Parallel()

	var tokenCalls, sendCalls atomic.Int32
	tokenServer := newTokenServer(t, &tokenCalls)

	graphServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sendCalls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":{"code":"ErrorInvalidRecipients","message":"invalid recipient"}}`))
	}))
	defer graphServer.Close()

	p := newTestProvider(t, graphServer.URL, tokenServer.URL)
	err := p.Send(context.Background(), testMessage(), []string{"carol@remote.test"})

	var sendErr *sendError
	if !errors.As(err, &sendErr) {
		t.Fatalf("Send: got %v, want *sendError", err)
	}
	if sendErr.statusCode != http.StatusBadRequest || sendErr.message != "invalid recipient" {
		t.Errorf("sendError: got %d %q", sendErr.statusCode, sendErr.message)
	}
	if n := sendCalls.Load(); n != 1 {
		t.Errorf("sendMail requests: got %d, want 1 (no retry)", n)
	}
}

func TestGraphProvider_TransientExhausted(t *testing.T) {
	t.Parallel()

	var tokenCalls, sendCalls atomic.Int32
	tokenServer := newTokenServer(t, &tokenCalls)

	graphServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sendCalls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer graphServer.Close()

	p := newTestProvider(t, graphServer.URL, tokenServer.URL)
	if err := p.Send(context.Background(), testMessage(), []string{"carol@remote.test"}); err == nil {
		t.Fatal("Send: expected error after retries")
	}
	if n := sendCalls.Load(); n != maxRetries+1 {
		t.Errorf("sendMail requests: got %d, want %d", n, maxRetries+1)
	}
}

func TestGraphProvider_ContextCancelledDuringBackoff(t *testing.T) {
	t.Parallel()

	var tokenCalls atomic.Int32
	tokenServer := newTokenServer(t, &tokenCalls)

	graphServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer graphServer.Close()

	p := newTestProvider(t, graphServer.URL, tokenServer.URL)
	p.baseDelay = time.Hour

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := p.Send(ctx, testMessage(), []string{"carol@remote.test"})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Send: got %v, want context.DeadlineExceeded", err)
	}
}

func TestGraphProvider_TokenFailure(t *testing.T) {
	t.Parallel()

	tokenServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":"invalid_client"}`))
	}))
	defer tokenServer.Close()

	graphServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("sendMail must not be called without a token")
	}))
	defer graphServer.Close()

	p := newTestProvider(t, graphServer.URL, tokenServer.URL)
	if err := p.Send(context.Background(), testMessage(), []string{"carol@remote.test"}); err == nil {
		t.Fatal("Send: expected error when the token endpoint fails")
	}
}

func TestClassifyError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		status    int
		transient bool
	}{
		{http.StatusBadRequest, false},
		{http.StatusUnauthorized, true},
		{http.StatusForbidden, false},
		{http.StatusNotFound, false},
		{http.StatusTooManyRequests, true},
		{http.StatusInternalServerError, true},
		{http.StatusServiceUnavailable, true},
	}

	for _, tt := range tests {
		err := classifyError(tt.status, "x", "")
		if err.transient != tt.transient || err.permanent == tt.transient {
			t.Errorf("classifyError(%d): transient=%v permanent=%v, want transient=%v",
				tt.status, err.transient, err.permanent, tt.transient)
		}
	}
}
