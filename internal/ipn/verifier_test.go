package ipn_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/groupsub/internal/ipn"
)

type recordingTransport struct {
	mu     sync.Mutex
	resp   ipn.Response
	err    error
	urls   []string
	bodies []string
	block  chan struct{}
}

func (t *recordingTransport) Post(_ context.Context, url string, body []byte) (ipn.Response, error) {
	t.mu.Lock()
	t.urls = append(t.urls, url)
	t.bodies = append(t.bodies, string(body))
	t.mu.Unlock()
	if t.block != nil {
		<-t.block
	}
	return t.resp, t.err
}

func (t *recordingTransport) calls() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.urls)
}

type countingProcessor struct {
	mu     sync.Mutex
	result bool
	calls  int
	seen   []ipn.Notification
	panics bool
}

func (p *countingProcessor) ProcessTransaction(ctx context.Context) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if n, ok := ipn.NotificationFromContext(ctx); ok {
		p.seen = append(p.seen, n)
	}
	if p.panics {
		panic("processor exploded")
	}
	return p.result
}

func verified() *recordingTransport {
	return &recordingTransport{resp: ipn.Response{StatusCode: http.StatusOK, Body: []byte("VERIFIED")}}
}

func post(t *testing.T, v *ipn.Verifier, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/groupsub/ipn", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rr := httptest.NewRecorder()
	v.Handle(rr, req)
	require.Empty(t, rr.Body.String())
	return rr
}

func TestHandlePingWithoutTxnID(t *testing.T) {
	transport := verified()
	processor := &countingProcessor{result: true}
	v := ipn.NewVerifier(ipn.Config{}, transport, processor, zerolog.Nop())

	for _, body := range []string{"", "payment_status=Completed", "txn_type=web_accept&txn_idx=1", "cmd=ping"} {
		rr := post(t, v, body)
		require.Equal(t, http.StatusOK, rr.Code, body)
	}
	require.Zero(t, transport.calls())
	require.Zero(t, processor.calls)
}

func TestHandleVerifiedProcessed(t *testing.T) {
	transport := verified()
	processor := &countingProcessor{result: true}
	v := ipn.NewVerifier(ipn.Config{}, transport, processor, zerolog.Nop())

	rr := post(t, v, "txn_id=9XH1&payment_status=Completed&payment_date=10:00:00+0000")
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, 1, processor.calls)
	require.Equal(t, []string{"cmd=_notify-validate&txn_id=9XH1&payment_status=Completed&payment_date=10%3A00%3A00%2B0000"}, transport.bodies)

	n := processor.seen[0]
	require.Equal(t, "9XH1", n.TxnID())
	require.Equal(t, "10:00:00+0000", n.Fields.Value("payment_date"))
	require.False(t, n.Sandbox)
}

func TestHandleMalformedTxnIDIsVerified(t *testing.T) {
	for _, body := range []string{"txn_id=ABC%zz", "txn_id=1;2&payment_status=Completed"} {
		transport := &recordingTransport{resp: ipn.Response{StatusCode: http.StatusOK, Body: []byte("INVALID")}}
		processor := &countingProcessor{result: true}
		v := ipn.NewVerifier(ipn.Config{}, transport, processor, zerolog.Nop())

		rr := post(t, v, body)
		require.Equal(t, http.StatusBadRequest, rr.Code, body)
		require.Equal(t, 1, transport.calls(), body)
		require.Zero(t, processor.calls)
	}
}

func TestHandleVerifiedProcessingFails(t *testing.T) {
	processor := &countingProcessor{result: false}
	v := ipn.NewVerifier(ipn.Config{}, verified(), processor, zerolog.Nop())

	rr := post(t, v, "txn_id=9XH1")
	require.Equal(t, http.StatusBadRequest, rr.Code)
	require.Equal(t, 1, processor.calls)
}

func TestHandleProcessorPanic(t *testing.T) {
	processor := &countingProcessor{panics: true}
	v := ipn.NewVerifier(ipn.Config{}, verified(), processor, zerolog.Nop())

	rr := post(t, v, "txn_id=9XH1")
	require.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestHandleRejected(t *testing.T) {
	cases := map[string]*recordingTransport{
		"invalid":        {resp: ipn.Response{StatusCode: http.StatusOK, Body: []byte("INVALID")}},
		"server error":   {resp: ipn.Response{StatusCode: http.StatusInternalServerError, Body: []byte("VERIFIED")}},
		"trailing bytes": {resp: ipn.Response{StatusCode: http.StatusOK, Body: []byte("VERIFIED\n")}},
		"lowercase":      {resp: ipn.Response{StatusCode: http.StatusOK, Body: []byte("verified")}},
		"network":        {err: errors.New("connection refused")},
	}
	for name, transport := range cases {
		t.Run(name, func(t *testing.T) {
			processor := &countingProcessor{result: true}
			v := ipn.NewVerifier(ipn.Config{}, transport, processor, zerolog.Nop())

			rr := post(t, v, "txn_id=9XH1")
			require.Equal(t, http.StatusBadRequest, rr.Code)
			require.Zero(t, processor.calls)
			require.Equal(t, 1, transport.calls())
		})
	}
}

func TestHandleEndpointSelection(t *testing.T) {
	live := verified()
	ipn.NewVerifier(ipn.Config{Sandbox: false}, live, &countingProcessor{result: true}, zerolog.Nop()).
		Handle(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/groupsub/ipn", strings.NewReader("txn_id=1")))
	require.Equal(t, []string{"https://ipnpb.paypal.com/cgi-bin/webscr"}, live.urls)

	sandbox := verified()
	processor := &countingProcessor{result: true}
	ipn.NewVerifier(ipn.Config{Sandbox: true}, sandbox, processor, zerolog.Nop()).
		Handle(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/groupsub/ipn", strings.NewReader("txn_id=1")))
	require.Equal(t, []string{"https://ipnpb.sandbox.paypal.com/cgi-bin/webscr"}, sandbox.urls)
	require.True(t, processor.seen[0].Sandbox)
}

func TestHandleNoDeduplication(t *testing.T) {
	transport := verified()
	processor := &countingProcessor{result: true}
	v := ipn.NewVerifier(ipn.Config{}, transport, processor, zerolog.Nop())

	body := "txn_id=DUP1&payment_status=Completed"
	require.Equal(t, http.StatusOK, post(t, v, body).Code)
	require.Equal(t, http.StatusOK, post(t, v, body).Code)
	require.Equal(t, 2, processor.calls)
	require.Equal(t, 2, transport.calls())
}

func TestHandleTimeout(t *testing.T) {
	transport := verified()
	transport.block = make(chan struct{})
	t.Cleanup(func() { close(transport.block) })
	processor := &countingProcessor{result: true}
	v := ipn.NewVerifier(ipn.Config{Timeout: 50 * time.Millisecond}, transport, processor, zerolog.Nop())

	start := time.Now()
	rr := post(t, v, "txn_id=SLOW")
	require.Equal(t, http.StatusBadRequest, rr.Code)
	require.Less(t, time.Since(start), 5*time.Second)
	require.Zero(t, processor.calls)
}

type stuckProcessor struct {
	honourCtx bool
	release   chan struct{}
	deadline  chan bool
}

func (p *stuckProcessor) ProcessTransaction(ctx context.Context) bool {
	_, ok := ctx.Deadline()
	p.deadline <- ok
	if p.honourCtx {
		<-ctx.Done()
		return false
	}
	<-p.release
	return true
}

func TestHandleProcessorDeadline(t *testing.T) {
	for name, honour := range map[string]bool{"honours ctx": true, "ignores ctx": false} {
		t.Run(name, func(t *testing.T) {
			processor := &stuckProcessor{honourCtx: honour, release: make(chan struct{}), deadline: make(chan bool, 1)}
			t.Cleanup(func() { close(processor.release) })
			v := ipn.NewVerifier(ipn.Config{ProcessTimeout: 50 * time.Millisecond}, verified(), processor, zerolog.Nop())

			ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
			defer cancel()
			req := httptest.NewRequest(http.MethodPost, "/groupsub/ipn", strings.NewReader("txn_id=STUCK")).WithContext(ctx)
			rr := httptest.NewRecorder()

			start := time.Now()
			v.Handle(rr, req)
			require.Equal(t, http.StatusBadRequest, rr.Code)
			require.Less(t, time.Since(start), 2*time.Second)
			require.True(t, <-processor.deadline, "processor context must carry a deadline")
		})
	}
}

func TestHandleIgnoresInboundCancellation(t *testing.T) {
	transport := &ctxTransport{}
	processor := &countingProcessor{result: true}
	v := ipn.NewVerifier(ipn.Config{}, transport, processor, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest(http.MethodPost, "/groupsub/ipn", strings.NewReader("txn_id=1")).WithContext(ctx)
	rr := httptest.NewRecorder()
	v.Handle(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, 1, processor.calls)
}

func TestDefaultTimeout(t *testing.T) {
	require.Equal(t, 30*time.Second, ipn.DefaultTimeout)
}

// ctxTransport fails when its context is already done.
type ctxTransport struct{}

func (ctxTransport) Post(ctx context.Context, _ string, _ []byte) (ipn.Response, error) {
	if err := ctx.Err(); err != nil {
		return ipn.Response{}, err
	}
	return ipn.Response{StatusCode: http.StatusOK, Body: []byte("VERIFIED")}, nil
}
