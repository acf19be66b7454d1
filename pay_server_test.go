package switchgear

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bitshock-src/switchgear-sub000/balancer"
	"github.com/bitshock-src/switchgear-sub000/discovery"
	"github.com/bitshock-src/switchgear-sub000/lnurl"
	"github.com/bitshock-src/switchgear-sub000/offer"
	"github.com/bitshock-src/switchgear-sub000/pool"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

const testInvoice = "lnbc210n1testinvoice"

// testNodePool is a balancer.NodePool returning a fixed invoice and
// healthy metrics for every connected backend.
type testNodePool struct {
	mu      sync.Mutex
	invoice string
	err     error
	calls   int
}

func (p *testNodePool) Connect(*discovery.Backend) error { return nil }

func (p *testNodePool) Has(discovery.Address) bool { return true }

func (p *testNodePool) Remove(discovery.Address) {}

func (p *testNodePool) GetInvoice(_ context.Context, _ *offer.Offer,
	_ discovery.Address, _, _ uint64) (string, error) {

	p.mu.Lock()
	defer p.mu.Unlock()

	p.calls++
	if p.err != nil {
		return "", p.err
	}

	return p.invoice, nil
}

func (p *testNodePool) GetMetrics(_ context.Context,
	_ discovery.Address) (*pool.Metrics, error) {

	return &pool.Metrics{
		Healthy:              true,
		EffectiveInboundMsat: 1_000_000_000,
	}, nil
}

func (p *testNodePool) CachedMetrics(
	discovery.Address) (*pool.Metrics, bool) {

	return &pool.Metrics{
		Healthy:              true,
		EffectiveInboundMsat: 1_000_000_000,
	}, true
}

// testFleetSource is a balancer.FleetSource with a fixed snapshot.
type testFleetSource struct {
	fleet *balancer.Fleet
}

func (s *testFleetSource) Fleet() *balancer.Fleet { return s.fleet }

func (s *testFleetSource) Refresh(context.Context) error { return nil }

// newTestBalancer builds a round-robin balancer over a single healthy
// backend serving the shop partition.
func newTestBalancer(t *testing.T, nodePool *testNodePool,
	empty bool) *balancer.Balancer {

	t.Helper()

	fleet := balancer.EmptyFleet()
	if !empty {
		addr, err := discovery.NewURLAddress(
			"https://node.example.com:9736",
		)
		require.NoError(t, err)

		member := balancer.NewBackend(addr, 1, "shop")
		fleet = balancer.NewFleet(
			[]*balancer.Backend{member},
			map[uint64]bool{member.Hash(): true},
		)
	}

	policy, ok := balancer.NewPolicy("roundrobin", 0)
	require.True(t, ok)

	return balancer.New(
		&testFleetSource{fleet: fleet}, nodePool,
		balancer.NewHealthRegistry(1, 1), policy,
		balancer.StopBackoffProvider{}, nil, false,
	)
}

// seedOffer stores one metadata row and one live offer record and
// returns the record.
func seedOffer(t *testing.T, store offer.FullStore) offer.Record {
	t.Helper()

	ctx := context.Background()

	metadata := offer.Metadata{
		ID:        uuid.New(),
		Partition: "shop",
		Metadata: lnurl.Metadata{
			Text: "coffee",
		},
	}
	id, err := store.PostMetadata(ctx, metadata)
	require.NoError(t, err)
	require.NotNil(t, id)

	record := offer.Record{
		Partition: "shop",
		ID:        uuid.New(),
		RecordSparse: offer.RecordSparse{
			MaxSendable: 100_000_000,
			MinSendable: 1_000,
			MetadataID:  metadata.ID,
			Timestamp:   time.Now().Add(-time.Minute),
		},
	}
	offerID, err := store.PostOffer(ctx, record)
	require.NoError(t, err)
	require.NotNil(t, offerID)

	return record
}

func newTestPayServer(t *testing.T, nodePool *testNodePool,
	emptyFleet bool) (*payServer, offer.FullStore) {

	t.Helper()

	store := offer.NewMemoryStore()
	cfg := &config{
		Partitions:        []string{"shop"},
		Insecure:          true,
		CommentAllowed:    32,
		InvoiceExpirySecs: 3600,
	}

	server := newPayServer(
		offer.NewStoreProvider(store),
		newTestBalancer(t, nodePool, emptyFleet), cfg,
	)

	return server, store
}

func payGet(server *payServer, target string) *httptest.ResponseRecorder {
	recorder := httptest.NewRecorder()
	request := httptest.NewRequest(http.MethodGet, target, nil)
	server.handler().ServeHTTP(recorder, request)

	return recorder
}

// TestPayServerOffer asserts the offer document, its callback URL and
// its cache headers.
func TestPayServerOffer(t *testing.T) {
	t.Parallel()

	server, store := newTestPayServer(t, &testNodePool{}, false)
	record := seedOffer(t, store)

	target := "http://pay.example.com/offers/shop/" + record.ID.String()
	recorder := payGet(server, target)
	require.Equal(t, http.StatusOK, recorder.Code)

	var doc lnurl.PayRequest
	require.NoError(t, json.NewDecoder(recorder.Body).Decode(&doc))
	require.Equal(t, target+"/invoice", doc.Callback)
	require.Equal(t, lnurl.PayRequestTag, doc.Tag)
	require.Equal(t, record.MaxSendable, doc.MaxSendable)
	require.Equal(t, record.MinSendable, doc.MinSendable)
	require.Equal(t, uint64(32), doc.CommentAllowed)
	require.Contains(t, doc.Metadata, "coffee")

	// Offers without a deadline must not be cached.
	require.Contains(
		t, recorder.Header().Get("Cache-Control"), "no-store",
	)
}

// TestPayServerOfferExpiry asserts that offers with a deadline are
// publicly cacheable until then and vanish once past it.
func TestPayServerOfferExpiry(t *testing.T) {
	t.Parallel()

	server, store := newTestPayServer(t, &testNodePool{}, false)
	record := seedOffer(t, store)

	ctx := context.Background()

	// A deadline in the future makes the document cacheable.
	expires := time.Now().Add(time.Hour).UTC().Truncate(time.Second)
	record.Expires = &expires
	_, err := store.PutOffer(ctx, record)
	require.NoError(t, err)

	target := "http://pay.example.com/offers/shop/" + record.ID.String()
	recorder := payGet(server, target)
	require.Equal(t, http.StatusOK, recorder.Code)
	require.Contains(
		t, recorder.Header().Get("Cache-Control"), "public",
	)
	require.NotEmpty(t, recorder.Header().Get("Expires"))

	// Once past the deadline the offer no longer resolves.
	expired := time.Now().Add(-time.Hour)
	record.Expires = &expired
	_, err = store.PutOffer(ctx, record)
	require.NoError(t, err)

	recorder = payGet(server, target)
	require.Equal(t, http.StatusNotFound, recorder.Code)
}

// TestPayServerOfferNotFound asserts the uniform not-found behavior of
// the public surface.
func TestPayServerOfferNotFound(t *testing.T) {
	t.Parallel()

	server, store := newTestPayServer(t, &testNodePool{}, false)
	record := seedOffer(t, store)

	cases := []struct {
		name   string
		target string
	}{{
		name: "unknown partition",
		target: "http://pay.example.com/offers/blog/" +
			record.ID.String(),
	}, {
		name:   "malformed id",
		target: "http://pay.example.com/offers/shop/not-a-uuid",
	}, {
		name: "unknown id",
		target: "http://pay.example.com/offers/shop/" +
			uuid.NewString(),
	}}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			recorder := payGet(server, tc.target)
			require.Equal(t, http.StatusNotFound, recorder.Code)

			var resp lnurl.ErrorResponse
			require.NoError(t, json.NewDecoder(
				recorder.Body,
			).Decode(&resp))
			require.Equal(t, "ERROR", resp.Status)
		})
	}
}

// TestPayServerHostAllowList asserts that a configured host allow-list
// hides offers from other hosts.
func TestPayServerHostAllowList(t *testing.T) {
	t.Parallel()

	server, store := newTestPayServer(t, &testNodePool{}, false)
	server.allowedHosts = map[string]struct{}{
		"pay.example.com": {},
	}
	record := seedOffer(t, store)

	recorder := payGet(
		server,
		"http://pay.example.com/offers/shop/"+record.ID.String(),
	)
	require.Equal(t, http.StatusOK, recorder.Code)

	recorder = payGet(
		server,
		"http://evil.example.com/offers/shop/"+record.ID.String(),
	)
	require.Equal(t, http.StatusNotFound, recorder.Code)

	// The bare hostname also matches when the Host header carries a
	// port.
	recorder = payGet(
		server,
		"http://pay.example.com:8080/offers/shop/"+record.ID.String(),
	)
	require.Equal(t, http.StatusOK, recorder.Code)
}

// TestPayServerInvoice exercises the callback: parameter validation,
// minting through the balancer and the error mapping.
func TestPayServerInvoice(t *testing.T) {
	t.Parallel()

	nodePool := &testNodePool{invoice: testInvoice}
	server, store := newTestPayServer(t, nodePool, false)
	record := seedOffer(t, store)

	base := "http://pay.example.com/offers/shop/" + record.ID.String() +
		"/invoice"

	// Happy path.
	recorder := payGet(server, base+"?amount=21000")
	require.Equal(t, http.StatusOK, recorder.Code)
	require.Equal(
		t, "no-store", recorder.Header().Get("Cache-Control"),
	)

	var resp lnurl.PayResponse
	require.NoError(t, json.NewDecoder(recorder.Body).Decode(&resp))
	require.Equal(t, testInvoice, resp.Pr)
	require.NotNil(t, resp.Routes)
	require.Empty(t, resp.Routes)

	// Parameter errors are payer mistakes and map to 400.
	for name, target := range map[string]string{
		"missing amount":  base,
		"bad amount":      base + "?amount=sats",
		"below min":       base + "?amount=999",
		"above max":       base + "?amount=100000001",
		"comment too long": base + "?amount=21000&comment=" +
			"this-comment-is-way-longer-than-the-allowed-limit",
	} {
		recorder := payGet(server, target)
		require.Equalf(
			t, http.StatusBadRequest, recorder.Code, name,
		)

		var errResp lnurl.ErrorResponse
		require.NoError(t, json.NewDecoder(
			recorder.Body,
		).Decode(&errResp))
		require.Equal(t, "ERROR", errResp.Status)
		require.NotEmpty(t, errResp.Reason)
	}
}

// TestPayServerInvoiceNoBackend asserts that an empty fleet maps to a
// 502 without leaking internals.
func TestPayServerInvoiceNoBackend(t *testing.T) {
	t.Parallel()

	server, store := newTestPayServer(t, &testNodePool{}, true)
	record := seedOffer(t, store)

	recorder := payGet(
		server, "http://pay.example.com/offers/shop/"+
			record.ID.String()+"/invoice?amount=21000",
	)
	require.Equal(t, http.StatusBadGateway, recorder.Code)

	var resp lnurl.ErrorResponse
	require.NoError(t, json.NewDecoder(recorder.Body).Decode(&resp))
	require.Equal(t, "ERROR", resp.Status)
	require.NotContains(t, resp.Reason, "backend")
}

// TestPayServerBech32 asserts the bech32 encoding round-trips back to
// the canonical offer URL and respects forwarded protos.
func TestPayServerBech32(t *testing.T) {
	t.Parallel()

	server, store := newTestPayServer(t, &testNodePool{}, false)
	record := seedOffer(t, store)

	target := "http://pay.example.com/offers/shop/" + record.ID.String()
	recorder := payGet(server, target+"/bech32")
	require.Equal(t, http.StatusOK, recorder.Code)

	encoded := recorder.Body.String()
	require.True(t, strings.HasPrefix(encoded, "LNURL1"))

	decoded, err := lnurl.DecodeURL(encoded)
	require.NoError(t, err)
	require.Equal(t, target, decoded)

	// Behind a TLS terminating proxy the callback scheme follows the
	// forwarding header.
	request := httptest.NewRequest(
		http.MethodGet, target+"/bech32", nil,
	)
	request.Header.Set("X-Forwarded-Proto", "https")
	forwarded := httptest.NewRecorder()
	server.handler().ServeHTTP(forwarded, request)
	require.Equal(t, http.StatusOK, forwarded.Code)

	decoded, err = lnurl.DecodeURL(forwarded.Body.String())
	require.NoError(t, err)
	require.Equal(
		t, "https://pay.example.com/offers/shop/"+
			record.ID.String(),
		decoded,
	)
}

// TestPayServerQR asserts the QR endpoint renders a PNG and serves
// repeated requests from the cache.
func TestPayServerQR(t *testing.T) {
	t.Parallel()

	server, store := newTestPayServer(t, &testNodePool{}, false)
	record := seedOffer(t, store)

	target := "http://pay.example.com/offers/shop/" + record.ID.String() +
		"/bech32/qr"

	recorder := payGet(server, target)
	require.Equal(t, http.StatusOK, recorder.Code)
	require.Equal(t, "image/png", recorder.Header().Get("Content-Type"))
	require.True(t, bytes.HasPrefix(
		recorder.Body.Bytes(), []byte("\x89PNG"),
	))

	// The second request is served from the cache and must be byte
	// identical.
	second := payGet(server, target)
	require.Equal(t, http.StatusOK, second.Code)
	require.Equal(t, recorder.Body.Bytes(), second.Body.Bytes())
}

// TestPayServerHealth asserts the liveness probe always succeeds while
// the full probe requires a selectable backend.
func TestPayServerHealth(t *testing.T) {
	t.Parallel()

	server, _ := newTestPayServer(t, &testNodePool{}, false)
	recorder := payGet(server, "http://pay.example.com/health")
	require.Equal(t, http.StatusOK, recorder.Code)

	recorder = payGet(server, "http://pay.example.com/health/full")
	require.Equal(t, http.StatusOK, recorder.Code)

	emptyServer, _ := newTestPayServer(t, &testNodePool{}, true)
	recorder = payGet(
		emptyServer, "http://pay.example.com/health/full",
	)
	require.Equal(t, http.StatusServiceUnavailable, recorder.Code)
}
