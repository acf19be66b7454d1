package switchgear

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/bitshock-src/switchgear-sub000/discovery"
	"github.com/bitshock-src/switchgear-sub000/lnurl"
	"github.com/bitshock-src/switchgear-sub000/offer"
	"github.com/fortytw2/leaktest"
	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

// newTestAdmin builds a management server over memory stores together
// with a signing key and a valid bearer token.
func newTestAdmin(t *testing.T) (http.Handler, string, offer.FullStore) {
	t.Helper()

	signingKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	token, err := jwt.NewWithClaims(
		jwt.SigningMethodES256, jwt.RegisteredClaims{
			Subject: "admin",
			ExpiresAt: jwt.NewNumericDate(
				time.Now().Add(time.Hour),
			),
		},
	).SignedString(signingKey)
	require.NoError(t, err)

	offerStore := offer.NewMemoryStore()
	server := newAdminServer(discovery.NewMemoryStore(), offerStore)
	verifier := &tokenVerifier{pubKey: signingKey.Public()}

	return server.handler(verifier), token, offerStore
}

// adminDo performs one management request with the given bearer token.
func adminDo(handler http.Handler, token, method, target string,
	body interface{}, header http.Header) *httptest.ResponseRecorder {

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			panic(err)
		}
		reader = bytes.NewReader(payload)
	}

	request := httptest.NewRequest(method, target, reader)
	for key, values := range header {
		request.Header[key] = values
	}
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}

	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)

	return recorder
}

func testAdminBackend(t *testing.T, rawURL string,
	partitions ...string) discovery.Backend {

	t.Helper()

	addr, err := discovery.NewURLAddress(rawURL)
	require.NoError(t, err)

	return discovery.Backend{
		Address: addr,
		BackendSparse: discovery.BackendSparse{
			Partitions: partitions,
			Weight:     1,
			Enabled:    true,
			Implementation: discovery.Implementation{
				RemoteHTTP: true,
			},
		},
	}
}

// TestAdminAuth asserts the bearer token gate in front of every
// management route.
func TestAdminAuth(t *testing.T) {
	t.Parallel()

	handler, token, _ := newTestAdmin(t)

	// No token.
	recorder := adminDo(
		handler, "", http.MethodGet, "/discovery", nil, nil,
	)
	require.Equal(t, http.StatusUnauthorized, recorder.Code)
	require.Equal(t, "Bearer", recorder.Header().Get("WWW-Authenticate"))

	// Garbage token.
	recorder = adminDo(
		handler, "not.a.token", http.MethodGet, "/discovery", nil,
		nil,
	)
	require.Equal(t, http.StatusUnauthorized, recorder.Code)

	// A token signed by a different key.
	otherKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	forged, err := jwt.NewWithClaims(
		jwt.SigningMethodES256, jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(
				time.Now().Add(time.Hour),
			),
		},
	).SignedString(otherKey)
	require.NoError(t, err)

	recorder = adminDo(
		handler, forged, http.MethodGet, "/discovery", nil, nil,
	)
	require.Equal(t, http.StatusUnauthorized, recorder.Code)

	// The real token passes.
	recorder = adminDo(
		handler, token, http.MethodGet, "/discovery", nil, nil,
	)
	require.Equal(t, http.StatusOK, recorder.Code)
}

// TestAdminDiscovery walks the backend registry through its lifecycle,
// including the conditional list.
func TestAdminDiscovery(t *testing.T) {
	defer leaktest.Check(t)()

	handler, token, _ := newTestAdmin(t)
	backend := testAdminBackend(t, "https://node-1.example.com", "shop")

	// Register.
	recorder := adminDo(
		handler, token, http.MethodPost, "/discovery", backend, nil,
	)
	require.Equal(t, http.StatusCreated, recorder.Code)
	location := recorder.Header().Get("Location")
	require.Equal(
		t, "/discovery/"+backend.Address.Encoded(), location,
	)

	// A duplicate registration conflicts.
	recorder = adminDo(
		handler, token, http.MethodPost, "/discovery", backend, nil,
	)
	require.Equal(t, http.StatusConflict, recorder.Code)

	// List carries the registry ETag.
	recorder = adminDo(
		handler, token, http.MethodGet, "/discovery", nil, nil,
	)
	require.Equal(t, http.StatusOK, recorder.Code)
	etag := recorder.Header().Get("ETag")
	require.NotEmpty(t, etag)

	var listed []discovery.Backend
	require.NoError(t, json.NewDecoder(recorder.Body).Decode(&listed))
	require.Len(t, listed, 1)
	require.Equal(t, backend.Address, listed[0].Address)

	// A matching If-None-Match short-circuits into a 304.
	recorder = adminDo(
		handler, token, http.MethodGet, "/discovery", nil,
		http.Header{"If-None-Match": []string{etag}},
	)
	require.Equal(t, http.StatusNotModified, recorder.Code)
	require.Equal(t, etag, recorder.Header().Get("ETag"))

	// Disable through a patch.
	recorder = adminDo(
		handler, token, http.MethodPatch, location,
		map[string]interface{}{"enabled": false}, nil,
	)
	require.Equal(t, http.StatusNoContent, recorder.Code)

	recorder = adminDo(
		handler, token, http.MethodGet, location, nil, nil,
	)
	require.Equal(t, http.StatusOK, recorder.Code)

	var fetched discovery.Backend
	require.NoError(t, json.NewDecoder(recorder.Body).Decode(&fetched))
	require.False(t, fetched.Enabled)

	// The mutation moved the ETag, so the stale one now lists again.
	recorder = adminDo(
		handler, token, http.MethodGet, "/discovery", nil,
		http.Header{"If-None-Match": []string{etag}},
	)
	require.Equal(t, http.StatusOK, recorder.Code)
	require.NotEqual(t, etag, recorder.Header().Get("ETag"))

	// Remove, then removing again misses.
	recorder = adminDo(
		handler, token, http.MethodDelete, location, nil, nil,
	)
	require.Equal(t, http.StatusNoContent, recorder.Code)

	recorder = adminDo(
		handler, token, http.MethodDelete, location, nil, nil,
	)
	require.Equal(t, http.StatusNotFound, recorder.Code)
}

// TestAdminOffers walks offers and metadata through their lifecycle and
// asserts the referential integrity mapping.
func TestAdminOffers(t *testing.T) {
	t.Parallel()

	handler, token, _ := newTestAdmin(t)

	metadata := offer.Metadata{
		ID: uuid.New(),
		Metadata: lnurl.Metadata{
			Text: "coffee",
		},
	}
	recorder := adminDo(
		handler, token, http.MethodPost, "/metadata/shop", metadata,
		nil,
	)
	require.Equal(t, http.StatusCreated, recorder.Code)
	require.Equal(
		t, "/metadata/shop/"+metadata.ID.String(),
		recorder.Header().Get("Location"),
	)

	// An offer referencing unknown metadata is a caller error.
	dangling := offer.RecordSparse{
		MaxSendable: 100_000_000,
		MinSendable: 1_000,
		MetadataID:  uuid.New(),
		Timestamp:   time.Now().Add(-time.Minute),
	}
	recorder = adminDo(
		handler, token, http.MethodPost, "/offers/shop", dangling,
		nil,
	)
	require.Equal(t, http.StatusBadRequest, recorder.Code)

	// A valid offer is created under a server-assigned id.
	sparse := dangling
	sparse.MetadataID = metadata.ID
	recorder = adminDo(
		handler, token, http.MethodPost, "/offers/shop", sparse, nil,
	)
	require.Equal(t, http.StatusCreated, recorder.Code)
	location := recorder.Header().Get("Location")
	require.NotEmpty(t, location)

	recorder = adminDo(
		handler, token, http.MethodGet, location, nil, nil,
	)
	require.Equal(t, http.StatusOK, recorder.Code)

	var record offer.Record
	require.NoError(t, json.NewDecoder(recorder.Body).Decode(&record))
	require.Equal(t, metadata.ID, record.MetadataID)

	// Metadata still referenced by an offer cannot be removed.
	recorder = adminDo(
		handler, token, http.MethodDelete,
		"/metadata/shop/"+metadata.ID.String(), nil, nil,
	)
	require.Equal(t, http.StatusBadRequest, recorder.Code)

	// An update through PUT reports no content.
	sparse.MaxSendable = 200_000_000
	recorder = adminDo(
		handler, token, http.MethodPut, location, sparse, nil,
	)
	require.Equal(t, http.StatusNoContent, recorder.Code)

	// Lists page through the partition.
	recorder = adminDo(
		handler, token, http.MethodGet,
		"/offers/shop?start=0&count=10", nil, nil,
	)
	require.Equal(t, http.StatusOK, recorder.Code)

	var records []offer.Record
	require.NoError(t, json.NewDecoder(recorder.Body).Decode(&records))
	require.Len(t, records, 1)
	require.EqualValues(t, 200_000_000, records[0].MaxSendable)

	// Dropping the offer unblocks the metadata removal.
	recorder = adminDo(
		handler, token, http.MethodDelete, location, nil, nil,
	)
	require.Equal(t, http.StatusNoContent, recorder.Code)

	recorder = adminDo(
		handler, token, http.MethodDelete,
		"/metadata/shop/"+metadata.ID.String(), nil, nil,
	)
	require.Equal(t, http.StatusNoContent, recorder.Code)

	// Unknown fields in a body are rejected outright.
	recorder = adminDo(
		handler, token, http.MethodPost, "/offers/shop",
		map[string]interface{}{"bogus": true}, nil,
	)
	require.Equal(t, http.StatusBadRequest, recorder.Code)
}
