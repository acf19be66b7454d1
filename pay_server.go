package switchgear

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/bitshock-src/switchgear-sub000/balancer"
	"github.com/bitshock-src/switchgear-sub000/lnurl"
	"github.com/bitshock-src/switchgear-sub000/offer"
	"github.com/bitshock-src/switchgear-sub000/status"
	"github.com/google/uuid"
	"github.com/lightninglabs/neutrino/cache"
	"github.com/lightninglabs/neutrino/cache/lru"
)

// qrCacheCapacity bounds the rendered QR cache in bytes.
const qrCacheCapacity = 8 * 1024 * 1024

// cachedQR is a rendered QR PNG held in the LRU cache.
type cachedQR []byte

// Size returns the byte weight of the entry.
//
// NOTE: This is part of the cache.Value interface.
func (q cachedQR) Size() (uint64, error) {
	return uint64(len(q)), nil
}

// payServer terminates the public LNURL-Pay protocol: offer documents,
// invoice requests, bech32/QR encodings and the health endpoints.
type payServer struct {
	provider offer.Provider
	balancer *balancer.Balancer

	partitions   map[string]struct{}
	allowedHosts map[string]struct{}

	commentAllowed uint64
	invoiceExpiry  uint64

	// boundScheme is the scheme of the listener itself, used when no
	// forwarding header names one.
	boundScheme string

	qrCache *lru.Cache[string, cachedQR]
}

// newPayServer creates the public server for the given partitions.
func newPayServer(provider offer.Provider, bal *balancer.Balancer,
	cfg *config) *payServer {

	partitions := make(map[string]struct{}, len(cfg.Partitions))
	for _, partition := range cfg.Partitions {
		partitions[partition] = struct{}{}
	}

	var allowedHosts map[string]struct{}
	if len(cfg.AllowedHosts) > 0 {
		allowedHosts = make(
			map[string]struct{}, len(cfg.AllowedHosts),
		)
		for _, host := range cfg.AllowedHosts {
			allowedHosts[host] = struct{}{}
		}
	}

	boundScheme := "https"
	if cfg.Insecure {
		boundScheme = "http"
	}

	return &payServer{
		provider:       provider,
		balancer:       bal,
		partitions:     partitions,
		allowedHosts:   allowedHosts,
		commentAllowed: cfg.CommentAllowed,
		invoiceExpiry:  cfg.InvoiceExpirySecs,
		boundScheme:    boundScheme,
		qrCache: lru.NewCache[string, cachedQR](
			qrCacheCapacity,
		),
	}
}

// handler returns the route multiplexer of the public surface.
func (s *payServer) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /offers/{partition}/{id}", s.handleOffer)
	mux.HandleFunc(
		"GET /offers/{partition}/{id}/invoice", s.handleInvoice,
	)
	mux.HandleFunc(
		"GET /offers/{partition}/{id}/bech32", s.handleBech32,
	)
	mux.HandleFunc(
		"GET /offers/{partition}/{id}/bech32/qr", s.handleQR,
	)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /health/full", s.handleHealthFull)

	return mux
}

// writeJSON sends the value with the given HTTP status.
func writeJSON(w http.ResponseWriter, code int, value interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(value); err != nil {
		log.Errorf("Unable to write response: %v", err)
	}
}

// writeLnurlError sends the LNURL error document with the given HTTP
// status. The reason is caller-safe, backend details stay in the logs.
func writeLnurlError(w http.ResponseWriter, code int, reason string) {
	writeJSON(w, code, lnurl.NewErrorResponse(reason))
}

// writeInvoiceError maps a classified error onto the public surface.
func writeInvoiceError(w http.ResponseWriter, err error) {
	switch status.SourceOf(err) {
	case status.SourceDownstream:
		writeLnurlError(w, http.StatusBadRequest, err.Error())

	case status.SourceUpstream:
		writeLnurlError(
			w, http.StatusBadGateway, "temporarily unable to "+
				"create invoice",
		)

	default:
		writeLnurlError(
			w, http.StatusInternalServerError, "internal error",
		)
	}
}

// requestScheme resolves the scheme callback URLs are built with:
// Forwarded proto, then X-Forwarded-Proto, then the bound scheme.
func (s *payServer) requestScheme(r *http.Request) string {
	for _, forwarded := range r.Header.Values("Forwarded") {
		for _, part := range strings.Split(forwarded, ";") {
			part = strings.TrimSpace(part)
			proto, ok := strings.CutPrefix(part, "proto=")
			if ok {
				return strings.Trim(proto, `"`)
			}
		}
	}

	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		return proto
	}

	return s.boundScheme
}

// hostAllowed checks the request host against the allow-list. An empty
// allow-list admits every host.
func (s *payServer) hostAllowed(r *http.Request) bool {
	if s.allowedHosts == nil {
		return true
	}

	if _, ok := s.allowedHosts[r.Host]; ok {
		return true
	}

	// Also accept a bare hostname match when the Host header carries
	// a port.
	host, _, err := net.SplitHostPort(r.Host)
	if err != nil {
		return false
	}
	_, ok := s.allowedHosts[host]

	return ok
}

// resolveOffer parses the path parameters and materializes the offer.
// A nil offer with a nil error means not found.
func (s *payServer) resolveOffer(w http.ResponseWriter,
	r *http.Request) *offer.Offer {

	if !s.hostAllowed(r) {
		writeLnurlError(w, http.StatusNotFound, "unknown host")
		return nil
	}

	partition := r.PathValue("partition")
	if _, ok := s.partitions[partition]; !ok {
		writeLnurlError(w, http.StatusNotFound, "unknown offer")
		return nil
	}

	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeLnurlError(w, http.StatusNotFound, "unknown offer")
		return nil
	}

	o, err := s.provider.Offer(r.Context(), r.Host, partition, id)
	if err != nil {
		log.Errorf("Unable to resolve offer %v/%v: %v", partition,
			id, err)
		writeInvoiceError(w, err)
		return nil
	}
	if o == nil {
		writeLnurlError(w, http.StatusNotFound, "unknown offer")
		return nil
	}

	return o
}

// setCacheHeaders derives the response cache policy from the offer's
// expiry: offers with a deadline are publicly cacheable until then,
// everything else is uncacheable.
func setCacheHeaders(w http.ResponseWriter, o *offer.Offer) {
	header := w.Header()
	if o.Expires != nil {
		maxAge := int(time.Until(*o.Expires).Seconds())
		if maxAge < 0 {
			maxAge = 0
		}
		header.Set(
			"Cache-Control",
			fmt.Sprintf("public, max-age=%d", maxAge),
		)
		header.Set("Expires", o.Expires.UTC().Format(http.TimeFormat))

		return
	}

	header.Set("Cache-Control", "no-store, no-cache, must-revalidate")
	header.Set("Expires", "Thu, 01 Jan 1970 00:00:00 GMT")
	header.Set("Pragma", "no-cache")
}

// offerURL is the canonical URL of an offer, the string that gets
// bech32 encoded.
func (s *payServer) offerURL(r *http.Request, o *offer.Offer) string {
	return fmt.Sprintf("%s://%s/offers/%s/%s", s.requestScheme(r),
		r.Host, o.Partition, o.ID)
}

// handleOffer serves the LNURL-Pay offer document.
func (s *payServer) handleOffer(w http.ResponseWriter, r *http.Request) {
	o := s.resolveOffer(w, r)
	if o == nil {
		return
	}
	offerRequestCount.Inc()

	doc := &lnurl.PayRequest{
		Callback:       s.offerURL(r, o) + "/invoice",
		MaxSendable:    o.MaxSendable,
		MinSendable:    o.MinSendable,
		Tag:            lnurl.PayRequestTag,
		Metadata:       o.MetadataJSON,
		CommentAllowed: s.commentAllowed,
	}

	setCacheHeaders(w, o)
	writeJSON(w, http.StatusOK, doc)
}

// handleInvoice validates the request against the offer and drives the
// balancer to mint an invoice on some healthy backend.
func (s *payServer) handleInvoice(w http.ResponseWriter,
	r *http.Request) {

	o := s.resolveOffer(w, r)
	if o == nil {
		return
	}

	query := r.URL.Query()
	amountMsat, err := strconv.ParseUint(query.Get("amount"), 10, 64)
	if err != nil {
		writeLnurlError(
			w, http.StatusBadRequest, "invalid amount",
		)
		invoiceRequestCount.WithLabelValues(
			outcomeDownstream,
		).Inc()

		return
	}
	if amountMsat < o.MinSendable || amountMsat > o.MaxSendable {
		writeLnurlError(w, http.StatusBadRequest, fmt.Sprintf(
			"amount must be between %d and %d millisatoshi",
			o.MinSendable, o.MaxSendable,
		))
		invoiceRequestCount.WithLabelValues(
			outcomeDownstream,
		).Inc()

		return
	}

	comment := query.Get("comment")
	if uint64(len(comment)) > s.commentAllowed {
		writeLnurlError(
			w, http.StatusBadRequest, "comment too long",
		)
		invoiceRequestCount.WithLabelValues(
			outcomeDownstream,
		).Inc()

		return
	}

	// The comment doubles as the routing key, so consistent-hash
	// deployments pin a payer's retries to one backend.
	invoice, err := s.balancer.GetInvoice(
		r.Context(), o, amountMsat, s.invoiceExpiry, []byte(comment),
	)
	if err != nil {
		log.Errorf("Unable to mint invoice for offer %v/%v: %v",
			o.Partition, o.ID, err)
		invoiceRequestCount.WithLabelValues(outcomeOf(err)).Inc()
		writeInvoiceError(w, err)

		return
	}
	invoiceRequestCount.WithLabelValues(outcomeSuccess).Inc()

	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, &lnurl.PayResponse{
		Pr:     invoice,
		Routes: []struct{}{},
	})
}

// handleBech32 serves the uppercase bech32 encoding of the offer URL.
func (s *payServer) handleBech32(w http.ResponseWriter,
	r *http.Request) {

	o := s.resolveOffer(w, r)
	if o == nil {
		return
	}

	encoded, err := lnurl.EncodeURL(s.offerURL(r, o))
	if err != nil {
		log.Errorf("Unable to encode offer %v/%v: %v", o.Partition,
			o.ID, err)
		writeLnurlError(
			w, http.StatusInternalServerError, "internal error",
		)

		return
	}

	setCacheHeaders(w, o)
	w.Header().Set("Content-Type", "text/plain")
	_, _ = w.Write([]byte(encoded))
}

// handleQR serves a PNG QR code of the bech32 offer encoding. Rendered
// images are kept in a bounded LRU keyed by the encoded string.
func (s *payServer) handleQR(w http.ResponseWriter, r *http.Request) {
	o := s.resolveOffer(w, r)
	if o == nil {
		return
	}

	encoded, err := lnurl.EncodeURL(s.offerURL(r, o))
	if err != nil {
		log.Errorf("Unable to encode offer %v/%v: %v", o.Partition,
			o.ID, err)
		writeLnurlError(
			w, http.StatusInternalServerError, "internal error",
		)

		return
	}

	png, err := s.qrCache.Get(encoded)
	switch {
	case err == cache.ErrElementNotFound:
		rendered, err := lnurl.QRCodePNG(encoded)
		if err != nil {
			log.Errorf("Unable to render QR for offer %v/%v: %v",
				o.Partition, o.ID, err)
			writeLnurlError(
				w, http.StatusInternalServerError,
				"internal error",
			)

			return
		}

		png = cachedQR(rendered)
		if _, err := s.qrCache.Put(encoded, png); err != nil {
			log.Debugf("Unable to cache QR: %v", err)
		}

	case err != nil:
		log.Errorf("QR cache lookup failed: %v", err)
		writeLnurlError(
			w, http.StatusInternalServerError, "internal error",
		)

		return
	}

	setCacheHeaders(w, o)
	w.Header().Set("Content-Type", "image/png")
	_, _ = w.Write(png)
}

// handleHealth reports process liveness.
func (s *payServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleHealthFull additionally requires at least one selectable
// backend.
func (s *payServer) handleHealthFull(w http.ResponseWriter,
	r *http.Request) {

	if err := s.balancer.Health(r.Context()); err != nil {
		log.Debugf("Full health check failed: %v", err)
		http.Error(
			w, "no backend available",
			http.StatusServiceUnavailable,
		)

		return
	}

	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}
