package switchgear

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/bitshock-src/switchgear-sub000/discovery"
	"github.com/bitshock-src/switchgear-sub000/offer"
	"github.com/bitshock-src/switchgear-sub000/status"
	"github.com/google/uuid"
)

// defaultPageSize caps list responses when the caller does not page
// explicitly.
const defaultPageSize = 100

// adminServer serves the management API: discovery CRUD with its ETag
// conditional list, and offer/metadata CRUD per partition. Every route
// sits behind the bearer-token middleware.
type adminServer struct {
	discoveryStore discovery.Store
	offerStore     offer.FullStore
}

// newAdminServer creates the management server on the given stores.
func newAdminServer(discoveryStore discovery.Store,
	offerStore offer.FullStore) *adminServer {

	return &adminServer{
		discoveryStore: discoveryStore,
		offerStore:     offerStore,
	}
}

// handler returns the route multiplexer of the management surface,
// wrapped in the token middleware.
func (s *adminServer) handler(verifier *tokenVerifier) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /discovery", s.handleDiscoveryList)
	mux.HandleFunc("POST /discovery", s.handleDiscoveryPost)
	mux.HandleFunc(
		"GET /discovery/{variant}/{encoded}", s.handleDiscoveryGet,
	)
	mux.HandleFunc(
		"PUT /discovery/{variant}/{encoded}", s.handleDiscoveryPut,
	)
	mux.HandleFunc(
		"PATCH /discovery/{variant}/{encoded}",
		s.handleDiscoveryPatch,
	)
	mux.HandleFunc(
		"DELETE /discovery/{variant}/{encoded}",
		s.handleDiscoveryDelete,
	)

	mux.HandleFunc("GET /offers/{partition}", s.handleOfferList)
	mux.HandleFunc("POST /offers/{partition}", s.handleOfferPost)
	mux.HandleFunc("GET /offers/{partition}/{id}", s.handleOfferGet)
	mux.HandleFunc("PUT /offers/{partition}/{id}", s.handleOfferPut)
	mux.HandleFunc(
		"DELETE /offers/{partition}/{id}", s.handleOfferDelete,
	)

	mux.HandleFunc("GET /metadata/{partition}", s.handleMetadataList)
	mux.HandleFunc("POST /metadata/{partition}", s.handleMetadataPost)
	mux.HandleFunc(
		"GET /metadata/{partition}/{id}", s.handleMetadataGet,
	)
	mux.HandleFunc(
		"PUT /metadata/{partition}/{id}", s.handleMetadataPut,
	)
	mux.HandleFunc(
		"DELETE /metadata/{partition}/{id}", s.handleMetadataDelete,
	)

	return verifier.middleware(mux)
}

// writeAdminError maps a classified error onto the management surface.
func writeAdminError(w http.ResponseWriter, err error) {
	switch status.SourceOf(err) {
	case status.SourceDownstream:
		http.Error(w, err.Error(), http.StatusBadRequest)

	case status.SourceUpstream:
		http.Error(w, err.Error(), http.StatusBadGateway)

	default:
		log.Errorf("Management request failed: %v", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

// decodeBody decodes the request body into the given value, rejecting
// unknown fields.
func decodeBody(w http.ResponseWriter, r *http.Request,
	value interface{}) bool {

	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(value); err != nil {
		http.Error(
			w, fmt.Sprintf("invalid request body: %v", err),
			http.StatusBadRequest,
		)

		return false
	}

	return true
}

// pathAddress parses the address path segments of a discovery route.
func pathAddress(w http.ResponseWriter,
	r *http.Request) (discovery.Address, bool) {

	addr, err := discovery.ParseAddress(
		r.PathValue("variant"), r.PathValue("encoded"),
	)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return discovery.Address{}, false
	}

	return addr, true
}

// handleDiscoveryList serves the backend list with its ETag. A matching
// If-None-Match short-circuits into a 304.
func (s *adminServer) handleDiscoveryList(w http.ResponseWriter,
	r *http.Request) {

	var ifEtag *uint64
	if match := r.Header.Get("If-None-Match"); match != "" {
		etag, err := discovery.ParseEtag(match)
		if err != nil {
			http.Error(
				w, err.Error(), http.StatusBadRequest,
			)

			return
		}
		ifEtag = &etag
	}

	result, err := s.discoveryStore.GetAll(r.Context(), ifEtag)
	if err != nil {
		writeAdminError(w, err)
		return
	}

	w.Header().Set("ETag", discovery.EtagString(result.Etag))
	if result.Backends == nil {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	writeJSON(w, http.StatusOK, result.Backends)
}

func (s *adminServer) handleDiscoveryPost(w http.ResponseWriter,
	r *http.Request) {

	var backend discovery.Backend
	if !decodeBody(w, r, &backend) {
		return
	}
	if err := backend.Validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	addr, err := s.discoveryStore.Post(r.Context(), backend)
	if err != nil {
		writeAdminError(w, err)
		return
	}
	if addr == nil {
		http.Error(
			w, "backend already exists", http.StatusConflict,
		)

		return
	}

	w.Header().Set("Location", "/discovery/"+addr.Encoded())
	w.WriteHeader(http.StatusCreated)
}

func (s *adminServer) handleDiscoveryGet(w http.ResponseWriter,
	r *http.Request) {

	addr, ok := pathAddress(w, r)
	if !ok {
		return
	}

	backend, err := s.discoveryStore.Get(r.Context(), addr)
	if err != nil {
		writeAdminError(w, err)
		return
	}
	if backend == nil {
		http.Error(w, "unknown backend", http.StatusNotFound)
		return
	}

	writeJSON(w, http.StatusOK, backend)
}

func (s *adminServer) handleDiscoveryPut(w http.ResponseWriter,
	r *http.Request) {

	addr, ok := pathAddress(w, r)
	if !ok {
		return
	}

	var sparse discovery.BackendSparse
	if !decodeBody(w, r, &sparse) {
		return
	}

	backend := discovery.Backend{
		Address:       addr,
		BackendSparse: sparse,
	}
	if err := backend.Validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	created, err := s.discoveryStore.Put(r.Context(), backend)
	if err != nil {
		writeAdminError(w, err)
		return
	}

	if created {
		w.WriteHeader(http.StatusCreated)
	} else {
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *adminServer) handleDiscoveryPatch(w http.ResponseWriter,
	r *http.Request) {

	addr, ok := pathAddress(w, r)
	if !ok {
		return
	}

	var patch discovery.BackendPatch
	if !decodeBody(w, r, &patch) {
		return
	}
	patch.Address = addr

	found, err := s.discoveryStore.Patch(r.Context(), patch)
	if err != nil {
		writeAdminError(w, err)
		return
	}
	if !found {
		http.Error(w, "unknown backend", http.StatusNotFound)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *adminServer) handleDiscoveryDelete(w http.ResponseWriter,
	r *http.Request) {

	addr, ok := pathAddress(w, r)
	if !ok {
		return
	}

	removed, err := s.discoveryStore.Delete(r.Context(), addr)
	if err != nil {
		writeAdminError(w, err)
		return
	}
	if !removed {
		http.Error(w, "unknown backend", http.StatusNotFound)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// pageParams parses the optional start/count pagination query values.
func pageParams(w http.ResponseWriter, r *http.Request) (int, int, bool) {
	query := r.URL.Query()

	start := 0
	if raw := query.Get("start"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			http.Error(
				w, "invalid start", http.StatusBadRequest,
			)

			return 0, 0, false
		}
		start = parsed
	}

	count := defaultPageSize
	if raw := query.Get("count"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			http.Error(
				w, "invalid count", http.StatusBadRequest,
			)

			return 0, 0, false
		}
		count = parsed
	}

	return start, count, true
}

// pathID parses the id path segment of an offer or metadata route.
func pathID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return uuid.UUID{}, false
	}

	return id, true
}

func (s *adminServer) handleOfferList(w http.ResponseWriter,
	r *http.Request) {

	start, count, ok := pageParams(w, r)
	if !ok {
		return
	}

	records, err := s.offerStore.GetOffers(
		r.Context(), r.PathValue("partition"), start, count,
	)
	if err != nil {
		writeAdminError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, records)
}

func (s *adminServer) handleOfferPost(w http.ResponseWriter,
	r *http.Request) {

	var sparse offer.RecordSparse
	if !decodeBody(w, r, &sparse) {
		return
	}

	record := offer.Record{
		Partition:    r.PathValue("partition"),
		ID:           uuid.New(),
		RecordSparse: sparse,
	}
	if err := record.Validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	id, err := s.offerStore.PostOffer(r.Context(), record)
	if err != nil {
		writeAdminError(w, err)
		return
	}
	if id == nil {
		http.Error(w, "offer already exists", http.StatusConflict)
		return
	}

	w.Header().Set("Location", fmt.Sprintf(
		"/offers/%s/%s", record.Partition, id,
	))
	w.WriteHeader(http.StatusCreated)
}

func (s *adminServer) handleOfferGet(w http.ResponseWriter,
	r *http.Request) {

	id, ok := pathID(w, r)
	if !ok {
		return
	}

	record, err := s.offerStore.GetOffer(
		r.Context(), r.PathValue("partition"), id,
	)
	if err != nil {
		writeAdminError(w, err)
		return
	}
	if record == nil {
		http.Error(w, "unknown offer", http.StatusNotFound)
		return
	}

	writeJSON(w, http.StatusOK, record)
}

func (s *adminServer) handleOfferPut(w http.ResponseWriter,
	r *http.Request) {

	id, ok := pathID(w, r)
	if !ok {
		return
	}

	var sparse offer.RecordSparse
	if !decodeBody(w, r, &sparse) {
		return
	}

	record := offer.Record{
		Partition:    r.PathValue("partition"),
		ID:           id,
		RecordSparse: sparse,
	}
	if err := record.Validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	created, err := s.offerStore.PutOffer(r.Context(), record)
	if err != nil {
		writeAdminError(w, err)
		return
	}

	if created {
		w.WriteHeader(http.StatusCreated)
	} else {
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *adminServer) handleOfferDelete(w http.ResponseWriter,
	r *http.Request) {

	id, ok := pathID(w, r)
	if !ok {
		return
	}

	removed, err := s.offerStore.DeleteOffer(
		r.Context(), r.PathValue("partition"), id,
	)
	if err != nil {
		writeAdminError(w, err)
		return
	}
	if !removed {
		http.Error(w, "unknown offer", http.StatusNotFound)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *adminServer) handleMetadataList(w http.ResponseWriter,
	r *http.Request) {

	start, count, ok := pageParams(w, r)
	if !ok {
		return
	}

	rows, err := s.offerStore.GetAllMetadata(
		r.Context(), r.PathValue("partition"), start, count,
	)
	if err != nil {
		writeAdminError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, rows)
}

func (s *adminServer) handleMetadataPost(w http.ResponseWriter,
	r *http.Request) {

	var metadata offer.Metadata
	if !decodeBody(w, r, &metadata) {
		return
	}

	metadata.Partition = r.PathValue("partition")
	if metadata.ID == (uuid.UUID{}) {
		metadata.ID = uuid.New()
	}
	if err := metadata.Validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	id, err := s.offerStore.PostMetadata(r.Context(), metadata)
	if err != nil {
		writeAdminError(w, err)
		return
	}
	if id == nil {
		http.Error(
			w, "metadata already exists", http.StatusConflict,
		)

		return
	}

	w.Header().Set("Location", fmt.Sprintf(
		"/metadata/%s/%s", metadata.Partition, id,
	))
	w.WriteHeader(http.StatusCreated)
}

func (s *adminServer) handleMetadataGet(w http.ResponseWriter,
	r *http.Request) {

	id, ok := pathID(w, r)
	if !ok {
		return
	}

	metadata, err := s.offerStore.GetMetadata(
		r.Context(), r.PathValue("partition"), id,
	)
	if err != nil {
		writeAdminError(w, err)
		return
	}
	if metadata == nil {
		http.Error(w, "unknown metadata", http.StatusNotFound)
		return
	}

	writeJSON(w, http.StatusOK, metadata)
}

func (s *adminServer) handleMetadataPut(w http.ResponseWriter,
	r *http.Request) {

	id, ok := pathID(w, r)
	if !ok {
		return
	}

	var metadata offer.Metadata
	if !decodeBody(w, r, &metadata) {
		return
	}

	metadata.Partition = r.PathValue("partition")
	metadata.ID = id
	if err := metadata.Validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	created, err := s.offerStore.PutMetadata(r.Context(), metadata)
	if err != nil {
		writeAdminError(w, err)
		return
	}

	if created {
		w.WriteHeader(http.StatusCreated)
	} else {
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *adminServer) handleMetadataDelete(w http.ResponseWriter,
	r *http.Request) {

	id, ok := pathID(w, r)
	if !ok {
		return
	}

	removed, err := s.offerStore.DeleteMetadata(
		r.Context(), r.PathValue("partition"), id,
	)
	if err != nil {
		writeAdminError(w, err)
		return
	}
	if !removed {
		http.Error(w, "unknown metadata", http.StatusNotFound)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
