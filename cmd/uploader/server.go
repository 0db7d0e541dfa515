package main

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/ar-io/uploader/ans104"
	"github.com/ar-io/uploader/bundle"
	"github.com/ar-io/uploader/gateway"
	"github.com/ar-io/uploader/ingest"
	"github.com/ar-io/uploader/storage"
	"github.com/ar-io/uploader/storage/fabric"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// server is the thin HTTP surface over the service core.
type server struct {
	coordinator *ingest.Coordinator
	assembler   *bundle.Assembler
	fabric      *fabric.Fabric
	gw          *gateway.Client
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/tx", s.handleUpload)
	mux.HandleFunc("/v1/tx/", s.handleItem)
	mux.HandleFunc("/v1/price/", s.handlePrice)
	mux.HandleFunc("/v1/bundle", s.handleBundle)
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

func (s *server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	declared := r.ContentLength
	if declared < 0 {
		declared = 0
	}
	receipt, err := s.coordinator.Ingest(r.Context(), r.Body, declared)
	if err != nil {
		writeErr(w, err)
		return
	}
	status := http.StatusOK
	if !receipt.OK {
		status = http.StatusBadRequest
	}
	writeJSON(w, status, receipt)
}

func (s *server) handleItem(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/tx/")
	switch {
	case strings.HasSuffix(rest, "/status"):
		id := strings.TrimSuffix(rest, "/status")
		found, tier := s.fabric.Exists(r.Context(), id)
		if !found {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"id": id, "tier": tier})
	case r.Method == http.MethodGet:
		rc, _, err := s.fabric.ReadRange(r.Context(), rest, 0, -1)
		if err != nil {
			writeErr(w, err)
			return
		}
		defer func() { _ = rc.Close() }()
		if md, err := s.fabric.GetMetadata(r.Context(), rest); err == nil && md.PayloadContentType != "" {
			w.Header().Set("Content-Type", md.PayloadContentType)
		}
		_, _ = io.Copy(w, rc)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *server) handlePrice(w http.ResponseWriter, r *http.Request) {
	byteCount, err := strconv.ParseInt(strings.TrimPrefix(r.URL.Path, "/v1/price/"), 10, 64)
	if err != nil {
		http.Error(w, "bad byte count", http.StatusBadRequest)
		return
	}
	price, err := s.gw.Price(r.Context(), byteCount, "")
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"winston": price})
}

// handleBundle streams a bundle assembled from already-stored items.
func (s *server) handleBundle(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		Items []struct {
			ID   string `json:"id"`
			Size int64  `json:"size"`
		} `json:"items"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request body", http.StatusBadRequest)
		return
	}
	infos := make([]ans104.BundleItemInfo, 0, len(req.Items))
	for _, it := range req.Items {
		rawID, err := ans104.DecodeID(it.ID)
		if err != nil {
			http.Error(w, "bad item id "+it.ID, http.StatusBadRequest)
			return
		}
		infos = append(infos, ans104.BundleItemInfo{ID: rawID, Size: it.Size})
	}
	header := ans104.NewBundleHeader(infos)
	rc, _, err := s.assembler.Assemble(r.Context(), header)
	if err != nil {
		writeErr(w, err)
		return
	}
	defer func() { _ = rc.Close() }()
	w.Header().Set("Content-Type", "application/octet-stream")
	_, _ = io.Copy(w, rc)
}

func writeErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, storage.ErrConflict):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, storage.ErrIntegrityMismatch), errors.Is(err, storage.ErrInvalidChunkSize):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, storage.ErrUnavailable), errors.Is(err, storage.ErrNoDurableStore):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithError(err).Error("Could not write response")
	}
}
