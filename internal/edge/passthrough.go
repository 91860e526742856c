package edge

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httputil"
	"net/url"

	"go.uber.org/zap"

	"findpharma-edge/pkg/logging"
)

const maxReservationBody = 1 << 20

func (e *Engine) newReverseProxy(origin *url.URL) *httputil.ReverseProxy {
	return &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(origin)
			pr.SetXForwarded()
		},
		ModifyResponse: func(resp *http.Response) error {
			e.online.observe(true)
			setCacheHeader(resp.Header, resultBypass)
			return nil
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			e.observeNetwork(r.Context(), KindPassthrough, r.URL.RequestURI(), err)
			logging.FromContext(r.Context(), e.logger).Warn("passthrough failed", zap.Error(err))
			setCacheHeader(w.Header(), resultBadGateway)
			http.Error(w, "bad gateway", http.StatusBadGateway)
		},
	}
}

func (e *Engine) passThrough(w http.ResponseWriter, r *http.Request) {
	e.proxy.ServeHTTP(w, r)
}

type queuedResponse struct {
	Queued  bool   `json:"queued"`
	ID      string `json:"id"`
	Message string `json:"message"`
}

// captureReservation handles POSTs to the reservation endpoint when a
// queue is configured. The POST goes to the origin as usual; if the
// origin is unreachable the JSON payload is queued for background sync
// and the caller gets 202 instead of a gateway error.
func (e *Engine) captureReservation(w http.ResponseWriter, r *http.Request) bool {
	if e.queue == nil || r.Method != http.MethodPost || r.URL.Path != e.cfg.Sync.Endpoint {
		return false
	}
	ctx := r.Context()
	log := logging.FromContext(ctx, e.logger)

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxReservationBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
			return true
		}
		http.Error(w, "bad request", http.StatusBadRequest)
		return true
	}

	ent, err := e.fetcher.Fetch(ctx, Request{
		Method: http.MethodPost,
		URI:    r.URL.RequestURI(),
		Header: r.Header,
		Body:   body,
	})
	e.observeNetwork(ctx, KindAPI, r.URL.RequestURI(), err)
	if err == nil {
		e.writeEntry(w, ent, resultBypass)
		return true
	}

	if !json.Valid(body) {
		log.Warn("reservation not queued, payload is not JSON", zap.Error(err))
		setCacheHeader(w.Header(), resultBadGateway)
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return true
	}
	item, qerr := e.queue.Enqueue(ctx, body)
	if qerr != nil {
		log.Error("reservation queue failed", zap.Error(qerr))
		setCacheHeader(w.Header(), resultBadGateway)
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return true
	}
	log.Info("reservation queued for background sync", zap.String("id", item.ID))

	w.Header().Set("Content-Type", "application/json")
	setCacheHeader(w.Header(), resultQueued)
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(queuedResponse{
		Queued:  true,
		ID:      item.ID,
		Message: "You are offline. The reservation will be sent when the connection is back.",
	})
	return true
}
