// Package httpapi is the HTTP Adapter (component E): a thin
// translation from HTTP requests to Push and Store Core operations,
// with a fixed URL surface (spec §4.5). Grounded on
// astromechza/automerge-experiments/cmd/four/server/main.go for the
// gorilla/mux router construction and the httpsnoop+slog request
// logging middleware — the teacher has no HTTP layer at all (it speaks
// a raw websocket protocol), so this component is new relative to it.
package httpapi

import (
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/felixge/httpsnoop"
	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/asadovsky/cometd/internal/protocol"
	"github.com/asadovsky/cometd/internal/push"
	"github.com/asadovsky/cometd/internal/storecore"
)

// Adapter wires the fixed comet/dictionary URL surface to a Push Core
// and a Store Core.
type Adapter struct {
	push        *push.Core
	store       *storecore.Core
	cometPrefix string
	storePrefix string
	logger      *slog.Logger
}

// New returns an Adapter serving cometPrefix and storePrefix (spec
// §6's comet_prefix/store_prefix, defaulting to "/comet" and
// "/dictionary"). If logger is nil, slog.Default() is used.
func New(pc *push.Core, sc *storecore.Core, cometPrefix, storePrefix string, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{push: pc, store: sc, cometPrefix: cometPrefix, storePrefix: storePrefix, logger: logger}
}

// Router builds the mux.Router for this Adapter.
func (a *Adapter) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(a.loggingMiddleware)

	comet := r.PathPrefix(a.cometPrefix).Subrouter()
	comet.Methods(http.MethodGet).Path("/connect").HandlerFunc(a.handleConnect)
	comet.Methods(http.MethodGet).Path("/disconnect").HandlerFunc(a.handleDisconnect)
	comet.Methods(http.MethodGet).Path("/receive").HandlerFunc(a.handleReceive)
	comet.Methods(http.MethodGet).Path("/flush").HandlerFunc(a.handleFlush)

	dict := r.PathPrefix(a.storePrefix).Subrouter()
	dict.Methods(http.MethodPost).Path("/subscribe").HandlerFunc(a.handleSubscribe)
	dict.Methods(http.MethodPost).Path("/messages").HandlerFunc(a.handleMessages)

	return r
}

// loggingMiddleware logs method/path/duration/status per request, with
// a per-request correlation id — the astromechza pattern, generalized
// with a uuid so a slow /comet/receive can be traced end to end.
func (a *Adapter) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		m := httpsnoop.CaptureMetrics(next, w, r)
		a.logger.Info("handled",
			"request_id", reqID,
			"method", r.Method,
			"path", r.URL.Path,
			"duration", m.Duration,
			"status", m.Code,
		)
	})
}

func clientID(r *http.Request) string {
	return r.FormValue("client_id")
}

func writeError(w http.ResponseWriter, err error) {
	var perr *protocol.Error
	if errors.As(err, &perr) && perr.Kind == protocol.UnknownClient {
		http.Error(w, perr.Error(), http.StatusNotImplemented)
		return
	}
	http.Error(w, err.Error(), http.StatusBadRequest)
}

func (a *Adapter) handleConnect(w http.ResponseWriter, r *http.Request) {
	id := clientID(r)
	if id == "" {
		writeError(w, protocol.Newf(protocol.MalformedMessage, "missing client_id"))
		return
	}
	a.push.Connect(id)
	w.WriteHeader(http.StatusOK)
}

func (a *Adapter) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	id := clientID(r)
	if id == "" {
		writeError(w, protocol.Newf(protocol.MalformedMessage, "missing client_id"))
		return
	}
	a.push.Disconnect(id)
	a.store.Disconnected(id)
	w.WriteHeader(http.StatusOK)
}

func (a *Adapter) handleReceive(w http.ResponseWriter, r *http.Request) {
	id := clientID(r)
	if id == "" {
		writeError(w, protocol.Newf(protocol.MalformedMessage, "missing client_id"))
		return
	}
	payload, ok, err := a.push.Receive(id)
	if err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
	if ok {
		_, _ = io.WriteString(w, payload)
	}
}

func (a *Adapter) handleFlush(w http.ResponseWriter, r *http.Request) {
	id := clientID(r)
	if id == "" {
		writeError(w, protocol.Newf(protocol.MalformedMessage, "missing client_id"))
		return
	}
	if err := a.push.Flush(id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (a *Adapter) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	id := clientID(r)
	domainName := r.FormValue("domain")
	if id == "" || domainName == "" {
		writeError(w, protocol.Newf(protocol.MalformedMessage, "missing client_id or domain"))
		return
	}
	if err := a.store.Subscribe(id, domainName); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (a *Adapter) handleMessages(w http.ResponseWriter, r *http.Request) {
	id := clientID(r)
	body := r.FormValue("messages")
	if id == "" || body == "" {
		writeError(w, protocol.Newf(protocol.MalformedMessage, "missing client_id or messages"))
		return
	}
	if err := a.store.Messages(id, body); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}
