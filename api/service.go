// Package api is the HTTP transport adapter for the request engine: it
// decodes a JMAP request body (a bare array of call triples, or the
// wrapped {"methodCalls": [...]} form), builds a reqcontext.Context,
// runs it through a dispatch.Engine, and re-encodes the resulting
// sentences in whichever shape the request arrived in. Routing is
// gorilla/mux and cross-origin handling is gorilla/handlers.
package api

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"io/ioutil"
	"net/http"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/pkg/errors"

	"github.com/covenant-jmap/jmapcore/dispatch"
	"github.com/covenant-jmap/jmapcore/reqcontext"
	"github.com/covenant-jmap/jmapcore/result"
	"github.com/covenant-jmap/jmapcore/state"
	"github.com/covenant-jmap/jmapcore/utils/log"
)

// Service binds a dispatch.Engine to the sqlite connection and state
// store a request's Context needs, and serves it over HTTP.
type Service struct {
	Engine *dispatch.Engine
	DB     *sql.DB
	Store  state.Store

	// IsSystem runs every request with the system-escalation
	// permissions. A real deployment would authenticate the
	// caller and vary this per request instead; that is out of scope
	// for now.
	IsSystem bool

	// MayCall, when set, is attached to every request's Context as its
	// access-control predicate.
	MayCall func(method string, args map[string]interface{}) bool

	srv *http.Server
}

// Router builds the mux.Router this service serves, wrapped in
// gorilla/handlers' CORS middleware so every response (including
// preflight OPTIONS) carries a Vary: Origin header.
func (s *Service) Router() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/jmap", s.handleJMAP).Methods(http.MethodPost)
	return handlers.CORS(
		handlers.AllowedOrigins([]string{"*"}),
		handlers.AllowedMethods([]string{http.MethodPost, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Content-Type"}),
	)(r)
}

// ListenAndServe starts the HTTP server on addr with the given
// per-connection read/write timeouts, enforced by the transport, not
// the core dispatcher.
func (s *Service) ListenAndServe(addr string, readTimeout, writeTimeout time.Duration) error {
	s.srv = &http.Server{
		Addr:         addr,
		Handler:      s.Router(),
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	}
	log.WithField("addr", addr).Info("api: listening")
	return s.srv.ListenAndServe()
}

// Shutdown stops the HTTP server, if started.
func (s *Service) Shutdown() error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Close()
}

func (s *Service) handleJMAP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Vary", "Origin")

	body, err := ioutil.ReadAll(r.Body)
	if err != nil {
		writeDecodeError(w)
		return
	}

	calls, wrapped, derr := decodeBody(body)
	if derr != nil {
		writeDecodeError(w)
		return
	}

	ctx := reqcontext.New(s.DB, s.Store)
	ctx.IsSystem = s.IsSystem
	ctx.MayCall = s.MayCall
	w.Header().Set("Ix-Transaction-ID", ctx.TransactionID)

	for _, c := range calls {
		if c.ClientID == "" && !s.Engine.SynthesizeClientIDs {
			writeDecodeError(w)
			return
		}
	}

	sentences, failed := s.runDispatch(w, ctx, calls)
	if failed {
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	if wrapped {
		json.NewEncoder(w).Encode(map[string]interface{}{"methodResponses": encodeSentences(sentences)})
		return
	}
	json.NewEncoder(w).Encode(encodeSentences(sentences))
}

// runDispatch calls the engine under recover, since a panic escaping
// Dispatch itself (as opposed to a per-call panic, which invokeHandler
// already turns into an internalError result) is a genuinely uncaught
// core failure: a real 500 with a correlation guid is required, which w's
// caller (handleJMAP) has not started writing a body for yet, so the
// 500 can still be sent here.
func (s *Service) runDispatch(w http.ResponseWriter, ctx *reqcontext.Context, calls []dispatch.Call) (sentences []result.Sentence, failed bool) {
	defer func() {
		if p := recover(); p != nil {
			guid := ctx.FileExceptionReport(p)
			log.WithField("guid", guid).Error("api: dispatch panicked")
			writeInternalError(w, guid)
			failed = true
		}
	}()
	return s.Engine.Dispatch(ctx, calls), false
}

func encodeSentences(sentences []result.Sentence) []interface{} {
	out := make([]interface{}, len(sentences))
	for i, s := range sentences {
		out[i] = []interface{}{s.Name, s.Arguments, s.ClientID}
	}
	return out
}

func writeDecodeError(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusBadRequest)
	json.NewEncoder(w).Encode(map[string]string{"error": "could not decode request"})
}

func writeInternalError(w http.ResponseWriter, guid string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusInternalServerError)
	json.NewEncoder(w).Encode(map[string]string{"error": "internal", "guid": guid})
}

var errMalformedTriple = errors.New("api: call triple must have exactly 3 elements")

// decodeBody accepts either a bare JSON array of call triples or a
// {"methodCalls": [...]} wrapper, returning which shape it saw so the
// response can mirror it.
func decodeBody(body []byte) (calls []dispatch.Call, wrapped bool, err error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, false, errors.New("api: empty request body")
	}
	if trimmed[0] == '{' {
		var asObject struct {
			MethodCalls []json.RawMessage `json:"methodCalls"`
		}
		if err := json.Unmarshal(body, &asObject); err != nil {
			return nil, false, err
		}
		calls, err = decodeTriples(asObject.MethodCalls)
		return calls, true, err
	}
	var raw []json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, false, err
	}
	calls, err = decodeTriples(raw)
	return calls, false, err
}

func decodeTriples(raws []json.RawMessage) ([]dispatch.Call, error) {
	out := make([]dispatch.Call, 0, len(raws))
	for _, r := range raws {
		var triple []json.RawMessage
		if err := json.Unmarshal(r, &triple); err != nil {
			return nil, err
		}
		if len(triple) != 3 {
			return nil, errMalformedTriple
		}
		var method string
		if err := json.Unmarshal(triple[0], &method); err != nil {
			return nil, err
		}
		var args map[string]interface{}
		if err := json.Unmarshal(triple[1], &args); err != nil {
			return nil, err
		}
		var clientID string
		if err := json.Unmarshal(triple[2], &clientID); err != nil {
			return nil, err
		}
		out = append(out, dispatch.Call{Method: method, Arguments: args, ClientID: clientID})
	}
	return out, nil
}
