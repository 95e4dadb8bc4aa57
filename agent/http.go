// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package agent exposes the planning service over HTTP. The server wraps a
// planner and translates between the JSON wire surface and the planner's
// run lifecycle operations.
package agent

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"
	metrics "github.com/hashicorp/go-metrics"
	"github.com/rs/cors"

	"github.com/fjsmd/fjsmd/planner"
	"github.com/fjsmd/fjsmd/structs"
)

// allowCORS sets permissive CORS headers for a handler. The UI is served
// from a different origin in development.
var allowCORS = cors.New(cors.Options{
	AllowedOrigins: []string{"*"},
	AllowedMethods: []string{"HEAD", "GET", "POST", "OPTIONS"},
	AllowedHeaders: []string{"*"},
})

// HTTPServer wraps a planner and exposes it over an HTTP interface.
type HTTPServer struct {
	planner  *planner.Planner
	mux      *http.ServeMux
	listener net.Listener
	logger   hclog.Logger
	Addr     string
}

// NewHTTPServer starts a new HTTP server over the planner.
func NewHTTPServer(p *planner.Planner, config *Config, logger hclog.Logger) (*HTTPServer, error) {
	ln, err := net.Listen("tcp", config.BindAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to start HTTP listener: %w", err)
	}

	srv := &HTTPServer{
		planner:  p,
		mux:      http.NewServeMux(),
		listener: ln,
		logger:   logger.Named("http"),
		Addr:     ln.Addr().String(),
	}
	srv.registerHandlers()

	httpServer := &http.Server{
		Addr:    srv.Addr,
		Handler: srv.mux,
	}
	go func() {
		if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) && !errors.Is(err, net.ErrClosed) {
			srv.logger.Error("http server exited", "error", err)
		}
	}()

	srv.logger.Info("http server started", "address", srv.Addr)
	return srv, nil
}

// Shutdown closes the listener, stopping new connections.
func (s *HTTPServer) Shutdown() {
	if s.listener != nil {
		s.listener.Close()
	}
	s.logger.Info("http server stopped")
}

func (s *HTTPServer) registerHandlers() {
	s.mux.Handle("/api/solver/start", wrapCORS(s.wrap(s.SolverStartRequest)))
	s.mux.Handle("/api/solver/start_with_locks", wrapCORS(s.wrap(s.SolverStartWithLocksRequest)))
	s.mux.Handle("/api/solver/status/", wrapCORS(s.wrap(s.SolverStatusRequest)))
	s.mux.Handle("/api/plans/recent", wrapCORS(s.wrap(s.RecentPlansRequest)))
	s.mux.Handle("/api/plans/", wrapCORS(s.wrap(s.PlanGanttRequest)))
	s.mux.Handle("/api/orders", wrapCORS(s.wrap(s.OrdersRequest)))
}

// HTTPCodedError is used to provide the HTTP error code along with the error.
type HTTPCodedError interface {
	error
	Code() int
}

// CodedError returns an error with an attached HTTP status code.
func CodedError(c int, s string) HTTPCodedError {
	return &codedError{s, c}
}

type codedError struct {
	s    string
	code int
}

func (e *codedError) Error() string {
	return e.s
}

func (e *codedError) Code() int {
	return e.code
}

// wrap turns an endpoint method into an http.HandlerFunc: it serializes the
// returned object as JSON and maps errors onto status codes. OPTIONS
// requests short-circuit to 204 for CORS preflight.
func (s *HTTPServer) wrap(handler func(resp http.ResponseWriter, req *http.Request) (interface{}, error)) func(resp http.ResponseWriter, req *http.Request) {
	return func(resp http.ResponseWriter, req *http.Request) {
		reqURL := req.URL.String()
		start := time.Now()
		defer func() {
			s.logger.Debug("request complete", "method", req.Method, "path", reqURL, "duration", time.Since(start))
			metrics.MeasureSince([]string{"fjsmd", "http", "request"}, start)
		}()

		if req.Method == http.MethodOptions {
			resp.WriteHeader(http.StatusNoContent)
			return
		}

		obj, err := handler(resp, req)
		if err != nil {
			code := http.StatusInternalServerError
			errMsg := err.Error()
			var coded HTTPCodedError
			if errors.As(err, &coded) {
				code = coded.Code()
			} else if errors.Is(err, structs.ErrRunNotFound) {
				code = http.StatusNotFound
			}

			s.logger.Error("request failed", "method", req.Method, "path", reqURL, "code", code, "error", err)
			resp.Header().Set("Content-Type", "application/json")
			resp.WriteHeader(code)
			json.NewEncoder(resp).Encode(map[string]string{"error": errMsg})
			return
		}

		if obj != nil {
			resp.Header().Set("Content-Type", "application/json")
			if err := json.NewEncoder(resp).Encode(obj); err != nil {
				s.logger.Error("failed to encode response", "path", reqURL, "error", err)
			}
		}
	}
}

// wrapCORS wraps a HandlerFunc in allowCORS and returns a http.Handler.
func wrapCORS(f func(http.ResponseWriter, *http.Request)) http.Handler {
	return allowCORS.Handler(http.HandlerFunc(f))
}

// decodeBody decodes the request body into the given interface.
func decodeBody(req *http.Request, out interface{}) error {
	if req.Body == nil || req.Body == http.NoBody {
		return nil
	}
	dec := json.NewDecoder(req.Body)
	if err := dec.Decode(out); err != nil {
		return CodedError(http.StatusBadRequest, fmt.Sprintf("failed to decode request body: %v", err))
	}
	return nil
}

// parseBackend resolves the store backend for a request from the db query
// parameter or the X-DB header, defaulting to the relational backend.
func parseBackend(req *http.Request) (string, error) {
	name := req.URL.Query().Get("db")
	if name == "" {
		name = req.Header.Get("X-DB")
	}
	switch name {
	case "", structs.BackendRelational, structs.SourceRelational:
		return structs.BackendRelational, nil
	case structs.BackendDocument, structs.SourceDocument:
		return structs.BackendDocument, nil
	default:
		return "", CodedError(http.StatusBadRequest, fmt.Sprintf("unknown db %q", name))
	}
}

// methodNotAllowed is the shared guard for endpoints with a single verb.
func methodNotAllowed() (interface{}, error) {
	return nil, CodedError(http.StatusMethodNotAllowed, ErrInvalidMethod)
}

// ErrInvalidMethod is the error message returned for unsupported HTTP verbs.
const ErrInvalidMethod = "Invalid method"

// pathSuffix strips the given route prefix from the request path, returning
// the remainder without leading or trailing slashes.
func pathSuffix(req *http.Request, prefix string) string {
	return strings.Trim(strings.TrimPrefix(req.URL.Path, prefix), "/")
}
