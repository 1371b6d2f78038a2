// Package http is a minimal JSON-over-HTTP gateway exposing a bound
// set of device facades' SDO upload/download and NMT command surface,
// grounded on the teacher's pkg/gateway/http CiA 309-5 server but
// simplified to structured JSON bodies instead of that protocol's
// URI-encoded command grammar, per the expanded spec's supplement.
package http

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"
	"sync"

	canopen "github.com/canlink/canopen-core"
	"github.com/canlink/canopen-core/pkg/node"
)

var routePattern = regexp.MustCompile(`^/nodes/(\d{1,3})/(sdo/read|sdo/write|nmt/[a-z-]+)$`)

// Server routes JSON requests to a registry of device facades keyed by
// node id.
type Server struct {
	logger *slog.Logger

	mu    sync.RWMutex
	nodes map[uint8]*node.Node

	mux *http.ServeMux
}

// NewServer constructs an empty Server. Use Register to bind node
// facades before serving.
func NewServer(logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		logger: logger.With("service", "[HTTP]"),
		nodes:  make(map[uint8]*node.Node),
	}
	s.mux = http.NewServeMux()
	s.mux.HandleFunc("/nodes/", s.handle)
	return s
}

// Register binds n under its own node id, replacing any prior facade
// registered for that id.
func (s *Server) Register(n *node.Node) {
	s.mu.Lock()
	s.nodes[n.NodeID()] = n
	s.mu.Unlock()
}

// Unregister removes the facade bound to nodeID, if any.
func (s *Server) Unregister(nodeID uint8) {
	s.mu.Lock()
	delete(s.nodes, nodeID)
	s.mu.Unlock()
}

// ListenAndServe blocks serving HTTP on addr.
func (s *Server) ListenAndServe(addr string) error {
	return http.ListenAndServe(addr, s.mux)
}

// ServeHTTP implements http.Handler, letting a Server be mounted on an
// existing mux or test server.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	m := routePattern.FindStringSubmatch(r.URL.Path)
	if m == nil {
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown route %q", r.URL.Path))
		return
	}
	nodeIDNum, err := strconv.Atoi(m[1])
	if err != nil || nodeIDNum < 1 || nodeIDNum > 127 {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid node id %q", m[1]))
		return
	}
	nodeID := uint8(nodeIDNum)

	s.mu.RLock()
	n, ok := s.nodes[nodeID]
	s.mu.RUnlock()
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("node %d not registered", nodeID))
		return
	}

	switch m[2] {
	case "sdo/read":
		s.handleSDORead(w, r, n)
	case "sdo/write":
		s.handleSDOWrite(w, r, n)
	default:
		s.handleNMT(w, r, n, m[2])
	}
}

func (s *Server) handleSDORead(w http.ResponseWriter, r *http.Request, n *node.Node) {
	var req sdoReadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	addr := canopen.ObjectAddress{Index: req.Index, SubIndex: req.SubIndex}
	ctx := r.Context()

	var value uint32
	var err error
	switch req.Width {
	case 8:
		var v uint8
		v, err = n.ReadUint8(ctx, addr)
		value = uint32(v)
	case 16:
		var v uint16
		v, err = n.ReadUint16(ctx, addr)
		value = uint32(v)
	case 32:
		value, err = n.ReadUint32(ctx, addr)
	default:
		err = fmt.Errorf("unsupported width %d", req.Width)
	}
	if err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, http.StatusOK, sdoReadResponse{Value: value})
}

func (s *Server) handleSDOWrite(w http.ResponseWriter, r *http.Request, n *node.Node) {
	var req sdoWriteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	addr := canopen.ObjectAddress{Index: req.Index, SubIndex: req.SubIndex}
	ctx := r.Context()

	var err error
	switch req.Width {
	case 8:
		err = n.WriteUint8(ctx, addr, uint8(req.Value))
	case 16:
		err = n.WriteUint16(ctx, addr, uint16(req.Value))
	case 32:
		err = n.WriteUint32(ctx, addr, req.Value)
	default:
		err = fmt.Errorf("unsupported width %d", req.Width)
	}
	if err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleNMT(w http.ResponseWriter, r *http.Request, n *node.Node, route string) {
	var err error
	switch route {
	case "nmt/start":
		err = n.Start()
	case "nmt/stop":
		err = n.Stop()
	case "nmt/preop":
		err = n.EnterPreOperational()
	case "nmt/reset-node":
		err = n.ResetNode()
	case "nmt/reset-comm":
		err = n.ResetCommunication()
	default:
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown nmt route %q", route))
		return
	}
	if err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
