package meshdht

import (
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi"
	"github.com/go-chi/render"
)

// maxAPIValueSize bounds PUT bodies accepted by the ops API.
const maxAPIValueSize = 1 << 20

// statusResponse reports the node's identity and table health.
type statusResponse struct {
	NodeID   string `json:"node_id"`
	Address  string `json:"address"`
	Uptime   string `json:"uptime"`
	Contacts int    `json:"contacts"`
	Buckets  int    `json:"buckets"`
	Stored   int    `json:"stored"`
}

// routingEntry is one peer as shown by the routing endpoint.
type routingEntry struct {
	ID   string `json:"id"`
	Host string `json:"host"`
	Port int    `json:"port"`
}

// valueResponse wraps a fetched value for JSON transport.
type valueResponse struct {
	Key   string `json:"key"`
	Value []byte `json:"value"`
}

// APIRouter exposes the server over HTTP for operators: status, routing
// table introspection, and get/put against the DHT.
func (s *Server) APIRouter() http.Handler {
	r := chi.NewRouter()

	r.Get("/api/v1/status", s.apiStatus)
	r.Get("/api/v1/routing", s.apiRouting)
	r.Get("/api/v1/dht/{key}", s.apiGet)
	r.Put("/api/v1/dht/{key}", s.apiPut)

	return r
}

func (s *Server) apiStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		NodeID: s.NodeID().String(),
		Uptime: s.Uptime().Round(time.Second).String(),
	}
	if addr := s.Addr(); addr != nil {
		resp.Address = addr.String()
	}
	if table := s.Table(); table != nil {
		resp.Contacts = table.NumContacts()
		resp.Buckets = table.NumBuckets()
	}
	if store, ok := s.Storage().(*TTLStore); ok {
		resp.Stored = store.Len()
	}
	render.JSON(w, r, resp)
}

func (s *Server) apiRouting(w http.ResponseWriter, r *http.Request) {
	table := s.Table()
	if table == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	nodes := table.AllNodes()
	entries := make([]routingEntry, 0, len(nodes))
	for _, n := range nodes {
		entries = append(entries, routingEntry{ID: n.ID.String(), Host: n.Host, Port: n.Port})
	}
	render.JSON(w, r, entries)
}

func (s *Server) apiGet(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	value, found, err := s.Get(r.Context(), key)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	if !found {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	render.JSON(w, r, valueResponse{Key: key, Value: value})
}

func (s *Server) apiPut(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	value, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxAPIValueSize))
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	ok, err := s.Set(r.Context(), key, value)
	if err != nil || !ok {
		w.WriteHeader(http.StatusBadGateway)
		return
	}
	w.WriteHeader(http.StatusOK)
}
