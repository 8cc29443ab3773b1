package runtime

import (
	"net/http"
	"strings"
	"time"

	jsoncodec "github.com/drblury/spinflow/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/spinflow/internal/runtime/logging"
)

// GraphSnapshot is the JSON document served by the introspection handler.
type GraphSnapshot struct {
	CollectedAt time.Time       `json:"collected_at"`
	Nodes       []NodeSnapshot  `json:"nodes"`
	Topics      []TopicSnapshot `json:"topics"`
	Endpoints   []string        `json:"endpoints"`
	Executors   []ExecutorStats `json:"executors"`
	Process     ProcessUsage    `json:"process"`
}

// NodeSnapshot lists what one node owns.
type NodeSnapshot struct {
	Name          string          `json:"name"`
	ID            string          `json:"id"`
	Executor      string          `json:"executor,omitempty"`
	Publishers    []string        `json:"publishers"`
	Subscriptions []string        `json:"subscriptions"`
	Timers        []TimerSnapshot `json:"timers"`
	Services      []string        `json:"services"`
	Clients       []string        `json:"clients"`
}

type TimerSnapshot struct {
	Name   string `json:"name"`
	Period string `json:"period"`
	Fired  uint64 `json:"fired"`
}

type TopicSnapshot struct {
	Name        string `json:"name"`
	Publishers  int    `json:"publishers"`
	Subscribers int    `json:"subscribers"`
}

// Snapshot collects the current shape of the graph.
func (g *Graph) Snapshot(executors ...*Executor) GraphSnapshot {
	snap := GraphSnapshot{
		CollectedAt: g.clock.Now(),
		Endpoints:   g.endpoints.Names(),
		Process:     g.usage.sample(),
	}
	for _, n := range g.Nodes() {
		snap.Nodes = append(snap.Nodes, n.snapshot())
	}
	for _, topic := range g.topics.Topics() {
		snap.Topics = append(snap.Topics, TopicSnapshot{
			Name:        topic,
			Publishers:  g.topics.PublisherCount(topic),
			Subscribers: g.topics.SubscriberCount(topic),
		})
	}
	for _, e := range executors {
		snap.Executors = append(snap.Executors, e.Stats())
	}
	return snap
}

func (n *Node) snapshot() NodeSnapshot {
	n.mu.Lock()
	defer n.mu.Unlock()

	snap := NodeSnapshot{
		Name:          n.name,
		ID:            n.id,
		Publishers:    make([]string, 0, len(n.publishers)),
		Subscriptions: make([]string, 0, len(n.subscriptions)),
		Timers:        make([]TimerSnapshot, 0, len(n.timers)),
		Services:      make([]string, 0, len(n.services)),
		Clients:       make([]string, 0, len(n.clients)),
	}
	if n.executor != nil {
		snap.Executor = n.executor.name
	}
	for _, p := range n.publishers {
		snap.Publishers = append(snap.Publishers, p.topic)
	}
	for _, s := range n.subscriptions {
		snap.Subscriptions = append(snap.Subscriptions, s.topic)
	}
	for _, t := range n.timers {
		snap.Timers = append(snap.Timers, TimerSnapshot{Name: t.name, Period: t.period.String(), Fired: t.Fired()})
	}
	for _, s := range n.services {
		snap.Services = append(snap.Services, s.EndpointName())
	}
	for _, c := range n.clients {
		snap.Clients = append(snap.Clients, c.EndpointName())
	}
	return snap
}

// NewIntrospectionHandler serves Snapshot as JSON. CORS headers follow
// Conf.IntrospectionCORSAllowedOrigins.
func NewIntrospectionHandler(g *Graph, executors ...*Executor) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		if len(g.Conf.IntrospectionCORSAllowedOrigins) > 0 {
			if allowed := g.allowedCORSOrigin(r.Header.Get("Origin")); allowed != "" {
				w.Header().Set("Access-Control-Allow-Origin", allowed)
				w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
			}
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		if r.Method != http.MethodGet {
			http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
			return
		}

		if err := jsoncodec.Encode(w, g.Snapshot(executors...)); err != nil {
			g.Logger.Error("Failed to encode graph snapshot", err, loggingpkg.LogFields{"path": r.URL.Path})
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		}
	})
}

// allowedCORSOrigin returns the Access-Control-Allow-Origin value for the
// request origin, or "" when it is not allowed.
func (g *Graph) allowedCORSOrigin(requestOrigin string) string {
	for _, allowed := range g.Conf.IntrospectionCORSAllowedOrigins {
		if allowed == "*" {
			return "*"
		}
		if strings.EqualFold(allowed, requestOrigin) {
			return requestOrigin
		}
	}
	return ""
}
