package router

import (
	"context"
	"errors"
	"math/rand"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/consensusnet/gateway/internal/metrics"
	"github.com/consensusnet/gateway/internal/nodestore"
)

// ErrNoEligibleNode is returned when no active node survives the caller's
// preference filters.
var ErrNoEligibleNode = errors.New("router: no eligible node")

// Preferences narrow the candidate set for one selection. All fields are
// optional; Domains win over everything else. Regions and Domains come from
// comma-separated headers: a node is eligible when any region token is a
// case-insensitive substring of its region, or its domain equals any listed
// domain.
type Preferences struct {
	ExcludeIDs []string // node ids to skip
	Regions    []string // case-insensitive substring match, any token
	Domains    []string // exact domain match, restricts candidates to the list
}

// Selection is the routing outcome for one request.
type Selection struct {
	Node   nodestore.Node
	Sticky bool // served by the client's remembered node
}

// nodeLoad tracks in-flight work per node. Counters clamp at zero: a release
// after a node re-registers must not drive the gauge negative.
type nodeLoad struct {
	http int64
	ws   int64
}

// Stats is a snapshot of the router counters.
type Stats struct {
	TotalSelections int64            `json:"total_selections"`
	StickyHits      int64            `json:"sticky_hits"`
	Fallbacks       int64            `json:"fallbacks"`
	NodeLoad        map[string]int64 `json:"node_load"` // http + ws per node
}

// lister is the slice of the node store the router needs.
type lister interface {
	ListNodes(ctx context.Context, status nodestore.NodeStatus) ([]nodestore.Node, error)
}

// Router picks a serving node per request: sticky per client when the
// remembered node is still eligible, otherwise power-of-two-choices on
// current load.
type Router struct {
	store lister

	mu     sync.Mutex
	sticky map[string]string // client key -> node id
	load   map[string]*nodeLoad

	selections int64
	stickyHits int64
	fallbacks  int64

	metrics *metrics.Metrics
	log     zerolog.Logger
}

// New builds a router over the node store.
func New(store lister, m *metrics.Metrics, log zerolog.Logger) *Router {
	return &Router{
		store:   store,
		sticky:  make(map[string]string),
		load:    make(map[string]*nodeLoad),
		metrics: m,
		log:     log,
	}
}

// Select picks a node for clientKey. The sticky mapping is honored only when
// the remembered node is still active and passes the preference filters.
func (r *Router) Select(ctx context.Context, clientKey string, prefs Preferences) (Selection, error) {
	nodes, err := r.store.ListNodes(ctx, nodestore.StatusActive)
	if err != nil {
		return Selection{}, err
	}

	candidates := filter(nodes, prefs)
	if len(candidates) == 0 {
		r.mu.Lock()
		r.fallbacks++
		r.mu.Unlock()
		r.metrics.RouterSelectionsTotal.WithLabelValues("fallback").Inc()
		return Selection{}, ErrNoEligibleNode
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.selections++

	if id, ok := r.sticky[clientKey]; ok {
		for _, n := range candidates {
			if n.ID == id {
				r.stickyHits++
				r.metrics.RouterSelectionsTotal.WithLabelValues("sticky").Inc()
				return Selection{Node: n, Sticky: true}, nil
			}
		}
		// Remembered node is gone or filtered out; drop the mapping.
		delete(r.sticky, clientKey)
	}

	chosen := r.pickTwoLocked(candidates)
	if clientKey != "" {
		r.sticky[clientKey] = chosen.ID
	}
	r.metrics.RouterSelectionsTotal.WithLabelValues("balanced").Inc()
	return Selection{Node: chosen}, nil
}

// pickTwoLocked is power-of-two-choices: sample two distinct candidates and
// take the less loaded. One candidate short-circuits.
func (r *Router) pickTwoLocked(candidates []nodestore.Node) nodestore.Node {
	if len(candidates) == 1 {
		return candidates[0]
	}
	i := rand.Intn(len(candidates))
	j := rand.Intn(len(candidates) - 1)
	if j >= i {
		j++
	}
	a, b := candidates[i], candidates[j]
	if r.totalLoadLocked(a.ID) <= r.totalLoadLocked(b.ID) {
		return a
	}
	return b
}

func (r *Router) totalLoadLocked(nodeID string) int64 {
	l, ok := r.load[nodeID]
	if !ok {
		return 0
	}
	return l.http + l.ws
}

func filter(nodes []nodestore.Node, prefs Preferences) []nodestore.Node {
	excluded := make(map[string]struct{}, len(prefs.ExcludeIDs))
	for _, id := range prefs.ExcludeIDs {
		excluded[strings.TrimSpace(id)] = struct{}{}
	}
	regions := cleanTokens(prefs.Regions, true)
	domains := cleanTokens(prefs.Domains, false)

	var out []nodestore.Node
	for _, n := range nodes {
		if _, skip := excluded[n.ID]; skip {
			continue
		}
		if len(domains) > 0 {
			if contains(domains, n.Domain) {
				out = append(out, n)
			}
			continue
		}
		if len(regions) > 0 && !matchesAnyRegion(regions, n.Region) {
			continue
		}
		out = append(out, n)
	}
	return out
}

// cleanTokens trims list tokens and drops empties, lowercasing when asked.
func cleanTokens(tokens []string, lower bool) []string {
	var out []string
	for _, t := range tokens {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		if lower {
			t = strings.ToLower(t)
		}
		out = append(out, t)
	}
	return out
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

func matchesAnyRegion(tokens []string, region string) bool {
	region = strings.ToLower(region)
	for _, t := range tokens {
		if strings.Contains(region, t) {
			return true
		}
	}
	return false
}

// AcquireHTTP records one in-flight proxied request against a node.
func (r *Router) AcquireHTTP(nodeID string) { r.adjust(nodeID, 1, 0) }

// ReleaseHTTP ends one proxied request.
func (r *Router) ReleaseHTTP(nodeID string) { r.adjust(nodeID, -1, 0) }

// AcquireWS records one open WebSocket session against a node.
func (r *Router) AcquireWS(nodeID string) { r.adjust(nodeID, 0, 1) }

// ReleaseWS ends one WebSocket session.
func (r *Router) ReleaseWS(nodeID string) { r.adjust(nodeID, 0, -1) }

func (r *Router) adjust(nodeID string, dHTTP, dWS int64) {
	if nodeID == "" {
		return
	}
	r.mu.Lock()
	l, ok := r.load[nodeID]
	if !ok {
		l = &nodeLoad{}
		r.load[nodeID] = l
	}
	l.http += dHTTP
	if l.http < 0 {
		l.http = 0
	}
	l.ws += dWS
	if l.ws < 0 {
		l.ws = 0
	}
	httpNow, wsNow := l.http, l.ws
	r.mu.Unlock()

	r.metrics.RouterNodeLoad.WithLabelValues(nodeID, "http").Set(float64(httpNow))
	r.metrics.RouterNodeLoad.WithLabelValues(nodeID, "ws").Set(float64(wsNow))
}

// Forget drops the sticky mapping and load counters for a node, typically
// after it goes inactive.
func (r *Router) Forget(nodeID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.load, nodeID)
	for key, id := range r.sticky {
		if id == nodeID {
			delete(r.sticky, key)
		}
	}
}

// Stats snapshots the router counters.
func (r *Router) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	loads := make(map[string]int64, len(r.load))
	for id, l := range r.load {
		loads[id] = l.http + l.ws
	}
	return Stats{
		TotalSelections: r.selections,
		StickyHits:      r.stickyHits,
		Fallbacks:       r.fallbacks,
		NodeLoad:        loads,
	}
}
