// internal/sink/router.go
package sink

import (
	"fmt"

	"github.com/YaganovValera/analytics-system/ingestor/internal/model"
)

// Route maps one (provider, source kind) pair onto its destinations.
// Each sink variant reads only the fields it needs.
type Route struct {
	Provider   string `mapstructure:"provider"`
	SourceKind string `mapstructure:"source_kind"`

	Exchange   string `mapstructure:"exchange"`
	RoutingKey string `mapstructure:"routing_key"`
	Queue      string `mapstructure:"queue"`
	Topic      string `mapstructure:"topic"`
	Table      string `mapstructure:"table"`
}

// Destination — куда отправлять записи маршрута.
type Destination struct {
	Exchange   string
	RoutingKey string
	Queue      string
	Topic      string
	Table      string
}

// Group is a run of records sharing one destination, in batch order.
type Group struct {
	Key     model.RouteKey
	Dest    Destination
	Records []model.Record
}

// Router resolves routing keys. It is immutable after construction.
type Router struct {
	routes map[model.RouteKey]Destination
}

// NewRouter indexes routes. Duplicate pairs are a configuration error.
func NewRouter(routes []Route) (*Router, error) {
	r := &Router{routes: make(map[model.RouteKey]Destination, len(routes))}
	for i, rt := range routes {
		if rt.Provider == "" || rt.SourceKind == "" {
			return nil, fmt.Errorf("sink: route[%d]: provider and source_kind are required", i)
		}
		key := model.RouteKey{Provider: rt.Provider, SourceKind: rt.SourceKind}
		if _, dup := r.routes[key]; dup {
			return nil, fmt.Errorf("sink: duplicate route %s", key)
		}
		r.routes[key] = Destination{
			Exchange:   rt.Exchange,
			RoutingKey: rt.RoutingKey,
			Queue:      rt.Queue,
			Topic:      rt.Topic,
			Table:      rt.Table,
		}
	}
	return r, nil
}

// Lookup returns the destination of key.
func (r *Router) Lookup(key model.RouteKey) (Destination, bool) {
	d, ok := r.routes[key]
	return d, ok
}

// Destinations returns every configured destination.
func (r *Router) Destinations() []Destination {
	out := make([]Destination, 0, len(r.routes))
	for _, d := range r.routes {
		out = append(out, d)
	}
	return out
}

// Partition groups the batch by destination. Records whose key is
// unmapped, or whose destination is not usable by the caller, are
// returned as skipped.
func (r *Router) Partition(b model.Batch, usable func(Destination) bool) (groups []Group, skipped []model.Record) {
	order, byKey := model.GroupBy(b, model.Record.Key)
	for _, key := range order {
		dest, ok := r.routes[key]
		if !ok || (usable != nil && !usable(dest)) {
			skipped = append(skipped, byKey[key]...)
			continue
		}
		groups = append(groups, Group{Key: key, Dest: dest, Records: byKey[key]})
	}
	return groups, skipped
}

// SkippedKeys lists the distinct routing keys of skipped records.
func SkippedKeys(skipped []model.Record) []string {
	seen := make(map[model.RouteKey]struct{})
	var out []string
	for _, rec := range skipped {
		k := rec.Key()
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k.String())
	}
	return out
}
