package rest

import (
	"context"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"weaver/internal/graph"
	"weaver/internal/walker"
	"weaver/pkg/api"
	"weaver/pkg/observability"
)

// Dispatcher turns walker endpoint bindings into HTTP handlers: decode
// body into a fresh walker, spawn it on the start node, serialize its
// response.
type Dispatcher struct {
	Graph   *graph.Context
	Engine  *walker.Engine
	Metrics *observability.Collector
	Log     *zap.Logger
}

// WalkerResponse is the wire shape of a drained walker.
type WalkerResponse struct {
	Walker  string                 `json:"walker"`
	State   string                 `json:"state"`
	Reports []interface{}          `json:"reports"`
	Errors  []walker.ResponseError `json:"errors,omitempty"`
	Trail   []string               `json:"trail,omitempty"`
	Data    map[string]interface{} `json:"data,omitempty"`
}

// Handle builds the handler for one walker endpoint.
func (d *Dispatcher) Handle(ep *Endpoint) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			api.BadRequest(w, "unreadable request body")
			return
		}

		instance, startID, err := decodeWalkerBody(ep.Walker, body)
		if err != nil {
			d.spawnMetric(ep, "rejected")
			api.Error(w, err)
			return
		}

		ctx := graph.WithCurrent(r.Context(), d.Graph)
		var cancel context.CancelFunc
		if ep.Timeout > 0 {
			ctx, cancel = context.WithTimeout(ctx, ep.Timeout)
			defer cancel()
		}

		start, err := resolveStartNode(ctx, d.Graph, startID)
		if err != nil {
			d.spawnMetric(ep, "rejected")
			api.Error(w, err)
			return
		}

		began := time.Now()
		if err := d.Engine.Spawn(ctx, instance, start); err != nil {
			d.spawnMetric(ep, "error")
			api.Error(w, err)
			return
		}

		resp := walker.ResponseOf(instance)
		d.spawnMetric(ep, "completed")
		if d.Metrics != nil {
			d.Metrics.WalkerVisits.WithLabelValues(ep.Walker.Name).Add(float64(len(resp.Trail)))
		}
		d.Log.Debug("walker drained",
			zap.String("walker", ep.Walker.Name),
			zap.String("state", string(walker.StateOf(instance))),
			zap.Int("reports", len(resp.Reports)),
			zap.Duration("elapsed", time.Since(began)),
		)

		reports := resp.Reports
		if reports == nil {
			reports = []interface{}{}
		}
		api.Success(w, WalkerResponse{
			Walker:  ep.Walker.Name,
			State:   string(walker.StateOf(instance)),
			Reports: reports,
			Errors:  resp.Errors,
			Trail:   resp.Trail,
			Data:    resp.Data,
		})
	}
}

func (d *Dispatcher) spawnMetric(ep *Endpoint, status string) {
	if d.Metrics != nil {
		d.Metrics.WalkerSpawns.WithLabelValues(ep.Walker.Name, status).Inc()
	}
}
