// Package metrics holds the domain metric instruments. Exported through the
// process's configured OpenTelemetry meter provider.
package metrics

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Registry holds every domain metric for the auction platform.
type Registry struct {
	meter metric.Meter

	// Bid path
	BidCommitDuration  metric.Float64Histogram
	BidAcceptedCounter metric.Int64Counter
	BidRejectedCounter metric.Int64Counter
	AntiSnipeCounter   metric.Int64Counter

	// Auctions
	AuctionsCreatedCounter metric.Int64Counter
	AuctionsClosedCounter  metric.Int64Counter
	LiveAuctionsGauge      metric.Int64ObservableGauge

	// Gateway
	ConnectionsGauge     metric.Int64ObservableGauge
	EventsRelayedCounter metric.Int64Counter
	ChatMessagesCounter  metric.Int64Counter

	// Settlement
	SettlementRecordsCounter metric.Int64Counter
	SettlementRetriesCounter metric.Int64Counter

	// API
	RequestDuration metric.Float64Histogram
	RequestCounter  metric.Int64Counter

	mu           sync.RWMutex
	liveAuctions int64
	connections  int64
}

// NewRegistry creates all instruments on the named meter.
func NewRegistry(meterName string) (*Registry, error) {
	r := &Registry{meter: otel.Meter(meterName)}

	var err error
	r.BidCommitDuration, err = r.meter.Float64Histogram(
		"auction.bid.commit_duration",
		metric.WithDescription("Bid admission latency in milliseconds"),
		metric.WithUnit("ms"),
		metric.WithExplicitBucketBoundaries(0.5, 1, 2, 5, 10, 25, 50, 100, 250, 500),
	)
	if err != nil {
		return nil, err
	}

	r.BidAcceptedCounter, err = r.meter.Int64Counter(
		"auction.bid.accepted_total",
		metric.WithDescription("Bids that became the new high"),
	)
	if err != nil {
		return nil, err
	}

	r.BidRejectedCounter, err = r.meter.Int64Counter(
		"auction.bid.rejected_total",
		metric.WithDescription("Bids rejected or outbid, by reason"),
	)
	if err != nil {
		return nil, err
	}

	r.AntiSnipeCounter, err = r.meter.Int64Counter(
		"auction.antisnipe.extensions_total",
		metric.WithDescription("Anti-snipe extensions granted"),
	)
	if err != nil {
		return nil, err
	}

	r.AuctionsCreatedCounter, err = r.meter.Int64Counter(
		"auction.created_total",
		metric.WithDescription("Auctions created"),
	)
	if err != nil {
		return nil, err
	}

	r.AuctionsClosedCounter, err = r.meter.Int64Counter(
		"auction.closed_total",
		metric.WithDescription("Auctions closed, by trigger"),
	)
	if err != nil {
		return nil, err
	}

	r.LiveAuctionsGauge, err = r.meter.Int64ObservableGauge(
		"auction.live_total",
		metric.WithDescription("Auctions currently accepting bids"),
		metric.WithInt64Callback(func(ctx context.Context, o metric.Int64Observer) error {
			r.mu.RLock()
			defer r.mu.RUnlock()
			o.Observe(r.liveAuctions)
			return nil
		}),
	)
	if err != nil {
		return nil, err
	}

	r.ConnectionsGauge, err = r.meter.Int64ObservableGauge(
		"auction.gateway.connections",
		metric.WithDescription("Open websocket connections"),
		metric.WithInt64Callback(func(ctx context.Context, o metric.Int64Observer) error {
			r.mu.RLock()
			defer r.mu.RUnlock()
			o.Observe(r.connections)
			return nil
		}),
	)
	if err != nil {
		return nil, err
	}

	r.EventsRelayedCounter, err = r.meter.Int64Counter(
		"auction.gateway.events_relayed_total",
		metric.WithDescription("Events fanned out to rooms, by kind"),
	)
	if err != nil {
		return nil, err
	}

	r.ChatMessagesCounter, err = r.meter.Int64Counter(
		"auction.gateway.chat_messages_total",
		metric.WithDescription("Chat messages relayed"),
	)
	if err != nil {
		return nil, err
	}

	r.SettlementRecordsCounter, err = r.meter.Int64Counter(
		"auction.settlement.records_total",
		metric.WithDescription("Settlement records processed, by outcome"),
	)
	if err != nil {
		return nil, err
	}

	r.SettlementRetriesCounter, err = r.meter.Int64Counter(
		"auction.settlement.retries_total",
		metric.WithDescription("Settlement entries claimed after a consumer failure"),
	)
	if err != nil {
		return nil, err
	}

	r.RequestDuration, err = r.meter.Float64Histogram(
		"auction.api.request_duration",
		metric.WithDescription("HTTP request duration in milliseconds"),
		metric.WithUnit("ms"),
		metric.WithExplicitBucketBoundaries(1, 5, 10, 25, 50, 100, 250, 500, 1000, 5000),
	)
	if err != nil {
		return nil, err
	}

	r.RequestCounter, err = r.meter.Int64Counter(
		"auction.api.requests_total",
		metric.WithDescription("HTTP requests, by route and status"),
	)
	if err != nil {
		return nil, err
	}

	return r, nil
}

// RecordRequest records one HTTP request against the API instruments.
func (r *Registry) RecordRequest(ctx context.Context, method, path string, status int, duration time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("path", path),
		attribute.Int("status", status),
	)
	r.RequestCounter.Add(ctx, 1, attrs)
	r.RequestDuration.Record(ctx, float64(duration.Microseconds())/1000.0, attrs)
}

// RecordBidOutcome counts one admission decision.
func (r *Registry) RecordBidOutcome(ctx context.Context, accepted bool, reason string) {
	if accepted {
		r.BidAcceptedCounter.Add(ctx, 1)
		return
	}
	r.BidRejectedCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// SetLiveAuctions updates the observable live-auction count.
func (r *Registry) SetLiveAuctions(n int64) {
	r.mu.Lock()
	r.liveAuctions = n
	r.mu.Unlock()
}

// ConnectionOpened and ConnectionClosed maintain the gateway gauge.
func (r *Registry) ConnectionOpened() {
	r.mu.Lock()
	r.connections++
	r.mu.Unlock()
}

func (r *Registry) ConnectionClosed() {
	r.mu.Lock()
	r.connections--
	r.mu.Unlock()
}
