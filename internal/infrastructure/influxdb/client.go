package influxdb

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/skatamatic/blulok-cloud-sub006/internal/infrastructure/config"
)

const (
	defaultBatchSize     = 100
	defaultFlushInterval = 10 * time.Second
	connectTimeout       = 10 * time.Second
	pingTimeout          = 5 * time.Second

	// TagService is added to every point so several cloud instances can
	// share one bucket.
	TagService = "service"
)

// pointWriter is the subset of api.WriteAPI the client writes through.
type pointWriter interface {
	WritePoint(point *write.Point)
	Flush()
}

// Stats counts telemetry points since Connect.
type Stats struct {
	Written uint64 `json:"written"`
	Failed  uint64 `json:"failed"`  // batches the server rejected
	Skipped uint64 `json:"skipped"` // points offered after Close
}

// Client records gateway heartbeats, device health and command outcomes.
//
// Writes never block the caller: points are batched by the underlying
// write API and rejected batches are reported through SetOnError.
type Client struct {
	server  influxdb2.Client
	points  pointWriter
	service string

	mu      sync.RWMutex
	open    bool
	onError func(err error)

	written atomic.Uint64
	failed  atomic.Uint64
	skipped atomic.Uint64
}

// Connect pings the server and returns a client writing to cfg.Bucket.
// Every point is tagged with serviceID when it is non-empty.
// It returns ErrDisabled when influxdb.enabled is false.
func Connect(cfg config.InfluxDBConfig, serviceID string) (*Client, error) {
	if !cfg.Enabled {
		return nil, ErrDisabled
	}

	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	// #nosec G115 -- both values are positive
	opts := influxdb2.DefaultOptions().
		SetBatchSize(uint(batchSize)).
		SetFlushInterval(uint(flushInterval(cfg).Milliseconds()))
	server := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token, opts)

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	if err := ping(ctx, server); err != nil {
		server.Close()
		return nil, fmt.Errorf("%w: %s: %w", ErrConnectionFailed, cfg.URL, err)
	}

	writeAPI := server.WriteAPI(cfg.Org, cfg.Bucket)
	c := newClient(writeAPI, serviceID)
	c.server = server
	go c.watchErrors(writeAPI.Errors())
	return c, nil
}

func newClient(points pointWriter, serviceID string) *Client {
	return &Client{points: points, service: serviceID, open: true}
}

func flushInterval(cfg config.InfluxDBConfig) time.Duration {
	if cfg.FlushInterval <= 0 {
		return defaultFlushInterval
	}
	return time.Duration(cfg.FlushInterval) * time.Second
}

func ping(ctx context.Context, server influxdb2.Client) error {
	healthy, err := server.Ping(ctx)
	if err != nil {
		return err
	}
	if !healthy {
		return fmt.Errorf("server not healthy")
	}
	return nil
}

// watchErrors forwards rejected batches to the error callback until the
// write API closes its channel.
func (c *Client) watchErrors(errs <-chan error) {
	for err := range errs {
		c.failed.Add(1)
		c.mu.RLock()
		callback := c.onError
		c.mu.RUnlock()
		if callback != nil {
			callback(fmt.Errorf("writing telemetry batch: %w", err))
		}
	}
}

// write tags p with the service and queues it. Points offered after Close
// are counted and dropped.
func (c *Client) write(p *write.Point) {
	if !c.IsConnected() {
		if c != nil {
			c.skipped.Add(1)
		}
		return
	}
	if c.service != "" {
		p.AddTag(TagService, c.service)
	}
	c.points.WritePoint(p)
	c.written.Add(1)
}

// Close flushes pending points and releases the server connection.
// Later writes are skipped.
func (c *Client) Close() error {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	wasOpen := c.open
	c.open = false
	c.mu.Unlock()
	if !wasOpen {
		return nil
	}

	c.points.Flush()
	if c.server != nil {
		c.server.Close()
	}
	return nil
}

// HealthCheck pings the server.
func (c *Client) HealthCheck(ctx context.Context) error {
	if !c.IsConnected() || c.server == nil {
		return ErrNotConnected
	}
	checkCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := ping(checkCtx, c.server); err != nil {
		return fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}
	return nil
}

// IsConnected reports whether the client still accepts points.
func (c *Client) IsConnected() bool {
	if c == nil {
		return false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.open
}

// SetOnError sets the callback for rejected batches.
func (c *Client) SetOnError(callback func(err error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onError = callback
}

// Flush blocks until queued points are sent. It is a no-op after Close.
func (c *Client) Flush() {
	if c.IsConnected() {
		c.points.Flush()
	}
}

// Stats returns point counters.
func (c *Client) Stats() Stats {
	return Stats{
		Written: c.written.Load(),
		Failed:  c.failed.Load(),
		Skipped: c.skipped.Load(),
	}
}
