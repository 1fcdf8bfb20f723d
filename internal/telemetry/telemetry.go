// Package telemetry records controller events as InfluxDB points.
//
// Writes go through the non-blocking, batched WriteAPI, so recording is safe
// from event handlers that run under the controller's session lock.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"swapdmt/internal/controller"
	"swapdmt/internal/swap"
)

const (
	defaultConnectTimeout = 10 * time.Second
	defaultBatchSize      = 100
	defaultFlushInterval  = 10 * time.Second
)

// ErrConnectionFailed indicates the initial connection attempt failed.
var ErrConnectionFailed = errors.New("influxdb: connection failed")

// Config holds InfluxDB connection settings.
type Config struct {
	URL           string
	Token         string
	Org           string
	Bucket        string
	BatchSize     uint
	FlushInterval time.Duration
}

// pointWriter is the subset of api.WriteAPI the recorder uses.
type pointWriter interface {
	WritePoint(point *write.Point)
	Flush()
}

// Recorder subscribes to controller events and writes one point per event.
type Recorder struct {
	client influxdb2.Client
	writer pointWriter
	logger *slog.Logger
	unsub  func()
}

// Connect creates an InfluxDB client, checks the server is reachable and
// returns a recorder writing to cfg.Bucket.
func Connect(ctx context.Context, cfg Config, logger *slog.Logger) (*Recorder, error) {
	batch := cfg.BatchSize
	if batch == 0 {
		batch = defaultBatchSize
	}
	flush := cfg.FlushInterval
	if flush <= 0 {
		flush = defaultFlushInterval
	}

	client := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token,
		influxdb2.DefaultOptions().
			SetBatchSize(batch).
			SetFlushInterval(uint(flush.Milliseconds())))

	pingCtx, cancel := context.WithTimeout(ctx, defaultConnectTimeout)
	defer cancel()
	healthy, err := client.Ping(pingCtx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: ping: %w", ErrConnectionFailed, err)
	}
	if !healthy {
		client.Close()
		return nil, fmt.Errorf("%w: server not healthy", ErrConnectionFailed)
	}

	writeAPI := client.WriteAPI(cfg.Org, cfg.Bucket)
	r := newRecorder(writeAPI, logger)
	r.client = client

	go func() {
		for err := range writeAPI.Errors() {
			r.logger.Warn("influxdb write failed", "err", err)
		}
	}()
	r.logger.Info("influxdb connected", "url", cfg.URL, "bucket", cfg.Bucket)
	return r, nil
}

func newRecorder(w pointWriter, logger *slog.Logger) *Recorder {
	return &Recorder{writer: w, logger: logger.With("component", "telemetry")}
}

// Start subscribes to events.
func (r *Recorder) Start(events *controller.EventBus) {
	r.unsub = events.OnAll(r.handleEvent)
}

// Stop unsubscribes, flushes pending points and closes the client.
func (r *Recorder) Stop() {
	if r.unsub != nil {
		r.unsub()
	}
	r.writer.Flush()
	if r.client != nil {
		r.client.Close()
	}
	r.logger.Info("telemetry stopped")
}

func (r *Recorder) handleEvent(event controller.Event) {
	if p := eventPoint(event, time.Now()); p != nil {
		r.writer.WritePoint(p)
	}
}

// eventPoint maps an event to a point, or nil for events that are not
// recorded.
func eventPoint(event controller.Event, now time.Time) *write.Point {
	switch data := event.Data.(type) {
	case swap.MoteInfo:
		ts := data.LastSeen
		if ts.IsZero() {
			ts = now
		}
		return write.NewPoint("mote_link",
			map[string]string{
				"address": fmt.Sprintf("%02X", data.Address),
				"state":   data.State,
			},
			map[string]interface{}{
				"rssi": int64(data.RSSI),
				"lqi":  int64(data.LQI),
			},
			ts)
	case controller.SyncData:
		return write.NewPoint("mote_sync",
			map[string]string{"address": fmt.Sprintf("%02X", data.Address)},
			map[string]interface{}{"count": int64(1)},
			now)
	case controller.ConnectionData:
		return write.NewPoint("gateway_link", nil,
			map[string]interface{}{"connected": data.Connected},
			now)
	case controller.NetworkParamsData:
		return write.NewPoint("gateway_network", nil,
			map[string]interface{}{
				"channel":    int64(data.Channel),
				"network_id": int64(data.NetworkID),
				"security":   int64(data.Security),
				"address":    int64(data.Address),
				"ok":         data.OK,
			},
			now)
	case controller.ErrorData:
		return write.NewPoint("controller_error",
			map[string]string{"op": data.Op},
			map[string]interface{}{"message": data.Error},
			now)
	}
	return nil
}
