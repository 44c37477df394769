// Package telemetry pulls the latest stream readings of the configured devices
// from the remote telemetry API.
package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"cropcast/apierr"
)

// KeyHeader carries the per-device access key.
const KeyHeader = "X-M2X-KEY"

// Options tunes the outbound client.
type Options struct {
	Timeout    time.Duration
	RetryCount int
	RetryWait  time.Duration
}

// Fetcher queries every device and normalizes its streams into a Row.
type Fetcher struct {
	devices []Device
	client  *resty.Client
	log     *zap.Logger
}

// NewFetcher copies devices; the list is fixed for the fetcher's lifetime.
func NewFetcher(devices []Device, opts Options, log *zap.Logger) *Fetcher {
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.RetryWait <= 0 {
		opts.RetryWait = 200 * time.Millisecond
	}
	if log == nil {
		log = zap.NewNop()
	}

	client := resty.New().
		SetTimeout(opts.Timeout).
		SetRetryCount(opts.RetryCount).
		SetRetryWaitTime(opts.RetryWait).
		SetRetryMaxWaitTime(4 * opts.RetryWait).
		SetHeader("Accept", "application/json").
		AddRetryCondition(func(resp *resty.Response, err error) bool {
			return resp != nil && resp.StatusCode() >= http.StatusInternalServerError
		})

	return &Fetcher{
		devices: append([]Device(nil), devices...),
		client:  client,
		log:     log.Named("telemetry"),
	}
}

// Devices returns a copy of the configured device list.
func (f *Fetcher) Devices() []Device {
	return append([]Device(nil), f.devices...)
}

// Fetch polls all devices in parallel. The result is ordered like the device
// list. Any failing device fails the whole batch with TelemetryUnavailable.
func (f *Fetcher) Fetch(ctx context.Context) ([]Row, error) {
	rows := make([]Row, len(f.devices))
	g, ctx := errgroup.WithContext(ctx)
	for i, device := range f.devices {
		i, device := i, device
		g.Go(func() error {
			row, err := f.fetchDevice(ctx, device)
			if err != nil {
				return err
			}
			rows[i] = row
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return rows, nil
}

func (f *Fetcher) fetchDevice(ctx context.Context, device Device) (Row, error) {
	op := "fetch " + device.Name
	start := time.Now()

	resp, err := f.client.R().
		SetContext(ctx).
		SetHeader(KeyHeader, device.Key).
		Get(device.Endpoint)
	if err != nil {
		f.log.Warn("device request failed", zap.String("device", device.Name), zap.Error(err))
		return Row{}, apierr.New(apierr.TelemetryUnavailable, op, err)
	}
	if resp.IsError() {
		f.log.Warn("device returned error status",
			zap.String("device", device.Name),
			zap.Int("status", resp.StatusCode()))
		return Row{}, apierr.Errorf(apierr.TelemetryUnavailable, op, "unexpected status %d", resp.StatusCode())
	}

	row, err := decodeRow(device.Name, resp.Body())
	if err != nil {
		return Row{}, apierr.New(apierr.TelemetryUnavailable, op, err)
	}

	f.log.Debug("device fetched",
		zap.String("device", device.Name),
		zap.Int("streams", len(row.Readings)),
		zap.Duration("took", time.Since(start)))
	return row, nil
}

func decodeRow(deviceName string, body []byte) (Row, error) {
	var payload streamsResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		return Row{}, fmt.Errorf("decode streams: %w", err)
	}
	if len(payload.Streams) == 0 {
		return Row{}, errors.New("device reported no streams")
	}

	row := Row{
		Time:     payload.Streams[0].Created,
		Device:   deviceName,
		Readings: make([]Reading, 0, len(payload.Streams)),
	}
	for i, s := range payload.Streams {
		if s.Value == nil {
			return Row{}, fmt.Errorf("stream %d (%s) has no value", i, s.Name)
		}
		row.Readings = append(row.Readings, Reading{
			Created: s.Created,
			Device:  deviceName,
			Name:    s.Name,
			Value:   float64(*s.Value),
		})
	}
	return row, nil
}
