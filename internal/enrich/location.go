// Package enrich attaches recipient-specific runtime context to a payload.
package enrich

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"

	"github.com/tinywideclouds/go-circle-notifier/pkg/dispatch"
)

// Unknown stands in for a coordinate that is missing or not numeric.
const Unknown = "Unknown"

const (
	DataLatitude  = "latitude"
	DataLongitude = "longitude"
)

type LocationEnricher struct {
	store  dispatch.LocationStore
	logger *slog.Logger
}

func NewLocationEnricher(store dispatch.LocationStore, logger *slog.Logger) *LocationEnricher {
	return &LocationEnricher{
		store:  store,
		logger: logger.With("component", "LocationEnricher"),
	}
}

// Enrich returns a copy of base with the recipient's last-known position appended
// to the body and attached as data. It never fails: a missing position or a read
// error yields "Unknown" coordinates.
func (e *LocationEnricher) Enrich(ctx context.Context, recipientID string, base dispatch.Payload) dispatch.Payload {
	loc := e.Lookup(ctx, recipientID)
	lat, lon := formatCoord(loc.Latitude), formatCoord(loc.Longitude)

	out := base.Clone()
	out.Body = fmt.Sprintf("%s (Lat: %s, Lon: %s)", base.Body, lat, lon)
	if out.Data == nil {
		out.Data = make(map[string]string, 2)
	}
	out.Data[DataLatitude] = lat
	out.Data[DataLongitude] = lon
	return out
}

// Lookup reads and parses the stored position. Each coordinate is parsed on its own.
func (e *LocationEnricher) Lookup(ctx context.Context, recipientID string) dispatch.Location {
	raw, err := e.store.FetchLocation(ctx, recipientID)
	if err != nil {
		e.logger.Warn("Location lookup failed, using Unknown", "recipient_id", recipientID, "err", err)
		return dispatch.Location{}
	}
	if raw == nil {
		return dispatch.Location{}
	}
	return dispatch.Location{
		Latitude:  parseCoord(raw[DataLatitude]),
		Longitude: parseCoord(raw[DataLongitude]),
	}
}

func parseCoord(v interface{}) *float64 {
	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case float32:
		f = float64(n)
	case int:
		f = float64(n)
	case int64:
		f = float64(n)
	case json.Number:
		parsed, err := n.Float64()
		if err != nil {
			return nil
		}
		f = parsed
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return nil
		}
		f = parsed
	default:
		return nil
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil
	}
	return &f
}

func formatCoord(f *float64) string {
	if f == nil {
		return Unknown
	}
	return strconv.FormatFloat(*f, 'f', -1, 64)
}
