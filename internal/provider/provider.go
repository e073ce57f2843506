package provider

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/phuslu/log"
	"nuha.dev/trachs/internal/credential"
)

var (
	ErrProviderUnavailable = errors.New("location provider unavailable")
	ErrAuthFailed          = errors.New("upstream rejected credentials")
	ErrInvalidFix          = errors.New("invalid device fix")
)

// LocationProvider returns the last known fix of every device on the account.
// Errors wrap ErrProviderUnavailable or ErrAuthFailed and abort the whole cycle.
type LocationProvider interface {
	Fetch(ctx context.Context, creds *credential.Credentials) ([]DeviceFix, error)
}

// DeviceFix is one timestamped position of a device. Optional readings are
// reported through (value, ok) accessors.
type DeviceFix struct {
	name       string
	canonicID  string
	latitude   float64
	longitude  float64
	timestamp  time.Time
	altitude   float64
	accuracy   float64
	battery    int
	ownReport  bool
	hasAlt     bool
	hasAcc     bool
	hasBattery bool
	hasOwn     bool
}

type FixOption func(*DeviceFix)

func WithCanonicID(id string) FixOption {
	return func(f *DeviceFix) { f.canonicID = id }
}

func WithAltitude(meters float64) FixOption {
	return func(f *DeviceFix) {
		if !math.IsNaN(meters) && !math.IsInf(meters, 0) {
			f.altitude, f.hasAlt = meters, true
		}
	}
}

// WithAccuracy ignores non-positive radii.
func WithAccuracy(meters float64) FixOption {
	return func(f *DeviceFix) {
		if meters > 0 && !math.IsInf(meters, 0) {
			f.accuracy, f.hasAcc = meters, true
		}
	}
}

// WithBattery ignores values outside 0-100.
func WithBattery(percent int) FixOption {
	return func(f *DeviceFix) {
		if percent >= 0 && percent <= 100 {
			f.battery, f.hasBattery = percent, true
		}
	}
}

// WithOwnReport marks whether the position was reported by the device itself
// rather than by a nearby finder network device.
func WithOwnReport(own bool) FixOption {
	return func(f *DeviceFix) { f.ownReport, f.hasOwn = own, true }
}

func NewDeviceFix(name string, lat, lon float64, ts time.Time, opts ...FixOption) (DeviceFix, error) {
	switch {
	case name == "":
		return DeviceFix{}, fmt.Errorf("%w: empty device name", ErrInvalidFix)
	case math.IsNaN(lat) || lat < -90 || lat > 90:
		return DeviceFix{}, fmt.Errorf("%w: latitude %v out of range", ErrInvalidFix, lat)
	case math.IsNaN(lon) || lon < -180 || lon > 180:
		return DeviceFix{}, fmt.Errorf("%w: longitude %v out of range", ErrInvalidFix, lon)
	case ts.IsZero() || ts.Unix() <= 0:
		return DeviceFix{}, fmt.Errorf("%w: missing timestamp", ErrInvalidFix)
	}
	f := DeviceFix{name: name, latitude: lat, longitude: lon, timestamp: ts.UTC()}
	for _, o := range opts {
		o(&f)
	}
	return f, nil
}

func (f DeviceFix) Name() string { return f.name }
func (f DeviceFix) CanonicID() string { return f.canonicID }
func (f DeviceFix) Latitude() float64 { return f.latitude }
func (f DeviceFix) Longitude() float64 { return f.longitude }
func (f DeviceFix) Timestamp() time.Time { return f.timestamp }

func (f DeviceFix) Altitude() (float64, bool) { return f.altitude, f.hasAlt }
func (f DeviceFix) Accuracy() (float64, bool) { return f.accuracy, f.hasAcc }
func (f DeviceFix) Battery() (int, bool) { return f.battery, f.hasBattery }
func (f DeviceFix) OwnReport() (bool, bool) { return f.ownReport, f.hasOwn }

func (f DeviceFix) MarshalObject(e *log.Entry) {
	e.Str("device", f.name).
		Float64("lat", f.latitude).
		Float64("lon", f.longitude).
		Time("fix_time", f.timestamp)
	if f.hasAcc {
		e.Float64("accuracy", f.accuracy)
	}
	if f.hasBattery {
		e.Int("battery", f.battery)
	}
	if f.hasOwn {
		e.Bool("own_report", f.ownReport)
	}
}
