package provider

import (
	"encoding/json"
	"fmt"
	"time"
)

const (
	ERROR_KIND_AUTH        string = "auth"
	ERROR_KIND_UNAVAILABLE string = "unavailable"
)

// Snapshot is the device list produced by the upstream decoder, either written
// to a file or sent as a NATS reply.
type Snapshot struct {
	Devices []SnapshotDevice `json:"devices"`
	Error   *SnapshotError   `json:"error,omitempty"`
}

type SnapshotDevice struct {
	Name      string   `json:"name"`
	CanonicID string   `json:"canonic_id"`
	Latitude  *float64 `json:"latitude"`
	Longitude *float64 `json:"longitude"`
	Altitude  *float64 `json:"altitude,omitempty"`
	Accuracy  *float64 `json:"accuracy,omitempty"`
	Timestamp int64    `json:"timestamp"`
	Battery   *int     `json:"battery,omitempty"`
	OwnReport *bool    `json:"is_own_report,omitempty"`
	Semantic  bool     `json:"semantic,omitempty"`
}

type SnapshotError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// Reject records a snapshot entry that did not make it into a DeviceFix.
type Reject struct {
	Index  int
	Name   string
	Reason error
}

// raw_snapshot defers decoding of each device so that one entry with a wrong
// field type does not fail the others.
type raw_snapshot struct {
	Devices []json.RawMessage `json:"devices"`
	Error   *SnapshotError    `json:"error,omitempty"`
}

// DecodeSnapshot turns a snapshot into validated fixes. Malformed entries are
// returned as rejects without failing their siblings. A snapshot that cannot be
// decoded, or that carries an error, fails as a whole.
func DecodeSnapshot(b []byte) ([]DeviceFix, []Reject, error) {
	var snap raw_snapshot
	if err := json.Unmarshal(b, &snap); err != nil {
		return nil, nil, fmt.Errorf("%w: undecodable device snapshot: %v", ErrProviderUnavailable, err)
	}
	if snap.Error != nil {
		return nil, nil, snap.Error.err()
	}

	fixes := make([]DeviceFix, 0, len(snap.Devices))
	var rejects []Reject
	for i, raw := range snap.Devices {
		var d SnapshotDevice
		if err := json.Unmarshal(raw, &d); err != nil {
			// Unmarshal keeps decoding past a type error, so Name is usually set
			rejects = append(rejects, Reject{Index: i, Name: d.Name, Reason: fmt.Errorf("%w: %v", ErrInvalidFix, err)})
			continue
		}
		fix, err := d.fix()
		if err != nil {
			rejects = append(rejects, Reject{Index: i, Name: d.Name, Reason: err})
			continue
		}
		fixes = append(fixes, fix)
	}
	return fixes, rejects, nil
}

func (e *SnapshotError) err() error {
	// Message is dropped: it may echo credential material.
	if e.Kind == ERROR_KIND_AUTH {
		return ErrAuthFailed
	}
	return fmt.Errorf("%w: upstream reported %q", ErrProviderUnavailable, e.Kind)
}

func (d SnapshotDevice) fix() (DeviceFix, error) {
	if d.Semantic {
		return DeviceFix{}, fmt.Errorf("%w: semantic location without coordinates", ErrInvalidFix)
	}
	if d.Latitude == nil || d.Longitude == nil {
		return DeviceFix{}, fmt.Errorf("%w: missing coordinates", ErrInvalidFix)
	}
	if d.Timestamp <= 0 {
		return DeviceFix{}, fmt.Errorf("%w: missing timestamp", ErrInvalidFix)
	}
	opts := []FixOption{WithCanonicID(d.CanonicID)}
	if d.Altitude != nil {
		opts = append(opts, WithAltitude(*d.Altitude))
	}
	if d.Accuracy != nil {
		opts = append(opts, WithAccuracy(*d.Accuracy))
	}
	if d.Battery != nil {
		opts = append(opts, WithBattery(*d.Battery))
	}
	if d.OwnReport != nil {
		opts = append(opts, WithOwnReport(*d.OwnReport))
	}
	return NewDeviceFix(d.Name, *d.Latitude, *d.Longitude, time.Unix(d.Timestamp, 0), opts...)
}
