package forwarder

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/phuslu/log"
	"nuha.dev/trachs/internal/provider"
)

const (
	userAgent    = "Trachs"
	maxErrorBody = 512
)

var ErrForwardFailed = errors.New("forward failed")

type Kind int

const (
	KindNone Kind = iota
	KindTransport
	KindHTTPStatus
	KindEncode
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindTransport:
		return "transport"
	case KindHTTPStatus:
		return "http_status"
	case KindEncode:
		return "encode"
	default:
		return "unknown"
	}
}

// Result is the outcome of one Send. StatusCode is 0 when no response arrived.
type Result struct {
	DeviceID   string
	Success    bool
	StatusCode int
	Kind       Kind
	Err        error
	DryRun     bool
}

func (r Result) MarshalObject(e *log.Entry) {
	e.Str("device_id", r.DeviceID).Bool("success", r.Success)
	if r.StatusCode != 0 {
		e.Int("status_code", r.StatusCode)
	}
	if r.Kind != KindNone {
		e.Str("error_kind", r.Kind.String())
	}
	if r.DryRun {
		e.Bool("dry_run", true)
	}
}

type ForwarderConfig struct {
	URL     string
	Method  string
	Timeout time.Duration
	Enabled bool
}

// Forwarder reports fixes to a Traccar server with the OsmAnd protocol. It
// never retries; the poll interval is the retry policy.
type Forwarder struct {
	config ForwarderConfig
	client *http.Client
	log    log.Logger
}

// New uses client for every request, http.DefaultClient when nil.
func New(config ForwarderConfig, client *http.Client) *Forwarder {
	if client == nil {
		client = http.DefaultClient
	}
	if config.Method == "" {
		config.Method = http.MethodGet
	}
	f := &Forwarder{config: config, client: client}
	f.log = log.DefaultLogger
	f.log.Context = log.NewContext(nil).Str("module", "forwarder").Value()
	return f
}

// EncodeURL builds the OsmAnd location report for fix.
func EncodeURL(base string, fix provider.DeviceFix, id string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("id", id)
	q.Set("timestamp", strconv.FormatInt(fix.Timestamp().Unix(), 10))
	q.Set("lat", formatFloat(fix.Latitude()))
	q.Set("lon", formatFloat(fix.Longitude()))
	if acc, ok := fix.Accuracy(); ok {
		q.Set("accuracy", formatFloat(acc))
	}
	if batt, ok := fix.Battery(); ok {
		q.Set("batt", strconv.Itoa(batt))
	}
	if alt, ok := fix.Altitude(); ok {
		q.Set("altitude", formatFloat(alt))
	}
	if own, ok := fix.OwnReport(); ok {
		extras, err := json.Marshal(map[string]string{"is_own_report": formatBool(own)})
		if err != nil {
			return "", err
		}
		q.Set("extras", string(extras))
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// formatBool keeps the capitalised form existing Traccar attributes were
// recorded with.
func formatBool(b bool) string {
	if b {
		return "True"
	}
	return "False"
}

func (f *Forwarder) Send(ctx context.Context, fix provider.DeviceFix, id string) Result {
	res := Result{DeviceID: id}
	if !f.config.Enabled {
		target, _ := EncodeURL(f.config.URL, fix, id)
		f.log.Info().Str("event", "dry_run").Str("method", f.config.Method).Str("url", target).EmbedObject(fix).Msg("[DRY RUN] would send to traccar")
		res.Success = true
		res.DryRun = true
		return res
	}
	if id == "" {
		res.Kind = KindEncode
		res.Err = fmt.Errorf("%w: empty identifier for %q", ErrForwardFailed, fix.Name())
		return res
	}

	target, err := EncodeURL(f.config.URL, fix, id)
	if err != nil {
		res.Kind = KindEncode
		res.Err = fmt.Errorf("%w: %v", ErrForwardFailed, err)
		return res
	}

	ctx, cancel := context.WithTimeout(ctx, f.config.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, f.config.Method, target, nil)
	if err != nil {
		res.Kind = KindEncode
		res.Err = fmt.Errorf("%w: %v", ErrForwardFailed, err)
		return res
	}
	req.Header.Set("User-Agent", userAgent)

	t0 := time.Now()
	resp, err := f.client.Do(req)
	if err != nil {
		res.Kind = KindTransport
		res.Err = fmt.Errorf("%w: %v", ErrForwardFailed, err)
		f.log.Error().Err(err).Str("device_id", id).Str("device", fix.Name()).Msg("failed to send to traccar")
		return res
	}
	defer resp.Body.Close()

	res.StatusCode = resp.StatusCode
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		res.Kind = KindHTTPStatus
		res.Err = fmt.Errorf("%w: traccar returned status %d", ErrForwardFailed, resp.StatusCode)
		f.log.Warn().Int("status_code", resp.StatusCode).Str("device_id", id).Str("body", string(body)).Msg("traccar rejected location")
		return res
	}
	_, _ = io.Copy(io.Discard, resp.Body)

	res.Success = true
	f.log.Debug().Str("device_id", id).Dur("time_taken", time.Since(t0)).Msg("location sent")
	return res
}
