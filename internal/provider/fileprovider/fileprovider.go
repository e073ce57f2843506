package fileprovider

import (
	"context"
	"fmt"
	"os"

	"github.com/phuslu/log"
	"nuha.dev/trachs/internal/credential"
	"nuha.dev/trachs/internal/provider"
)

// Provider reads a device snapshot that an external decoder keeps up to date.
// The file is re-read on every Fetch.
type Provider struct {
	path string
	log  log.Logger
}

func New(path string) *Provider {
	p := &Provider{path: path}
	p.log = log.DefaultLogger
	p.log.Context = log.NewContext(nil).Str("module", "fileprovider").Value()
	return p
}

func (p *Provider) Fetch(ctx context.Context, _ *credential.Credentials) ([]provider.DeviceFix, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", provider.ErrProviderUnavailable, err)
	}
	b, err := os.ReadFile(p.path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", provider.ErrProviderUnavailable, err)
	}
	fixes, rejects, err := provider.DecodeSnapshot(b)
	if err != nil {
		return nil, err
	}
	for _, r := range rejects {
		p.log.Warn().Str("event", "fix_rejected").Int("index", r.Index).Str("device", r.Name).Err(r.Reason).Msg("")
	}
	p.log.Debug().Str("path", p.path).Int("devices", len(fixes)).Msg("snapshot read")
	return fixes, nil
}
