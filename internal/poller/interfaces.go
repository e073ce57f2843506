package poller

import (
	"context"
	"time"

	"nuha.dev/trachs/internal/credential"
	"nuha.dev/trachs/internal/forwarder"
	"nuha.dev/trachs/internal/provider"
)

// Clock abstracts time so tests can drive ticks.
type Clock interface {
	Now() time.Time
	Ticker(d time.Duration) Ticker
}

type Ticker interface {
	Chan() <-chan time.Time
	Stop()
}

type CredentialSource interface {
	Credentials() *credential.Credentials
}

type Resolver interface {
	ResolveFix(fix provider.DeviceFix) (string, error)
}

type Sender interface {
	Send(ctx context.Context, fix provider.DeviceFix, id string) forwarder.Result
}
