package streaming

import (
	"context"
	"net/url"

	"github.com/m-lab/locate/api/locate"
	v2 "github.com/m-lab/locate/api/v2"
	"github.com/pkg/errors"

	"github.com/m-lab/speedcheck/pkg/model"
	"github.com/m-lab/speedcheck/pkg/streaming/spec"
)

// ErrNoTargets is returned when no server is available for a direction.
var ErrNoTargets = errors.New("no targets available")

// Locator is an interface used to get a list of available servers to test
// against.
type Locator interface {
	Nearest(ctx context.Context, service string) ([]v2.Target, error)
}

// NewLocator returns a Locator querying the M-Lab Locate API.
func NewLocator(userAgent string) Locator {
	return locate.NewClient(userAgent)
}

// Servers lists the service URLs for streaming transfers, either for an
// explicitly configured server or from the Locate API.
type Servers struct {
	// Server is the host[:port] to connect to. If empty, servers are
	// obtained from the Locator.
	Server string
	// Scheme is the WebSocket scheme (ws or wss).
	Scheme string

	locator Locator

	// targets caches the results from the Locate API.
	targets []v2.Target
}

// NewServers returns a new Servers.
func NewServers(server, scheme string, locator Locator) *Servers {
	if scheme == "" {
		scheme = spec.DefaultScheme
	}
	return &Servers{
		Server:  server,
		Scheme:  scheme,
		locator: locator,
	}
}

// Path returns the endpoint path for a direction.
func Path(d model.Direction) string {
	if d == model.DirectionUpload {
		return spec.UploadPath
	}
	return spec.DownloadPath
}

// URLs returns the URLs to try, in order, for the given direction. The
// explicit server yields a single URL. Locate targets are fetched on first
// use and reused afterwards; targets without a URL for the direction are
// skipped. ErrNoTargets is returned when there is nothing to try.
//
// The returned slice belongs to the caller, so every configuration walks
// the full list independently.
func (s *Servers) URLs(ctx context.Context, d model.Direction) ([]string, error) {
	p := Path(d)
	if s.Server != "" {
		u := &url.URL{Scheme: s.Scheme, Host: s.Server, Path: p}
		return []string{u.String()}, nil
	}

	if s.targets == nil {
		targets, err := s.locator.Nearest(ctx, spec.LocateService)
		if err != nil {
			return nil, errors.Wrap(err, "locate request failed")
		}
		// cache targets on success.
		s.targets = targets
	}
	k := s.Scheme + "://" + p
	var urls []string
	for _, t := range s.targets {
		if r := t.URLs[k]; r != "" {
			urls = append(urls, r)
		}
	}
	if len(urls) == 0 {
		return nil, ErrNoTargets
	}
	return urls, nil
}
