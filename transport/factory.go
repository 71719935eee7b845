package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"sync"

	"github.com/ruteri/guardian-switch/interfaces"
)

// Factory creates channels from location URIs. In-process mem:// channels are
// shared per factory by name.
type Factory struct {
	log        *slog.Logger
	discoverer *Discoverer

	mu     sync.Mutex
	memory map[string]*MemoryChannel
}

// NewFactory creates a channel factory.
func NewFactory(log *slog.Logger) *Factory {
	if log == nil {
		log = slog.Default()
	}
	return &Factory{
		log:    log,
		memory: make(map[string]*MemoryChannel),
	}
}

// WithDiscoverer sets the resolver used for dnstxt:// locations.
func (f *Factory) WithDiscoverer(d *Discoverer) *Factory {
	f.discoverer = d
	return f
}

// ChannelFor creates a channel from a location URI.
//
// Supported schemes:
//   - mem://name - in-process channel
//   - file:///path - local directory
//   - s3://[ACCESS_KEY:SECRET_KEY@]bucket/prefix?region=&endpoint=&path_style=true
//   - vault://host:port/mount/path?token=&tls=true&cert=&key=
//   - ipfs://host:port/root
//   - ws://, wss:// - websocket relay
//   - http://, https:// - relay server HTTP API
func (f *Factory) ChannelFor(uri string) (Channel, error) {
	loc, err := interfaces.NewChannelLocation(uri)
	if err != nil {
		return nil, err
	}

	f.log.Debug("Creating channel", slog.String("uri", loc.Redacted()))

	switch loc.Scheme {
	case "mem":
		return f.memoryChannel(loc.Host + loc.Path), nil
	case "file":
		return f.createFileChannel(loc)
	case "s3":
		return f.createS3Channel(loc)
	case "vault":
		return f.createVaultChannel(loc)
	case "ipfs":
		return NewIPFSChannel(hostOnly(loc.Host), portOnly(loc.Host), loc.Path, f.log)
	case "ws", "wss":
		return NewRelayChannel(loc.Raw, f.log)
	case "http", "https":
		return NewHTTPChannel(loc.Raw, f.log), nil
	default:
		return nil, fmt.Errorf("%w: scheme %s does not name a single channel", interfaces.ErrInvalidLocationURI, loc.Scheme)
	}
}

// Channels creates every channel of a list, expanding dnstxt:// entries.
// Any malformed entry rejects the whole list.
func (f *Factory) Channels(ctx context.Context, uris []string) ([]Channel, error) {
	expanded, err := f.Expand(ctx, uris)
	if err != nil {
		return nil, err
	}

	channels := make([]Channel, 0, len(expanded))
	seen := make(map[string]bool, len(expanded))
	for _, uri := range expanded {
		ch, err := f.ChannelFor(uri)
		if err != nil {
			return nil, fmt.Errorf("channel %q: %w", uri, err)
		}
		if seen[ch.Name()] {
			f.log.Warn("Skipping duplicate channel", slog.String("backend_name", ch.Name()))
			continue
		}
		seen[ch.Name()] = true
		channels = append(channels, ch)
	}
	return channels, nil
}

// Expand replaces dnstxt://<domain> entries with the URIs they advertise.
func (f *Factory) Expand(ctx context.Context, uris []string) ([]string, error) {
	out := make([]string, 0, len(uris))
	for _, uri := range uris {
		loc, err := interfaces.NewChannelLocation(uri)
		if err != nil {
			return nil, err
		}
		if loc.Scheme != "dnstxt" {
			out = append(out, uri)
			continue
		}

		d := f.discoverer
		if server := loc.GetParam("server"); server != "" || d == nil {
			d = NewDiscoverer(server, f.log)
		}
		found, err := d.Lookup(ctx, loc.Host)
		if err != nil {
			return nil, err
		}
		for _, u := range found {
			if strings.HasPrefix(strings.ToLower(u), "dnstxt:") {
				return nil, fmt.Errorf("%w: nested discovery in %s", interfaces.ErrInvalidLocationURI, loc.Host)
			}
		}
		out = append(out, found...)
	}
	return out, nil
}

// NewMulti creates the channels for uris and wraps them in a quorum transport.
func (f *Factory) NewMulti(ctx context.Context, uris []string, cfg Config, opts ...MultiOption) (*Multi, error) {
	channels, err := f.Channels(ctx, uris)
	if err != nil {
		return nil, err
	}
	return NewMulti(channels, cfg, f.log, opts...)
}

func (f *Factory) memoryChannel(name string) *MemoryChannel {
	f.mu.Lock()
	defer f.mu.Unlock()

	if ch, ok := f.memory[name]; ok {
		return ch
	}
	ch := NewMemoryChannel(name)
	f.memory[name] = ch
	return ch
}

// createFileChannel handles file:///absolute/path and file://./relative/path.
func (f *Factory) createFileChannel(loc interfaces.ChannelLocation) (Channel, error) {
	p := loc.Path
	if loc.Host != "" {
		p = loc.Host + "/" + strings.TrimPrefix(p, "/")
	}
	if p == "" {
		return nil, fmt.Errorf("%w: empty path in file URI: %s", interfaces.ErrInvalidLocationURI, loc.Raw)
	}
	return NewFileChannel(p, f.log)
}

func (f *Factory) createS3Channel(loc interfaces.ChannelLocation) (Channel, error) {
	opts := S3Options{
		Bucket:    loc.Host,
		Prefix:    strings.TrimPrefix(loc.Path, "/"),
		Region:    loc.GetParam("region"),
		Endpoint:  loc.GetParam("endpoint"),
		PathStyle: loc.GetParamBool("path_style"),
	}
	if loc.Auth != nil {
		opts.AccessKey = loc.Auth.Username()
		opts.SecretKey, _ = loc.Auth.Password()
	}
	return NewS3Channel(opts, f.log)
}

// createVaultChannel handles vault://host:port/mount/path. The first path
// element is the KV v2 mount, the rest the data path.
func (f *Factory) createVaultChannel(loc interfaces.ChannelLocation) (Channel, error) {
	scheme := "http"
	if loc.GetParamBool("tls") {
		scheme = "https"
	}

	mount, dataPath, _ := strings.Cut(strings.Trim(path.Clean(loc.Path), "/"), "/")
	opts := VaultOptions{
		Address:   fmt.Sprintf("%s://%s", scheme, loc.Host),
		MountPath: mount,
		DataPath:  dataPath,
		Token:     loc.GetParam("token"),
	}

	if certFile, keyFile := loc.GetParam("cert"), loc.GetParam("key"); certFile != "" && keyFile != "" {
		cert, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to load Vault client certificate: %v", interfaces.ErrConfiguration, err)
		}
		opts.ClientCert = &cert
	}

	return NewVaultChannel(opts, f.log)
}

func hostOnly(hostport string) string {
	host, _, found := strings.Cut(hostport, ":")
	if !found {
		return hostport
	}
	return host
}

func portOnly(hostport string) string {
	_, port, _ := strings.Cut(hostport, ":")
	return port
}
