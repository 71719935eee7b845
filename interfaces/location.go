package interfaces

import (
	"fmt"
	"net/url"
	"strings"
)

// ChannelLocation represents a parsed channel URI.
type ChannelLocation struct {
	Raw    string     // Original URI
	Scheme string     // Protocol
	Host   string     // Hostname and port
	Path   string     // Resource path
	Query  url.Values // Query parameters
	Auth   *url.Userinfo
}

var supportedSchemes = map[string]bool{
	"mem":    true,
	"file":   true,
	"s3":     true,
	"vault":  true,
	"ipfs":   true,
	"ws":     true,
	"wss":    true,
	"http":   true,
	"https":  true,
	"dnstxt": true,
}

// NewChannelLocation parses and validates a channel URI.
func NewChannelLocation(uri string) (ChannelLocation, error) {
	parsed, err := url.Parse(strings.TrimSpace(uri))
	if err != nil {
		return ChannelLocation{}, fmt.Errorf("%w: %v", ErrInvalidLocationURI, err)
	}

	scheme := strings.ToLower(parsed.Scheme)
	if !supportedSchemes[scheme] {
		return ChannelLocation{}, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidLocationURI, parsed.Scheme)
	}
	if parsed.Host == "" && parsed.Path == "" {
		return ChannelLocation{}, fmt.Errorf("%w: empty location in %q", ErrInvalidLocationURI, uri)
	}

	return ChannelLocation{
		Raw:    uri,
		Scheme: scheme,
		Host:   parsed.Host,
		Path:   parsed.Path,
		Query:  parsed.Query(),
		Auth:   parsed.User,
	}, nil
}

// String returns the original URI string.
func (loc ChannelLocation) String() string {
	return loc.Raw
}

// GetParam returns a query parameter value.
func (loc ChannelLocation) GetParam(name string) string {
	return loc.Query.Get(name)
}

// GetParamBool returns a boolean query parameter value.
func (loc ChannelLocation) GetParamBool(name string) bool {
	value := loc.Query.Get(name)
	return value == "true" || value == "1" || value == "yes"
}

// Redacted returns the URI with any password replaced, for logging.
func (loc ChannelLocation) Redacted() string {
	u, err := url.Parse(loc.Raw)
	if err != nil {
		return loc.Raw
	}
	return u.Redacted()
}
