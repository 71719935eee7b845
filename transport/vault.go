package transport

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/vault/api"
	"github.com/ruteri/guardian-switch/events"
	"github.com/ruteri/guardian-switch/interfaces"
)

// VaultChannel stores events in a HashiCorp Vault KV v2 mount.
type VaultChannel struct {
	client      *api.Client
	mountPath   string
	dataPath    string
	log         *slog.Logger
	locationURI string
}

// VaultOptions configures a VaultChannel.
type VaultOptions struct {
	Address    string
	MountPath  string
	DataPath   string
	Token      string
	ClientCert *tls.Certificate
}

// NewVaultChannel creates a channel backed by a Vault KV v2 mount. Without an
// explicit token the client falls back to VAULT_TOKEN.
func NewVaultChannel(opts VaultOptions, log *slog.Logger) (*VaultChannel, error) {
	config := api.DefaultConfig()
	config.Address = opts.Address

	if opts.ClientCert != nil {
		config.HttpClient = &http.Client{
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{
					Certificates: []tls.Certificate{*opts.ClientCert},
				},
			},
			Timeout: 30 * time.Second,
		}
	}

	client, err := api.NewClient(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create Vault client: %w", err)
	}
	if opts.Token != "" {
		client.SetToken(opts.Token)
	}

	mountPath := strings.Trim(opts.MountPath, "/")
	dataPath := strings.Trim(opts.DataPath, "/")
	if mountPath == "" {
		return nil, fmt.Errorf("%w: empty Vault mount path", interfaces.ErrConfiguration)
	}

	return &VaultChannel{
		client:      client,
		mountPath:   mountPath,
		dataPath:    dataPath,
		log:         log,
		locationURI: fmt.Sprintf("vault://%s/%s/%s", strings.TrimPrefix(strings.TrimPrefix(opts.Address, "https://"), "http://"), mountPath, dataPath),
	}, nil
}

// Publish writes the event as a KV v2 secret.
func (c *VaultChannel) Publish(ctx context.Context, ev *events.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}

	p := c.kvPath("data", partitionOf(ev), ev.ID)
	_, err = c.client.Logical().WriteWithContext(ctx, p, map[string]interface{}{
		"data": map[string]interface{}{
			"event": string(data),
		},
	})
	if err != nil {
		c.log.Error("Failed to write to Vault", slog.String("path", p), "err", err)
		return fmt.Errorf("%w: %v", interfaces.ErrBackendUnavailable, err)
	}

	c.log.Debug("Stored event in Vault", slog.String("path", p))
	return nil
}

// Query lists partitions and reads every stored event in them.
func (c *VaultChannel) Query(ctx context.Context, filter events.Filter) ([]*events.Event, error) {
	partitions := queryPartitions(filter)
	if partitions == nil {
		keys, err := c.list(ctx, c.kvPath("metadata"))
		if err != nil {
			return nil, err
		}
		for _, k := range keys {
			if strings.HasSuffix(k, "/") {
				partitions = append(partitions, strings.TrimSuffix(k, "/"))
			}
		}
	}

	var out []*events.Event
	for _, partition := range partitions {
		ids, err := c.list(ctx, c.kvPath("metadata", partition))
		if err != nil {
			return nil, err
		}
		for _, id := range ids {
			if strings.HasSuffix(id, "/") {
				continue
			}
			data, err := c.read(ctx, c.kvPath("data", partition, id))
			if err != nil {
				return nil, err
			}
			if data == nil {
				continue
			}
			if ev, ok := decodeMatching(data, filter); ok {
				out = append(out, ev)
			}
		}
	}

	return finishQuery(out, filter), nil
}

func (c *VaultChannel) list(ctx context.Context, p string) ([]string, error) {
	secret, err := c.client.Logical().ListWithContext(ctx, p)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrBackendUnavailable, err)
	}
	if secret == nil || secret.Data == nil {
		return nil, nil
	}

	raw, _ := secret.Data["keys"].([]interface{})
	keys := make([]string, 0, len(raw))
	for _, k := range raw {
		if s, ok := k.(string); ok {
			keys = append(keys, s)
		}
	}
	return keys, nil
}

func (c *VaultChannel) read(ctx context.Context, p string) ([]byte, error) {
	secret, err := c.client.Logical().ReadWithContext(ctx, p)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrBackendUnavailable, err)
	}
	if secret == nil || secret.Data == nil {
		return nil, nil
	}

	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		c.log.Debug("Invalid data format in Vault response", slog.String("path", p))
		return nil, nil
	}
	content, ok := data["event"].(string)
	if !ok {
		c.log.Debug("Event key not found in Vault data", slog.String("path", p))
		return nil, nil
	}
	return []byte(content), nil
}

// Available checks that Vault is initialized and unsealed.
func (c *VaultChannel) Available(ctx context.Context) bool {
	health, err := c.client.Sys().HealthWithContext(ctx)
	if err != nil {
		c.log.Debug("Vault health check failed", "err", err)
		return false
	}

	if !health.Initialized || health.Sealed {
		c.log.Debug("Vault is not available",
			slog.Bool("initialized", health.Initialized),
			slog.Bool("sealed", health.Sealed))
		return false
	}
	return true
}

// Name returns a unique identifier for this channel.
func (c *VaultChannel) Name() string {
	return fmt.Sprintf("vault-%s-%s", c.mountPath, c.dataPath)
}

// LocationURI returns the URI that identifies this channel.
func (c *VaultChannel) LocationURI() string {
	return c.locationURI
}

func (c *VaultChannel) kvPath(kind string, parts ...string) string {
	elems := []string{c.mountPath, kind}
	if c.dataPath != "" {
		elems = append(elems, c.dataPath)
	}
	return strings.Join(append(elems, parts...), "/")
}
