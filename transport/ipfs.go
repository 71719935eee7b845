package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"

	shell "github.com/ipfs/go-ipfs-api"
	"github.com/ruteri/guardian-switch/events"
	"github.com/ruteri/guardian-switch/interfaces"
)

// IPFSChannel stores events in the mutable file system of an IPFS node.
type IPFSChannel struct {
	shell       *shell.Shell
	host        string
	port        string
	root        string
	log         *slog.Logger
	locationURI string
}

// NewIPFSChannel creates a channel writing under root in the node's MFS.
func NewIPFSChannel(host, port, root string, log *slog.Logger) (*IPFSChannel, error) {
	if host == "" {
		return nil, fmt.Errorf("%w: empty IPFS host", interfaces.ErrConfiguration)
	}
	if port == "" {
		port = "5001"
	}
	root = "/" + strings.Trim(root, "/")
	if root == "/" {
		root = "/guardian-switch"
	}

	apiURL := fmt.Sprintf("%s:%s", host, port)
	return &IPFSChannel{
		shell:       shell.NewShell(apiURL),
		host:        host,
		port:        port,
		root:        root,
		log:         log,
		locationURI: fmt.Sprintf("ipfs://%s%s", apiURL, root),
	}, nil
}

// Publish writes the event to <root>/<switch>/<id>.json.
func (c *IPFSChannel) Publish(ctx context.Context, ev *events.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}

	p := path.Join(c.root, objectName(ev))
	err = c.shell.FilesWrite(ctx, p, bytes.NewReader(data),
		shell.FilesWrite.Create(true),
		shell.FilesWrite.Parents(true),
		shell.FilesWrite.Truncate(true))
	if err != nil {
		return fmt.Errorf("failed to write event to IPFS: %w", err)
	}

	c.log.Debug("Stored event in IPFS", slog.String("path", p))
	return nil
}

// Query reads the partitions the filter can match.
func (c *IPFSChannel) Query(ctx context.Context, filter events.Filter) ([]*events.Event, error) {
	partitions := queryPartitions(filter)
	if partitions == nil {
		entries, err := c.ls(ctx, c.root)
		if err != nil {
			return nil, err
		}
		for _, entry := range entries {
			if !strings.HasSuffix(entry.Name, ".json") {
				partitions = append(partitions, entry.Name)
			}
		}
	}

	var out []*events.Event
	for _, partition := range partitions {
		dir := path.Join(c.root, partition)
		entries, err := c.ls(ctx, dir)
		if err != nil {
			return nil, err
		}
		for _, entry := range entries {
			if !strings.HasSuffix(entry.Name, ".json") {
				continue
			}
			data, err := c.read(ctx, path.Join(dir, entry.Name))
			if err != nil {
				return nil, err
			}
			if ev, ok := decodeMatching(data, filter); ok {
				out = append(out, ev)
			}
		}
	}

	return finishQuery(out, filter), nil
}

func (c *IPFSChannel) ls(ctx context.Context, dir string) ([]*shell.MfsLsEntry, error) {
	entries, err := c.shell.FilesLs(ctx, dir)
	if err != nil {
		if strings.Contains(err.Error(), "does not exist") {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list IPFS directory: %w", err)
	}
	return entries, nil
}

func (c *IPFSChannel) read(ctx context.Context, p string) ([]byte, error) {
	reader, err := c.shell.FilesRead(ctx, p)
	if err != nil {
		return nil, fmt.Errorf("failed to read event from IPFS: %w", err)
	}
	defer reader.Close()

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read event from IPFS: %w", err)
	}
	return data, nil
}

// Available checks if the IPFS node is accessible.
func (c *IPFSChannel) Available(ctx context.Context) bool {
	return c.shell.IsUp()
}

// Name returns a unique identifier for this channel.
func (c *IPFSChannel) Name() string {
	return fmt.Sprintf("ipfs-%s-%s", c.host, c.port)
}

// LocationURI returns the URI that identifies this channel.
func (c *IPFSChannel) LocationURI() string {
	return c.locationURI
}
