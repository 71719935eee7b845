package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/ruteri/guardian-switch/events"
)

// FileChannel stores events as JSON files on the local file system.
// Several processes sharing a directory see each other's events.
type FileChannel struct {
	baseDir     string
	log         *slog.Logger
	locationURI string
}

// NewFileChannel creates a file channel rooted at baseDir, creating it if needed.
func NewFileChannel(baseDir string, log *slog.Logger) (*FileChannel, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}

	return &FileChannel{
		baseDir:     baseDir,
		log:         log,
		locationURI: fmt.Sprintf("file://%s", baseDir),
	}, nil
}

// Publish writes the event to <base>/<switch>/<id>.json.
func (c *FileChannel) Publish(ctx context.Context, ev *events.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}

	filePath := filepath.Join(c.baseDir, filepath.FromSlash(objectName(ev)))
	if err := os.MkdirAll(filepath.Dir(filePath), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	// Write and rename so readers never observe a partial file.
	tmp, err := os.CreateTemp(filepath.Dir(filePath), ".event-*")
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write file: %w", err)
	}
	if err := os.Rename(tmp.Name(), filePath); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write file: %w", err)
	}

	c.log.Debug("Stored event in file",
		slog.String("path", filePath),
		slog.String("kind", events.KindName(ev.Kind)))

	return nil
}

// Query scans the partitions the filter can match.
func (c *FileChannel) Query(ctx context.Context, filter events.Filter) ([]*events.Event, error) {
	partitions := queryPartitions(filter)
	if partitions == nil {
		entries, err := os.ReadDir(c.baseDir)
		if err != nil {
			return nil, fmt.Errorf("failed to list directory: %w", err)
		}
		for _, entry := range entries {
			if entry.IsDir() {
				partitions = append(partitions, entry.Name())
			}
		}
	}

	var out []*events.Event
	for _, partition := range partitions {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		dir := filepath.Join(c.baseDir, partition)
		entries, err := os.ReadDir(dir)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to list directory: %w", err)
		}

		for _, entry := range entries {
			if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
				continue
			}
			data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
			if err != nil {
				c.log.Debug("Failed to read event file", slog.String("file", entry.Name()), "err", err)
				continue
			}
			if ev, ok := decodeMatching(data, filter); ok {
				out = append(out, ev)
			}
		}
	}

	return finishQuery(out, filter), nil
}

// Available checks that the base directory exists.
func (c *FileChannel) Available(ctx context.Context) bool {
	_, err := os.Stat(c.baseDir)
	if err != nil {
		c.log.Debug("File channel unavailable", "err", err)
		return false
	}
	return true
}

// Name returns a unique identifier for this channel.
func (c *FileChannel) Name() string {
	return fmt.Sprintf("file-%s", filepath.Base(c.baseDir))
}

// LocationURI returns the URI that identifies this channel.
func (c *FileChannel) LocationURI() string {
	return c.locationURI
}
