package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/ruteri/guardian-switch/events"
	"github.com/ruteri/guardian-switch/interfaces"
)

// S3Channel stores events as objects in an S3 or S3-compatible bucket.
// Anonymous access is read-only unless the bucket allows public writes.
type S3Channel struct {
	client         *s3.S3
	bucketName     string
	prefix         string
	log            *slog.Logger
	locationURI    string
	hasWriteAccess bool
}

// S3Options configures an S3Channel.
type S3Options struct {
	Bucket    string
	Prefix    string
	Region    string
	Endpoint  string
	AccessKey string
	SecretKey string
	PathStyle bool
}

// NewS3Channel creates a channel backed by an S3 bucket.
func NewS3Channel(opts S3Options, log *slog.Logger) (*S3Channel, error) {
	if opts.Bucket == "" {
		return nil, fmt.Errorf("%w: empty bucket name", interfaces.ErrConfiguration)
	}
	if opts.Region == "" {
		opts.Region = "us-east-1"
	}

	uri := fmt.Sprintf("s3://%s/%s?region=%s", opts.Bucket, opts.Prefix, opts.Region)
	if opts.Endpoint != "" {
		uri += fmt.Sprintf("&endpoint=%s", opts.Endpoint)
	}

	cfg := aws.Config{
		Region:           aws.String(opts.Region),
		S3ForcePathStyle: aws.Bool(opts.PathStyle),
	}
	if opts.Endpoint != "" {
		cfg.Endpoint = aws.String(opts.Endpoint)
	}

	hasWriteAccess := opts.AccessKey != "" && opts.SecretKey != ""
	if hasWriteAccess {
		cfg.Credentials = credentials.NewStaticCredentials(opts.AccessKey, opts.SecretKey, "")
	} else {
		log.Warn("No S3 credentials provided - publishing may fail unless bucket is public writable",
			slog.String("bucket", opts.Bucket))
	}

	sess, err := session.NewSession(&cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS session: %w", err)
	}

	return &S3Channel{
		client:         s3.New(sess),
		bucketName:     opts.Bucket,
		prefix:         strings.Trim(opts.Prefix, "/"),
		log:            log,
		locationURI:    uri,
		hasWriteAccess: hasWriteAccess,
	}, nil
}

// Publish uploads the event as a publicly readable JSON object.
func (c *S3Channel) Publish(ctx context.Context, ev *events.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}

	key := c.objectKey(objectName(ev))
	_, err = c.client.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(c.bucketName),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
		ACL:         aws.String("public-read"),
	})
	if err != nil {
		if !c.hasWriteAccess {
			return fmt.Errorf("failed to upload event to S3 (no write credentials provided): %w", err)
		}
		return fmt.Errorf("failed to upload event to S3: %w", err)
	}

	c.log.Debug("Stored event in S3",
		slog.String("bucket", c.bucketName),
		slog.String("key", key))

	return nil
}

// Query lists the matching partitions and reads every event object in them.
func (c *S3Channel) Query(ctx context.Context, filter events.Filter) ([]*events.Event, error) {
	start := time.Now()

	prefixes := []string{c.objectKey("")}
	if partitions := queryPartitions(filter); partitions != nil {
		prefixes = prefixes[:0]
		for _, p := range partitions {
			prefixes = append(prefixes, c.objectKey(p)+"/")
		}
	}

	var keys []string
	for _, prefix := range prefixes {
		err := c.client.ListObjectsV2PagesWithContext(ctx, &s3.ListObjectsV2Input{
			Bucket: aws.String(c.bucketName),
			Prefix: aws.String(prefix),
		}, func(page *s3.ListObjectsV2Output, lastPage bool) bool {
			for _, obj := range page.Contents {
				if strings.HasSuffix(aws.StringValue(obj.Key), ".json") {
					keys = append(keys, aws.StringValue(obj.Key))
				}
			}
			return true
		})
		if err != nil {
			return nil, fmt.Errorf("failed to list objects in S3: %w", err)
		}
	}

	var out []*events.Event
	for _, key := range keys {
		data, err := c.getObject(ctx, key)
		if err != nil {
			if errors.Is(err, interfaces.ErrContentNotFound) {
				continue
			}
			return nil, err
		}
		if ev, ok := decodeMatching(data, filter); ok {
			out = append(out, ev)
		}
	}

	c.log.Debug("Queried events from S3",
		slog.String("bucket", c.bucketName),
		slog.Int("objects", len(keys)),
		slog.Int("matched", len(out)),
		slog.Duration("duration", time.Since(start)))

	return finishQuery(out, filter), nil
}

func (c *S3Channel) getObject(ctx context.Context, key string) ([]byte, error) {
	result, err := c.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.bucketName),
		Key:    aws.String(key),
	})
	if err != nil {
		var aerr awserr.Error
		if errors.As(err, &aerr) && aerr.Code() == s3.ErrCodeNoSuchKey {
			return nil, interfaces.ErrContentNotFound
		}
		return nil, fmt.Errorf("failed to get object from S3: %w", err)
	}
	defer result.Body.Close()

	data, err := io.ReadAll(result.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read object body: %w", err)
	}
	return data, nil
}

// Available checks if the bucket is accessible.
func (c *S3Channel) Available(ctx context.Context) bool {
	_, err := c.client.HeadBucketWithContext(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(c.bucketName),
	})
	if err != nil {
		c.log.Warn("S3 channel unavailable",
			slog.String("bucket", c.bucketName),
			"err", err)
		return false
	}
	return true
}

// Name returns a unique identifier for this channel.
func (c *S3Channel) Name() string {
	return fmt.Sprintf("s3-%s", c.bucketName)
}

// LocationURI returns the URI that identifies this channel.
func (c *S3Channel) LocationURI() string {
	return c.locationURI
}

func (c *S3Channel) objectKey(name string) string {
	if c.prefix == "" {
		return name
	}
	return path.Join(c.prefix, name)
}
