package recorder

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"
)

// S3Config holds the settings for the optional record-file archive.
type S3Config struct {
	Bucket    string
	Region    string
	Endpoint  string
	AccessKey string
	SecretKey string
	Prefix    string
}

// S3Archiver uploads rotated hour files to an S3-compatible bucket in the
// background. The local file stays authoritative: an upload failure or a
// full queue only logs, it never blocks or fails rotation.
type S3Archiver struct {
	client   *s3.Client
	bucket   string
	prefix   string
	jobs     chan string
	log      zerolog.Logger
	done     chan struct{}
	stopOnce sync.Once
}

func NewS3Archiver(cfg S3Config, log zerolog.Logger) (*S3Archiver, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("aws config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		})
	}

	return &S3Archiver{
		client: s3.NewFromConfig(awsCfg, s3Opts...),
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
		jobs:   make(chan string, 64),
		log:    log.With().Str("component", "s3-archiver").Logger(),
		done:   make(chan struct{}),
	}, nil
}

func (a *S3Archiver) Start() {
	go a.loop()
}

// Stop closes the job queue and waits for in-flight uploads to finish.
func (a *S3Archiver) Stop() {
	a.stopOnce.Do(func() {
		close(a.jobs)
		<-a.done
	})
}

// Archive enqueues a rotated file for upload. Non-blocking: the file is
// safe on local disk, so a full queue just skips with a warning.
func (a *S3Archiver) Archive(path string) {
	select {
	case a.jobs <- path:
	default:
		a.log.Warn().Str("file", path).Msg("archive queue full, skipping (file safe on disk)")
	}
}

func (a *S3Archiver) loop() {
	defer close(a.done)
	for path := range a.jobs {
		a.upload(path)
	}
}

func (a *S3Archiver) upload(path string) {
	f, err := os.Open(path)
	if err != nil {
		a.log.Error().Err(err).Str("file", path).Msg("archive open failed")
		return
	}
	defer f.Close()

	key := filepath.Base(path)
	if a.prefix != "" {
		key = a.prefix + "/" + key
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	start := time.Now()
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        f,
		ContentType: aws.String("application/x-ndjson"),
	})
	if err != nil {
		a.log.Error().Err(err).Str("key", key).Msg("archive upload failed")
		return
	}
	a.log.Info().Str("key", key).Dur("elapsed_ms", time.Since(start)).Msg("record file archived")
}
