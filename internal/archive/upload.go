// Package archive uploads incident clips to S3-compatible storage.
package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/oszuidwest/zwfm-silencewatch/internal/types"
)

const (
	// MaxUploadRetryAge is how long a failed upload keeps being retried.
	MaxUploadRetryAge = 24 * time.Hour
	// RetryInterval is how often failed uploads are retried.
	RetryInterval = 10 * time.Minute

	uploadTimeout = 5 * time.Minute
	queueSize     = 16
)

// objectPutter is the subset of the S3 client used for uploads.
type objectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// Request is a clip file to upload.
type Request struct {
	IncidentID string
	LocalPath  string
	Key        string
}

// ResultFunc is called after each upload attempt.
type ResultFunc func(req Request, err error)

type pendingUpload struct {
	request      Request
	firstAttempt time.Time
	retryCount   int
	lastError    string
}

// Uploader uploads clips from a queue in a single worker goroutine and
// retries failures until MaxUploadRetryAge.
type Uploader struct {
	client objectPutter
	bucket string
	prefix string
	onDone ResultFunc
	now    func() time.Time

	queue chan Request

	mu         sync.Mutex
	retryQueue []pendingUpload
}

// newS3Client creates an S3 client with static credentials.
func newS3Client(cfg *types.S3Config) *s3.Client {
	creds := credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")
	region := cfg.Region
	if region == "" {
		region = "auto"
	}

	return s3.New(s3.Options{}, func(o *s3.Options) {
		o.Credentials = creds
		o.Region = region
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
}

// NewUploader returns an uploader for cfg.
func NewUploader(cfg *types.S3Config, onDone ResultFunc) (*Uploader, error) {
	if !cfg.IsConfigured() {
		return nil, errors.New("S3 is not configured")
	}
	return newUploader(newS3Client(cfg), cfg, onDone), nil
}

func newUploader(client objectPutter, cfg *types.S3Config, onDone ResultFunc) *Uploader {
	return &Uploader{
		client: client,
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
		onDone: onDone,
		now:    time.Now,
		queue:  make(chan Request, queueSize),
	}
}

// Key returns the object key for a clip file: prefix/YYYY/MM/DD/filename.
func (u *Uploader) Key(filename string, at time.Time) string {
	return path.Join(u.prefix, at.UTC().Format("2006/01/02"), filename)
}

// Enqueue queues a clip for upload without blocking.
func (u *Uploader) Enqueue(incidentID, localPath string, at time.Time) {
	req := Request{
		IncidentID: incidentID,
		LocalPath:  localPath,
		Key:        u.Key(filepath.Base(localPath), at),
	}
	select {
	case u.queue <- req:
		slog.Info("queued clip for upload", "incident", incidentID, "key", req.Key)
	default:
		slog.Warn("upload queue full, clip not archived", "incident", incidentID)
	}
}

// Run processes the queue until ctx is done, then drains what is left.
func (u *Uploader) Run(ctx context.Context) {
	ticker := time.NewTicker(RetryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case req := <-u.queue:
					_ = u.uploadFile(context.WithoutCancel(ctx), req)
				default:
					return
				}
			}
		case req := <-u.queue:
			if err := u.uploadFile(ctx, req); err != nil {
				u.addToRetryQueue(req, err.Error())
			}
		case <-ticker.C:
			u.processRetryQueue(ctx)
		}
	}
}

// uploadFile uploads one clip.
func (u *Uploader) uploadFile(ctx context.Context, req Request) error {
	ctx, cancel := context.WithTimeoutCause(ctx, uploadTimeout, errors.New("s3 upload timeout"))
	defer cancel()

	err := u.put(ctx, req)
	if err != nil {
		slog.Error("clip upload failed", "incident", req.IncidentID, "key", req.Key, "error", err)
	} else {
		slog.Info("clip upload completed", "incident", req.IncidentID, "key", req.Key)
	}
	if u.onDone != nil {
		u.onDone(req, err)
	}
	return err
}

func (u *Uploader) put(ctx context.Context, req Request) error {
	file, err := os.Open(req.LocalPath)
	if err != nil {
		return fmt.Errorf("open clip: %w", err)
	}
	defer file.Close() //nolint:errcheck // Read-only operation, close error not critical

	info, err := file.Stat()
	if err != nil {
		return fmt.Errorf("stat clip: %w", err)
	}

	_, err = u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(u.bucket),
		Key:           aws.String(req.Key),
		Body:          file,
		ContentLength: aws.Int64(info.Size()),
		ContentType:   aws.String("audio/wav"),
	})
	return err
}

// addToRetryQueue records a failed upload for a later retry.
func (u *Uploader) addToRetryQueue(req Request, errMsg string) {
	u.mu.Lock()
	defer u.mu.Unlock()

	for _, p := range u.retryQueue {
		if p.request.LocalPath == req.LocalPath {
			return
		}
	}
	u.retryQueue = append(u.retryQueue, pendingUpload{
		request:      req,
		firstAttempt: u.now(),
		lastError:    errMsg,
	})
}

// processRetryQueue retries every pending upload once.
func (u *Uploader) processRetryQueue(ctx context.Context) {
	u.mu.Lock()
	pending := u.retryQueue
	u.retryQueue = nil
	u.mu.Unlock()

	now := u.now()
	var failed []pendingUpload
	for _, p := range pending {
		if now.Sub(p.firstAttempt) > MaxUploadRetryAge {
			slog.Warn("clip upload abandoned after 24h",
				"incident", p.request.IncidentID,
				"key", p.request.Key,
				"attempts", p.retryCount+1,
				"last_error", p.lastError)
			continue
		}
		p.retryCount++
		if err := u.uploadFile(ctx, p.request); err != nil {
			p.lastError = err.Error()
			failed = append(failed, p)
		}
	}

	if len(failed) > 0 {
		u.mu.Lock()
		u.retryQueue = append(u.retryQueue, failed...)
		u.mu.Unlock()
	}
}

// Pending returns the number of uploads waiting for a retry.
func (u *Uploader) Pending() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.retryQueue)
}

// TestConnection checks bucket access by uploading and deleting a small
// object.
func (u *Uploader) TestConnection(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	testKey := path.Join(u.prefix, fmt.Sprintf("test-connection-%d.txt", u.now().UnixNano()))
	content := []byte("silencewatch connection test")

	if _, err := u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(u.bucket),
		Key:           aws.String(testKey),
		Body:          bytes.NewReader(content),
		ContentLength: aws.Int64(int64(len(content))),
	}); err != nil {
		return fmt.Errorf("upload test file: %w", err)
	}

	if _, err := u.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(u.bucket),
		Key:    aws.String(testKey),
	}); err != nil {
		slog.Warn("failed to delete test file", "key", testKey, "error", err)
	}
	return nil
}
