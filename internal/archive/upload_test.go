package archive

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oszuidwest/zwfm-silencewatch/internal/types"
)

type fakeS3 struct {
	mu      sync.Mutex
	fail    error
	objects map[string][]byte
	deleted []string
}

func newFakeS3() *fakeS3 { return &fakeS3{objects: make(map[string][]byte)} }

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return nil, f.fail
	}
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.objects[aws.ToString(in.Key)] = data
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) DeleteObject(_ context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, aws.ToString(in.Key))
	delete(f.objects, aws.ToString(in.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func (f *fakeS3) setFail(err error) {
	f.mu.Lock()
	f.fail = err
	f.mu.Unlock()
}

var testS3 = &types.S3Config{Bucket: "clips", Prefix: "studio", AccessKeyID: "id", SecretAccessKey: "secret"}

func writeClip(t *testing.T) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "2026-03-02_14-32-05.wav")
	require.NoError(t, os.WriteFile(p, []byte("RIFFclip"), 0o600))
	return p
}

func TestKey(t *testing.T) {
	u := newUploader(newFakeS3(), testS3, nil)
	at := time.Date(2026, 3, 2, 23, 30, 0, 0, time.UTC)
	assert.Equal(t, "studio/2026/03/02/clip.wav", u.Key("clip.wav", at))
}

func TestRunUploadsQueuedClip(t *testing.T) {
	fake := newFakeS3()
	done := make(chan error, 1)
	u := newUploader(fake, testS3, func(_ Request, err error) { done <- err })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go u.Run(ctx)

	u.Enqueue("inc-1", writeClip(t), time.Date(2026, 3, 2, 14, 32, 5, 0, time.UTC))
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("upload did not complete")
	}

	fake.mu.Lock()
	defer fake.mu.Unlock()
	assert.Equal(t, []byte("RIFFclip"), fake.objects["studio/2026/03/02/2026-03-02_14-32-05.wav"])
}

func TestFailedUploadIsRetried(t *testing.T) {
	fake := newFakeS3()
	fake.setFail(errors.New("bucket unreachable"))
	u := newUploader(fake, testS3, nil)
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	u.now = func() time.Time { return now }

	req := Request{IncidentID: "inc-1", LocalPath: writeClip(t), Key: "k.wav"}
	require.Error(t, u.uploadFile(context.Background(), req))
	u.addToRetryQueue(req, "bucket unreachable")
	u.addToRetryQueue(req, "bucket unreachable")
	assert.Equal(t, 1, u.Pending(), "duplicates are ignored")

	u.processRetryQueue(context.Background())
	assert.Equal(t, 1, u.Pending(), "still failing")

	fake.setFail(nil)
	u.processRetryQueue(context.Background())
	assert.Zero(t, u.Pending())
	assert.Contains(t, fake.objects, "k.wav")
}

func TestRetryAbandonedAfterMaxAge(t *testing.T) {
	fake := newFakeS3()
	fake.setFail(errors.New("down"))
	u := newUploader(fake, testS3, nil)
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	u.now = func() time.Time { return now }

	u.addToRetryQueue(Request{LocalPath: writeClip(t), Key: "k.wav"}, "down")
	now = now.Add(MaxUploadRetryAge + time.Minute)
	u.processRetryQueue(context.Background())
	assert.Zero(t, u.Pending())
}

func TestMissingFileFails(t *testing.T) {
	u := newUploader(newFakeS3(), testS3, nil)
	err := u.uploadFile(context.Background(), Request{LocalPath: filepath.Join(t.TempDir(), "gone.wav"), Key: "k"})
	require.Error(t, err)
}

func TestTestConnection(t *testing.T) {
	fake := newFakeS3()
	u := newUploader(fake, testS3, nil)
	require.NoError(t, u.TestConnection(context.Background()))
	assert.Len(t, fake.deleted, 1)
	assert.Empty(t, fake.objects)

	fake.setFail(errors.New("denied"))
	require.Error(t, u.TestConnection(context.Background()))
}

func TestNewUploaderRequiresConfig(t *testing.T) {
	_, err := NewUploader(&types.S3Config{Bucket: "b"}, nil)
	require.Error(t, err)

	u, err := NewUploader(testS3, nil)
	require.NoError(t, err)
	assert.NotNil(t, u)
}
