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
)

type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
	err     error
}

func (f *fakeS3) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.objects == nil {
		f.objects = map[string][]byte{}
	}
	f.objects[aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key)] = data
	return &s3.PutObjectOutput{}, nil
}

type uploads struct {
	bytes  int64
	failed int
}

func (u *uploads) ObserveUpload(bytes int64, _ time.Duration, err error) {
	u.bytes += bytes
	if err != nil {
		u.failed++
	}
}

func writeJournal(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestNewRequiresBucket(t *testing.T) {
	_, err := New(&fakeS3{}, Config{}, nil)
	assert.Error(t, err)
}

func TestUpload(t *testing.T) {
	store := &fakeS3{}
	m := &uploads{}
	u, err := New(store, Config{Bucket: "journals", KeyPrefix: "mgm1/"}, m)
	require.NoError(t, err)

	path := writeJournal(t, "files.mdlog.1700000000.replaced", "records")
	key, err := u.Upload(context.Background(), path)
	require.NoError(t, err)

	assert.Equal(t, "mgm1/files.mdlog.1700000000.replaced", key)
	assert.Equal(t, []byte("records"), store.objects["journals/"+key])
	assert.EqualValues(t, 7, m.bytes)
	assert.FileExists(t, path)
}

func TestUploadDeletesLocal(t *testing.T) {
	u, err := New(&fakeS3{}, Config{Bucket: "journals", DeleteLocal: true}, nil)
	require.NoError(t, err)

	path := writeJournal(t, "directories.mdlog.1.replaced", "x")
	_, err = u.Upload(context.Background(), path)
	require.NoError(t, err)
	assert.NoFileExists(t, path)
}

func TestFailedUploadKeepsFile(t *testing.T) {
	m := &uploads{}
	u, err := New(&fakeS3{err: errors.New("unreachable")}, Config{Bucket: "journals", DeleteLocal: true}, m)
	require.NoError(t, err)

	path := writeJournal(t, "files.mdlog.2.replaced", "x")
	_, err = u.Upload(context.Background(), path)
	require.Error(t, err)
	assert.FileExists(t, path)
	assert.Equal(t, 1, m.failed)

	err = u.UploadAll(context.Background(), path, filepath.Join(t.TempDir(), "missing"))
	require.Error(t, err)
	assert.Equal(t, 3, m.failed)
}
