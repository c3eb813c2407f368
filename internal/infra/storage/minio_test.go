package storage

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/minio/minio-go/v7"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeObjects struct {
	exists  bool
	made    []string
	objects map[string][]byte
	types   map[string]string
	putErr  error
}

func (f *fakeObjects) BucketExists(context.Context, string) (bool, error) { return f.exists, nil }

func (f *fakeObjects) MakeBucket(_ context.Context, bucket string, _ minio.MakeBucketOptions) error {
	f.made = append(f.made, bucket)
	return nil
}

func (f *fakeObjects) PutObject(_ context.Context, _, object string, r io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error) {
	if f.putErr != nil {
		return minio.UploadInfo{}, f.putErr
	}
	b, _ := io.ReadAll(r)
	f.objects[object] = b
	f.types[object] = opts.ContentType
	return minio.UploadInfo{Key: object, Size: size}, nil
}

func newFake() *fakeObjects {
	return &fakeObjects{objects: map[string][]byte{}, types: map[string]string{}}
}

func TestNewCreatesMissingBucket(t *testing.T) {
	f := newFake()
	_, err := NewWithClient(context.Background(), f, "minio:9000", "us-east-1", "ecranner")
	require.NoError(t, err)
	assert.Equal(t, []string{"ecranner"}, f.made)

	f = newFake()
	f.exists = true
	_, err = NewWithClient(context.Background(), f, "minio:9000", "", "ecranner")
	require.NoError(t, err)
	assert.Empty(t, f.made)
}

func TestUpload(t *testing.T) {
	f := newFake()
	f.exists = true
	s, err := NewWithClient(context.Background(), f, "minio:9000", "", "ecranner")
	require.NoError(t, err)

	url, err := s.Upload(context.Background(), "prod/run/app.json", []byte(`{"Results":[]}`))
	require.NoError(t, err)
	assert.Equal(t, "http://minio:9000/ecranner/prod/run/app.json", url)
	assert.Equal(t, `{"Results":[]}`, string(f.objects["prod/run/app.json"]))
	assert.Equal(t, "application/json", f.types["prod/run/app.json"])

	f.putErr = errors.New("access denied")
	_, err = s.Upload(context.Background(), "k.bin", nil)
	assert.ErrorContains(t, err, "access denied")
}
