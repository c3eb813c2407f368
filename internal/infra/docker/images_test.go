package docker

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/registry"
	"github.com/docker/docker/client"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domain "github.com/bryanwahyu/ecranner/internal/domain/scans"
)

type fakeAPI struct {
	images     map[string][]string // ref -> RepoTags
	pullTags   map[string][]string // tags an image resolves to once pulled
	digests    map[string][]string // ref -> RepoDigests
	pullStream string
	pullErr    error
	removeErr  error
	loginErr   error
	keepOnRm   bool

	pulls   []string
	removes []string
	auths   []image.PullOptions
	logins  []registry.AuthConfig
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{images: map[string][]string{}, pullTags: map[string][]string{}, digests: map[string][]string{}}
}

func (f *fakeAPI) ImagePull(_ context.Context, ref string, opts image.PullOptions) (io.ReadCloser, error) {
	f.pulls = append(f.pulls, ref)
	f.auths = append(f.auths, opts)
	if f.pullErr != nil {
		return nil, f.pullErr
	}
	tags, ok := f.pullTags[ref]
	if !ok {
		tags = []string{ref}
	}
	if strings.Contains(ref, "@") {
		// a digest pull leaves the image untagged
		if !ok {
			tags = nil
		}
		if _, set := f.digests[ref]; !set {
			f.digests[ref] = []string{ref}
		}
	}
	f.images[ref] = tags
	stream := f.pullStream
	if stream == "" {
		stream = `{"status":"Pulling from app"}` + "\n" + `{"status":"Download complete"}`
	}
	return io.NopCloser(strings.NewReader(stream)), nil
}

func (f *fakeAPI) ImageInspect(_ context.Context, id string, _ ...client.ImageInspectOption) (image.InspectResponse, error) {
	tags, ok := f.images[id]
	if !ok {
		return image.InspectResponse{}, cerrdefs.ErrNotFound
	}
	return image.InspectResponse{ID: "sha256:abc", RepoTags: tags, RepoDigests: f.digests[id]}, nil
}

func (f *fakeAPI) ImageRemove(_ context.Context, id string, _ image.RemoveOptions) ([]image.DeleteResponse, error) {
	f.removes = append(f.removes, id)
	if f.removeErr != nil {
		return nil, f.removeErr
	}
	if !f.keepOnRm {
		delete(f.images, id)
	}
	return []image.DeleteResponse{{Untagged: id}}, nil
}

func (f *fakeAPI) RegistryLogin(_ context.Context, auth registry.AuthConfig) (registry.AuthenticateOKBody, error) {
	f.logins = append(f.logins, auth)
	if f.loginErr != nil {
		return registry.AuthenticateOKBody{}, f.loginErr
	}
	return registry.AuthenticateOKBody{Status: "Login Succeeded"}, nil
}

func (f *fakeAPI) Ping(context.Context) (types.Ping, error) { return types.Ping{APIVersion: "1.47"}, nil }
func (f *fakeAPI) Close() error                              { return nil }

const ref = domain.ImageRef("0123.dkr.ecr.us-west-2.amazonaws.com/app:latest")

func TestPullIsIdempotent(t *testing.T) {
	api := newFakeAPI()
	imgs := NewWithAPI(api)
	auth := &Auth{Username: "AWS", Password: "pw", Registry: "https://0123.dkr.ecr.us-west-2.amazonaws.com"}

	got, err := imgs.Pull(context.Background(), ref, auth)
	require.NoError(t, err)
	assert.Equal(t, ref, got)

	got, err = imgs.Pull(context.Background(), ref, auth)
	require.NoError(t, err)
	assert.Equal(t, ref, got)

	assert.Len(t, api.pulls, 1, "second pull must not fetch again")
	assert.NotEmpty(t, api.auths[0].RegistryAuth)
}

func TestPullMismatch(t *testing.T) {
	api := newFakeAPI()
	api.pullTags[string(ref)] = []string{"other/app:latest"}

	_, err := NewWithAPI(api).Pull(context.Background(), ref, nil)
	var mm *domain.ImageMismatchError
	require.ErrorAs(t, err, &mm)
	assert.Equal(t, "other/app:latest", mm.Resolved)
	assert.Equal(t, ref, mm.Requested)
}

func TestPullByDigest(t *testing.T) {
	digestRef, err := domain.NormalizeImageRef("0123.dkr.ecr.us-west-2.amazonaws.com/app@sha256:" + strings.Repeat("a3", 32))
	require.NoError(t, err)

	api := newFakeAPI()
	got, err := NewWithAPI(api).Pull(context.Background(), digestRef, nil)
	require.NoError(t, err)
	assert.Equal(t, digestRef, got)
	assert.Empty(t, api.images[string(digestRef)], "pulled image carries no tags")

	other := newFakeAPI()
	other.digests[string(digestRef)] = []string{"0123.dkr.ecr.us-west-2.amazonaws.com/app@sha256:" + strings.Repeat("b4", 32)}
	_, err = NewWithAPI(other).Pull(context.Background(), digestRef, nil)
	var mm *domain.ImageMismatchError
	require.ErrorAs(t, err, &mm)
	assert.Contains(t, mm.Resolved, "@sha256:b4")
}

func TestPullStreamError(t *testing.T) {
	api := newFakeAPI()
	api.pullStream = `{"status":"Pulling"}` + "\n" + `{"errorDetail":{"message":"manifest unknown"},"error":"manifest unknown"}`

	_, err := NewWithAPI(api).Pull(context.Background(), ref, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "manifest unknown")
}

func TestPullRequestError(t *testing.T) {
	api := newFakeAPI()
	api.pullErr = errors.New("denied")
	_, err := NewWithAPI(api).Pull(context.Background(), ref, nil)
	assert.ErrorContains(t, err, "denied")
}

func TestRemove(t *testing.T) {
	api := newFakeAPI()
	api.images[string(ref)] = []string{string(ref)}
	imgs := NewWithAPI(api)

	ok, err := imgs.Remove(context.Background(), ref, true)
	require.NoError(t, err)
	assert.True(t, ok)

	// already gone
	ok, err = imgs.Remove(context.Background(), ref, true)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Len(t, api.removes, 1)
}

func TestRemoveStillPresent(t *testing.T) {
	api := newFakeAPI()
	api.images[string(ref)] = []string{string(ref)}
	api.keepOnRm = true

	ok, err := NewWithAPI(api).Remove(context.Background(), ref, false)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRemoveError(t *testing.T) {
	api := newFakeAPI()
	api.images[string(ref)] = []string{string(ref)}
	api.removeErr = errors.New("conflict: image is being used")

	ok, err := NewWithAPI(api).Remove(context.Background(), ref, false)
	assert.Error(t, err)
	assert.False(t, ok)
}

func TestLogin(t *testing.T) {
	api := newFakeAPI()
	imgs := NewWithAPI(api)
	require.NoError(t, imgs.Login(context.Background(), Auth{Username: "AWS", Password: "pw", Registry: "r"}))
	assert.Equal(t, "r", api.logins[0].ServerAddress)

	api.loginErr = errors.New("unauthorized")
	err := imgs.Login(context.Background(), Auth{Registry: "r"})
	var le *domain.LoginError
	assert.ErrorAs(t, err, &le)
}

func TestExistsAndCheck(t *testing.T) {
	api := newFakeAPI()
	imgs := NewWithAPI(api)
	ok, err := imgs.Exists(context.Background(), ref)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, imgs.Check(context.Background()))
}
