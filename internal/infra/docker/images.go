package docker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/registry"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/jsonmessage"
	"github.com/sirupsen/logrus"

	domain "github.com/bryanwahyu/ecranner/internal/domain/scans"
)

// API is the part of the Docker engine client the image store uses.
type API interface {
	ImagePull(ctx context.Context, ref string, options image.PullOptions) (io.ReadCloser, error)
	ImageInspect(ctx context.Context, imageID string, opts ...client.ImageInspectOption) (image.InspectResponse, error)
	ImageRemove(ctx context.Context, imageID string, options image.RemoveOptions) ([]image.DeleteResponse, error)
	RegistryLogin(ctx context.Context, auth registry.AuthConfig) (registry.AuthenticateOKBody, error)
	Ping(ctx context.Context) (types.Ping, error)
	Close() error
}

// Auth carries registry credentials for one pull session.
type Auth struct {
	Username string
	Password string
	Registry string
}

// Images manages images in the local Docker engine.
type Images struct {
	api API
	log logrus.FieldLogger
}

// New connects to the engine configured by DOCKER_HOST and friends.
func New() (*Images, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("creating docker client: %w", err)
	}
	return NewWithAPI(cli), nil
}

// NewWithAPI wraps an existing engine client.
func NewWithAPI(api API) *Images {
	return &Images{api: api, log: logrus.WithField("component", "docker")}
}

// Close releases the engine connection.
func (i *Images) Close() error { return i.api.Close() }

// Check pings the engine; used by the health endpoint.
func (i *Images) Check(ctx context.Context) error {
	_, err := i.api.Ping(ctx)
	return err
}

// Exists reports whether ref is present locally.
func (i *Images) Exists(ctx context.Context, ref domain.ImageRef) (bool, error) {
	_, err := i.api.ImageInspect(ctx, string(ref))
	if err == nil {
		return true, nil
	}
	if cerrdefs.IsNotFound(err) {
		return false, nil
	}
	return false, fmt.Errorf("inspecting %s: %w", ref, err)
}

// Login authenticates against a registry.
func (i *Images) Login(ctx context.Context, auth Auth) error {
	res, err := i.api.RegistryLogin(ctx, registry.AuthConfig{
		Username:      auth.Username,
		Password:      auth.Password,
		ServerAddress: auth.Registry,
	})
	if err != nil {
		return &domain.LoginError{Registry: auth.Registry, Err: err}
	}
	i.log.WithField("registry", auth.Registry).Debugf("login: %s", res.Status)
	return nil
}

// Pull fetches ref unless it is already present, then checks that the engine
// resolved it to the requested name.
func (i *Images) Pull(ctx context.Context, ref domain.ImageRef, auth *Auth) (domain.ImageRef, error) {
	ok, err := i.Exists(ctx, ref)
	if err != nil {
		i.log.WithError(err).Debug("pre-pull inspect failed, pulling anyway")
	}
	if ok {
		i.log.WithField("image", ref).Info("already exists")
		return ref, nil
	}

	opts := image.PullOptions{}
	if auth != nil {
		enc, err := registry.EncodeAuthConfig(registry.AuthConfig{
			Username:      auth.Username,
			Password:      auth.Password,
			ServerAddress: auth.Registry,
		})
		if err != nil {
			return "", fmt.Errorf("encoding registry auth: %w", err)
		}
		opts.RegistryAuth = enc
	}

	rc, err := i.api.ImagePull(ctx, string(ref), opts)
	if err != nil {
		return "", fmt.Errorf("pulling %s: %w", ref, err)
	}
	defer rc.Close()
	if err := drainPull(rc); err != nil {
		return "", fmt.Errorf("pulling %s: %w", ref, err)
	}

	info, err := i.api.ImageInspect(ctx, string(ref))
	if err != nil {
		return "", fmt.Errorf("inspecting pulled %s: %w", ref, err)
	}
	// images pulled by digest are listed under RepoDigests, not RepoTags
	names := info.RepoTags
	if strings.Contains(string(ref), "@") {
		names = info.RepoDigests
	}
	if !slices.Contains(names, string(ref)) {
		resolved := ""
		if len(names) > 0 {
			resolved = names[0]
		}
		return "", &domain.ImageMismatchError{Requested: ref, Resolved: resolved}
	}

	i.log.WithField("image", ref).Info("pulled")
	return ref, nil
}

// Remove deletes ref and reports whether it is gone afterwards. An image that
// is already absent counts as removed.
func (i *Images) Remove(ctx context.Context, ref domain.ImageRef, force bool) (bool, error) {
	ok, err := i.Exists(ctx, ref)
	if err != nil {
		return false, err
	}
	if !ok {
		return true, nil
	}

	res, err := i.api.ImageRemove(ctx, string(ref), image.RemoveOptions{Force: force})
	if err != nil && !cerrdefs.IsNotFound(err) {
		return false, fmt.Errorf("removing %s: %w", ref, err)
	}
	i.log.WithField("image", ref).Debugf("removed: %d layers", len(res))

	still, err := i.Exists(ctx, ref)
	if err != nil {
		return false, err
	}
	return !still, nil
}

// drainPull consumes the progress stream and surfaces an error message if
// the engine reported one.
func drainPull(r io.Reader) error {
	dec := json.NewDecoder(r)
	for {
		var msg jsonmessage.JSONMessage
		if err := dec.Decode(&msg); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if msg.Error != nil {
			return msg.Error
		}
		if msg.ErrorMessage != "" {
			return errors.New(msg.ErrorMessage)
		}
	}
}
