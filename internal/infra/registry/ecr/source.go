package ecr

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/ecr"
	"github.com/aws/aws-sdk-go-v2/service/ecr/types"
	"github.com/samber/lo"
	"github.com/sirupsen/logrus"

	domain "github.com/bryanwahyu/ecranner/internal/domain/scans"
	"github.com/bryanwahyu/ecranner/internal/infra/docker"
)

// ErrDecodeToken is returned when an authorization token is not base64 "user:password".
var ErrDecodeToken = errors.New("failed to decode authorization token")

// API is the subset of the ECR client used by Source.
type API interface {
	GetAuthorizationToken(ctx context.Context, params *ecr.GetAuthorizationTokenInput, optFns ...func(*ecr.Options)) (*ecr.GetAuthorizationTokenOutput, error)
	ecr.DescribeRepositoriesAPIClient
	ecr.DescribeImagesAPIClient
}

// Puller logs in to a registry and pulls images into the local engine.
type Puller interface {
	Login(ctx context.Context, auth docker.Auth) error
	Pull(ctx context.Context, ref domain.ImageRef, auth *docker.Auth) (domain.ImageRef, error)
}

// Source pulls images from ECR accounts.
type Source struct {
	Images Puller
	Log    logrus.FieldLogger

	newClient func(ctx context.Context, acct domain.Account) (API, error)
}

// NewSource builds a Source that talks to AWS with each account's own
// credentials.
func NewSource(images Puller) *Source {
	return &Source{
		Images:    images,
		Log:       logrus.WithField("component", "ecr"),
		newClient: defaultClient,
	}
}

func defaultClient(ctx context.Context, acct domain.Account) (API, error) {
	opts := []func(*awsconfig.LoadOptions) error{}
	if acct.Region != "" {
		opts = append(opts, awsconfig.WithRegion(acct.Region))
	}
	if acct.AccessKeyID != "" && acct.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(acct.AccessKeyID, acct.SecretAccessKey, ""),
		))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS config: %w", err)
	}
	return ecr.NewFromConfig(cfg), nil
}

// Pull authorizes against the account registry, logs in and pulls either the
// listed images or, when none are listed, every tagged image in the account.
// Refs pulled before a failure are returned together with the error.
func (s *Source) Pull(ctx context.Context, acct domain.Account, images []string) ([]domain.ImageRef, error) {
	log := s.Log.WithField("account", acct.Name)

	api, err := s.newClient(ctx, acct)
	if err != nil {
		return nil, &domain.PullError{Account: acct.Name, Err: err}
	}

	auth, err := Authorize(ctx, api, acct.AccountID)
	if err != nil {
		return nil, &domain.PullError{Account: acct.Name, Err: err}
	}
	if err := s.Images.Login(ctx, auth); err != nil {
		return nil, &domain.PullError{Account: acct.Name, Err: err}
	}
	log.Info("logged in to ECR")

	var targets []domain.ImageRef
	if len(images) > 0 {
		targets, err = resolve(registryHost(auth.Registry), images)
	} else {
		targets, err = Discover(ctx, api, acct.AccountID, acct.Tag)
	}
	if err != nil {
		return nil, &domain.PullError{Account: acct.Name, Err: err}
	}

	pulled := make([]domain.ImageRef, 0, len(targets))
	for _, ref := range targets {
		got, err := s.Images.Pull(ctx, ref, &auth)
		if err != nil {
			return pulled, &domain.PullError{Account: acct.Name, Image: ref.String(), Err: err}
		}
		pulled = append(pulled, got)
	}
	log.Infof("pulled %d images", len(pulled))
	return pulled, nil
}

// Authorize fetches a registry token for accountID and decodes it.
func Authorize(ctx context.Context, api API, accountID string) (docker.Auth, error) {
	in := &ecr.GetAuthorizationTokenInput{}
	if accountID != "" {
		in.RegistryIds = []string{accountID}
	}
	out, err := api.GetAuthorizationToken(ctx, in)
	if err != nil {
		return docker.Auth{}, fmt.Errorf("get authorization token: %w", err)
	}
	if len(out.AuthorizationData) == 0 {
		return docker.Auth{}, errors.New("get authorization token: empty authorization data")
	}
	data := out.AuthorizationData[0]
	user, pass, err := DecodeToken(aws.ToString(data.AuthorizationToken))
	if err != nil {
		return docker.Auth{}, err
	}
	return docker.Auth{Username: user, Password: pass, Registry: aws.ToString(data.ProxyEndpoint)}, nil
}

// DecodeToken splits a base64 "user:password" token.
func DecodeToken(token string) (string, string, error) {
	raw, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrDecodeToken, err)
	}
	user, pass, ok := strings.Cut(string(raw), ":")
	if !ok || user == "" {
		return "", "", ErrDecodeToken
	}
	return user, pass, nil
}

// ExtractAccountID returns the account id from a registry URL such as
// https://012345678910.dkr.ecr.us-west-2.amazonaws.com.
func ExtractAccountID(registry string) string {
	host := registryHost(registry)
	id, _, ok := strings.Cut(host, ".")
	if !ok {
		return ""
	}
	return id
}

func registryHost(registry string) string {
	if u, err := url.Parse(registry); err == nil && u.Host != "" {
		return u.Host
	}
	return strings.TrimSuffix(registry, "/")
}

// resolve qualifies bare repository names with the registry host and
// normalizes every entry.
func resolve(host string, images []string) ([]domain.ImageRef, error) {
	out := make([]domain.ImageRef, 0, len(images))
	for _, img := range lo.Uniq(images) {
		img = strings.TrimSpace(img)
		if img == "" {
			continue
		}
		if host != "" && !strings.Contains(strings.SplitN(img, "/", 2)[0], ".") {
			img = host + "/" + img
		}
		ref, err := domain.NormalizeImageRef(img)
		if err != nil {
			return nil, err
		}
		out = append(out, ref)
	}
	return out, nil
}

// Discover lists the account repositories and returns one ref per tagged
// image, or per repository carrying tag when tag is set.
func Discover(ctx context.Context, api API, accountID, tag string) ([]domain.ImageRef, error) {
	var registryID *string
	if accountID != "" {
		registryID = aws.String(accountID)
	}

	var repos []types.Repository
	rp := ecr.NewDescribeRepositoriesPaginator(api, &ecr.DescribeRepositoriesInput{RegistryId: registryID})
	for rp.HasMorePages() {
		page, err := rp.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("describe repositories: %w", err)
		}
		repos = append(repos, page.Repositories...)
	}

	var out []domain.ImageRef
	for _, repo := range repos {
		tags, err := imageTags(ctx, api, registryID, aws.ToString(repo.RepositoryName))
		if err != nil {
			return nil, err
		}
		if tag != "" {
			tags = lo.Filter(tags, func(t string, _ int) bool { return t == tag })
		}
		for _, t := range tags {
			ref, err := domain.NormalizeImageRef(aws.ToString(repo.RepositoryUri) + ":" + t)
			if err != nil {
				return nil, err
			}
			out = append(out, ref)
		}
	}
	return lo.Uniq(out), nil
}

func imageTags(ctx context.Context, api API, registryID *string, repo string) ([]string, error) {
	var tags []string
	ip := ecr.NewDescribeImagesPaginator(api, &ecr.DescribeImagesInput{
		RegistryId:     registryID,
		RepositoryName: aws.String(repo),
		Filter:         &types.DescribeImagesFilter{TagStatus: types.TagStatusTagged},
	})
	for ip.HasMorePages() {
		page, err := ip.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("describe images %s: %w", repo, err)
		}
		for _, d := range page.ImageDetails {
			tags = append(tags, d.ImageTags...)
		}
	}
	return tags, nil
}
