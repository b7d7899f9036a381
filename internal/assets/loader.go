package assets

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/go-resty/resty/v2"

	"github.com/objectfs/tiercache/pkg/errors"
)

// Loader warms one asset. A nil error means the asset is now available to
// the process.
type Loader interface {
	Load(ctx context.Context, rawURL string) error
}

// LoaderFunc adapts a function to Loader.
type LoaderFunc func(ctx context.Context, rawURL string) error

// Load implements Loader.
func (f LoaderFunc) Load(ctx context.Context, rawURL string) error {
	return f(ctx, rawURL)
}

// HTTPConfig configures an HTTPLoader.
type HTTPConfig struct {
	Timeout   time.Duration
	UserAgent string
	// Transport is the base round tripper. Nil means http.DefaultTransport.
	Transport http.RoundTripper
}

// HTTPLoader downloads http and https assets and discards the body.
type HTTPLoader struct {
	client *resty.Client
}

// NewHTTPLoader creates an HTTPLoader whose transport feeds timeline.
func NewHTTPLoader(cfg HTTPConfig, timeline *Timeline) *HTTPLoader {
	if timeline == nil {
		timeline = DefaultTimeline()
	}
	hc := &http.Client{
		Timeout:   cfg.Timeout,
		Transport: timeline.Transport(cfg.Transport),
	}
	client := resty.NewWithClient(hc)
	if cfg.UserAgent != "" {
		client.SetHeader("User-Agent", cfg.UserAgent)
	}
	return &HTTPLoader{client: client}
}

// Load implements Loader.
func (l *HTTPLoader) Load(ctx context.Context, rawURL string) error {
	resp, err := l.client.R().
		SetContext(ctx).
		SetDoNotParseResponse(true).
		Get(rawURL)
	if err != nil {
		return errors.NewAssetFailure(rawURL, err)
	}
	body := resp.RawBody()
	defer body.Close()

	if resp.IsError() {
		return errors.NewAssetFailure(rawURL, fmt.Errorf("unexpected status %d", resp.StatusCode()))
	}
	if _, err := io.Copy(io.Discard, body); err != nil {
		return errors.NewAssetFailure(rawURL, err)
	}
	return nil
}

// S3Config configures access to s3:// assets.
type S3Config struct {
	Region          string
	Endpoint        string
	ForcePathStyle  bool
	AccessKeyID     string
	SecretAccessKey string
}

// S3API is the subset of the S3 client used by S3Loader.
type S3API interface {
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// NewS3Client builds an S3 client from the default AWS configuration chain.
// Static credentials in cfg take precedence over the chain.
func NewS3Client(ctx context.Context, cfg S3Config) (*s3.Client, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.ForcePathStyle
	}), nil
}

// S3Loader warms s3://bucket/key assets.
type S3Loader struct {
	client   S3API
	timeline *Timeline
}

// NewS3Loader creates an S3Loader. Successful loads are recorded in timeline.
func NewS3Loader(client S3API, timeline *Timeline) *S3Loader {
	if timeline == nil {
		timeline = DefaultTimeline()
	}
	return &S3Loader{client: client, timeline: timeline}
}

// Load implements Loader.
func (l *S3Loader) Load(ctx context.Context, rawURL string) error {
	bucket, key, err := parseS3URL(rawURL)
	if err != nil {
		return errors.NewAssetFailure(rawURL, err)
	}

	if _, err := l.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}); err != nil {
		return errors.NewAssetFailure(rawURL, err)
	}

	out, err := l.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return errors.NewAssetFailure(rawURL, err)
	}
	defer out.Body.Close()

	if _, err := io.Copy(io.Discard, out.Body); err != nil {
		return errors.NewAssetFailure(rawURL, err)
	}
	l.timeline.Record(rawURL)
	return nil
}

func parseS3URL(rawURL string) (bucket, key string, err error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", "", err
	}
	if u.Scheme != "s3" {
		return "", "", fmt.Errorf("not an s3 url: %s", rawURL)
	}
	key = strings.TrimPrefix(u.Path, "/")
	if u.Host == "" || key == "" {
		return "", "", fmt.Errorf("s3 url needs bucket and key: %s", rawURL)
	}
	return u.Host, key, nil
}

// Router dispatches loads by URL scheme.
type Router struct {
	mu      sync.RWMutex
	loaders map[string]Loader
}

// NewRouter creates an empty router.
func NewRouter() *Router {
	return &Router{loaders: make(map[string]Loader)}
}

// Handle registers loader for scheme.
func (r *Router) Handle(scheme string, loader Loader) *Router {
	r.mu.Lock()
	r.loaders[strings.ToLower(scheme)] = loader
	r.mu.Unlock()
	return r
}

// Load implements Loader.
func (r *Router) Load(ctx context.Context, rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return errors.NewAssetFailure(rawURL, err)
	}
	r.mu.RLock()
	loader, ok := r.loaders[strings.ToLower(u.Scheme)]
	r.mu.RUnlock()
	if !ok {
		return errors.NewAssetFailure(rawURL, fmt.Errorf("no loader for scheme %q", u.Scheme))
	}
	return loader.Load(ctx, rawURL)
}
