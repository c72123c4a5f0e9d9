package claimsource

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

var ErrUnsupportedSource = errors.New("unsupported claim source")

// s3iface is the subset of the S3 client used here; tests swap in a fake.
type s3iface interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// newS3Client constructs an s3 client; overridden in tests.
var newS3Client = func(ctx context.Context) (s3iface, error) {
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, err
	}
	return s3.NewFromConfig(cfg), nil
}

// Resolver opens claim source references. Bare names and file:// paths
// must stay inside BaseDir unless AllowAbsolute is set.
type Resolver struct {
	BaseDir string
	// AllowAbsolute lets file:// name any path. Only local tools that run
	// with the operator's own permissions set it.
	AllowAbsolute bool
}

// Open returns a reader for file://, s3:// or BaseDir-relative references.
func (r Resolver) Open(ctx context.Context, ref string) (io.ReadCloser, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, fmt.Errorf("%w: empty reference", ErrUnsupportedSource)
	}
	if !strings.Contains(ref, "://") {
		path, err := r.localPath(ref)
		if err != nil {
			return nil, err
		}
		return os.Open(path)
	}

	u, err := url.Parse(ref)
	if err != nil {
		return nil, fmt.Errorf("parse claim source %q: %w", ref, err)
	}
	switch u.Scheme {
	case "file":
		path := strings.TrimPrefix(ref, "file://")
		if !r.AllowAbsolute {
			if path, err = r.confine(path); err != nil {
				return nil, err
			}
		}
		return os.Open(path)
	case "s3":
		key := strings.TrimPrefix(u.Path, "/")
		if u.Host == "" || key == "" {
			return nil, fmt.Errorf("%w: s3 reference needs bucket and key: %s", ErrUnsupportedSource, ref)
		}
		cl, err := newS3Client(ctx)
		if err != nil {
			return nil, fmt.Errorf("s3 client: %w", err)
		}
		resp, err := cl.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(u.Host),
			Key:    aws.String(key),
		})
		if err != nil {
			return nil, fmt.Errorf("s3 get %s: %w", ref, err)
		}
		return resp.Body, nil
	default:
		return nil, fmt.Errorf("%w: scheme %q", ErrUnsupportedSource, u.Scheme)
	}
}

func (r Resolver) baseDir() string {
	if r.BaseDir == "" {
		return "."
	}
	return r.BaseDir
}

// confine resolves path and rejects it unless it lies inside BaseDir.
func (r Resolver) confine(path string) (string, error) {
	base, err := filepath.Abs(r.baseDir())
	if err != nil {
		return "", fmt.Errorf("claim directory: %w", err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("%w: %q: %v", ErrUnsupportedSource, path, err)
	}
	if !within(base, abs) {
		return "", fmt.Errorf("%w: %q is outside the claim directory", ErrUnsupportedSource, path)
	}
	return abs, nil
}

func within(base, path string) bool {
	rel, err := filepath.Rel(base, path)
	return err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func (r Resolver) localPath(name string) (string, error) {
	base := r.baseDir()
	clean := filepath.Clean(string(filepath.Separator) + name)
	path := filepath.Join(base, clean)
	if !within(base, path) {
		return "", fmt.Errorf("%w: %q escapes the claim directory", ErrUnsupportedSource, name)
	}
	return path, nil
}

// Load opens ref and reads every claim from it.
func (r Resolver) Load(ctx context.Context, ref string) (Loaded, error) {
	rc, err := r.Open(ctx, ref)
	if err != nil {
		return Loaded{}, err
	}
	defer rc.Close()
	return Read(rc, FormatFor(ref))
}
