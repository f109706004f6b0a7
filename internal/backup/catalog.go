package backup

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// ErrArtifactNotFound is returned when a named backup has no stored objects.
var ErrArtifactNotFound = errors.New("backup artifact not found")

// Artifact is one named backup as stored in the object store: the dump and
// its metadata.json under <tenant>/<name>/.
type Artifact struct {
	Tenant       string    `json:"tenant"`
	Name         string    `json:"name"`
	Files        []string  `json:"files"`
	Size         int64     `json:"size"`
	LastModified time.Time `json:"lastModified"`
}

// Catalog lists and removes stored backups.
type Catalog interface {
	List(ctx context.Context, tenant string) ([]Artifact, error)
	Delete(ctx context.Context, tenant, name string) (int, error)
}

// S3API is the subset of the S3 client the catalog uses.
type S3API interface {
	s3.ListObjectsV2APIClient
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// S3Catalog reads the artifacts backup jobs upload to one bucket.
type S3Catalog struct {
	client S3API
	bucket string
}

// NewS3Catalog builds a catalog with the default AWS credential chain.
func NewS3Catalog(ctx context.Context, bucket, region string) (*S3Catalog, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}
	return NewS3CatalogWithClient(s3.NewFromConfig(cfg), bucket), nil
}

func NewS3CatalogWithClient(client S3API, bucket string) *S3Catalog {
	return &S3Catalog{client: client, bucket: bucket}
}

// List returns the tenant's artifacts, newest first.
func (c *S3Catalog) List(ctx context.Context, tenant string) ([]Artifact, error) {
	prefix := tenant + "/"
	byName := map[string]*Artifact{}
	p := s3.NewListObjectsV2Paginator(c.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(c.bucket),
		Prefix: aws.String(prefix),
	})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list s3://%s/%s: %w", c.bucket, prefix, err)
		}
		for _, obj := range page.Contents {
			rest := strings.TrimPrefix(aws.ToString(obj.Key), prefix)
			name, file, ok := strings.Cut(rest, "/")
			if !ok || name == "" || file == "" {
				continue
			}
			a := byName[name]
			if a == nil {
				a = &Artifact{Tenant: tenant, Name: name}
				byName[name] = a
			}
			a.Files = append(a.Files, path.Base(file))
			a.Size += aws.ToInt64(obj.Size)
			if m := aws.ToTime(obj.LastModified); m.After(a.LastModified) {
				a.LastModified = m
			}
		}
	}
	out := make([]Artifact, 0, len(byName))
	for _, a := range byName {
		sort.Strings(a.Files)
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastModified.Equal(out[j].LastModified) {
			return out[i].LastModified.After(out[j].LastModified)
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

// Delete removes every object of the named backup and returns how many were removed.
func (c *S3Catalog) Delete(ctx context.Context, tenant, name string) (int, error) {
	prefix := ArtifactPrefix(tenant, name)
	var keys []string
	p := s3.NewListObjectsV2Paginator(c.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(c.bucket),
		Prefix: aws.String(prefix),
	})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return 0, fmt.Errorf("list s3://%s/%s: %w", c.bucket, prefix, err)
		}
		for _, obj := range page.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
	}
	if len(keys) == 0 {
		return 0, fmt.Errorf("%w: s3://%s/%s", ErrArtifactNotFound, c.bucket, prefix)
	}
	for i, key := range keys {
		if _, err := c.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(c.bucket),
			Key:    aws.String(key),
		}); err != nil {
			return i, fmt.Errorf("delete s3://%s/%s: %w", c.bucket, key, err)
		}
	}
	return len(keys), nil
}
