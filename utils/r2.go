// utils/r2.go
package utils

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	appconfig "besitos-engine/config"
	"besitos-engine/services"
)

// maxTemplateSize bounds a single template object.
const maxTemplateSize = 1 << 20

// ObjectStore is the part of the S3 API the template source needs.
type ObjectStore interface {
	s3.ListObjectsV2APIClient
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// R2TemplateSource reads template YAML files stored under a prefix of an R2 bucket.
type R2TemplateSource struct {
	Client ObjectStore
	Bucket string
	Prefix string
}

// NewR2Client opens an S3 client against the Cloudflare R2 endpoint of the account.
func NewR2Client(ctx context.Context, cfg appconfig.R2Config) (*s3.Client, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion("auto"),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID, cfg.AccessKeySecret, "",
		)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load R2 config: %w", err)
	}
	endpoint := fmt.Sprintf("https://%s.r2.cloudflarestorage.com", cfg.AccountID)
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(endpoint)
	}), nil
}

// NewR2TemplateSource builds a source from configuration.
func NewR2TemplateSource(ctx context.Context, cfg appconfig.R2Config) (*R2TemplateSource, error) {
	client, err := NewR2Client(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &R2TemplateSource{Client: client, Bucket: cfg.Bucket, Prefix: cfg.TemplatePrefix}, nil
}

// Files lists every YAML object under Prefix and downloads it.
func (r *R2TemplateSource) Files(ctx context.Context) ([]services.TemplateFile, error) {
	pages := s3.NewListObjectsV2Paginator(r.Client, &s3.ListObjectsV2Input{
		Bucket: aws.String(r.Bucket),
		Prefix: aws.String(r.Prefix),
	})

	var out []services.TemplateFile
	for pages.HasMorePages() {
		page, err := pages.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list R2 templates: %w", err)
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			if strings.HasSuffix(key, "/") || !services.IsTemplateFile(key) {
				continue
			}
			data, err := r.download(ctx, key)
			if err != nil {
				return nil, err
			}
			out = append(out, services.TemplateFile{Name: strings.TrimPrefix(key, r.Prefix), Data: data})
		}
	}
	return out, nil
}

func (r *R2TemplateSource) download(ctx context.Context, key string) ([]byte, error) {
	obj, err := r.Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(r.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to download %s from R2: %w", key, err)
	}
	defer obj.Body.Close()

	data, err := io.ReadAll(io.LimitReader(obj.Body, maxTemplateSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", key, err)
	}
	if len(data) > maxTemplateSize {
		return nil, fmt.Errorf("template %s exceeds %d bytes", key, maxTemplateSize)
	}
	return data, nil
}
