package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awscfg "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// ClientConfig selects the bucket region, credentials profile and an optional S3-compatible
// endpoint.
type ClientConfig struct {
	Region   string
	Profile  string
	Endpoint string
}

// NewS3Client loads the default AWS credential chain and builds a client. A custom endpoint
// switches to path-style addressing for MinIO and similar services.
func NewS3Client(ctx context.Context, cfg ClientConfig) (*s3.Client, error) {
	loadOpts := []func(*awscfg.LoadOptions) error{
		awscfg.WithRegion(cfg.Region),
	}
	if cfg.Profile != "" {
		loadOpts = append(loadOpts, awscfg.WithSharedConfigProfile(cfg.Profile))
	}

	awsCfg, err := awscfg.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	}), nil
}

// S3Service archives channel directories to Amazon S3 (or compatible APIs).
type S3Service struct {
	client   *s3.Client
	uploader *manager.Uploader
}

func NewS3Service(client *s3.Client) *S3Service {
	return &S3Service{
		client:   client,
		uploader: manager.NewUploader(client),
	}
}

type localFile struct {
	path string
	rel  string
	size int64
}

// UploadDirectory mirrors localPath under opts.KeyPrefix. Objects that already exist with the
// local file's size are not sent again, so archiving a growing channel directory only uploads
// new frames and the rewritten frame list.
func (s *S3Service) UploadDirectory(ctx context.Context, localPath string, opts UploadOptions) (string, error) {
	if opts.Bucket == "" {
		return "", fmt.Errorf("storage bucket is required")
	}

	root := filepath.Clean(localPath)
	if fi, err := os.Stat(root); err != nil {
		return "", fmt.Errorf("stat local path: %w", err)
	} else if !fi.IsDir() {
		return "", fmt.Errorf("local path must be a directory")
	}

	keyPrefix := strings.Trim(opts.KeyPrefix, "/")
	if keyPrefix == "" {
		keyPrefix = filepath.Base(root)
	}

	files, err := collectFiles(root, opts.Skip)
	if err != nil {
		return "", err
	}
	remote, err := s.remoteSizes(ctx, opts.Bucket, dirPrefix(keyPrefix))
	if err != nil {
		return "", err
	}
	files = pendingUploads(files, remote, keyPrefix)

	var totalSize int64
	for _, file := range files {
		totalSize += file.size
	}
	progress := newProgressReporter(totalSize, opts.ProgressCallback)
	progress.report(0)

	for _, file := range files {
		if err := s.putFile(ctx, opts.Bucket, objectKey(keyPrefix, file.rel), file.path, progress); err != nil {
			return "", err
		}
	}
	progress.flush()

	return fmt.Sprintf("s3://%s/%s", opts.Bucket, keyPrefix), nil
}

func (s *S3Service) putFile(ctx context.Context, bucket, key, localPath string, progress *progressReporter) error {
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("open file %s: %w", localPath, err)
	}
	defer f.Close()

	var body io.Reader = f
	if progress != nil {
		body = io.TeeReader(f, progress)
	}
	_, err = s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(bucket),
		Key:         aws.String(key),
		Body:        body,
		ContentType: aws.String(contentType(key)),
		ACL:         types.ObjectCannedACLPrivate,
	})
	if err != nil {
		return fmt.Errorf("upload %s: %w", localPath, err)
	}
	return nil
}

func (s *S3Service) remoteSizes(ctx context.Context, bucket, prefix string) (map[string]int64, error) {
	objects, err := s.ListObjects(ctx, bucket, prefix)
	if err != nil {
		return nil, err
	}
	sizes := make(map[string]int64, len(objects))
	for _, obj := range objects {
		sizes[obj.Key] = obj.Size
	}
	return sizes, nil
}

func (s *S3Service) ListObjects(ctx context.Context, bucket, prefix string) ([]ObjectInfo, error) {
	if bucket == "" {
		return nil, fmt.Errorf("storage bucket is required")
	}

	var objects []ObjectInfo
	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(bucket),
	}
	if strings.TrimSpace(prefix) != "" {
		input.Prefix = aws.String(prefix)
	}

	paginator := s3.NewListObjectsV2Paginator(s.client, input)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list objects: %w", err)
		}
		for _, obj := range page.Contents {
			objects = append(objects, ObjectInfo{
				Key:          aws.ToString(obj.Key),
				Size:         aws.ToInt64(obj.Size),
				LastModified: obj.LastModified,
			})
		}
	}
	return objects, nil
}

// DeletePrefix removes every object below prefix, treated as a directory: deleting "x/H1_A"
// leaves "x/H1_AB" alone.
func (s *S3Service) DeletePrefix(ctx context.Context, bucket, prefix string) error {
	if bucket == "" {
		return fmt.Errorf("storage bucket is required")
	}
	if strings.Trim(strings.TrimSpace(prefix), "/") == "" {
		return fmt.Errorf("prefix is required")
	}

	objects, err := s.ListObjects(ctx, bucket, dirPrefix(prefix))
	if err != nil {
		return fmt.Errorf("list objects for delete: %w", err)
	}

	// DeleteObjects accepts at most 1000 keys per call
	const batch = 1000
	for start := 0; start < len(objects); start += batch {
		end := min(start+batch, len(objects))
		ids := make([]types.ObjectIdentifier, 0, end-start)
		for _, obj := range objects[start:end] {
			ids = append(ids, types.ObjectIdentifier{Key: aws.String(obj.Key)})
		}
		_, err := s.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(bucket),
			Delete: &types.Delete{
				Objects: ids,
				Quiet:   aws.Bool(true),
			},
		})
		if err != nil {
			return fmt.Errorf("delete objects: %w", err)
		}
	}
	return nil
}

var _ Service = (*S3Service)(nil)

func collectFiles(root string, skip func(rel string) bool) ([]localFile, error) {
	var files []localFile
	err := filepath.WalkDir(root, func(p string, d os.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return fmt.Errorf("relative path for %s: %w", p, err)
		}
		rel = filepath.ToSlash(rel)
		if skip != nil && skip(rel) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return fmt.Errorf("stat %s: %w", p, err)
		}
		files = append(files, localFile{path: p, rel: rel, size: info.Size()})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", root, err)
	}
	return files, nil
}

// pendingUploads drops files whose object already exists with the same size.
func pendingUploads(files []localFile, remote map[string]int64, keyPrefix string) []localFile {
	var out []localFile
	for _, f := range files {
		if size, ok := remote[objectKey(keyPrefix, f.rel)]; ok && size == f.size {
			continue
		}
		out = append(out, f)
	}
	return out
}

func objectKey(prefix, rel string) string {
	if rel == "" || rel == "." {
		return prefix
	}
	if prefix == "" {
		return rel
	}
	return prefix + "/" + rel
}

func dirPrefix(prefix string) string {
	return strings.Trim(strings.TrimSpace(prefix), "/") + "/"
}

func contentType(key string) string {
	switch path.Ext(key) {
	case ".ffl", ".txt":
		return "text/plain; charset=utf-8"
	case ".json":
		return "application/json"
	}
	return "application/octet-stream"
}

// progressReporter counts bytes read by the uploader and reports at most every 200ms. A nil
// reporter ignores everything.
type progressReporter struct {
	mu       sync.Mutex
	total    int64
	done     int64
	cb       func(done, total int64)
	lastFire time.Time
}

func newProgressReporter(total int64, cb func(done, total int64)) *progressReporter {
	if cb == nil {
		return nil
	}
	return &progressReporter{total: total, cb: cb}
}

func (p *progressReporter) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.done += int64(len(b))
	if now := time.Now(); now.Sub(p.lastFire) >= 200*time.Millisecond || p.done == p.total {
		p.lastFire = now
		p.cb(p.done, p.total)
	}
	return len(b), nil
}

func (p *progressReporter) report(done int64) {
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.done = done
	p.lastFire = time.Now()
	p.cb(p.done, p.total)
}

func (p *progressReporter) flush() {
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cb(p.done, p.total)
}
