package media

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"pointsystem/internal/config"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const maxObjectSize = 50 << 20

// Owner 生成结果的归属，用于拼接对象 key
type Owner struct {
	SID      string
	RecordID string
	TaskID   string
}

// Relocator 把第三方临时链接转存到自有存储
// 返回转存成功的链接，失败的链接直接丢弃
type Relocator interface {
	Relocate(ctx context.Context, urls []string, owner Owner) []string
}

// ObjectPutter s3.Client 的子集
type ObjectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// NewS3Client 兼容 S3 协议的存储（AWS / R2 / B2）
func NewS3Client(ctx context.Context, cfg config.StorageConfig) (*s3.Client, error) {
	region := cfg.Region
	if region == "" {
		region = "auto"
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID,
			cfg.SecretAccessKey,
			"",
		)),
	)
	if err != nil {
		return nil, fmt.Errorf("加载存储配置失败: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	}), nil
}

type S3Relocator struct {
	client        ObjectPutter
	bucket        string
	prefix        string
	publicBaseURL string
	http          *http.Client
	log           *zap.Logger
}

func NewS3Relocator(client ObjectPutter, cfg config.StorageConfig, log *zap.Logger) *S3Relocator {
	prefix := strings.Trim(cfg.Prefix, "/")
	if prefix == "" {
		prefix = "generator/record"
	}
	return &S3Relocator{
		client:        client,
		bucket:        cfg.Bucket,
		prefix:        prefix,
		publicBaseURL: strings.TrimRight(cfg.PublicBaseURL, "/"),
		http:          &http.Client{Timeout: 60 * time.Second},
		log:           log,
	}
}

func (r *S3Relocator) Relocate(ctx context.Context, urls []string, owner Owner) []string {
	out := make([]string, 0, len(urls))
	for _, src := range urls {
		dst, err := r.relocateOne(ctx, src, owner)
		if err != nil {
			r.log.Warn("转存生成结果失败，丢弃该链接",
				zap.String("record_id", owner.RecordID),
				zap.String("task_id", owner.TaskID),
				zap.String("url", src),
				zap.Error(err))
			continue
		}
		out = append(out, dst)
	}
	return out
}

func (r *S3Relocator) relocateOne(ctx context.Context, src string, owner Owner) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src, nil)
	if err != nil {
		return "", err
	}
	resp, err := r.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("下载失败: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("下载失败: status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxObjectSize+1))
	if err != nil {
		return "", fmt.Errorf("读取内容失败: %w", err)
	}
	if len(body) > maxObjectSize {
		return "", fmt.Errorf("文件过大: 超过 %d 字节", maxObjectSize)
	}

	contentType := resp.Header.Get("Content-Type")
	key := ObjectKey(r.prefix, owner, extension(contentType, src))

	_, err = r.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(r.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(body),
		ContentLength: aws.Int64(int64(len(body))),
		ContentType:   aws.String(contentTypeOrDefault(contentType)),
	})
	if err != nil {
		return "", fmt.Errorf("上传失败: %w", err)
	}
	return r.publicBaseURL + "/" + key, nil
}

// ObjectKey <prefix>/<sid>/<recordId>/<taskId>/<uuid><ext>
func ObjectKey(prefix string, owner Owner, ext string) string {
	return path.Join(prefix, owner.SID, owner.RecordID, owner.TaskID, uuid.NewString()+ext)
}

var extByType = map[string]string{
	"image/jpeg": ".jpg",
	"image/jpg":  ".jpg",
	"image/png":  ".png",
	"image/webp": ".webp",
	"image/gif":  ".gif",
	"video/mp4":  ".mp4",
}

func extension(contentType, src string) string {
	ct := strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0])
	if ext, ok := extByType[strings.ToLower(ct)]; ok {
		return ext
	}
	if u, err := url.Parse(src); err == nil {
		if ext := path.Ext(u.Path); ext != "" && len(ext) <= 5 {
			return strings.ToLower(ext)
		}
	}
	return ".png"
}

func contentTypeOrDefault(ct string) string {
	if ct == "" {
		return "application/octet-stream"
	}
	return ct
}

// PassthroughRelocator 未配置存储时原样返回链接
type PassthroughRelocator struct{}

func (PassthroughRelocator) Relocate(_ context.Context, urls []string, _ Owner) []string {
	out := make([]string, len(urls))
	copy(out, urls)
	return out
}
