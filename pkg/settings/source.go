package settings

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/ethpandaops/engine-controller/pkg/config"
	"github.com/magiconair/properties"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
)

// Document is one fetch of the raw settings.
type Document struct {
	// Fingerprint changes whenever the underlying document changes.
	Fingerprint string
	Values      map[string]string
}

// Source fetches the raw settings document.
type Source interface {
	Fetch(ctx context.Context) (*Document, error)
	// Describe returns a short human readable location for logging.
	Describe() string
}

// fileSource reads a Java-style properties file.
type fileSource struct {
	path string
}

var _ Source = (*fileSource)(nil)

// NewFileSource returns a Source backed by a properties file.
func NewFileSource(path string) Source {
	return &fileSource{path: path}
}

func (s *fileSource) Fetch(_ context.Context) (*Document, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", s.path, err)
	}

	values, err := parseProperties(data)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", s.path, err)
	}

	sum := sha256.Sum256(data)

	return &Document{Fingerprint: hex.EncodeToString(sum[:]), Values: values}, nil
}

func (s *fileSource) Describe() string {
	return "file://" + s.path
}

// configMapSource reads the data of a Kubernetes config map.
type configMapSource struct {
	client    kubernetes.Interface
	namespace string
	name      string
}

var _ Source = (*configMapSource)(nil)

// NewConfigMapSource returns a Source backed by a config map.
func NewConfigMapSource(client kubernetes.Interface, namespace, name string) Source {
	return &configMapSource{client: client, namespace: namespace, name: name}
}

func (s *configMapSource) Fetch(ctx context.Context) (*Document, error) {
	cm, err := s.client.CoreV1().ConfigMaps(s.namespace).Get(ctx, s.name, metav1.GetOptions{})
	if err != nil {
		return nil, fmt.Errorf("getting config map %s/%s: %w", s.namespace, s.name, err)
	}

	values := make(map[string]string, len(cm.Data))
	for k, v := range cm.Data {
		values[strings.ToLower(strings.TrimSpace(k))] = v
	}

	fingerprint := cm.ResourceVersion
	if fingerprint == "" {
		fingerprint = hashValues(values)
	}

	return &Document{Fingerprint: fingerprint, Values: values}, nil
}

func (s *configMapSource) Describe() string {
	return fmt.Sprintf("configmap://%s/%s", s.namespace, s.name)
}

// objectGetter is the subset of the S3 client used by s3Source.
type objectGetter interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// s3Source reads a properties object from S3-compatible storage.
type s3Source struct {
	client objectGetter
	bucket string
	key    string
}

var _ Source = (*s3Source)(nil)

// NewS3Source returns a Source backed by an S3 object.
func NewS3Source(cfg *config.S3Config) Source {
	opts := []func(*s3.Options){
		func(o *s3.Options) {
			if cfg.Region != "" {
				o.Region = cfg.Region
			} else {
				o.Region = "us-east-1"
			}

			if cfg.EndpointURL != "" {
				o.BaseEndpoint = aws.String(cfg.EndpointURL)
			}

			if cfg.ForcePathStyle {
				o.UsePathStyle = true
			}

			if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
				o.Credentials = credentials.NewStaticCredentialsProvider(
					cfg.AccessKeyID, cfg.SecretAccessKey, "",
				)
			}
		},
	}

	return newS3Source(s3.New(s3.Options{}, opts...), cfg.Bucket, cfg.Key)
}

func newS3Source(client objectGetter, bucket, key string) *s3Source {
	return &s3Source{client: client, bucket: bucket, key: key}
}

func (s *s3Source) Fetch(ctx context.Context) (*Document, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key),
	})
	if err != nil {
		return nil, fmt.Errorf("getting %s: %w", s.Describe(), err)
	}
	defer func() { _ = out.Body.Close() }()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", s.Describe(), err)
	}

	values, err := parseProperties(data)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", s.Describe(), err)
	}

	fingerprint := strings.Trim(aws.ToString(out.ETag), `"`)
	if fingerprint == "" {
		sum := sha256.Sum256(data)
		fingerprint = hex.EncodeToString(sum[:])
	}

	return &Document{Fingerprint: fingerprint, Values: values}, nil
}

func (s *s3Source) Describe() string {
	return fmt.Sprintf("s3://%s/%s", s.bucket, s.key)
}

// parseProperties decodes a properties document into flat lower-case keys.
// parseProperties reads a properties document. Values are taken
// literally; ${...} is not expanded.
func parseProperties(data []byte) (map[string]string, error) {
	loader := &properties.Loader{Encoding: properties.UTF8, DisableExpansion: true}

	p, err := loader.LoadBytes(data)
	if err != nil {
		return nil, err
	}

	keys := p.Keys()
	values := make(map[string]string, len(keys))

	for _, k := range keys {
		values[strings.ToLower(k)] = p.GetString(k, "")
	}

	return values, nil
}

func hashValues(values map[string]string) string {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	h := sha256.New()
	for _, k := range keys {
		_, _ = fmt.Fprintf(h, "%s=%s\n", k, values[k])
	}

	return hex.EncodeToString(h.Sum(nil))
}
