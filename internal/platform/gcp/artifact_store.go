package gcp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"github.com/avast/retry-go/v4"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/yungbote/neurobridge-bookgen/internal/platform/envutil"
	"github.com/yungbote/neurobridge-bookgen/internal/platform/logger"
)

// ErrObjectNotFound is returned by Download for a missing artifact.
var ErrObjectNotFound = errors.New("artifact not found")

// ArtifactStore holds generated book artifacts under book-relative paths such as
// books/{book}/{version}/chapters/{c}/sections/{s}.md.
type ArtifactStore interface {
	Download(ctx context.Context, path string) ([]byte, error)
	Upload(ctx context.Context, path string, data []byte) error
	List(ctx context.Context, prefix string) ([]string, error)
}

const (
	defaultOpTimeout = 2 * time.Minute
	defaultAttempts  = 3
)

type gcsStore struct {
	log      *logger.Logger
	client   *storage.Client
	bucket   string
	attempts uint
	delay    time.Duration
}

// NewArtifactStore builds the store for cfg's mode. Memory mode needs no bucket or credentials.
func NewArtifactStore(ctx context.Context, log *logger.Logger, cfg ObjectStorageConfig) (ArtifactStore, error) {
	if err := ValidateObjectStorageConfig(cfg); err != nil {
		return nil, fmt.Errorf("validate object storage config: %w", err)
	}
	serviceLog := log.With("service", "ArtifactStore")

	if cfg.Mode == ObjectStorageModeMemory {
		serviceLog.Warn("Object storage is in-memory; artifacts are lost on exit")
		return NewMemoryStore(), nil
	}

	client, err := newStorageClientForMode(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage client: %w", err)
	}
	serviceLog.Info(
		"Object storage initialized",
		"mode", cfg.Mode,
		"mode_source", cfg.ModeSource(),
		"emulator_host", cfg.EmulatorHost,
		"bucket", cfg.Bucket,
	)
	return &gcsStore{
		log:      serviceLog,
		client:   client,
		bucket:   cfg.Bucket,
		attempts: defaultAttempts,
		delay:    500 * time.Millisecond,
	}, nil
}

func newStorageClientForMode(ctx context.Context, cfg ObjectStorageConfig) (*storage.Client, error) {
	switch cfg.Mode {
	case ObjectStorageModeGCS:
		opts := append(credentialOptions(), option.WithScopes(storage.ScopeReadWrite))
		return storage.NewClient(ctx, opts...)
	case ObjectStorageModeGCSEmulator:
		endpoint := strings.TrimRight(strings.TrimSpace(cfg.EmulatorHost), "/")
		_ = os.Setenv("STORAGE_EMULATOR_HOST", endpoint)
		return storage.NewClient(ctx, option.WithoutAuthentication())
	default:
		return nil, &ObjectStorageConfigError{
			Code: ObjectStorageConfigErrorInvalidMode,
			Mode: string(cfg.Mode),
		}
	}
}

// credentialOptions reads GOOGLE_APPLICATION_CREDENTIALS_JSON (inline JSON) or
// GOOGLE_APPLICATION_CREDENTIALS (a path, or inline JSON). With neither set the client falls back to
// application default credentials.
func credentialOptions() []option.ClientOption {
	creds := envutil.String("GOOGLE_APPLICATION_CREDENTIALS_JSON", envutil.String("GOOGLE_APPLICATION_CREDENTIALS", ""))
	switch {
	case creds == "":
		return nil
	case strings.HasPrefix(creds, "{"):
		return []option.ClientOption{option.WithCredentialsJSON([]byte(creds))}
	default:
		return []option.ClientOption{option.WithCredentialsFile(creds)}
	}
}

func (s *gcsStore) retry(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	return retry.Do(
		func() error {
			opCtx, cancel := context.WithTimeout(ctx, defaultOpTimeout)
			defer cancel()
			return fn(opCtx)
		},
		retry.Context(ctx),
		retry.Attempts(s.attempts),
		retry.Delay(s.delay),
		retry.LastErrorOnly(true),
		retry.RetryIf(isRetryableStorageError),
		retry.OnRetry(func(n uint, err error) {
			s.log.Warn("artifact storage retry", "op", op, "attempt", n+1, "error", err)
		}),
	)
}

func (s *gcsStore) Download(ctx context.Context, path string) ([]byte, error) {
	var out []byte
	err := s.retry(ctx, "download", func(ctx context.Context) error {
		r, err := s.client.Bucket(s.bucket).Object(path).NewReader(ctx)
		if err != nil {
			return err
		}
		defer r.Close()
		b, err := io.ReadAll(r)
		if err != nil {
			return err
		}
		out = b
		return nil
	})
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrObjectNotFound, path)
	}
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", path, err)
	}
	return out, nil
}

func (s *gcsStore) Upload(ctx context.Context, path string, data []byte) error {
	err := s.retry(ctx, "upload", func(ctx context.Context) error {
		w := s.client.Bucket(s.bucket).Object(path).NewWriter(ctx)
		if ct := contentTypeForKey(path); ct != "" {
			w.ContentType = ct
		}
		if _, err := io.Copy(w, bytes.NewReader(data)); err != nil {
			_ = w.Close()
			return fmt.Errorf("failed to write data to GCS: %w", err)
		}
		if err := w.Close(); err != nil {
			return fmt.Errorf("failed to close GCS writer: %w", err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("upload %s: %w", path, err)
	}
	return nil
}

func (s *gcsStore) List(ctx context.Context, prefix string) ([]string, error) {
	var out []string
	err := s.retry(ctx, "list", func(ctx context.Context) error {
		out = out[:0]
		it := s.client.Bucket(s.bucket).Objects(ctx, &storage.Query{Prefix: prefix})
		for {
			attrs, err := it.Next()
			if err == iterator.Done {
				return nil
			}
			if err != nil {
				return err
			}
			out = append(out, attrs.Name)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", prefix, err)
	}
	sort.Strings(out)
	return out, nil
}

func isRetryableStorageError(err error) bool {
	if err == nil || errors.Is(err, storage.ErrObjectNotExist) || errors.Is(err, context.Canceled) {
		return false
	}
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return gerr.Code == 429 || gerr.Code >= 500
	}
	return true
}

func contentTypeForKey(key string) string {
	s := strings.ToLower(strings.TrimSpace(key))
	switch {
	case strings.HasSuffix(s, ".md"):
		return "text/markdown; charset=utf-8"
	case strings.HasSuffix(s, ".json"):
		return "application/json"
	case strings.HasSuffix(s, ".txt"):
		return "text/plain; charset=utf-8"
	default:
		return ""
	}
}
