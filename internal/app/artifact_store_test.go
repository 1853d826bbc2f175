package app

import (
	"context"
	"errors"
	"testing"

	"github.com/yungbote/neurobridge-bookgen/internal/data/repos/testutil"
	"github.com/yungbote/neurobridge-bookgen/internal/platform/gcp"
	"github.com/yungbote/neurobridge-bookgen/internal/platform/logger"
)

func TestResolveArtifactStoreClassifiesConfigErrors(t *testing.T) {
	cases := []struct {
		name string
		cfg  Config
		want ArtifactStoreBootstrapErrorCode
	}{
		{name: "invalid mode", cfg: Config{ObjectStorageMode: "s3"}, want: ArtifactStoreBootstrapErrorInvalidMode},
		{name: "missing bucket", cfg: Config{ObjectStorageMode: "gcs"}, want: ArtifactStoreBootstrapErrorMissingBucket},
		{
			name: "missing emulator host",
			cfg:  Config{ObjectStorageMode: "gcs_emulator", ArtifactBucket: "books"},
			want: ArtifactStoreBootstrapErrorMissingEmulatorHost,
		},
		{
			name: "invalid emulator host",
			cfg:  Config{ObjectStorageMode: "gcs_emulator", ArtifactBucket: "books", StorageEmulatorHost: "fake-gcs:4443"},
			want: ArtifactStoreBootstrapErrorInvalidEmulatorHost,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := resolveArtifactStore(context.Background(), testutil.Logger(t), tc.cfg)
			var got *ArtifactStoreBootstrapError
			if !errors.As(err, &got) {
				t.Fatalf("expected ArtifactStoreBootstrapError, got=%T (%v)", err, err)
			}
			if got.Code != tc.want {
				t.Fatalf("code: want=%q got=%q", tc.want, got.Code)
			}
		})
	}
}

func TestResolveArtifactStoreConnectFailed(t *testing.T) {
	orig := newArtifactStore
	t.Cleanup(func() { newArtifactStore = orig })
	newArtifactStore = func(context.Context, *logger.Logger, gcp.ObjectStorageConfig) (gcp.ArtifactStore, error) {
		return nil, errors.New("dial tcp: connection refused")
	}

	_, err := resolveArtifactStore(context.Background(), testutil.Logger(t), Config{ObjectStorageMode: "gcs", ArtifactBucket: "books"})
	if got := artifactStoreBootstrapErrorCode(err); got != ArtifactStoreBootstrapErrorConnectFailed {
		t.Fatalf("code: want=%q got=%q", ArtifactStoreBootstrapErrorConnectFailed, got)
	}
}

func TestResolveArtifactStoreMemory(t *testing.T) {
	store, err := resolveArtifactStore(context.Background(), testutil.Logger(t), Config{ObjectStorageMode: "memory"})
	if err != nil {
		t.Fatalf("memory store: %v", err)
	}
	if _, ok := store.(*gcp.MemoryStore); !ok {
		t.Fatalf("store = %T, want *gcp.MemoryStore", store)
	}
}
