package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/yungbote/neurobridge-bookgen/internal/platform/gcp"
	"github.com/yungbote/neurobridge-bookgen/internal/platform/logger"
)

var newArtifactStore = gcp.NewArtifactStore

type ArtifactStoreBootstrapErrorCode string

const (
	ArtifactStoreBootstrapErrorInvalidMode         ArtifactStoreBootstrapErrorCode = "invalid_mode"
	ArtifactStoreBootstrapErrorMissingEmulatorHost ArtifactStoreBootstrapErrorCode = "missing_emulator_host"
	ArtifactStoreBootstrapErrorInvalidEmulatorHost ArtifactStoreBootstrapErrorCode = "invalid_emulator_host"
	ArtifactStoreBootstrapErrorMissingBucket       ArtifactStoreBootstrapErrorCode = "missing_bucket"
	ArtifactStoreBootstrapErrorConnectFailed       ArtifactStoreBootstrapErrorCode = "connect_failed"
)

type ArtifactStoreBootstrapError struct {
	Code         ArtifactStoreBootstrapErrorCode
	Mode         string
	EmulatorHost string
	Cause        error
}

func (e *ArtifactStoreBootstrapError) Error() string {
	if e == nil {
		return "artifact store bootstrap failed"
	}
	return fmt.Sprintf(
		"artifact store bootstrap failed (code=%s mode=%q emulator_host=%q): %v",
		e.Code,
		e.Mode,
		e.EmulatorHost,
		e.Cause,
	)
}

func (e *ArtifactStoreBootstrapError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

func resolveArtifactStore(ctx context.Context, log *logger.Logger, cfg Config) (gcp.ArtifactStore, error) {
	storageCfg, err := gcp.ResolveObjectStorageConfig(cfg.ObjectStorageMode, cfg.StorageEmulatorHost, cfg.ArtifactBucket)
	if err != nil {
		classified := classifyArtifactStoreBootstrapError(storageCfg, err)
		log.Error(
			"Artifact store selection failed",
			"mode", cfg.ObjectStorageMode,
			"emulator_host", storageCfg.EmulatorHost,
			"error_code", artifactStoreBootstrapErrorCode(classified),
			"error", classified,
		)
		return nil, classified
	}

	log.Info(
		"Selecting artifact store",
		"mode", storageCfg.Mode,
		"mode_source", storageCfg.ModeSource(),
		"emulator_host", storageCfg.EmulatorHost,
		"bucket", storageCfg.Bucket,
	)

	store, err := newArtifactStore(ctx, log, storageCfg)
	if err != nil {
		classified := classifyArtifactStoreBootstrapError(storageCfg, err)
		log.Error(
			"Artifact store bootstrap failed",
			"mode", storageCfg.Mode,
			"mode_source", storageCfg.ModeSource(),
			"emulator_host", storageCfg.EmulatorHost,
			"error_code", artifactStoreBootstrapErrorCode(classified),
			"error", classified,
		)
		return nil, classified
	}
	return store, nil
}

func classifyArtifactStoreBootstrapError(storageCfg gcp.ObjectStorageConfig, err error) error {
	code := ArtifactStoreBootstrapErrorConnectFailed
	var cfgErr *gcp.ObjectStorageConfigError
	if errors.As(err, &cfgErr) {
		switch cfgErr.Code {
		case gcp.ObjectStorageConfigErrorInvalidMode:
			code = ArtifactStoreBootstrapErrorInvalidMode
		case gcp.ObjectStorageConfigErrorMissingEmulatorHost:
			code = ArtifactStoreBootstrapErrorMissingEmulatorHost
		case gcp.ObjectStorageConfigErrorInvalidEmulatorHost:
			code = ArtifactStoreBootstrapErrorInvalidEmulatorHost
		case gcp.ObjectStorageConfigErrorMissingBucket:
			code = ArtifactStoreBootstrapErrorMissingBucket
		}
	}
	return &ArtifactStoreBootstrapError{
		Code:         code,
		Mode:         string(storageCfg.Mode),
		EmulatorHost: storageCfg.EmulatorHost,
		Cause:        err,
	}
}

func artifactStoreBootstrapErrorCode(err error) ArtifactStoreBootstrapErrorCode {
	var bootstrapErr *ArtifactStoreBootstrapError
	if errors.As(err, &bootstrapErr) && bootstrapErr.Code != "" {
		return bootstrapErr.Code
	}
	return ArtifactStoreBootstrapErrorConnectFailed
}
