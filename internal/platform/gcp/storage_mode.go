package gcp

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/yungbote/neurobridge-bookgen/internal/platform/envutil"
)

// ObjectStorageMode selects where book artifacts live.
type ObjectStorageMode string

const (
	ObjectStorageModeGCS         ObjectStorageMode = "gcs"
	ObjectStorageModeGCSEmulator ObjectStorageMode = "gcs_emulator"
	ObjectStorageModeMemory      ObjectStorageMode = "memory"
)

func (m ObjectStorageMode) Valid() bool {
	switch m {
	case ObjectStorageModeGCS, ObjectStorageModeGCSEmulator, ObjectStorageModeMemory:
		return true
	}
	return false
}

type ObjectStorageConfig struct {
	Mode         ObjectStorageMode
	EmulatorHost string
	Bucket       string
	// ModeInferred is set when no mode was configured and STORAGE_EMULATOR_HOST picked the emulator.
	ModeInferred bool
}

func (cfg ObjectStorageConfig) IsEmulatorMode() bool {
	return cfg.Mode == ObjectStorageModeGCSEmulator
}

// ModeSource is logged at startup so an implicit emulator setup is visible.
func (cfg ObjectStorageConfig) ModeSource() string {
	if cfg.ModeInferred {
		return "inferred_from_emulator_host"
	}
	return "configured"
}

type ObjectStorageConfigErrorCode string

const (
	ObjectStorageConfigErrorInvalidMode         ObjectStorageConfigErrorCode = "invalid_mode"
	ObjectStorageConfigErrorMissingEmulatorHost ObjectStorageConfigErrorCode = "missing_emulator_host"
	ObjectStorageConfigErrorInvalidEmulatorHost ObjectStorageConfigErrorCode = "invalid_emulator_host"
	ObjectStorageConfigErrorMissingBucket       ObjectStorageConfigErrorCode = "missing_bucket"
)

type ObjectStorageConfigError struct {
	Code         ObjectStorageConfigErrorCode
	Mode         string
	EmulatorHost string
	Cause        error
}

func (e *ObjectStorageConfigError) Error() string {
	if e == nil {
		return "invalid artifact storage config"
	}
	switch e.Code {
	case ObjectStorageConfigErrorInvalidMode:
		return fmt.Sprintf("OBJECT_STORAGE_MODE=%q is not one of %s, %s, %s",
			e.Mode, ObjectStorageModeGCS, ObjectStorageModeGCSEmulator, ObjectStorageModeMemory)
	case ObjectStorageConfigErrorMissingEmulatorHost:
		return "OBJECT_STORAGE_MODE=gcs_emulator needs STORAGE_EMULATOR_HOST"
	case ObjectStorageConfigErrorInvalidEmulatorHost:
		return fmt.Sprintf("STORAGE_EMULATOR_HOST=%q must be an absolute URL such as http://fake-gcs:4443", e.EmulatorHost)
	case ObjectStorageConfigErrorMissingBucket:
		return fmt.Sprintf("OBJECT_STORAGE_MODE=%s needs BOOK_ARTIFACT_BUCKET", e.Mode)
	}
	return "invalid artifact storage config"
}

func (e *ObjectStorageConfigError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

func ResolveObjectStorageConfigFromEnv() (ObjectStorageConfig, error) {
	return ResolveObjectStorageConfig(
		envutil.String("OBJECT_STORAGE_MODE", ""),
		envutil.String("STORAGE_EMULATOR_HOST", ""),
		envutil.String("BOOK_ARTIFACT_BUCKET", ""),
	)
}

// ResolveObjectStorageConfig picks the storage mode. With no mode configured, an emulator host selects the
// emulator (fake-gcs setups usually export only STORAGE_EMULATOR_HOST) and GCS is used otherwise.
func ResolveObjectStorageConfig(rawMode, emulatorHost, bucket string) (ObjectStorageConfig, error) {
	cfg := ObjectStorageConfig{
		Mode:         ObjectStorageMode(strings.ToLower(strings.TrimSpace(rawMode))),
		EmulatorHost: strings.TrimSpace(emulatorHost),
		Bucket:       strings.TrimSpace(bucket),
	}
	if cfg.Mode == "" {
		cfg.Mode = ObjectStorageModeGCS
		if cfg.EmulatorHost != "" {
			cfg.Mode, cfg.ModeInferred = ObjectStorageModeGCSEmulator, true
		}
	}
	if !cfg.Mode.Valid() {
		return cfg, &ObjectStorageConfigError{Code: ObjectStorageConfigErrorInvalidMode, Mode: strings.TrimSpace(rawMode)}
	}
	return cfg, ValidateObjectStorageConfig(cfg)
}

// ValidateObjectStorageConfig checks what each mode needs: a bucket for both GCS modes and an absolute
// emulator URL for gcs_emulator. Memory needs nothing.
func ValidateObjectStorageConfig(cfg ObjectStorageConfig) error {
	fail := func(code ObjectStorageConfigErrorCode, cause error) error {
		return &ObjectStorageConfigError{Code: code, Mode: string(cfg.Mode), EmulatorHost: cfg.EmulatorHost, Cause: cause}
	}
	switch {
	case !cfg.Mode.Valid():
		return fail(ObjectStorageConfigErrorInvalidMode, nil)
	case cfg.Mode == ObjectStorageModeMemory:
		return nil
	case cfg.Bucket == "":
		return fail(ObjectStorageConfigErrorMissingBucket, nil)
	case !cfg.IsEmulatorMode():
		return nil
	case cfg.EmulatorHost == "":
		return fail(ObjectStorageConfigErrorMissingEmulatorHost, nil)
	}
	u, err := url.Parse(cfg.EmulatorHost)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fail(ObjectStorageConfigErrorInvalidEmulatorHost, err)
	}
	return nil
}
