package cmd

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/renameio/v2"
	"github.com/sirupsen/logrus"

	"github.com/edlflash/qdl/internal/config"
	"github.com/edlflash/qdl/internal/device"
	"github.com/edlflash/qdl/internal/errs"
	"github.com/edlflash/qdl/internal/logging"
	"github.com/edlflash/qdl/internal/usbtransport"
)

// connectBudget bounds how long Connect (Sahara probe, loader upload,
// Firehose configure) is given before giving up.
const connectBudget = 30 * time.Second

// withDevice resolves the global flags into a Config, loads the programmer
// image, opens the USB transport, connects through Sahara/Firehose, and
// hands the ready Device to fn. The transport is always closed afterwards.
func withDevice(ctx context.Context, fn func(ctx context.Context, dev *device.Device) error) error {
	cfg := config.Default()
	if logLevelFlag != "" {
		lvl, err := config.ParseLogLevel(logLevelFlag)
		if err != nil {
			return err
		}
		cfg.LogLevel = lvl
	}
	if err := cfg.Firehose.Validate(); err != nil {
		return err
	}
	if programmerFlag == "" {
		return &errs.ValidationError{Field: "--programmer", Detail: "required"}
	}

	log := logrus.NewEntry(logging.New(cfg.LogLevel))

	programmer, err := loadProgrammer(ctx, programmerFlag)
	if err != nil {
		return err
	}

	t := usbtransport.NewDevice()
	defer t.Close()
	dev := device.New(t, programmer, cfg.Firehose, log)

	connectCtx, cancel := context.WithTimeout(ctx, connectBudget)
	defer cancel()
	if err := dev.Connect(connectCtx); err != nil {
		return err
	}

	return fn(ctx, dev)
}

// programmerCachePath returns the on-disk location a downloaded programmer
// image for source would be cached at, keyed by the sha256 of the URL
// itself so a cache hit can be checked before any network request.
func programmerCachePath(source string) (string, error) {
	base, err := os.UserCacheDir()
	if err != nil {
		return "", err
	}
	dir := filepath.Join(base, "qdl", "programmers")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	sum := sha256.Sum256([]byte(source))
	return filepath.Join(dir, hex.EncodeToString(sum[:])), nil
}

// loadProgrammer resolves source as a local path or, for an http(s):// URL,
// downloads it once and caches the result under $XDG_CACHE_HOME/qdl/programmers
// so a later run with the same URL skips the network entirely. The cache
// write uses renameio so a process killed mid-write never leaves a corrupt
// cache entry for a later run to pick up.
func loadProgrammer(ctx context.Context, source string) ([]byte, error) {
	if !strings.HasPrefix(source, "http://") && !strings.HasPrefix(source, "https://") {
		return os.ReadFile(source)
	}

	cachePath, cacheErr := programmerCachePath(source)
	if cacheErr == nil {
		if cached, err := os.ReadFile(cachePath); err == nil {
			return cached, nil
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, source, nil)
	if err != nil {
		return nil, &errs.ValidationError{Field: "--programmer", Detail: err.Error()}
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, &errs.ConnectionError{Context: "downloading programmer image", Cause: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, &errs.ConnectionError{Context: fmt.Sprintf("downloading programmer image: HTTP %d", resp.StatusCode)}
	}
	blob, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if cacheErr == nil {
		// A cache write failure shouldn't fail an otherwise successful
		// download; the next run just re-downloads.
		_ = renameio.WriteFile(cachePath, blob, 0o644)
	}
	return blob, nil
}
