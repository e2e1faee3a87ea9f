// Package remote downloads firmware images: the vendor's official builds and
// community builds published as GitHub releases.
package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

var (
	// ErrAssetNotFound is returned when a release carries no firmware asset.
	ErrAssetNotFound = errors.New("firmware asset not found")
	// ErrUnsupportedFirmware is returned for an unknown region or firmware name.
	ErrUnsupportedFirmware = errors.New("unsupported firmware request")
)

// Official firmware regions.
const (
	RegionEnglish = "en"
	RegionChinese = "ch"
)

// CommunityCrossPoint is the CrossPoint reader firmware.
const CommunityCrossPoint = "crosspoint"

// Config selects where firmware comes from.
type Config struct {
	// Official maps a region to its download URL.
	Official map[string]string
	// Community maps a firmware name to its GitHub "owner/repo".
	Community map[string]string
	// AssetSuffix picks the release asset to download.
	AssetSuffix string
	// GitHubAPI is the API base URL.
	GitHubAPI string
	Timeout   time.Duration
	// MaxSize caps a download; larger bodies are rejected.
	MaxSize int64
}

// DefaultConfig returns the stock firmware locations.
func DefaultConfig() Config {
	return Config{
		Official: map[string]string{
			RegionEnglish: "http://gotaserver.xteink.com/api/download/ESP32C3/V3.1.1/V3.1.1-EN.bin",
			RegionChinese: "http://47.122.74.33:5000/api/download/ESP32C3/V3.1.4/V3.1.4-CH-X4.bin",
		},
		Community: map[string]string{
			CommunityCrossPoint: "daveallie/crosspoint-reader",
		},
		AssetSuffix: "firmware.bin",
		GitHubAPI:   "https://api.github.com",
		Timeout:     2 * time.Minute,
		MaxSize:     16 << 20,
	}
}

// Source fetches firmware over HTTP.
type Source struct {
	cfg    Config
	client *http.Client
	logger *slog.Logger
}

// NewSource creates a firmware source. Empty config fields take defaults.
func NewSource(cfg Config, logger *slog.Logger) *Source {
	def := DefaultConfig()
	if cfg.Official == nil {
		cfg.Official = def.Official
	}
	if cfg.Community == nil {
		cfg.Community = def.Community
	}
	if cfg.AssetSuffix == "" {
		cfg.AssetSuffix = def.AssetSuffix
	}
	if cfg.GitHubAPI == "" {
		cfg.GitHubAPI = def.GitHubAPI
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.MaxSize == 0 {
		cfg.MaxSize = def.MaxSize
	}
	return &Source{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger.With("component", "remote"),
	}
}

// FetchOfficial downloads the vendor firmware for region.
func (s *Source) FetchOfficial(ctx context.Context, region string) ([]byte, error) {
	url, ok := s.cfg.Official[strings.ToLower(region)]
	if !ok {
		return nil, fmt.Errorf("%w: official region %q", ErrUnsupportedFirmware, region)
	}
	s.logger.Info("downloading official firmware", "region", region, "url", url)
	return s.download(ctx, url)
}

type release struct {
	TagName string `json:"tag_name"`
	Assets  []struct {
		Name string `json:"name"`
		URL  string `json:"browser_download_url"`
	} `json:"assets"`
}

// FetchCommunity downloads the latest release of a community firmware.
func (s *Source) FetchCommunity(ctx context.Context, name string) ([]byte, error) {
	repo, ok := s.cfg.Community[strings.ToLower(name)]
	if !ok {
		return nil, fmt.Errorf("%w: community firmware %q", ErrUnsupportedFirmware, name)
	}

	api := strings.TrimRight(s.cfg.GitHubAPI, "/") + "/repos/" + repo + "/releases/latest"
	body, err := s.download(ctx, api)
	if err != nil {
		return nil, fmt.Errorf("remote: latest release of %s: %w", repo, err)
	}
	var rel release
	if err := json.Unmarshal(body, &rel); err != nil {
		return nil, fmt.Errorf("remote: decode release of %s: %w", repo, err)
	}

	for _, a := range rel.Assets {
		if strings.HasSuffix(a.Name, s.cfg.AssetSuffix) {
			s.logger.Info("downloading community firmware", "name", name, "release", rel.TagName, "asset", a.Name)
			return s.download(ctx, a.URL)
		}
	}
	return nil, fmt.Errorf("%w: %s release %s has no *%s", ErrAssetNotFound, repo, rel.TagName, s.cfg.AssetSuffix)
}

func (s *Source) download(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("remote: request %s: %w", url, err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("remote: get %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("remote: get %s: status %s", url, resp.Status)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, s.cfg.MaxSize+1))
	if err != nil {
		return nil, fmt.Errorf("remote: read %s: %w", url, err)
	}
	if int64(len(data)) > s.cfg.MaxSize {
		return nil, fmt.Errorf("remote: %s exceeds %d bytes", url, s.cfg.MaxSize)
	}
	return data, nil
}
