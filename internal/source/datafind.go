package source

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"gwfetch/internal/domain"
)

const (
	DefaultDatafindHost = "https://datafind.gwosc.org"
	// DefaultOSDFBase serves osdf:// paths over HTTPS; the director redirects to a nearby cache.
	DefaultOSDFBase = "https://osdf-director.osg-htc.org"
)

type DatafindConfig struct {
	Host string
	// Observatory and FrameType select the dataset. When either is empty the channel is read
	// as "{observatory}:{frametype}".
	Observatory string
	FrameType   string
	// URLType is the access scheme requested from the server, e.g. "osdf" or "file".
	URLType string
	// OSDFBase is prepended to the path of osdf:// URLs so they can be fetched over HTTPS.
	OSDFBase   string
	HTTPClient *http.Client
	Logger     *logrus.Logger
}

// Datafind discovers frame files through a GWDataFind-compatible HTTP service.
type Datafind struct {
	cfg DatafindConfig
}

func NewDatafind(cfg DatafindConfig) *Datafind {
	if cfg.Host == "" {
		cfg.Host = DefaultDatafindHost
	}
	if cfg.URLType == "" {
		cfg.URLType = "osdf"
	}
	if cfg.OSDFBase == "" {
		cfg.OSDFBase = DefaultOSDFBase
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 60 * time.Second}
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	return &Datafind{cfg: cfg}
}

// Fetch returns the remote files overlapping seg, sorted by start time. An empty listing is
// reported as domain.ErrNoData.
func (d *Datafind) Fetch(ctx context.Context, seg domain.Segment) (domain.FetchResult, error) {
	endpoint, err := d.endpoint(seg)
	if err != nil {
		return domain.FetchResult{}, err
	}
	logger := d.cfg.Logger.WithFields(logrus.Fields{"channel": seg.Channel, "segment": seg.Key()})
	logger.Debugf("finding urls via %s", endpoint)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return domain.FetchResult{}, domain.Validationf("find urls", "build request: %v", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := d.cfg.HTTPClient.Do(req)
	if err != nil {
		if domain.IsNetworkError(err) {
			return domain.FetchResult{}, domain.TransportError("find urls", err)
		}
		return domain.FetchResult{}, domain.RemoteError("find urls", err, domain.IsRetryable(err))
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return domain.FetchResult{}, domain.RemoteError("find urls",
			fmt.Errorf("%w: %s not known to %s", domain.ErrNoData, seg, d.cfg.Host), false)
	case resp.StatusCode >= 500:
		return domain.FetchResult{}, domain.RemoteError("find urls",
			fmt.Errorf("datafind returned status %d", resp.StatusCode), true)
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return domain.FetchResult{}, domain.RemoteError("find urls",
			fmt.Errorf("datafind returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body))), false)
	}

	var urls []string
	if err := json.NewDecoder(resp.Body).Decode(&urls); err != nil {
		if domain.IsNetworkError(err) {
			return domain.FetchResult{}, domain.TransportError("find urls", err)
		}
		return domain.FetchResult{}, domain.RemoteError("find urls", fmt.Errorf("decode url list: %w", err), true)
	}

	refs, err := refsFromURLs(urls, seg, d.cfg.OSDFBase)
	if err != nil {
		return domain.FetchResult{}, err
	}
	if len(refs) == 0 {
		return domain.FetchResult{}, domain.RemoteError("find urls",
			fmt.Errorf("%w: no files found for %s", domain.ErrNoData, seg), false)
	}
	logger.Infof("found %d urls", len(refs))
	return domain.FetchResult{Files: refs}, nil
}

func (d *Datafind) endpoint(seg domain.Segment) (string, error) {
	observatory, frameType := d.cfg.Observatory, d.cfg.FrameType
	if observatory == "" || frameType == "" {
		obs, ft, ok := strings.Cut(seg.Channel, ":")
		if !ok || obs == "" || ft == "" {
			return "", domain.Validationf("find urls",
				"channel %q must be {observatory}:{frametype} when no dataset is configured", seg.Channel)
		}
		observatory, frameType = obs, ft
	}

	base, err := url.Parse(strings.TrimRight(d.cfg.Host, "/"))
	if err != nil {
		return "", domain.Validationf("find urls", "invalid datafind host %q: %v", d.cfg.Host, err)
	}
	if base.Scheme == "" {
		base, err = url.Parse("https://" + strings.TrimRight(d.cfg.Host, "/"))
		if err != nil {
			return "", domain.Validationf("find urls", "invalid datafind host %q: %v", d.cfg.Host, err)
		}
	}
	base.Path = path.Join(base.Path, "api", "v1", "gwf",
		observatory, frameType,
		fmt.Sprintf("%d,%d", seg.Start, seg.End),
		d.cfg.URLType+".json")
	return base.String(), nil
}

// refsFromURLs parses the file names, drops files that do not overlap seg and sorts the rest.
// osdf:// URLs are rewritten onto osdfBase; any other scheme the downloader cannot speak is a
// permanent failure.
func refsFromURLs(urls []string, seg domain.Segment, osdfBase string) ([]domain.RemoteFileRef, error) {
	refs := make([]domain.RemoteFileRef, 0, len(urls))
	for _, raw := range urls {
		name := path.Base(raw)
		start, duration, err := domain.ParseFrameFileName(name)
		if err != nil {
			return nil, domain.RemoteError("find urls", fmt.Errorf("unexpected entry in url list: %w", err), true)
		}
		ref := domain.RemoteFileRef{Name: name, Start: start, Duration: duration}
		if ref.End() <= seg.Start || ref.Start >= seg.End {
			continue
		}
		if ref.URL, err = fetchableURL(raw, osdfBase); err != nil {
			return nil, err
		}
		refs = append(refs, ref)
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].Start < refs[j].Start })
	return refs, nil
}

func fetchableURL(raw, osdfBase string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", domain.RemoteError("find urls", fmt.Errorf("unparseable url %q: %w", raw, err), false)
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
		return raw, nil
	case "osdf":
		// osdf:///gwdata/... carries the namespace path; osdf://host/... is read the same way
		p := u.Path
		if u.Host != "" {
			p = "/" + u.Host + u.Path
		}
		return strings.TrimRight(osdfBase, "/") + p, nil
	default:
		return "", domain.RemoteError("find urls",
			fmt.Errorf("url %q uses unsupported scheme %q; request urltype osdf or https", raw, u.Scheme), false)
	}
}
