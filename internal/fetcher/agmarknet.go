package fetcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"crop-price-alerts/internal/storage"
)

const (
	recordsPath    = "/resource/mandi-prices"
	arrivalDateFmt = "2006-01-02"
)

// AgmarknetOptions parameterise the mandi price API client.
type AgmarknetOptions struct {
	BaseURL   string
	APIKey    string
	Timeout   time.Duration
	UserAgent string
	PageSize  int
}

// Agmarknet fetches daily mandi price records from the public market-data API.
type Agmarknet struct {
	opts    AgmarknetOptions
	logger  zerolog.Logger
	client  *http.Client
	baseURL string
}

// NewAgmarknet constructs a mandi price fetcher.
func NewAgmarknet(opts AgmarknetOptions, logger zerolog.Logger) *Agmarknet {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.data.gov.in"
	}

	if opts.PageSize <= 0 {
		opts.PageSize = 500
	}

	return &Agmarknet{
		opts:    opts,
		logger:  logger.With().Str("component", "mandi_fetcher").Logger(),
		client:  &http.Client{Timeout: timeout},
		baseURL: baseURL,
	}
}

// FetchPrices retrieves all records observed at or after since, paging until
// the API returns a short page. Records with a missing identity field or an
// unparsable price are skipped, not fatal.
func (a *Agmarknet) FetchPrices(ctx context.Context, since time.Time) ([]storage.Observation, error) {
	if a.opts.APIKey == "" {
		return nil, errors.New("api key required")
	}

	var out []storage.Observation
	for offset := 0; ; offset += a.opts.PageSize {
		page, err := a.fetchPage(ctx, offset)
		if err != nil {
			return nil, err
		}

		for _, rec := range page {
			obs, err := rec.toObservation()
			if err != nil {
				a.logger.Warn().Err(err).
					Str("commodity", rec.Commodity).
					Str("market", rec.Market).
					Msg("丢弃无法解析的行情记录")
				continue
			}
			if obs.ObservedAt.Before(since) {
				continue
			}
			out = append(out, obs)
		}

		if len(page) < a.opts.PageSize {
			break
		}
	}

	a.logger.Info().Int("records", len(out)).Time("since", since).Msg("mandi prices fetched")
	return out, nil
}

func (a *Agmarknet) fetchPage(ctx context.Context, offset int) ([]priceRecord, error) {
	params := url.Values{}
	params.Set("api-key", a.opts.APIKey)
	params.Set("format", "json")
	params.Set("limit", fmt.Sprintf("%d", a.opts.PageSize))
	params.Set("offset", fmt.Sprintf("%d", offset))

	endpoint := a.baseURL + recordsPath + "?" + params.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(a.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	} else {
		req.Header.Set("User-Agent", "mandiwatcher/1.0")
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		return nil, parseHTTPError(resp.StatusCode, payload)
	}

	var body recordsResponse
	if err := json.Unmarshal(payload, &body); err != nil {
		return nil, err
	}
	return body.Records, nil
}

type recordsResponse struct {
	Total   int           `json:"total"`
	Count   int           `json:"count"`
	Records []priceRecord `json:"records"`
}

type priceRecord struct {
	Commodity   string `json:"commodity"`
	State       string `json:"state"`
	Market      string `json:"market"`
	ModalPrice  string `json:"modal_price"`
	Unit        string `json:"unit"`
	ArrivalDate string `json:"arrival_date"`
}

func (r priceRecord) toObservation() (storage.Observation, error) {
	crop := strings.TrimSpace(r.Commodity)
	location := strings.TrimSpace(r.State)
	market := strings.TrimSpace(r.Market)
	if crop == "" || location == "" || market == "" {
		return storage.Observation{}, errors.New("record missing commodity, state or market")
	}

	price, err := decimal.NewFromString(strings.TrimSpace(r.ModalPrice))
	if err != nil {
		return storage.Observation{}, fmt.Errorf("parse modal price: %w", err)
	}
	if price.IsNegative() {
		return storage.Observation{}, errors.New("negative modal price")
	}

	observedAt, err := time.Parse(arrivalDateFmt, strings.TrimSpace(r.ArrivalDate))
	if err != nil {
		return storage.Observation{}, fmt.Errorf("parse arrival date: %w", err)
	}

	unit := strings.ToLower(strings.TrimSpace(r.Unit))
	if unit == "" {
		unit = "quintal"
	}

	return storage.Observation{
		Series:     storage.SeriesKey{Crop: crop, Location: location, Market: market},
		Price:      price,
		Unit:       unit,
		ObservedAt: observedAt.UTC(),
	}, nil
}

type errorResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

func parseHTTPError(status int, payload []byte) error {
	var apiErr errorResponse
	if err := json.Unmarshal(payload, &apiErr); err == nil && apiErr.Message != "" {
		return fmt.Errorf("mandi api error (%d): %s", status, apiErr.Message)
	}
	if len(payload) > 0 {
		return fmt.Errorf("mandi api error (%d): %s", status, strings.TrimSpace(string(payload)))
	}
	return fmt.Errorf("mandi api error (%d)", status)
}

var _ PriceFetcher = (*Agmarknet)(nil)
