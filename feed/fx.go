package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const DefaultNBUURL = "https://bank.gov.ua/NBUStatService/v1/statdirectory/exchange?valcode=EUR&json"

// RateProvider returns the EUR->UAH rate for a profile. It never fails.
type RateProvider interface {
	Rate(ctx context.Context, params RateParams) decimal.Decimal
}

// RateSource fetches a live EUR->UAH rate.
type RateSource interface {
	EURUAH(ctx context.Context) (decimal.Decimal, error)
}

// ResolveRate applies rate params to a live lookup: live + add_uah, floored at
// min_rate. A failed or non-positive lookup yields the fallback.
func ResolveRate(live decimal.Decimal, lookupErr error, params RateParams) decimal.Decimal {
	if lookupErr != nil || !live.IsPositive() {
		return decimal.NewFromFloat(params.fallback())
	}
	rate := live.Add(decimal.NewFromFloat(params.surcharge()))
	floor := decimal.NewFromFloat(params.floor())
	if rate.LessThan(floor) {
		return floor
	}
	return rate
}

// LiveRateProvider resolves rates from a RateSource.
type LiveRateProvider struct {
	Source RateSource
	Log    zerolog.Logger
}

func (p *LiveRateProvider) Rate(ctx context.Context, params RateParams) decimal.Decimal {
	var (
		live decimal.Decimal
		err  = errors.New("no rate source")
	)
	if p.Source != nil {
		live, err = p.Source.EURUAH(ctx)
	}
	rate := ResolveRate(live, err, params)
	if err != nil {
		p.Log.Warn().Err(err).Str("rate", rate.String()).Msg("fx lookup failed, using fallback")
	} else {
		p.Log.Debug().Str("live", live.String()).Str("rate", rate.String()).Msg("fx rate resolved")
	}
	return rate
}

// FixedRate is a RateProvider that always returns the same rate.
type FixedRate decimal.Decimal

func (f FixedRate) Rate(context.Context, RateParams) decimal.Decimal { return decimal.Decimal(f) }

// NBUSource reads the National Bank of Ukraine exchange JSON.
type NBUSource struct {
	URL    string
	Client *http.Client
}

func NewNBUSource(url string, timeout time.Duration) *NBUSource {
	if strings.TrimSpace(url) == "" {
		url = DefaultNBUURL
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &NBUSource{URL: url, Client: &http.Client{Timeout: timeout}}
}

type nbuRate struct {
	CC   string          `json:"cc"`
	Rate decimal.Decimal `json:"rate"`
}

func (s *NBUSource) EURUAH(ctx context.Context) (decimal.Decimal, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.URL, nil)
	if err != nil {
		return decimal.Zero, err
	}
	resp, err := s.Client.Do(req)
	if err != nil {
		return decimal.Zero, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return decimal.Zero, fmt.Errorf("nbu: unexpected status %d", resp.StatusCode)
	}
	var rates []nbuRate
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&rates); err != nil {
		return decimal.Zero, fmt.Errorf("nbu: decode: %w", err)
	}
	for _, r := range rates {
		if strings.EqualFold(r.CC, "EUR") && r.Rate.IsPositive() {
			return r.Rate, nil
		}
	}
	return decimal.Zero, errors.New("nbu: no EUR rate in response")
}

const rateCacheKey = "fx:eur_uah"

// CachedSource keeps the live rate in Redis. Cache errors fall through to Next.
type CachedSource struct {
	Next   RateSource
	Client *redis.Client
	TTL    time.Duration
	Log    zerolog.Logger
}

func NewRedisClient(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return client, nil
}

func (c *CachedSource) EURUAH(ctx context.Context) (decimal.Decimal, error) {
	cached, err := c.Client.Get(ctx, rateCacheKey).Result()
	switch {
	case err == nil:
		if d, perr := decimal.NewFromString(cached); perr == nil && d.IsPositive() {
			return d, nil
		}
	case !errors.Is(err, redis.Nil):
		c.Log.Warn().Err(err).Msg("fx cache read failed")
	}

	live, err := c.Next.EURUAH(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	ttl := c.TTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	if err := c.Client.Set(ctx, rateCacheKey, live.String(), ttl).Err(); err != nil {
		c.Log.Warn().Err(err).Msg("fx cache write failed")
	}
	return live, nil
}
