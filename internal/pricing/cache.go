package pricing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/metalvault/settlement-service/internal/domain"
	"github.com/metalvault/settlement-service/pkg/priceclient"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

const (
	defaultCacheTTL        = 15 * time.Minute
	defaultMaxLookbackDays = 5
	defaultKeyPrefix       = "settlement:price"
)

// QuoteSource is the external price feed.
type QuoteSource interface {
	GetQuote(ctx context.Context, metal string, date time.Time) (*priceclient.Quote, error)
}

// CacheConfig tunes the price cache.
type CacheConfig struct {
	TTL             time.Duration
	MaxLookbackDays int
	KeyPrefix       string
}

// Cache holds the latest price per metal in memory, shares it through Redis when
// configured, and pulls from the feed on a miss. Prices are stored per base unit.
type Cache struct {
	source QuoteSource
	redis  *redis.Client
	cfg    CacheConfig
	logger *slog.Logger
	now    func() time.Time

	mu      sync.RWMutex
	entries map[domain.Metal]domain.MetalPrice
	group   singleflight.Group
}

// NewCache builds a price cache. rdb may be nil.
func NewCache(source QuoteSource, rdb *redis.Client, cfg CacheConfig, logger *slog.Logger) *Cache {
	if cfg.TTL <= 0 {
		cfg.TTL = defaultCacheTTL
	}
	if cfg.MaxLookbackDays < 0 {
		cfg.MaxLookbackDays = defaultMaxLookbackDays
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = defaultKeyPrefix
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{
		source:  source,
		redis:   rdb,
		cfg:     cfg,
		logger:  logger.With("component", "price_cache"),
		now:     time.Now,
		entries: make(map[domain.Metal]domain.MetalPrice),
	}
}

// SetClock overrides the time source.
func (c *Cache) SetClock(now func() time.Time) {
	c.now = now
}

// Price returns the latest known price for metal. A stale in-memory price is
// returned when a refresh fails.
func (c *Cache) Price(ctx context.Context, metal domain.Metal) (domain.MetalPrice, error) {
	if !metal.Valid() {
		return domain.MetalPrice{}, fmt.Errorf("%w: %q", ErrUnsupportedMetal, metal)
	}

	cached, ok := c.memory(metal)
	if ok && c.now().Sub(cached.FetchedAt) < c.cfg.TTL {
		return cached, nil
	}

	if shared, found := c.fromRedis(ctx, metal); found {
		c.remember(shared)
		return shared, nil
	}

	v, err, _ := c.group.Do(string(metal), func() (interface{}, error) {
		return c.Refresh(ctx, metal)
	})
	if err != nil {
		if ok {
			c.logger.Warn("price refresh failed; serving stale price", "metal", metal, "fetched_at", cached.FetchedAt, "error", err)
			return cached, nil
		}
		return domain.MetalPrice{}, err
	}
	return v.(domain.MetalPrice), nil
}

// Refresh pulls the newest valid quote for metal, walking back over prior calendar
// days when a day's quote is missing or zero.
func (c *Cache) Refresh(ctx context.Context, metal domain.Metal) (domain.MetalPrice, error) {
	base, err := BaseUnit(metal)
	if err != nil {
		return domain.MetalPrice{}, err
	}

	now := c.now().UTC()
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)

	var lastErr error
	for day := 0; day <= c.cfg.MaxLookbackDays; day++ {
		date := today.AddDate(0, 0, -day)
		quote, err := c.source.GetQuote(ctx, string(metal), date)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return domain.MetalPrice{}, ctxErr
			}
			if !errors.Is(err, priceclient.ErrQuoteNotFound) {
				c.logger.Warn("price quote fetch failed", "metal", metal, "date", date.Format("2006-01-02"), "error", err)
			}
			lastErr = err
			continue
		}
		if quote == nil || quote.Price <= 0 {
			lastErr = fmt.Errorf("zero quote for %s on %s", metal, date.Format("2006-01-02"))
			continue
		}

		unit := base
		if quote.Unit != "" {
			if unit, err = ParseUnit(quote.Unit); err != nil {
				lastErr = err
				continue
			}
		}

		price := domain.MetalPrice{
			Metal:        metal,
			PricePerUnit: quote.Price,
			Unit:         unit,
			Currency:     quote.Currency,
			QuoteDate:    date,
			FetchedAt:    now,
		}
		perBase, err := PricePerUnit(price, base)
		if err != nil {
			lastErr = err
			continue
		}
		price.PricePerUnit = perBase
		price.Unit = base

		c.remember(price)
		c.toRedis(ctx, price)
		if day > 0 {
			c.logger.Info("using prior-day price quote", "metal", metal, "quote_date", date.Format("2006-01-02"), "days_back", day)
		}
		return price, nil
	}

	return domain.MetalPrice{}, fmt.Errorf("%w: %s after %d day(s): %v", ErrPriceUnavailable, metal, c.cfg.MaxLookbackDays+1, lastErr)
}

// RefreshAll refreshes every supported metal concurrently.
func (c *Cache) RefreshAll(ctx context.Context) error {
	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	for _, metal := range []domain.Metal{domain.MetalGold, domain.MetalSilver} {
		metal := metal
		g.Go(func() error {
			if _, err := c.Refresh(ctx, metal); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

func (c *Cache) memory(metal domain.Metal) (domain.MetalPrice, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.entries[metal]
	return p, ok
}

func (c *Cache) remember(price domain.MetalPrice) {
	c.mu.Lock()
	c.entries[price.Metal] = price
	c.mu.Unlock()
}

func (c *Cache) redisKey(metal domain.Metal) string {
	return c.cfg.KeyPrefix + ":" + string(metal)
}

func (c *Cache) fromRedis(ctx context.Context, metal domain.Metal) (domain.MetalPrice, bool) {
	if c.redis == nil {
		return domain.MetalPrice{}, false
	}
	raw, err := c.redis.Get(ctx, c.redisKey(metal)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.Warn("redis price read failed", "metal", metal, "error", err)
		}
		return domain.MetalPrice{}, false
	}
	var price domain.MetalPrice
	if err := json.Unmarshal(raw, &price); err != nil || price.PricePerUnit <= 0 {
		return domain.MetalPrice{}, false
	}
	return price, true
}

func (c *Cache) toRedis(ctx context.Context, price domain.MetalPrice) {
	if c.redis == nil {
		return
	}
	raw, err := json.Marshal(price)
	if err != nil {
		return
	}
	if err := c.redis.Set(ctx, c.redisKey(price.Metal), raw, c.cfg.TTL).Err(); err != nil {
		c.logger.Warn("redis price write failed", "metal", price.Metal, "error", err)
	}
}
