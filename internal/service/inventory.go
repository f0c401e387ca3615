package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"escrow-engine/internal/metrics"
	"escrow-engine/internal/model"
	"escrow-engine/internal/notify"
	"escrow-engine/internal/repository"
	"escrow-engine/pkg/uid"

	"github.com/goccy/go-json"
	"go.uber.org/zap"
)

// InventoryService mirrors bot inventories into platform-owned listings.
type InventoryService struct {
	d        Deps
	cacheTTL time.Duration
	log      *zap.Logger

	mu       sync.RWMutex
	lastSync map[string]time.Time
}

// NewInventoryService creates the service. Reads are cached in d.Cache when set.
func NewInventoryService(d Deps, cacheTTL time.Duration) *InventoryService {
	d = d.withDefaults()
	if cacheTTL <= 0 {
		cacheTTL = 5 * time.Minute
	}
	return &InventoryService{
		d:        d,
		cacheTTL: cacheTTL,
		log:      d.Log.Named("inventory"),
		lastSync: make(map[string]time.Time),
	}
}

// ListingID is the stable listing id for an asset held by a bot, so repeated
// syncs write the same rows.
func ListingID(botID string, appID int, assetID string) string {
	return uid.Deterministic(fmt.Sprintf("%s/%d/%s", botID, appID, assetID))
}

// Sync replaces the bot's active inventory listings for appID with what the
// network reports, in one transaction. It returns how many were written.
func (s *InventoryService) Sync(ctx context.Context, botID string, appID int) (int, error) {
	sess := s.d.Pool.Acquire(botID)
	if sess == nil {
		return 0, ErrBotUnavailable
	}
	items, err := s.d.Pool.FetchInventory(ctx, sess, appID)
	s.d.Pool.Release(sess, err)
	if err != nil {
		return 0, fmt.Errorf("fetch inventory of %s: %w", botID, err)
	}

	listings := make([]*model.Listing, 0, len(items))
	for _, it := range items {
		listings = append(listings, &model.Listing{
			ID:       ListingID(botID, appID, it.AssetID),
			SellerID: model.PlatformSellerID,
			BotID:    botID,
			Source:   model.SourceBotInventory,
			AssetID:  it.AssetID,
			AppID:    appID,
			Name:     it.Name,
			Price:    it.Price,
			Status:   model.ListingActive,
		})
	}

	var inserted int
	err = s.d.Ledger.WithTx(ctx, func(tx repository.LedgerTx) error {
		var err error
		inserted, err = tx.ReplaceBotListings(ctx, botID, appID, listings)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("store inventory of %s: %w", botID, err)
	}

	now := time.Now()
	s.mu.Lock()
	s.lastSync[syncKey(botID, appID)] = now
	s.mu.Unlock()

	s.d.forgetInventory(ctx, botID, appID)

	metrics.InventorySynced.WithLabelValues(botID).Add(float64(inserted))
	s.d.Notifier.InventorySynced(ctx, notify.InventorySynced{
		BotID:    botID,
		AppID:    appID,
		Items:    len(items),
		Inserted: inserted,
		At:       now,
	})
	s.log.Info("inventory synced",
		zap.String("bot", botID), zap.Int("app", appID),
		zap.Int("items", len(items)), zap.Int("listed", inserted))
	return inserted, nil
}

// Inventory returns the items a bot has on sale, projected from its active
// inventory listings and cached until the next sync or listing change.
func (s *InventoryService) Inventory(ctx context.Context, botID string, appID int) ([]model.Item, error) {
	load := func() ([]byte, error) {
		listings, err := s.d.Ledger.FindListings(ctx, repository.ListingFilter{
			Statuses: []model.ListingStatus{model.ListingActive},
			Source:   model.SourceBotInventory,
			BotID:    botID,
		})
		if err != nil {
			return nil, err
		}
		items := make([]model.Item, 0, len(listings))
		for _, l := range listings {
			if appID == 0 || l.AppID == appID {
				items = append(items, l.Item())
			}
		}
		return json.Marshal(items)
	}

	var data []byte
	var err error
	if s.d.Cache != nil {
		data, err = s.d.Cache.GetOrSet(ctx, syncKey(botID, appID), s.cacheTTL, load)
	} else {
		data, err = load()
	}
	if err != nil {
		return nil, err
	}

	var items []model.Item
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, err
	}
	return items, nil
}

// LastSync reports when the bot's inventory for appID was last synced.
func (s *InventoryService) LastSync(botID string, appID int) (time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.lastSync[syncKey(botID, appID)]
	return t, ok
}

func syncKey(botID string, appID int) string {
	return fmt.Sprintf("inventory:%s:%d", botID, appID)
}
