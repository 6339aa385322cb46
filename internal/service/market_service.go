// Package service orchestrates ledger transactions: rate limiting on the way
// in, journal writes, cache invalidation, event publication, and notification
// on the way out. The arenas commit first; everything downstream is
// best-effort and never rolls a committed transition back.
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mintbay/marketd/internal/domain"
	"github.com/mintbay/marketd/internal/ledger"
)

// TokenRegistry is the minting surface the service needs on top of the
// custody capability the ledger uses. The concrete in-memory registry
// satisfies it.
type TokenRegistry interface {
	domain.AssetRegistry
	Mint(creator common.Address, tokenURI string) (uint64, error)
	Approve(caller, to common.Address, assetID uint64) error
	SetApprovalForAll(owner, operator common.Address, approved bool) error
	IsApprovedForAll(owner, operator common.Address) bool
}

// MarketService exposes every marketplace operation to the transport layer.
type MarketService struct {
	ledger     *ledger.Ledger
	registries map[common.Address]TokenRegistry

	assets   domain.AssetStore
	listings domain.ListingStore
	balances domain.BalanceStore
	audit    domain.AuditStore
	cache    domain.ListingCache
	bus      domain.SignalBus
	limiter  domain.RateLimiter
	notifier Notifier
	logger   *slog.Logger

	rateLimit int
	payout    ledger.PayoutFunc
}

// Notifier delivers operator notifications for selected event types.
type Notifier interface {
	Notify(ctx context.Context, event, title, message string) error
}

// NewMarketService creates a MarketService around the in-memory arenas.
func NewMarketService(
	ldg *ledger.Ledger,
	assets domain.AssetStore,
	listings domain.ListingStore,
	balances domain.BalanceStore,
	audit domain.AuditStore,
	cache domain.ListingCache,
	bus domain.SignalBus,
	limiter domain.RateLimiter,
	notifier Notifier,
	rateLimit int,
	logger *slog.Logger,
) *MarketService {
	return &MarketService{
		ledger:     ldg,
		registries: make(map[common.Address]TokenRegistry),
		assets:     assets,
		listings:   listings,
		balances:   balances,
		audit:      audit,
		cache:      cache,
		bus:        bus,
		limiter:    limiter,
		notifier:   notifier,
		logger:     logger,
		rateLimit:  rateLimit,
	}
}

// AttachRegistry makes a token collection available for minting and trading.
func (s *MarketService) AttachRegistry(reg TokenRegistry) {
	s.registries[reg.Address()] = reg
	s.ledger.AttachRegistry(reg)
}

// WithPayout attaches the external value transfer used to settle withdrawals.
// Without one, withdrawals settle internally (the balance is simply zeroed).
func (s *MarketService) WithPayout(fn ledger.PayoutFunc) *MarketService {
	s.payout = fn
	return s
}

// ListingFee returns the platform-wide per-listing fee.
func (s *MarketService) ListingFee() *big.Int {
	return s.ledger.ListingFee()
}

// MarketAddress returns the marketplace custody address.
func (s *MarketService) MarketAddress() common.Address {
	return s.ledger.Address()
}

// MintToken mints a new asset in the given registry.
func (s *MarketService) MintToken(ctx context.Context, registryAddr, caller common.Address, tokenURI string) (domain.Asset, error) {
	if err := s.allow(ctx, caller); err != nil {
		return domain.Asset{}, err
	}

	reg, ok := s.registries[registryAddr]
	if !ok {
		return domain.Asset{}, fmt.Errorf("market_service: registry %s: %w", registryAddr.Hex(), domain.ErrUnknownAsset)
	}

	id, err := reg.Mint(caller, tokenURI)
	if err != nil {
		return domain.Asset{}, fmt.Errorf("market_service: mint: %w", err)
	}

	asset := domain.Asset{
		ID:       id,
		Owner:    caller,
		TokenURI: tokenURI,
		Creator:  caller,
		MintedAt: time.Now().UTC(),
	}

	s.journalAsset(ctx, registryAddr, asset)
	s.publish(ctx, domain.ChannelTokens, domain.NewEvent(domain.EventTokenMinted, map[string]string{
		"registry": registryAddr.Hex(),
		"asset_id": fmt.Sprintf("%d", id),
		"creator":  caller.Hex(),
	}), false)
	s.auditLog(ctx, "token.minted", map[string]any{
		"registry": registryAddr.Hex(),
		"asset_id": id,
		"creator":  caller.Hex(),
	})

	s.logger.InfoContext(ctx, "market_service: token minted",
		slog.Uint64("asset_id", id),
		slog.String("creator", caller.Hex()),
	)

	return asset, nil
}

// ApproveMarket grants the marketplace transfer rights over one asset, the
// step a seller performs before listing.
func (s *MarketService) ApproveMarket(ctx context.Context, registryAddr, caller common.Address, assetID uint64) error {
	reg, ok := s.registries[registryAddr]
	if !ok {
		return fmt.Errorf("market_service: registry %s: %w", registryAddr.Hex(), domain.ErrUnknownAsset)
	}
	if err := reg.Approve(caller, s.ledger.Address(), assetID); err != nil {
		return fmt.Errorf("market_service: approve asset %d: %w", assetID, err)
	}
	return nil
}

// SetApprovalForAll grants or revokes the marketplace operator rights over
// every asset the caller owns in the registry.
func (s *MarketService) SetApprovalForAll(ctx context.Context, registryAddr, caller common.Address, approved bool) error {
	reg, ok := s.registries[registryAddr]
	if !ok {
		return fmt.Errorf("market_service: registry %s: %w", registryAddr.Hex(), domain.ErrUnknownAsset)
	}
	if err := reg.SetApprovalForAll(caller, s.ledger.Address(), approved); err != nil {
		return fmt.Errorf("market_service: set approval for all: %w", err)
	}
	return nil
}

// GetAsset returns one asset of a registry by identifier.
func (s *MarketService) GetAsset(ctx context.Context, registryAddr common.Address, assetID uint64) (domain.Asset, error) {
	reg, ok := s.registries[registryAddr]
	if !ok {
		return domain.Asset{}, fmt.Errorf("market_service: registry %s: %w", registryAddr.Hex(), domain.ErrUnknownAsset)
	}

	owner, err := reg.OwnerOf(assetID)
	if err != nil {
		return domain.Asset{}, fmt.Errorf("market_service: asset %d: %w", assetID, err)
	}
	uri, err := reg.TokenURI(assetID)
	if err != nil {
		return domain.Asset{}, fmt.Errorf("market_service: asset %d: %w", assetID, err)
	}

	// The journal carries mint provenance the live registry does not.
	if s.assets != nil {
		if stored, err := s.assets.GetByID(ctx, registryAddr, assetID); err == nil {
			stored.Owner = owner
			stored.TokenURI = uri
			return stored, nil
		}
	}

	return domain.Asset{ID: assetID, Owner: owner, TokenURI: uri}, nil
}

// ListItem creates a listing, taking custody of the asset and escrowing the
// listing fee.
func (s *MarketService) ListItem(ctx context.Context, seller, assetAddr common.Address, assetID uint64, price, fee *big.Int) (domain.Listing, error) {
	if err := s.allow(ctx, seller); err != nil {
		return domain.Listing{}, err
	}

	listing, err := s.ledger.ListItem(seller, assetAddr, assetID, price, fee)
	if err != nil {
		return domain.Listing{}, err
	}

	s.journalListing(ctx, listing)
	s.journalOwnership(ctx, assetAddr, assetID)
	s.journalBalance(ctx, s.ledger.Owner())
	s.publishOwnership(ctx, assetAddr, assetID, seller, s.ledger.Address())

	event := domain.NewEvent(domain.EventListingCreated, map[string]string{
		"listing_id": fmt.Sprintf("%d", listing.ID),
		"asset_id":   fmt.Sprintf("%d", assetID),
		"seller":     seller.Hex(),
		"price":      listing.Price.String(),
	})
	s.publish(ctx, domain.ChannelListings, event, true)
	s.auditLog(ctx, "listing.created", map[string]any{
		"listing_id": listing.ID,
		"asset_id":   assetID,
		"seller":     seller.Hex(),
		"price":      listing.Price.String(),
	})

	s.logger.InfoContext(ctx, "market_service: listing created",
		slog.Uint64("listing_id", listing.ID),
		slog.String("seller", seller.Hex()),
		slog.String("price", listing.Price.String()),
	)

	return listing, nil
}

// UpdatePrice changes the asking price of an unsold listing.
func (s *MarketService) UpdatePrice(ctx context.Context, caller common.Address, listingID uint64, price *big.Int) (domain.Listing, error) {
	if err := s.allow(ctx, caller); err != nil {
		return domain.Listing{}, err
	}

	listing, err := s.ledger.UpdateItemPrice(caller, listingID, price)
	if err != nil {
		return domain.Listing{}, err
	}

	s.journalListing(ctx, listing)

	event := domain.NewEvent(domain.EventPriceUpdated, map[string]string{
		"listing_id": fmt.Sprintf("%d", listing.ID),
		"price":      listing.Price.String(),
	})
	s.publish(ctx, domain.ChannelListings, event, false)
	s.auditLog(ctx, "listing.price_updated", map[string]any{
		"listing_id": listing.ID,
		"price":      listing.Price.String(),
	})

	return listing, nil
}

// BuyItem purchases an unsold listing at its exact asking price.
func (s *MarketService) BuyItem(ctx context.Context, buyer, assetAddr common.Address, listingID uint64, payment *big.Int) (domain.Listing, error) {
	if err := s.allow(ctx, buyer); err != nil {
		return domain.Listing{}, err
	}

	seller := common.Address{}
	if current, err := s.ledger.GetListing(listingID); err == nil {
		seller = current.Holder
	}

	listing, err := s.ledger.BuyItem(buyer, assetAddr, listingID, payment)
	if err != nil {
		return domain.Listing{}, err
	}

	s.journalListing(ctx, listing)
	s.journalOwnership(ctx, assetAddr, listing.AssetID)
	s.journalBalance(ctx, seller)
	s.publishOwnership(ctx, assetAddr, listing.AssetID, s.ledger.Address(), buyer)

	event := domain.NewEvent(domain.EventItemSold, map[string]string{
		"listing_id": fmt.Sprintf("%d", listing.ID),
		"asset_id":   fmt.Sprintf("%d", listing.AssetID),
		"buyer":      buyer.Hex(),
		"seller":     seller.Hex(),
		"price":      listing.Price.String(),
	})
	s.publish(ctx, domain.ChannelSales, event, true)
	s.auditLog(ctx, "listing.sold", map[string]any{
		"listing_id": listing.ID,
		"asset_id":   listing.AssetID,
		"buyer":      buyer.Hex(),
		"seller":     seller.Hex(),
		"price":      listing.Price.String(),
	})

	if s.notifier != nil {
		title := fmt.Sprintf("Listing #%d sold", listing.ID)
		msg := fmt.Sprintf("Asset #%d sold to %s for %s wei", listing.AssetID, buyer.Hex(), listing.Price.String())
		if err := s.notifier.Notify(ctx, "item_sold", title, msg); err != nil {
			s.logger.WarnContext(ctx, "market_service: notify failed",
				slog.String("error", err.Error()),
			)
		}
	}

	s.logger.InfoContext(ctx, "market_service: listing sold",
		slog.Uint64("listing_id", listing.ID),
		slog.String("buyer", buyer.Hex()),
		slog.String("price", listing.Price.String()),
	)

	return listing, nil
}

// ResellItem relists a previously purchased asset under a fresh listing.
func (s *MarketService) ResellItem(ctx context.Context, seller, assetAddr common.Address, assetID uint64, price, fee *big.Int) (domain.Listing, error) {
	if err := s.allow(ctx, seller); err != nil {
		return domain.Listing{}, err
	}

	listing, err := s.ledger.ResellItem(seller, assetAddr, assetID, price, fee)
	if err != nil {
		return domain.Listing{}, err
	}

	s.journalListing(ctx, listing)
	s.journalOwnership(ctx, assetAddr, assetID)
	s.journalBalance(ctx, s.ledger.Owner())
	s.publishOwnership(ctx, assetAddr, assetID, seller, s.ledger.Address())

	event := domain.NewEvent(domain.EventListingCreated, map[string]string{
		"listing_id": fmt.Sprintf("%d", listing.ID),
		"asset_id":   fmt.Sprintf("%d", assetID),
		"seller":     seller.Hex(),
		"price":      listing.Price.String(),
		"resell":     "true",
	})
	s.publish(ctx, domain.ChannelListings, event, true)
	s.auditLog(ctx, "listing.resell", map[string]any{
		"listing_id": listing.ID,
		"asset_id":   assetID,
		"seller":     seller.Hex(),
		"price":      listing.Price.String(),
	})

	return listing, nil
}

// Withdraw releases the caller's accumulated balance through the configured
// payout path.
func (s *MarketService) Withdraw(ctx context.Context, account common.Address) (*big.Int, error) {
	if err := s.allow(ctx, account); err != nil {
		return nil, err
	}

	amount, err := s.ledger.Withdraw(account, s.payout)
	if err != nil {
		return nil, err
	}

	s.journalBalance(ctx, account)

	event := domain.NewEvent(domain.EventWithdrawal, map[string]string{
		"account": account.Hex(),
		"amount":  amount.String(),
	})
	s.publish(ctx, domain.ChannelWithdrawals, event, true)
	s.auditLog(ctx, "balance.withdrawn", map[string]any{
		"account": account.Hex(),
		"amount":  amount.String(),
	})

	if s.notifier != nil {
		title := "Withdrawal completed"
		msg := fmt.Sprintf("%s withdrew %s wei", account.Hex(), amount.String())
		if err := s.notifier.Notify(ctx, "withdrawal", title, msg); err != nil {
			s.logger.WarnContext(ctx, "market_service: notify failed",
				slog.String("error", err.Error()),
			)
		}
	}

	s.logger.InfoContext(ctx, "market_service: withdrawal",
		slog.String("account", account.Hex()),
		slog.String("amount", amount.String()),
	)

	return amount, nil
}

// BalanceOf returns the account's current withdrawable balance.
func (s *MarketService) BalanceOf(account common.Address) *big.Int {
	return s.ledger.BalanceOf(account)
}

// TokenBalance returns how many assets the account owns in a registry.
func (s *MarketService) TokenBalance(registryAddr, owner common.Address) (int, error) {
	reg, ok := s.registries[registryAddr]
	if !ok {
		return 0, fmt.Errorf("market_service: registry %s: %w", registryAddr.Hex(), domain.ErrUnknownAsset)
	}
	return reg.BalanceOf(owner), nil
}

// GetListing returns one listing, serving from cache when possible.
func (s *MarketService) GetListing(ctx context.Context, listingID uint64) (domain.Listing, error) {
	if s.cache != nil {
		if listing, err := s.cache.Get(ctx, listingID); err == nil {
			return listing, nil
		}
	}

	listing, err := s.ledger.GetListing(listingID)
	if err != nil {
		return domain.Listing{}, err
	}

	if s.cache != nil {
		if err := s.cache.Set(ctx, listing); err != nil {
			s.logger.WarnContext(ctx, "market_service: cache set failed",
				slog.Uint64("listing_id", listingID),
				slog.String("error", err.Error()),
			)
		}
	}
	return listing, nil
}

// UnsoldItems returns every listing still accepting purchases, serving the
// precomputed feed from cache when possible.
func (s *MarketService) UnsoldItems(ctx context.Context) ([]domain.Listing, error) {
	if s.cache != nil {
		if feed, err := s.cache.GetUnsoldFeed(ctx); err == nil {
			return feed, nil
		}
	}

	feed := s.ledger.UnsoldItems()

	if s.cache != nil {
		if err := s.cache.SetUnsoldFeed(ctx, feed); err != nil {
			s.logger.WarnContext(ctx, "market_service: cache unsold feed failed",
				slog.String("error", err.Error()),
			)
		}
	}
	return feed, nil
}

// ListedBy returns every listing created by the account.
func (s *MarketService) ListedBy(ctx context.Context, account common.Address) ([]domain.Listing, error) {
	return s.ledger.ListedBy(account), nil
}

// PurchasedBy returns every sold listing whose asset the account currently
// owns.
func (s *MarketService) PurchasedBy(ctx context.Context, account common.Address) ([]domain.Listing, error) {
	return s.ledger.PurchasedBy(account), nil
}

// maxTrailRead caps how many rows a single audit or catch-up read returns.
const maxTrailRead = 500

// AuditTrail returns the most recent audit rows, newest first.
func (s *MarketService) AuditTrail(ctx context.Context, limit int) ([]domain.AuditEntry, error) {
	if s.audit == nil {
		return nil, nil
	}
	if limit <= 0 || limit > maxTrailRead {
		limit = maxTrailRead
	}
	entries, err := s.audit.List(ctx, domain.ListOpts{Limit: limit})
	if err != nil {
		return nil, fmt.Errorf("market_service: audit trail: %w", err)
	}
	return entries, nil
}

// Stats reports journal row counts alongside the live unsold count.
func (s *MarketService) Stats(ctx context.Context) (domain.MarketStats, error) {
	stats := domain.MarketStats{Unsold: len(s.ledger.UnsoldItems())}

	if s.assets != nil {
		n, err := s.assets.Count(ctx)
		if err != nil {
			return domain.MarketStats{}, fmt.Errorf("market_service: count assets: %w", err)
		}
		stats.Assets = n
	}
	if s.listings != nil {
		n, err := s.listings.Count(ctx)
		if err != nil {
			return domain.MarketStats{}, fmt.Errorf("market_service: count listings: %w", err)
		}
		stats.Listings = n
	}
	return stats, nil
}

// durableStreams names the channels whose events are retained in a capped
// stream. It mirrors the publish call sites that pass durable=true.
var durableStreams = map[string]bool{
	domain.ChannelListings:    true,
	domain.ChannelSales:       true,
	domain.ChannelWithdrawals: true,
}

// EventsSince replays durable events from a channel's stream so clients that
// missed pub/sub deliveries can catch up. Pass after="0" (or empty) to read
// from the oldest retained entry. The returned cursor is the stream ID of the
// last event; feed it back as after on the next call.
func (s *MarketService) EventsSince(ctx context.Context, channel, after string, count int) ([]domain.Event, string, error) {
	if !durableStreams[channel] {
		return nil, "", fmt.Errorf("market_service: channel %q has no durable stream: %w", channel, domain.ErrInvalidInput)
	}
	if s.bus == nil {
		return nil, after, nil
	}
	if after == "" {
		after = "0"
	}
	if count <= 0 || count > maxTrailRead {
		count = maxTrailRead
	}

	msgs, err := s.bus.StreamRead(ctx, "stream:"+channel, after, count)
	if err != nil {
		return nil, "", fmt.Errorf("market_service: events since %s on %s: %w", after, channel, err)
	}

	events := make([]domain.Event, 0, len(msgs))
	cursor := after
	for _, msg := range msgs {
		var ev domain.Event
		if err := json.Unmarshal(msg.Payload, &ev); err != nil {
			s.logger.WarnContext(ctx, "market_service: undecodable stream entry",
				slog.String("channel", channel),
				slog.String("stream_id", msg.ID),
			)
			continue
		}
		events = append(events, ev)
		cursor = msg.ID
	}
	return events, cursor, nil
}

// ---------------------------------------------------------------------------
// internals
// ---------------------------------------------------------------------------

// allow enforces the per-caller mutation rate limit.
func (s *MarketService) allow(ctx context.Context, caller common.Address) error {
	if s.limiter == nil {
		return nil
	}
	allowed, err := s.limiter.Allow(ctx, "mutate:"+caller.Hex(), s.rateLimit, time.Minute)
	if err != nil {
		return fmt.Errorf("market_service: rate limiter: %w", err)
	}
	if !allowed {
		return domain.ErrRateLimited
	}
	return nil
}

// journalListing writes a listing to the write-behind journal and refreshes
// the cache. Journal failures are logged, not surfaced; the arena already
// committed.
func (s *MarketService) journalListing(ctx context.Context, listing domain.Listing) {
	if s.listings != nil {
		if err := s.listings.Upsert(ctx, listing); err != nil {
			s.logger.ErrorContext(ctx, "market_service: journal listing failed",
				slog.Uint64("listing_id", listing.ID),
				slog.String("error", err.Error()),
			)
		}
	}
	if s.cache != nil {
		if err := s.cache.Invalidate(ctx, listing.ID); err != nil {
			s.logger.WarnContext(ctx, "market_service: cache invalidate failed",
				slog.Uint64("listing_id", listing.ID),
				slog.String("error", err.Error()),
			)
		}
	}
}

// journalOwnership records an asset's current owner after a custody move.
func (s *MarketService) journalOwnership(ctx context.Context, registryAddr common.Address, assetID uint64) {
	if s.assets == nil {
		return
	}
	reg, ok := s.registries[registryAddr]
	if !ok {
		return
	}
	owner, err := reg.OwnerOf(assetID)
	if err != nil {
		return
	}

	asset, err := s.assets.GetByID(ctx, registryAddr, assetID)
	if err != nil {
		uri, uriErr := reg.TokenURI(assetID)
		if uriErr != nil {
			return
		}
		// No journal row means mint provenance is unknown; leave Creator and
		// MintedAt zero rather than inventing values.
		asset = domain.Asset{ID: assetID, TokenURI: uri}
	}
	asset.Owner = owner

	if err := s.assets.Upsert(ctx, registryAddr, asset); err != nil {
		s.logger.ErrorContext(ctx, "market_service: journal asset failed",
			slog.Uint64("asset_id", assetID),
			slog.String("error", err.Error()),
		)
	}
}

// journalAsset writes a freshly minted asset to the journal.
func (s *MarketService) journalAsset(ctx context.Context, registryAddr common.Address, asset domain.Asset) {
	if s.assets == nil {
		return
	}
	if err := s.assets.Upsert(ctx, registryAddr, asset); err != nil {
		s.logger.ErrorContext(ctx, "market_service: journal asset failed",
			slog.Uint64("asset_id", asset.ID),
			slog.String("error", err.Error()),
		)
	}
}

// journalBalance records an account's current escrow balance.
func (s *MarketService) journalBalance(ctx context.Context, account common.Address) {
	if s.balances == nil || account == (common.Address{}) {
		return
	}
	if err := s.balances.Set(ctx, account, s.ledger.BalanceOf(account)); err != nil {
		s.logger.ErrorContext(ctx, "market_service: journal balance failed",
			slog.String("account", account.Hex()),
			slog.String("error", err.Error()),
		)
	}
}

// publish sends an event on the pub/sub channel and, for durable events,
// appends it to the matching stream.
func (s *MarketService) publish(ctx context.Context, channel string, event domain.Event, durable bool) {
	if s.bus == nil {
		return
	}
	payload := event.Encode()
	if err := s.bus.Publish(ctx, channel, payload); err != nil {
		s.logger.WarnContext(ctx, "market_service: publish failed",
			slog.String("channel", channel),
			slog.String("error", err.Error()),
		)
	}
	if durable {
		if err := s.bus.StreamAppend(ctx, "stream:"+channel, payload); err != nil {
			s.logger.WarnContext(ctx, "market_service: stream append failed",
				slog.String("channel", channel),
				slog.String("error", err.Error()),
			)
		}
	}
}

// publishOwnership announces a custody move on the tokens channel.
func (s *MarketService) publishOwnership(ctx context.Context, registryAddr common.Address, assetID uint64, from, to common.Address) {
	s.publish(ctx, domain.ChannelTokens, domain.NewEvent(domain.EventOwnershipChanged, map[string]string{
		"registry": registryAddr.Hex(),
		"asset_id": fmt.Sprintf("%d", assetID),
		"from":     from.Hex(),
		"to":       to.Hex(),
	}), false)
}

// auditLog appends an audit row for an accepted mutation.
func (s *MarketService) auditLog(ctx context.Context, event string, detail map[string]any) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Log(ctx, event, detail); err != nil {
		s.logger.WarnContext(ctx, "market_service: audit log failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}
