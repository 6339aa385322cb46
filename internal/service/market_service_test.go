package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mintbay/marketd/internal/domain"
	"github.com/mintbay/marketd/internal/ledger"
	"github.com/mintbay/marketd/internal/registry"
)

var (
	marketAddr = common.HexToAddress("0x00000000000000000000000000000000000000f1")
	platform   = common.HexToAddress("0x00000000000000000000000000000000000000f2")
	tokensAddr = common.HexToAddress("0x0000000000000000000000000000000000001001")
	seller     = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	buyer      = common.HexToAddress("0x00000000000000000000000000000000000000b2")
)

// ---------------------------------------------------------------------------
// fakes
// ---------------------------------------------------------------------------

type memAssetStore struct {
	rows map[uint64]domain.Asset
}

func (m *memAssetStore) Upsert(_ context.Context, _ common.Address, a domain.Asset) error {
	if m.rows == nil {
		m.rows = make(map[uint64]domain.Asset)
	}
	m.rows[a.ID] = a
	return nil
}

func (m *memAssetStore) GetByID(_ context.Context, _ common.Address, id uint64) (domain.Asset, error) {
	a, ok := m.rows[id]
	if !ok {
		return domain.Asset{}, domain.ErrNotFound
	}
	return a, nil
}

func (m *memAssetStore) ListByRegistry(context.Context, common.Address) ([]domain.Asset, error) {
	return nil, nil
}

func (m *memAssetStore) Count(context.Context) (int64, error) { return int64(len(m.rows)), nil }

type memListingStore struct {
	rows map[uint64]domain.Listing
}

func (m *memListingStore) Upsert(_ context.Context, l domain.Listing) error {
	if m.rows == nil {
		m.rows = make(map[uint64]domain.Listing)
	}
	m.rows[l.ID] = l
	return nil
}

func (m *memListingStore) GetByID(_ context.Context, id uint64) (domain.Listing, error) {
	l, ok := m.rows[id]
	if !ok {
		return domain.Listing{}, domain.ErrNotFound
	}
	return l, nil
}

func (m *memListingStore) ListAll(context.Context) ([]domain.Listing, error) { return nil, nil }
func (m *memListingStore) ListSoldBefore(context.Context, time.Time) ([]domain.Listing, error) {
	return nil, nil
}
func (m *memListingStore) Count(context.Context) (int64, error) { return int64(len(m.rows)), nil }

type memBalanceStore struct {
	rows map[common.Address]*big.Int
}

func (m *memBalanceStore) Set(_ context.Context, account common.Address, amount *big.Int) error {
	if m.rows == nil {
		m.rows = make(map[common.Address]*big.Int)
	}
	m.rows[account] = new(big.Int).Set(amount)
	return nil
}

func (m *memBalanceStore) ListAll(context.Context) (map[common.Address]*big.Int, error) {
	return m.rows, nil
}

// journaled returns the last balance written for an account, zero if none.
func (m *memBalanceStore) journaled(account common.Address) *big.Int {
	if bal, ok := m.rows[account]; ok {
		return new(big.Int).Set(bal)
	}
	return new(big.Int)
}

type memAuditStore struct {
	events  []string
	entries []domain.AuditEntry
}

func (m *memAuditStore) Log(_ context.Context, event string, detail map[string]any) error {
	m.events = append(m.events, event)
	m.entries = append(m.entries, domain.AuditEntry{
		ID:        int64(len(m.entries) + 1),
		Event:     event,
		Detail:    detail,
		CreatedAt: time.Now().UTC(),
	})
	return nil
}

func (m *memAuditStore) List(_ context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	out := make([]domain.AuditEntry, 0, len(m.entries))
	for i := len(m.entries) - 1; i >= 0; i-- {
		out = append(out, m.entries[i])
		if opts.Limit > 0 && len(out) == opts.Limit {
			break
		}
	}
	return out, nil
}

func (m *memAuditStore) ListBefore(context.Context, time.Time) ([]domain.AuditEntry, error) {
	return nil, nil
}

type memBus struct {
	published map[string][][]byte
	streamed  map[string][][]byte
}

func (m *memBus) Publish(_ context.Context, channel string, payload []byte) error {
	if m.published == nil {
		m.published = make(map[string][][]byte)
	}
	m.published[channel] = append(m.published[channel], payload)
	return nil
}

func (m *memBus) Subscribe(context.Context, string) (<-chan []byte, error) { return nil, nil }

func (m *memBus) StreamAppend(_ context.Context, stream string, payload []byte) error {
	if m.streamed == nil {
		m.streamed = make(map[string][][]byte)
	}
	m.streamed[stream] = append(m.streamed[stream], payload)
	return nil
}

func (m *memBus) StreamRead(_ context.Context, stream, lastID string, count int) ([]domain.StreamMessage, error) {
	var msgs []domain.StreamMessage
	for i, payload := range m.streamed[stream] {
		id := fmt.Sprintf("%d-0", i+1)
		if lastID != "0" && id <= lastID {
			continue
		}
		msgs = append(msgs, domain.StreamMessage{ID: id, Payload: payload})
		if len(msgs) == count {
			break
		}
	}
	return msgs, nil
}

// events decodes everything published on a pub/sub channel, in order.
func (m *memBus) events(t *testing.T, channel string) []domain.Event {
	t.Helper()
	out := make([]domain.Event, 0, len(m.published[channel]))
	for _, payload := range m.published[channel] {
		var ev domain.Event
		require.NoError(t, json.Unmarshal(payload, &ev))
		out = append(out, ev)
	}
	return out
}

type stubLimiter struct {
	allowed bool
}

func (l *stubLimiter) Allow(context.Context, string, int, time.Duration) (bool, error) {
	return l.allowed, nil
}

type memNotifier struct {
	events []string
}

func (n *memNotifier) Notify(_ context.Context, event, _, _ string) error {
	n.events = append(n.events, event)
	return nil
}

// ---------------------------------------------------------------------------
// harness
// ---------------------------------------------------------------------------

type harness struct {
	svc      *MarketService
	reg      *registry.TokenRegistry
	assets   *memAssetStore
	listings *memListingStore
	balances *memBalanceStore
	audit    *memAuditStore
	bus      *memBus
	notifier *memNotifier
}

func newHarness(t *testing.T, fee int64) *harness {
	t.Helper()

	ldg := ledger.New(marketAddr, platform, big.NewInt(fee))
	reg := registry.New(tokensAddr)

	h := &harness{
		reg:      reg,
		assets:   &memAssetStore{},
		listings: &memListingStore{},
		balances: &memBalanceStore{},
		audit:    &memAuditStore{},
		bus:      &memBus{},
		notifier: &memNotifier{},
	}

	logger := slog.New(slog.DiscardHandler)
	h.svc = NewMarketService(
		ldg, h.assets, h.listings, h.balances, h.audit,
		nil, h.bus, &stubLimiter{allowed: true}, h.notifier, 60, logger,
	)
	h.svc.AttachRegistry(reg)
	return h
}

// mintListed mints an asset to seller, approves the marketplace, and lists it.
func (h *harness) mintListed(t *testing.T, price, fee int64) domain.Listing {
	t.Helper()
	ctx := context.Background()

	asset, err := h.svc.MintToken(ctx, tokensAddr, seller, "ipfs://meta")
	require.NoError(t, err)
	require.NoError(t, h.svc.SetApprovalForAll(ctx, tokensAddr, seller, true))

	listing, err := h.svc.ListItem(ctx, seller, tokensAddr, asset.ID, big.NewInt(price), big.NewInt(fee))
	require.NoError(t, err)
	return listing
}

// ---------------------------------------------------------------------------
// tests
// ---------------------------------------------------------------------------

func TestListItemJournalsAndPublishes(t *testing.T) {
	h := newHarness(t, 10)
	listing := h.mintListed(t, 1000, 10)

	// Journal holds the listing and the platform fee balance.
	stored, err := h.listings.GetByID(context.Background(), listing.ID)
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(1000), stored.Price)

	assert.Equal(t, big.NewInt(10), h.balances.journaled(platform))

	assert.Len(t, h.bus.published[domain.ChannelListings], 1)
	assert.Len(t, h.bus.streamed["stream:"+domain.ChannelListings], 1)
	assert.Contains(t, h.audit.events, "listing.created")
}

func TestBuyItemJournalsSellerBalanceAndNotifies(t *testing.T) {
	h := newHarness(t, 10)
	listing := h.mintListed(t, 1000, 10)
	ctx := context.Background()

	sold, err := h.svc.BuyItem(ctx, buyer, tokensAddr, listing.ID, big.NewInt(1000))
	require.NoError(t, err)
	assert.True(t, sold.Sold)

	assert.Equal(t, big.NewInt(1000), h.balances.journaled(seller))

	owner, err := h.reg.OwnerOf(sold.AssetID)
	require.NoError(t, err)
	assert.Equal(t, buyer, owner)

	assert.Len(t, h.bus.published[domain.ChannelSales], 1)
	assert.Equal(t, []string{"item_sold"}, h.notifier.events)
	assert.Contains(t, h.audit.events, "listing.sold")
}

func TestCustodyMovesPublishOwnershipChanged(t *testing.T) {
	h := newHarness(t, 10)
	listing := h.mintListed(t, 1000, 10)
	ctx := context.Background()

	_, err := h.svc.BuyItem(ctx, buyer, tokensAddr, listing.ID, big.NewInt(1000))
	require.NoError(t, err)

	events := h.bus.events(t, domain.ChannelTokens)
	require.Len(t, events, 3)

	assert.Equal(t, domain.EventTokenMinted, events[0].Type)

	// Listing moves custody from the seller to the marketplace.
	assert.Equal(t, domain.EventOwnershipChanged, events[1].Type)
	assert.Equal(t, seller.Hex(), events[1].Payload["from"])
	assert.Equal(t, marketAddr.Hex(), events[1].Payload["to"])
	assert.Equal(t, fmt.Sprintf("%d", listing.AssetID), events[1].Payload["asset_id"])

	// The sale hands it from the marketplace to the buyer.
	assert.Equal(t, domain.EventOwnershipChanged, events[2].Type)
	assert.Equal(t, marketAddr.Hex(), events[2].Payload["from"])
	assert.Equal(t, buyer.Hex(), events[2].Payload["to"])
}

func TestMutationsAreRateLimited(t *testing.T) {
	h := newHarness(t, 10)
	h.svc.limiter = &stubLimiter{allowed: false}
	ctx := context.Background()

	_, err := h.svc.MintToken(ctx, tokensAddr, seller, "ipfs://meta")
	assert.ErrorIs(t, err, domain.ErrRateLimited)

	_, err = h.svc.ListItem(ctx, seller, tokensAddr, 1, big.NewInt(1000), big.NewInt(10))
	assert.ErrorIs(t, err, domain.ErrRateLimited)

	_, err = h.svc.Withdraw(ctx, seller)
	assert.ErrorIs(t, err, domain.ErrRateLimited)
}

func TestLedgerRejectionsPassThrough(t *testing.T) {
	h := newHarness(t, 10)
	listing := h.mintListed(t, 1000, 10)
	ctx := context.Background()

	_, err := h.svc.BuyItem(ctx, buyer, tokensAddr, listing.ID, big.NewInt(999))
	assert.ErrorIs(t, err, domain.ErrWrongPayment)

	// A rejected purchase journals and publishes nothing new.
	assert.Empty(t, h.bus.published[domain.ChannelSales])
	assert.NotContains(t, h.audit.events, "listing.sold")
}

func TestWithdrawPublishesAndJournalsZeroBalance(t *testing.T) {
	h := newHarness(t, 10)
	listing := h.mintListed(t, 1000, 10)
	ctx := context.Background()

	_, err := h.svc.BuyItem(ctx, buyer, tokensAddr, listing.ID, big.NewInt(1000))
	require.NoError(t, err)

	amount, err := h.svc.Withdraw(ctx, seller)
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(1000), amount)

	assert.Zero(t, h.balances.journaled(seller).Sign())

	assert.Len(t, h.bus.published[domain.ChannelWithdrawals], 1)
	assert.Contains(t, h.notifier.events, "withdrawal")

	_, err = h.svc.Withdraw(ctx, seller)
	assert.ErrorIs(t, err, domain.ErrNoBalance)
}

func TestViewsThroughService(t *testing.T) {
	h := newHarness(t, 10)
	listing := h.mintListed(t, 1000, 10)
	ctx := context.Background()

	unsold, err := h.svc.UnsoldItems(ctx)
	require.NoError(t, err)
	require.Len(t, unsold, 1)
	assert.Equal(t, listing.ID, unsold[0].ID)

	_, err = h.svc.BuyItem(ctx, buyer, tokensAddr, listing.ID, big.NewInt(1000))
	require.NoError(t, err)

	unsold, err = h.svc.UnsoldItems(ctx)
	require.NoError(t, err)
	assert.Empty(t, unsold)

	mine, err := h.svc.ListedBy(ctx, seller)
	require.NoError(t, err)
	assert.Len(t, mine, 1)

	purchased, err := h.svc.PurchasedBy(ctx, buyer)
	require.NoError(t, err)
	require.Len(t, purchased, 1)
	assert.Equal(t, listing.ID, purchased[0].ID)
}

func TestGetAssetFallsBackToRegistry(t *testing.T) {
	h := newHarness(t, 10)
	ctx := context.Background()

	minted, err := h.svc.MintToken(ctx, tokensAddr, seller, "ipfs://meta")
	require.NoError(t, err)

	// Without an asset journal the registry still answers.
	h.svc.assets = nil
	asset, err := h.svc.GetAsset(ctx, tokensAddr, minted.ID)
	require.NoError(t, err)
	assert.Equal(t, minted.ID, asset.ID)
	assert.Equal(t, seller, asset.Owner)
	assert.Equal(t, "ipfs://meta", asset.TokenURI)

	_, err = h.svc.GetAsset(ctx, tokensAddr, 99)
	assert.ErrorIs(t, err, domain.ErrUnknownAsset)
}

func TestOwnershipJournalWithoutMintRow(t *testing.T) {
	h := newHarness(t, 10)
	ctx := context.Background()

	asset, err := h.svc.MintToken(ctx, tokensAddr, seller, "ipfs://meta")
	require.NoError(t, err)
	require.NoError(t, h.svc.SetApprovalForAll(ctx, tokensAddr, seller, true))

	// Journals can predate an asset's mint row (e.g. after a partial wipe).
	h.assets.rows = nil

	_, err = h.svc.ListItem(ctx, seller, tokensAddr, asset.ID, big.NewInt(1000), big.NewInt(10))
	require.NoError(t, err)

	stored, err := h.assets.GetByID(ctx, tokensAddr, asset.ID)
	require.NoError(t, err)
	assert.Equal(t, marketAddr, stored.Owner)
	assert.Equal(t, "ipfs://meta", stored.TokenURI)

	// Unknown provenance stays unknown instead of picking up a fake mint time.
	assert.True(t, stored.MintedAt.IsZero())
	assert.Equal(t, common.Address{}, stored.Creator)
}

func TestStatsCountsJournalsAndArena(t *testing.T) {
	h := newHarness(t, 10)
	listing := h.mintListed(t, 1000, 10)
	ctx := context.Background()

	stats, err := h.svc.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Assets)
	assert.Equal(t, int64(1), stats.Listings)
	assert.Equal(t, 1, stats.Unsold)

	_, err = h.svc.BuyItem(ctx, buyer, tokensAddr, listing.ID, big.NewInt(1000))
	require.NoError(t, err)

	stats, err = h.svc.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Unsold)
}

func TestAuditTrailReturnsNewestFirst(t *testing.T) {
	h := newHarness(t, 10)
	h.mintListed(t, 1000, 10)

	entries, err := h.svc.AuditTrail(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "listing.created", entries[0].Event)
}

func TestEventsSinceReplaysDurableStream(t *testing.T) {
	h := newHarness(t, 10)
	listing := h.mintListed(t, 1000, 10)
	ctx := context.Background()

	_, err := h.svc.BuyItem(ctx, buyer, tokensAddr, listing.ID, big.NewInt(1000))
	require.NoError(t, err)

	events, cursor, err := h.svc.EventsSince(ctx, domain.ChannelSales, "", 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, domain.EventItemSold, events[0].Type)
	assert.NotEmpty(t, cursor)

	// The returned cursor resumes past everything already delivered.
	events, _, err = h.svc.EventsSince(ctx, domain.ChannelSales, cursor, 10)
	require.NoError(t, err)
	assert.Empty(t, events)

	// Only durable channels can be replayed.
	_, _, err = h.svc.EventsSince(ctx, domain.ChannelTokens, "", 10)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}
