package pipeline

import (
	"reflect"
	"testing"
	"time"

	"chat-analytics-etl/internal/model"

	"github.com/go-playground/assert/v2"
)

func ts(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		panic(err)
	}
	return t
}

func pf(v float64) *float64     { return &v }
func pt(t time.Time) *time.Time { return &t }

func emptySnapshot() model.Snapshot {
	snap := make(model.Snapshot)
	for _, kind := range model.AllKinds() {
		snap[kind] = model.NewEntitySet(kind, 0)
	}
	return snap
}

func TestTransformRevenueAttribution(t *testing.T) {
	snap := emptySnapshot()
	snap[model.KindUsers].Users = map[int]model.User{
		1: {ID: 1, Username: "alice", IsActive: true},
		2: {ID: 2, Username: "bob", IsActive: true},
		3: {ID: 3, Username: "carol", IsActive: true},
	}
	// Seller 1: three items, each sold through a completed purchase of 100.
	// Seller 2: one item marked sold with no purchase, listed at 50.
	snap[model.KindMarketplaceItems].Items = map[int]model.MarketplaceItem{
		10: {ID: 10, SellerID: 1, ChatID: 1, Category: "tools", Price: pf(90), Status: "active", CreatedAt: ts("2025-06-01T10:00:00Z")},
		11: {ID: 11, SellerID: 1, ChatID: 1, Category: "tools", Price: pf(95), Status: "active", CreatedAt: ts("2025-06-01T11:00:00Z")},
		12: {ID: 12, SellerID: 1, ChatID: 1, Category: "tools", Price: pf(99), Status: "sold", CreatedAt: ts("2025-06-01T12:00:00Z")},
		13: {ID: 13, SellerID: 2, ChatID: 1, Category: "toys", Price: pf(50), Status: "sold", CreatedAt: ts("2025-06-02T09:00:00Z")},
	}
	snap[model.KindPurchases].Purchases = map[int]model.Purchase{
		100: {ID: 100, ItemID: 10, BuyerID: 3, Amount: 100, Status: "completed", CompletedAt: pt(ts("2025-06-03T10:00:00Z"))},
		101: {ID: 101, ItemID: 11, BuyerID: 3, Amount: 100, Status: "completed", CompletedAt: pt(ts("2025-06-03T11:00:00Z"))},
		102: {ID: 102, ItemID: 12, BuyerID: 3, Amount: 100, Status: "completed", CompletedAt: pt(ts("2025-06-03T12:00:00Z"))},
	}

	aggs := Transform(snap)

	assert.Equal(t, aggs.Marketplace.TotalRevenue, 350.0)
	assert.Equal(t, aggs.Marketplace.SoldItems, 4)
	assert.Equal(t, aggs.Marketplace.TotalItems, 4)

	// Seller 1 outranks seller 2 on sold count.
	assert.Equal(t, len(aggs.TopSellers), 2)
	assert.Equal(t, aggs.TopSellers[0].SellerID, 1)
	assert.Equal(t, aggs.TopSellers[0].ItemsSold, 3)
	assert.Equal(t, aggs.TopSellers[0].TotalRevenue, 300.0)
	assert.Equal(t, aggs.TopSellers[1].SellerID, 2)
	assert.Equal(t, aggs.TopSellers[1].TotalRevenue, 50.0)

	// Buyer side of the same flow.
	var buyer model.UserStat
	for _, st := range aggs.UserStats {
		if st.UserID == 3 {
			buyer = st
		}
	}
	assert.Equal(t, buyer.PurchasesMade, 3)
	assert.Equal(t, buyer.TotalSpent, 300.0)
}

func TestTopSellerOrdering(t *testing.T) {
	snap := emptySnapshot()
	itemID := 1
	addSold := func(seller int, price float64) {
		snap[model.KindMarketplaceItems].Items[itemID] = model.MarketplaceItem{
			ID: itemID, SellerID: seller, ChatID: 1, Category: "misc",
			Price: pf(price), Status: "sold", CreatedAt: ts("2025-06-01T00:00:00Z"),
		}
		itemID++
	}
	// Sellers 5 and 9 tie on two sold items; 5 earns more. Sellers 2 and
	// 7 tie on one sold item AND on revenue, so the lower id wins.
	addSold(5, 40)
	addSold(5, 40)
	addSold(9, 30)
	addSold(9, 30)
	addSold(7, 20)
	addSold(2, 20)

	aggs := Transform(snap)

	ids := make([]int, 0, len(aggs.TopSellers))
	for _, s := range aggs.TopSellers {
		ids = append(ids, s.SellerID)
	}
	assert.Equal(t, ids, []int{5, 9, 2, 7})
}

func TestTopSellersCapAtTen(t *testing.T) {
	snap := emptySnapshot()
	for i := 1; i <= 12; i++ {
		snap[model.KindMarketplaceItems].Items[i] = model.MarketplaceItem{
			ID: i, SellerID: i, ChatID: 1, Category: "misc",
			Price: pf(float64(i)), Status: "sold", CreatedAt: ts("2025-06-01T00:00:00Z"),
		}
	}
	// Seller 99 never sold anything and must not appear.
	snap[model.KindMarketplaceItems].Items[99] = model.MarketplaceItem{
		ID: 99, SellerID: 99, ChatID: 1, Category: "misc",
		Price: pf(500), Status: "active", CreatedAt: ts("2025-06-01T00:00:00Z"),
	}

	aggs := Transform(snap)

	assert.Equal(t, len(aggs.TopSellers), 10)
	for _, s := range aggs.TopSellers {
		if s.SellerID == 99 {
			t.Fatalf("seller without sold items ranked: %+v", s)
		}
	}
}

func TestDailyTotalsMatchNonDeletedCount(t *testing.T) {
	snap := emptySnapshot()
	snap[model.KindUsers].Users = map[int]model.User{1: {ID: 1, Username: "alice"}}
	snap[model.KindChats].Chats = map[int]model.Chat{
		1: {ID: 1, Name: "general", ChatType: "group", MemberCount: 3},
	}
	snap[model.KindMessages].Messages = map[int]model.Message{
		1: {ID: 1, ChatID: 1, SenderID: 1, MessageType: "text", SentAt: ts("2025-06-02T08:00:00Z")},
		2: {ID: 2, ChatID: 1, SenderID: 1, MessageType: "text", SentAt: ts("2025-06-02T09:00:00Z")},
		3: {ID: 3, ChatID: 1, SenderID: 1, MessageType: "image", SentAt: ts("2025-06-03T10:00:00Z")},
		4: {ID: 4, ChatID: 1, SenderID: 1, MessageType: "text", SentAt: ts("2025-06-03T11:00:00Z"), IsDeleted: true},
	}

	aggs := Transform(snap)

	sum := 0
	for _, d := range aggs.DailyMessages {
		sum += d.TotalMessages
	}
	assert.Equal(t, sum, 3)
	assert.Equal(t, len(aggs.DailyMessages), 2)
	assert.Equal(t, aggs.DailyMessages[0].Date, "2025-06-02")
	assert.Equal(t, aggs.DailyMessages[0].GroupMessages, 2)
	assert.Equal(t, aggs.DailyMessages[0].PrivateMessages, 0)

	// The deleted message stays out of per-user totals too.
	assert.Equal(t, len(aggs.UserStats), 1)
	assert.Equal(t, aggs.UserStats[0].TotalMessagesSent, 3)
	assert.Equal(t, aggs.UserStats[0].ChatsParticipated, 1)
}

func TestWeekdayRowsAlwaysComplete(t *testing.T) {
	snap := emptySnapshot()
	snap[model.KindMessages].Messages = map[int]model.Message{
		// 2025-06-02 is a Monday.
		1: {ID: 1, ChatID: 1, SenderID: 1, MessageType: "text", SentAt: ts("2025-06-02T08:00:00Z")},
	}

	aggs := Transform(snap)

	assert.Equal(t, len(aggs.WeekdayMessages), 7)
	assert.Equal(t, aggs.WeekdayMessages[0].Weekday, 0)
	assert.Equal(t, aggs.WeekdayMessages[0].WeekdayName, "Mon")
	assert.Equal(t, aggs.WeekdayMessages[0].TotalMessages, 1)
	assert.Equal(t, aggs.WeekdayMessages[6].WeekdayName, "Sun")
	assert.Equal(t, aggs.WeekdayMessages[6].TotalMessages, 0)
}

func TestWeekdayRowsAbsentWithoutMessages(t *testing.T) {
	aggs := Transform(emptySnapshot())
	assert.Equal(t, len(aggs.WeekdayMessages), 0)
}

func TestZeroActivityRowsOmitted(t *testing.T) {
	snap := emptySnapshot()
	snap[model.KindUsers].Users = map[int]model.User{
		1: {ID: 1, Username: "quiet"},
		2: {ID: 2, Username: "chatty"},
	}
	snap[model.KindChats].Chats = map[int]model.Chat{
		1: {ID: 1, Name: "busy", ChatType: "group"},
		2: {ID: 2, Name: "dead", ChatType: "group"},
	}
	snap[model.KindMessages].Messages = map[int]model.Message{
		1: {ID: 1, ChatID: 1, SenderID: 2, MessageType: "text", SentAt: ts("2025-06-02T08:00:00Z")},
	}

	aggs := Transform(snap)

	assert.Equal(t, len(aggs.UserStats), 1)
	assert.Equal(t, aggs.UserStats[0].UserID, 2)
	assert.Equal(t, len(aggs.ChatStats), 1)
	assert.Equal(t, aggs.ChatStats[0].ChatID, 1)
}

func TestMessageTypeDefaultsToText(t *testing.T) {
	snap := emptySnapshot()
	snap[model.KindMessages].Messages = map[int]model.Message{
		1: {ID: 1, ChatID: 1, SenderID: 1, SentAt: ts("2025-06-02T08:00:00Z")},
		2: {ID: 2, ChatID: 1, SenderID: 1, MessageType: "image", SentAt: ts("2025-06-02T09:00:00Z")},
	}

	aggs := Transform(snap)

	assert.Equal(t, len(aggs.MessageTypes), 2)
	assert.Equal(t, aggs.MessageTypes[0].MessageType, "image")
	assert.Equal(t, aggs.MessageTypes[1].MessageType, "text")
	assert.Equal(t, aggs.MessageTypes[1].TotalCount, 1)
}

func TestSellerRatingsFoldIntoSellerStats(t *testing.T) {
	snap := emptySnapshot()
	snap[model.KindUsers].Users = map[int]model.User{1: {ID: 1, Username: "alice"}}
	snap[model.KindMarketplaceItems].Items = map[int]model.MarketplaceItem{
		10: {ID: 10, SellerID: 1, ChatID: 1, Category: "tools", Price: pf(80), Status: "active", CreatedAt: ts("2025-06-01T00:00:00Z")},
	}
	snap[model.KindSellerRatings].Ratings = map[int]model.SellerRating{
		1: {ID: 1, SellerID: 1, RaterID: 2, Rating: 5},
		2: {ID: 2, SellerID: 1, RaterID: 3, Rating: 4},
	}

	aggs := Transform(snap)

	assert.Equal(t, len(aggs.Sellers), 1)
	assert.Equal(t, aggs.Sellers[0].RatingCount, 2)
	assert.Equal(t, aggs.Sellers[0].AvgRating, 4.5)
	assert.Equal(t, aggs.Sellers[0].AvgListingPrice, 80.0)
}

func TestDailyMarketplaceSoldDateFallsBackToPurchase(t *testing.T) {
	snap := emptySnapshot()
	snap[model.KindMarketplaceItems].Items = map[int]model.MarketplaceItem{
		10: {ID: 10, SellerID: 1, ChatID: 1, Category: "tools", Price: pf(80), Status: "active", CreatedAt: ts("2025-06-01T00:00:00Z")},
	}
	snap[model.KindPurchases].Purchases = map[int]model.Purchase{
		1: {ID: 1, ItemID: 10, BuyerID: 2, Amount: 80, Status: "completed", CompletedAt: pt(ts("2025-06-05T15:00:00Z"))},
	}

	aggs := Transform(snap)

	assert.Equal(t, len(aggs.DailyMarketplace), 2)
	assert.Equal(t, aggs.DailyMarketplace[0].Date, "2025-06-01")
	assert.Equal(t, aggs.DailyMarketplace[0].ItemsListed, 1)
	assert.Equal(t, aggs.DailyMarketplace[0].ItemsSold, 0)
	assert.Equal(t, aggs.DailyMarketplace[1].Date, "2025-06-05")
	assert.Equal(t, aggs.DailyMarketplace[1].ItemsSold, 1)
}

func TestSellerCategoryDistinctCount(t *testing.T) {
	snap := emptySnapshot()
	snap[model.KindMarketplaceItems].Items = map[int]model.MarketplaceItem{
		1: {ID: 1, SellerID: 1, ChatID: 1, Category: "tools", Status: "active", CreatedAt: ts("2025-06-01T00:00:00Z")},
		2: {ID: 2, SellerID: 1, ChatID: 1, Category: "tools", Status: "active", CreatedAt: ts("2025-06-01T00:00:00Z")},
		3: {ID: 3, SellerID: 2, ChatID: 1, Category: "tools", Status: "active", CreatedAt: ts("2025-06-01T00:00:00Z")},
		4: {ID: 4, SellerID: 2, ChatID: 1, Category: "", Status: "active", CreatedAt: ts("2025-06-01T00:00:00Z")},
	}

	aggs := Transform(snap)

	assert.Equal(t, len(aggs.SellerCategories), 1)
	assert.Equal(t, aggs.SellerCategories[0].Category, "tools")
	assert.Equal(t, aggs.SellerCategories[0].SellersCount, 2)
}

func TestTransformIsDeterministic(t *testing.T) {
	snap := emptySnapshot()
	snap[model.KindUsers].Users = map[int]model.User{
		1: {ID: 1, Username: "a"}, 2: {ID: 2, Username: "b"}, 3: {ID: 3, Username: "c"},
	}
	snap[model.KindChats].Chats = map[int]model.Chat{
		1: {ID: 1, Name: "x", ChatType: "group"}, 2: {ID: 2, ChatType: "private"},
	}
	for i := 1; i <= 40; i++ {
		snap[model.KindMessages].Messages[i] = model.Message{
			ID: i, ChatID: 1 + i%2, SenderID: 1 + i%3, MessageType: "text",
			SentAt: ts("2025-06-02T08:00:00Z").Add(time.Duration(i) * time.Hour),
		}
	}
	for i := 1; i <= 9; i++ {
		snap[model.KindMarketplaceItems].Items[i] = model.MarketplaceItem{
			ID: i, SellerID: 1 + i%3, ChatID: 1 + i%2, Category: "cat",
			Price: pf(float64(10 * i)), Status: []string{"active", "sold", "cancelled"}[i%3],
			CreatedAt: ts("2025-06-01T00:00:00Z"),
		}
	}

	a := Transform(snap)
	b := Transform(snap)
	if !reflect.DeepEqual(a, b) {
		t.Fatal("identical snapshots produced different aggregates")
	}
}
