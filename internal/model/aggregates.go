package model

import "time"

// Analytical table names, in load order.
const (
	TableUserStatistics     = "user_statistics"
	TableChatStatistics     = "chat_statistics"
	TableDailyMessages      = "daily_message_stats"
	TableHourlyMessages     = "hourly_message_stats"
	TableWeekdayMessages    = "weekday_message_stats"
	TableMessageTypes       = "message_type_summary"
	TableMarketplace        = "marketplace_statistics"
	TableTopSellers         = "top_sellers"
	TableCategoryStatistics = "category_statistics"
	TableSellerStatistics   = "seller_statistics"
	TableChatMarketplace    = "chat_marketplace_stats"
	TableDailyMarketplace   = "daily_marketplace_stats"
	TableSellerCategories   = "seller_category_stats"
)

// AllTables lists every analytical target table.
func AllTables() []string {
	return []string{
		TableUserStatistics,
		TableChatStatistics,
		TableDailyMessages,
		TableHourlyMessages,
		TableWeekdayMessages,
		TableMessageTypes,
		TableMarketplace,
		TableTopSellers,
		TableCategoryStatistics,
		TableSellerStatistics,
		TableChatMarketplace,
		TableDailyMarketplace,
		TableSellerCategories,
	}
}

// UserStat aggregates one user's messaging and marketplace activity.
// Users with no messages, listings or purchases get no row at all.
type UserStat struct {
	UserID            int        `json:"user_id"`
	Username          string     `json:"username"`
	TotalMessagesSent int        `json:"total_messages_sent"`
	ChatsParticipated int        `json:"chats_participated"`
	LastMessageDate   *time.Time `json:"last_message_date"`
	IsActive          bool       `json:"is_active"`
	ItemsListed       int        `json:"items_listed"`
	ItemsSold         int        `json:"items_sold"`
	PurchasesMade     int        `json:"purchases_made"`
	TotalSpent        float64    `json:"total_spent"`
	TotalEarned       float64    `json:"total_earned"`
}

// ChatStat aggregates per-chat activity.
type ChatStat struct {
	ChatID           int        `json:"chat_id"`
	ChatName         string     `json:"chat_name"`
	ChatType         string     `json:"chat_type"`
	TotalMessages    int        `json:"total_messages"`
	UniqueSenders    int        `json:"unique_senders"`
	MemberCount      int        `json:"member_count"`
	MarketplaceItems int        `json:"marketplace_items"`
	FirstMessageDate *time.Time `json:"first_message_date"`
	LastMessageDate  *time.Time `json:"last_message_date"`
}

// DailyMessageStat buckets non-deleted messages by calendar day.
type DailyMessageStat struct {
	Date            string `json:"date"` // YYYY-MM-DD
	TotalMessages   int    `json:"total_messages"`
	UniqueUsers     int    `json:"unique_users"`
	UniqueChats     int    `json:"unique_chats"`
	PrivateMessages int    `json:"private_messages"`
	GroupMessages   int    `json:"group_messages"`
}

// HourlyMessageStat buckets non-deleted messages by hour of day.
type HourlyMessageStat struct {
	Hour          int `json:"hour"` // 0..23
	TotalMessages int `json:"total_messages"`
}

// WeekdayMessageStat buckets non-deleted messages by weekday, fixed
// Monday-first ordering regardless of locale. All seven rows are present
// whenever the snapshot holds any message at all.
type WeekdayMessageStat struct {
	Weekday       int    `json:"weekday"` // 0=Mon .. 6=Sun
	WeekdayName   string `json:"weekday_name"`
	TotalMessages int    `json:"total_messages"`
	UniqueUsers   int    `json:"unique_users"`
	UniqueChats   int    `json:"unique_chats"`
}

// MessageTypeSummary counts non-deleted messages per message_type.
type MessageTypeSummary struct {
	MessageType string `json:"message_type"`
	TotalCount  int    `json:"total_count"`
}

// MarketplaceStat is the single global marketplace rollup. It is stored
// as one fixed row so reloading overwrites rather than appends.
type MarketplaceStat struct {
	TotalItems     int     `json:"total_items"`
	ActiveItems    int     `json:"active_items"`
	SoldItems      int     `json:"sold_items"`
	CancelledItems int     `json:"cancelled_items"`
	TotalRevenue   float64 `json:"total_revenue"`
	AveragePrice   float64 `json:"average_price"`
}

// TopSeller is one row of the top-ten ranking: sold-item count desc,
// then total revenue desc, then seller id asc.
type TopSeller struct {
	SellerID     int     `json:"seller_id"`
	Username     string  `json:"username"`
	ItemsSold    int     `json:"items_sold"`
	TotalRevenue float64 `json:"total_revenue"`
}

// CategoryStat aggregates listings per category.
type CategoryStat struct {
	Category       string  `json:"category"`
	TotalItems     int     `json:"total_items"`
	ActiveItems    int     `json:"active_items"`
	SoldItems      int     `json:"sold_items"`
	CancelledItems int     `json:"cancelled_items"`
	AvgPrice       float64 `json:"avg_price"`
}

// SellerStat aggregates one seller's listings, sold value and ratings.
type SellerStat struct {
	SellerID         int     `json:"seller_id"`
	Username         string  `json:"username"`
	TotalItemsListed int     `json:"total_items_listed"`
	ActiveItems      int     `json:"active_items"`
	SoldItems        int     `json:"sold_items"`
	AvgListingPrice  float64 `json:"avg_listing_price"`
	TotalListedValue float64 `json:"total_listed_value"`
	TotalSoldValue   float64 `json:"total_sold_value"`
	RatingCount      int     `json:"rating_count"`
	AvgRating        float64 `json:"avg_rating"`
}

// ChatMarketplaceStat aggregates listings per chat.
type ChatMarketplaceStat struct {
	ChatID      int    `json:"chat_id"`
	ChatName    string `json:"chat_name"`
	TotalItems  int    `json:"total_items"`
	ActiveItems int    `json:"active_items"`
	SoldItems   int    `json:"sold_items"`
}

// DailyMarketplaceStat buckets listings by listing day and sales by
// sale day.
type DailyMarketplaceStat struct {
	Date            string  `json:"date"` // YYYY-MM-DD
	ItemsListed     int     `json:"items_listed"`
	ItemsSold       int     `json:"items_sold"`
	AvgListingPrice float64 `json:"avg_listing_price"`
}

// SellerCategoryStat counts distinct sellers active per category.
type SellerCategoryStat struct {
	Category     string `json:"category"`
	SellersCount int    `json:"sellers_count"`
}

// Aggregates is the complete transform output: one slice (or singleton)
// per analytical table, each sorted by its natural key so identical
// snapshots always produce identical output.
type Aggregates struct {
	UserStats        []UserStat             `json:"user_statistics"`
	ChatStats        []ChatStat             `json:"chat_statistics"`
	DailyMessages    []DailyMessageStat     `json:"daily_message_stats"`
	HourlyMessages   []HourlyMessageStat    `json:"hourly_message_stats"`
	WeekdayMessages  []WeekdayMessageStat   `json:"weekday_message_stats"`
	MessageTypes     []MessageTypeSummary   `json:"message_type_summary"`
	Marketplace      MarketplaceStat        `json:"marketplace_statistics"`
	TopSellers       []TopSeller            `json:"top_sellers"`
	Categories       []CategoryStat         `json:"category_statistics"`
	Sellers          []SellerStat           `json:"seller_statistics"`
	ChatMarketplace  []ChatMarketplaceStat  `json:"chat_marketplace_stats"`
	DailyMarketplace []DailyMarketplaceStat `json:"daily_marketplace_stats"`
	SellerCategories []SellerCategoryStat   `json:"seller_category_stats"`
}

// LoadResult reports what one load pass wrote.
type LoadResult struct {
	Upserted     map[string]int `json:"upserted"` // rows per table
	FailedTables []string       `json:"failed_tables,omitempty"`
}
