package analytics

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"

	"chat-analytics-etl/internal/model"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Querier is the slice of a pgx pool the writer needs. *pgxpool.Pool
// satisfies it; tests substitute a fake.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Writer upserts aggregates into the analytical Postgres store. Every
// write is an upsert keyed on the table's natural key, so reloading the
// same aggregates is a no-op rather than a duplication.
type Writer struct {
	db Querier
}

// Connect opens a pool against the analytical database and verifies it
// with a ping. A failure here is fatal configuration, never retried.
func Connect(ctx context.Context, dsn string) (*Writer, *pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("analytics database config invalid: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("analytics database unreachable: %w", err)
	}
	return &Writer{db: pool}, pool, nil
}

// NewWriter wraps an existing querier; used by tests.
func NewWriter(db Querier) *Writer { return &Writer{db: db} }

var schema = []string{
	`CREATE TABLE IF NOT EXISTS user_statistics (
		user_id INTEGER PRIMARY KEY,
		username VARCHAR(100),
		total_messages_sent INTEGER DEFAULT 0,
		chats_participated INTEGER DEFAULT 0,
		last_message_date TIMESTAMP,
		is_active BOOLEAN,
		items_listed INTEGER DEFAULT 0,
		items_sold INTEGER DEFAULT 0,
		purchases_made INTEGER DEFAULT 0,
		total_spent NUMERIC(12,2) DEFAULT 0,
		total_earned NUMERIC(12,2) DEFAULT 0,
		updated_at TIMESTAMP DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS chat_statistics (
		chat_id INTEGER PRIMARY KEY,
		chat_name VARCHAR(200),
		chat_type VARCHAR(20),
		total_messages INTEGER DEFAULT 0,
		unique_senders INTEGER DEFAULT 0,
		member_count INTEGER DEFAULT 0,
		marketplace_items INTEGER DEFAULT 0,
		first_message_date TIMESTAMP,
		last_message_date TIMESTAMP,
		updated_at TIMESTAMP DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS daily_message_stats (
		date DATE PRIMARY KEY,
		total_messages INTEGER DEFAULT 0,
		unique_users INTEGER DEFAULT 0,
		unique_chats INTEGER DEFAULT 0,
		private_messages INTEGER DEFAULT 0,
		group_messages INTEGER DEFAULT 0,
		updated_at TIMESTAMP DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS hourly_message_stats (
		hour INTEGER PRIMARY KEY,
		total_messages INTEGER DEFAULT 0,
		updated_at TIMESTAMP DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS weekday_message_stats (
		weekday INTEGER PRIMARY KEY,
		weekday_name VARCHAR(10),
		total_messages INTEGER DEFAULT 0,
		unique_users INTEGER DEFAULT 0,
		unique_chats INTEGER DEFAULT 0,
		updated_at TIMESTAMP DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS message_type_summary (
		message_type VARCHAR(20) PRIMARY KEY,
		total_count INTEGER DEFAULT 0,
		updated_at TIMESTAMP DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS marketplace_statistics (
		id INTEGER PRIMARY KEY,
		total_items INTEGER DEFAULT 0,
		active_items INTEGER DEFAULT 0,
		sold_items INTEGER DEFAULT 0,
		cancelled_items INTEGER DEFAULT 0,
		total_revenue NUMERIC(14,2) DEFAULT 0,
		average_price NUMERIC(12,2) DEFAULT 0,
		updated_at TIMESTAMP DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS top_sellers (
		seller_id INTEGER PRIMARY KEY,
		username VARCHAR(100),
		items_sold INTEGER DEFAULT 0,
		total_revenue NUMERIC(14,2) DEFAULT 0,
		rank INTEGER,
		updated_at TIMESTAMP DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS category_statistics (
		category VARCHAR(50) PRIMARY KEY,
		total_items INTEGER DEFAULT 0,
		active_items INTEGER DEFAULT 0,
		sold_items INTEGER DEFAULT 0,
		cancelled_items INTEGER DEFAULT 0,
		avg_price NUMERIC(12,2) DEFAULT 0,
		updated_at TIMESTAMP DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS seller_statistics (
		seller_id INTEGER PRIMARY KEY,
		username VARCHAR(100),
		total_items_listed INTEGER DEFAULT 0,
		active_items INTEGER DEFAULT 0,
		sold_items INTEGER DEFAULT 0,
		avg_listing_price NUMERIC(12,2) DEFAULT 0,
		total_listed_value NUMERIC(14,2) DEFAULT 0,
		total_sold_value NUMERIC(14,2) DEFAULT 0,
		rating_count INTEGER DEFAULT 0,
		avg_rating NUMERIC(3,2) DEFAULT 0,
		updated_at TIMESTAMP DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS chat_marketplace_stats (
		chat_id INTEGER PRIMARY KEY,
		chat_name VARCHAR(200),
		total_items INTEGER DEFAULT 0,
		active_items INTEGER DEFAULT 0,
		sold_items INTEGER DEFAULT 0,
		updated_at TIMESTAMP DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS daily_marketplace_stats (
		date DATE PRIMARY KEY,
		items_listed INTEGER DEFAULT 0,
		items_sold INTEGER DEFAULT 0,
		avg_listing_price NUMERIC(12,2) DEFAULT 0,
		updated_at TIMESTAMP DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS seller_category_stats (
		category VARCHAR(50) PRIMARY KEY,
		sellers_count INTEGER DEFAULT 0,
		updated_at TIMESTAMP DEFAULT NOW()
	)`,
}

// EnsureSchema creates every analytical table if missing.
func (w *Writer) EnsureSchema(ctx context.Context) error {
	for _, ddl := range schema {
		if _, err := w.db.Exec(ctx, ddl); err != nil {
			name := ddl[strings.Index(ddl, "EXISTS ")+len("EXISTS "):]
			name = strings.Fields(name)[0]
			return fmt.Errorf("creating table %s: %w", name, err)
		}
	}
	return nil
}

// Load upserts the aggregates, one transaction per table so a failing
// table never leaves a sibling half-written. When only is non-empty,
// tables outside it are skipped; the orchestrator uses this to retry
// just the tables that failed last attempt. The returned LoadResult
// names every table written and every table that failed.
func (w *Writer) Load(ctx context.Context, aggs *model.Aggregates, only map[string]bool) (*model.LoadResult, error) {
	res := &model.LoadResult{Upserted: make(map[string]int)}

	for _, table := range model.AllTables() {
		if len(only) > 0 && !only[table] {
			continue
		}
		n, err := w.loadTable(ctx, table, aggs)
		if err != nil {
			log.Printf("❌ load %s: %v", table, err)
			res.FailedTables = append(res.FailedTables, table)
			continue
		}
		res.Upserted[table] = n
		log.Printf("💾 load %s: %d rows upserted", table, n)
	}

	sort.Strings(res.FailedTables)
	if len(res.FailedTables) > 0 {
		return res, fmt.Errorf("load failed for tables: %s", strings.Join(res.FailedTables, ", "))
	}
	return res, nil
}

func (w *Writer) loadTable(ctx context.Context, table string, aggs *model.Aggregates) (int, error) {
	tx, err := w.db.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	n, err := upsertTable(ctx, tx, table, aggs)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return n, nil
}

func upsertTable(ctx context.Context, tx pgx.Tx, table string, aggs *model.Aggregates) (int, error) {
	switch table {
	case model.TableUserStatistics:
		for _, r := range aggs.UserStats {
			_, err := tx.Exec(ctx, `
				INSERT INTO user_statistics
					(user_id, username, total_messages_sent, chats_participated, last_message_date,
					 is_active, items_listed, items_sold, purchases_made, total_spent, total_earned, updated_at)
				VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,NOW())
				ON CONFLICT (user_id) DO UPDATE SET
					username = EXCLUDED.username,
					total_messages_sent = EXCLUDED.total_messages_sent,
					chats_participated = EXCLUDED.chats_participated,
					last_message_date = EXCLUDED.last_message_date,
					is_active = EXCLUDED.is_active,
					items_listed = EXCLUDED.items_listed,
					items_sold = EXCLUDED.items_sold,
					purchases_made = EXCLUDED.purchases_made,
					total_spent = EXCLUDED.total_spent,
					total_earned = EXCLUDED.total_earned,
					updated_at = NOW()`,
				r.UserID, r.Username, r.TotalMessagesSent, r.ChatsParticipated, r.LastMessageDate,
				r.IsActive, r.ItemsListed, r.ItemsSold, r.PurchasesMade, r.TotalSpent, r.TotalEarned)
			if err != nil {
				return 0, err
			}
		}
		return len(aggs.UserStats), nil

	case model.TableChatStatistics:
		for _, r := range aggs.ChatStats {
			_, err := tx.Exec(ctx, `
				INSERT INTO chat_statistics
					(chat_id, chat_name, chat_type, total_messages, unique_senders, member_count,
					 marketplace_items, first_message_date, last_message_date, updated_at)
				VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,NOW())
				ON CONFLICT (chat_id) DO UPDATE SET
					chat_name = EXCLUDED.chat_name,
					chat_type = EXCLUDED.chat_type,
					total_messages = EXCLUDED.total_messages,
					unique_senders = EXCLUDED.unique_senders,
					member_count = EXCLUDED.member_count,
					marketplace_items = EXCLUDED.marketplace_items,
					first_message_date = EXCLUDED.first_message_date,
					last_message_date = EXCLUDED.last_message_date,
					updated_at = NOW()`,
				r.ChatID, r.ChatName, r.ChatType, r.TotalMessages, r.UniqueSenders, r.MemberCount,
				r.MarketplaceItems, r.FirstMessageDate, r.LastMessageDate)
			if err != nil {
				return 0, err
			}
		}
		return len(aggs.ChatStats), nil

	case model.TableDailyMessages:
		for _, r := range aggs.DailyMessages {
			_, err := tx.Exec(ctx, `
				INSERT INTO daily_message_stats
					(date, total_messages, unique_users, unique_chats, private_messages, group_messages, updated_at)
				VALUES ($1,$2,$3,$4,$5,$6,NOW())
				ON CONFLICT (date) DO UPDATE SET
					total_messages = EXCLUDED.total_messages,
					unique_users = EXCLUDED.unique_users,
					unique_chats = EXCLUDED.unique_chats,
					private_messages = EXCLUDED.private_messages,
					group_messages = EXCLUDED.group_messages,
					updated_at = NOW()`,
				r.Date, r.TotalMessages, r.UniqueUsers, r.UniqueChats, r.PrivateMessages, r.GroupMessages)
			if err != nil {
				return 0, err
			}
		}
		return len(aggs.DailyMessages), nil

	case model.TableHourlyMessages:
		for _, r := range aggs.HourlyMessages {
			_, err := tx.Exec(ctx, `
				INSERT INTO hourly_message_stats (hour, total_messages, updated_at)
				VALUES ($1,$2,NOW())
				ON CONFLICT (hour) DO UPDATE SET
					total_messages = EXCLUDED.total_messages,
					updated_at = NOW()`,
				r.Hour, r.TotalMessages)
			if err != nil {
				return 0, err
			}
		}
		return len(aggs.HourlyMessages), nil

	case model.TableWeekdayMessages:
		for _, r := range aggs.WeekdayMessages {
			_, err := tx.Exec(ctx, `
				INSERT INTO weekday_message_stats
					(weekday, weekday_name, total_messages, unique_users, unique_chats, updated_at)
				VALUES ($1,$2,$3,$4,$5,NOW())
				ON CONFLICT (weekday) DO UPDATE SET
					weekday_name = EXCLUDED.weekday_name,
					total_messages = EXCLUDED.total_messages,
					unique_users = EXCLUDED.unique_users,
					unique_chats = EXCLUDED.unique_chats,
					updated_at = NOW()`,
				r.Weekday, r.WeekdayName, r.TotalMessages, r.UniqueUsers, r.UniqueChats)
			if err != nil {
				return 0, err
			}
		}
		return len(aggs.WeekdayMessages), nil

	case model.TableMessageTypes:
		for _, r := range aggs.MessageTypes {
			_, err := tx.Exec(ctx, `
				INSERT INTO message_type_summary (message_type, total_count, updated_at)
				VALUES ($1,$2,NOW())
				ON CONFLICT (message_type) DO UPDATE SET
					total_count = EXCLUDED.total_count,
					updated_at = NOW()`,
				r.MessageType, r.TotalCount)
			if err != nil {
				return 0, err
			}
		}
		return len(aggs.MessageTypes), nil

	case model.TableMarketplace:
		// A single fixed-id row: reloading overwrites instead of
		// appending a new snapshot row per run.
		_, err := tx.Exec(ctx, `
			INSERT INTO marketplace_statistics
				(id, total_items, active_items, sold_items, cancelled_items, total_revenue, average_price, updated_at)
			VALUES (1,$1,$2,$3,$4,$5,$6,NOW())
			ON CONFLICT (id) DO UPDATE SET
				total_items = EXCLUDED.total_items,
				active_items = EXCLUDED.active_items,
				sold_items = EXCLUDED.sold_items,
				cancelled_items = EXCLUDED.cancelled_items,
				total_revenue = EXCLUDED.total_revenue,
				average_price = EXCLUDED.average_price,
				updated_at = NOW()`,
			aggs.Marketplace.TotalItems, aggs.Marketplace.ActiveItems, aggs.Marketplace.SoldItems,
			aggs.Marketplace.CancelledItems, aggs.Marketplace.TotalRevenue, aggs.Marketplace.AveragePrice)
		if err != nil {
			return 0, err
		}
		return 1, nil

	case model.TableTopSellers:
		// The ranking is a full replacement: sellers who dropped out of
		// the top ten must not linger from a previous run.
		if _, err := tx.Exec(ctx, `DELETE FROM top_sellers`); err != nil {
			return 0, err
		}
		for i, r := range aggs.TopSellers {
			_, err := tx.Exec(ctx, `
				INSERT INTO top_sellers (seller_id, username, items_sold, total_revenue, rank, updated_at)
				VALUES ($1,$2,$3,$4,$5,NOW())`,
				r.SellerID, r.Username, r.ItemsSold, r.TotalRevenue, i+1)
			if err != nil {
				return 0, err
			}
		}
		return len(aggs.TopSellers), nil

	case model.TableCategoryStatistics:
		for _, r := range aggs.Categories {
			_, err := tx.Exec(ctx, `
				INSERT INTO category_statistics
					(category, total_items, active_items, sold_items, cancelled_items, avg_price, updated_at)
				VALUES ($1,$2,$3,$4,$5,$6,NOW())
				ON CONFLICT (category) DO UPDATE SET
					total_items = EXCLUDED.total_items,
					active_items = EXCLUDED.active_items,
					sold_items = EXCLUDED.sold_items,
					cancelled_items = EXCLUDED.cancelled_items,
					avg_price = EXCLUDED.avg_price,
					updated_at = NOW()`,
				r.Category, r.TotalItems, r.ActiveItems, r.SoldItems, r.CancelledItems, r.AvgPrice)
			if err != nil {
				return 0, err
			}
		}
		return len(aggs.Categories), nil

	case model.TableSellerStatistics:
		for _, r := range aggs.Sellers {
			_, err := tx.Exec(ctx, `
				INSERT INTO seller_statistics
					(seller_id, username, total_items_listed, active_items, sold_items,
					 avg_listing_price, total_listed_value, total_sold_value, rating_count, avg_rating, updated_at)
				VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,NOW())
				ON CONFLICT (seller_id) DO UPDATE SET
					username = EXCLUDED.username,
					total_items_listed = EXCLUDED.total_items_listed,
					active_items = EXCLUDED.active_items,
					sold_items = EXCLUDED.sold_items,
					avg_listing_price = EXCLUDED.avg_listing_price,
					total_listed_value = EXCLUDED.total_listed_value,
					total_sold_value = EXCLUDED.total_sold_value,
					rating_count = EXCLUDED.rating_count,
					avg_rating = EXCLUDED.avg_rating,
					updated_at = NOW()`,
				r.SellerID, r.Username, r.TotalItemsListed, r.ActiveItems, r.SoldItems,
				r.AvgListingPrice, r.TotalListedValue, r.TotalSoldValue, r.RatingCount, r.AvgRating)
			if err != nil {
				return 0, err
			}
		}
		return len(aggs.Sellers), nil

	case model.TableChatMarketplace:
		for _, r := range aggs.ChatMarketplace {
			_, err := tx.Exec(ctx, `
				INSERT INTO chat_marketplace_stats
					(chat_id, chat_name, total_items, active_items, sold_items, updated_at)
				VALUES ($1,$2,$3,$4,$5,NOW())
				ON CONFLICT (chat_id) DO UPDATE SET
					chat_name = EXCLUDED.chat_name,
					total_items = EXCLUDED.total_items,
					active_items = EXCLUDED.active_items,
					sold_items = EXCLUDED.sold_items,
					updated_at = NOW()`,
				r.ChatID, r.ChatName, r.TotalItems, r.ActiveItems, r.SoldItems)
			if err != nil {
				return 0, err
			}
		}
		return len(aggs.ChatMarketplace), nil

	case model.TableDailyMarketplace:
		for _, r := range aggs.DailyMarketplace {
			_, err := tx.Exec(ctx, `
				INSERT INTO daily_marketplace_stats
					(date, items_listed, items_sold, avg_listing_price, updated_at)
				VALUES ($1,$2,$3,$4,NOW())
				ON CONFLICT (date) DO UPDATE SET
					items_listed = EXCLUDED.items_listed,
					items_sold = EXCLUDED.items_sold,
					avg_listing_price = EXCLUDED.avg_listing_price,
					updated_at = NOW()`,
				r.Date, r.ItemsListed, r.ItemsSold, r.AvgListingPrice)
			if err != nil {
				return 0, err
			}
		}
		return len(aggs.DailyMarketplace), nil

	case model.TableSellerCategories:
		for _, r := range aggs.SellerCategories {
			_, err := tx.Exec(ctx, `
				INSERT INTO seller_category_stats (category, sellers_count, updated_at)
				VALUES ($1,$2,NOW())
				ON CONFLICT (category) DO UPDATE SET
					sellers_count = EXCLUDED.sellers_count,
					updated_at = NOW()`,
				r.Category, r.SellersCount)
			if err != nil {
				return 0, err
			}
		}
		return len(aggs.SellerCategories), nil
	}
	return 0, fmt.Errorf("unknown table %q", table)
}
