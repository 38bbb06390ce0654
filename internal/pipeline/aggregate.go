package pipeline

import (
	"sort"
	"time"

	"chat-analytics-etl/internal/model"
)

var weekdayNames = [7]string{"Mon", "Tue", "Wed", "Thu", "Fri", "Sat", "Sun"}

// Transform turns an extracted snapshot into the full aggregate set. It
// is a pure function: no I/O, and identical snapshots always yield
// identical output, which is what makes replaying the transform activity
// after a crash safe. Buckets accumulate in maps and are emitted sorted
// by natural key.
func Transform(snap model.Snapshot) *model.Aggregates {
	users := snap.Users()
	chats := snap.Chats()
	messages := snap.Messages()
	items := snap.Items()
	purchases := snap.Purchases()
	ratings := snap.Ratings()

	// Completed purchases per item drive both halves of the "sold"
	// definition: an item counts as sold if its status says so or if at
	// least one completed purchase exists for it.
	completedByItem := make(map[int][]model.Purchase)
	for _, p := range purchases {
		if p.Status == "completed" {
			completedByItem[p.ItemID] = append(completedByItem[p.ItemID], p)
		}
	}
	itemSold := func(it model.MarketplaceItem) bool {
		return it.Status == "sold" || len(completedByItem[it.ID]) > 0
	}
	// Revenue attribution: every completed purchase contributes its
	// amount; an item marked sold with no recorded purchase contributes
	// its listing price instead.
	itemRevenue := func(it model.MarketplaceItem) float64 {
		if ps := completedByItem[it.ID]; len(ps) > 0 {
			var sum float64
			for _, p := range ps {
				sum += p.Amount
			}
			return sum
		}
		if it.Status == "sold" && it.Price != nil {
			return *it.Price
		}
		return 0
	}

	agg := &model.Aggregates{
		UserStats:        userStats(users, chats, messages, items, purchases, itemSold, itemRevenue),
		ChatStats:        chatStats(chats, messages, items),
		MessageTypes:     messageTypes(messages),
		Marketplace:      marketplaceStat(items, itemSold, itemRevenue),
		TopSellers:       topSellers(users, items, itemSold, itemRevenue),
		Categories:       categoryStats(items),
		Sellers:          sellerStats(users, items, ratings, itemSold, itemRevenue),
		ChatMarketplace:  chatMarketplaceStats(chats, items),
		DailyMarketplace: dailyMarketplaceStats(items, completedByItem),
		SellerCategories: sellerCategoryStats(items),
	}
	agg.DailyMessages, agg.HourlyMessages, agg.WeekdayMessages = timeBucketStats(chats, messages)
	return agg
}

func dateKey(t time.Time) string { return t.UTC().Format("2006-01-02") }

func userStats(
	users map[int]model.User,
	chats map[int]model.Chat,
	messages map[int]model.Message,
	items map[int]model.MarketplaceItem,
	purchases map[int]model.Purchase,
	itemSold func(model.MarketplaceItem) bool,
	itemRevenue func(model.MarketplaceItem) float64,
) []model.UserStat {
	stats := make(map[int]*model.UserStat, len(users))
	chatsByUser := make(map[int]map[int]bool)

	for id, u := range users {
		stats[id] = &model.UserStat{UserID: id, Username: u.Username, IsActive: u.IsActive}
	}

	for _, m := range messages {
		if m.IsDeleted {
			continue
		}
		st, ok := stats[m.SenderID]
		if !ok {
			continue // sender missing from the snapshot, tolerated
		}
		st.TotalMessagesSent++
		if chatsByUser[m.SenderID] == nil {
			chatsByUser[m.SenderID] = make(map[int]bool)
		}
		chatsByUser[m.SenderID][m.ChatID] = true
		sentAt := m.SentAt
		if st.LastMessageDate == nil || sentAt.After(*st.LastMessageDate) {
			st.LastMessageDate = &sentAt
		}
	}
	for id, set := range chatsByUser {
		stats[id].ChatsParticipated = len(set)
	}

	for _, it := range items {
		st, ok := stats[it.SellerID]
		if !ok {
			continue
		}
		st.ItemsListed++
		if itemSold(it) {
			st.ItemsSold++
			st.TotalEarned += itemRevenue(it)
		}
	}

	for _, p := range purchases {
		if p.Status != "completed" {
			continue
		}
		if st, ok := stats[p.BuyerID]; ok {
			st.PurchasesMade++
			st.TotalSpent += p.Amount
		}
	}

	out := make([]model.UserStat, 0, len(stats))
	for _, st := range stats {
		// No activity anywhere means no row.
		if st.TotalMessagesSent == 0 && st.ItemsListed == 0 && st.PurchasesMade == 0 {
			continue
		}
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

func chatStats(chats map[int]model.Chat, messages map[int]model.Message, items map[int]model.MarketplaceItem) []model.ChatStat {
	stats := make(map[int]*model.ChatStat, len(chats))
	senders := make(map[int]map[int]bool)

	for id, c := range chats {
		name := c.Name
		if name == "" {
			name = "Private Chat"
		}
		stats[id] = &model.ChatStat{
			ChatID:      id,
			ChatName:    name,
			ChatType:    c.ChatType,
			MemberCount: c.MemberCount,
		}
	}

	for _, m := range messages {
		if m.IsDeleted {
			continue
		}
		st, ok := stats[m.ChatID]
		if !ok {
			continue
		}
		st.TotalMessages++
		if senders[m.ChatID] == nil {
			senders[m.ChatID] = make(map[int]bool)
		}
		senders[m.ChatID][m.SenderID] = true
		sentAt := m.SentAt
		if st.FirstMessageDate == nil || sentAt.Before(*st.FirstMessageDate) {
			st.FirstMessageDate = &sentAt
		}
		if st.LastMessageDate == nil || sentAt.After(*st.LastMessageDate) {
			st.LastMessageDate = &sentAt
		}
	}
	for id, set := range senders {
		stats[id].UniqueSenders = len(set)
	}

	for _, it := range items {
		if st, ok := stats[it.ChatID]; ok {
			st.MarketplaceItems++
		}
	}

	out := make([]model.ChatStat, 0, len(stats))
	for _, st := range stats {
		if st.TotalMessages == 0 && st.MarketplaceItems == 0 {
			continue
		}
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChatID < out[j].ChatID })
	return out
}

func timeBucketStats(chats map[int]model.Chat, messages map[int]model.Message) (
	[]model.DailyMessageStat, []model.HourlyMessageStat, []model.WeekdayMessageStat,
) {
	type daily struct {
		total, private, group int
		users, chats          map[int]bool
	}
	days := make(map[string]*daily)
	hours := make(map[int]int)
	type weekly struct {
		total        int
		users, chats map[int]bool
	}
	var weekdays [7]weekly
	for i := range weekdays {
		weekdays[i] = weekly{users: make(map[int]bool), chats: make(map[int]bool)}
	}

	total := 0
	for _, m := range messages {
		if m.IsDeleted {
			continue
		}
		total++
		ts := m.SentAt.UTC()

		d := days[dateKey(ts)]
		if d == nil {
			d = &daily{users: make(map[int]bool), chats: make(map[int]bool)}
			days[dateKey(ts)] = d
		}
		d.total++
		d.users[m.SenderID] = true
		d.chats[m.ChatID] = true
		chatType := "private"
		if c, ok := chats[m.ChatID]; ok && c.ChatType != "" {
			chatType = c.ChatType
		}
		if chatType == "private" {
			d.private++
		} else {
			d.group++
		}

		hours[ts.Hour()]++

		wd := (int(ts.Weekday()) + 6) % 7 // Monday first
		weekdays[wd].total++
		weekdays[wd].users[m.SenderID] = true
		weekdays[wd].chats[m.ChatID] = true
	}

	dailyOut := make([]model.DailyMessageStat, 0, len(days))
	for date, d := range days {
		dailyOut = append(dailyOut, model.DailyMessageStat{
			Date:            date,
			TotalMessages:   d.total,
			UniqueUsers:     len(d.users),
			UniqueChats:     len(d.chats),
			PrivateMessages: d.private,
			GroupMessages:   d.group,
		})
	}
	sort.Slice(dailyOut, func(i, j int) bool { return dailyOut[i].Date < dailyOut[j].Date })

	hourlyOut := make([]model.HourlyMessageStat, 0, len(hours))
	for h, n := range hours {
		hourlyOut = append(hourlyOut, model.HourlyMessageStat{Hour: h, TotalMessages: n})
	}
	sort.Slice(hourlyOut, func(i, j int) bool { return hourlyOut[i].Hour < hourlyOut[j].Hour })

	var weekdayOut []model.WeekdayMessageStat
	if total > 0 {
		// Once any message exists all seven rows appear; quiet weekdays
		// carry explicit zeros.
		weekdayOut = make([]model.WeekdayMessageStat, 0, 7)
		for wd := 0; wd < 7; wd++ {
			weekdayOut = append(weekdayOut, model.WeekdayMessageStat{
				Weekday:       wd,
				WeekdayName:   weekdayNames[wd],
				TotalMessages: weekdays[wd].total,
				UniqueUsers:   len(weekdays[wd].users),
				UniqueChats:   len(weekdays[wd].chats),
			})
		}
	}

	return dailyOut, hourlyOut, weekdayOut
}

func messageTypes(messages map[int]model.Message) []model.MessageTypeSummary {
	counts := make(map[string]int)
	for _, m := range messages {
		if m.IsDeleted {
			continue
		}
		mt := m.MessageType
		if mt == "" {
			mt = "text"
		}
		counts[mt]++
	}
	out := make([]model.MessageTypeSummary, 0, len(counts))
	for mt, n := range counts {
		out = append(out, model.MessageTypeSummary{MessageType: mt, TotalCount: n})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MessageType < out[j].MessageType })
	return out
}

func marketplaceStat(
	items map[int]model.MarketplaceItem,
	itemSold func(model.MarketplaceItem) bool,
	itemRevenue func(model.MarketplaceItem) float64,
) model.MarketplaceStat {
	var st model.MarketplaceStat
	var priceSum float64
	priced := 0
	for _, it := range items {
		st.TotalItems++
		switch {
		case itemSold(it):
			st.SoldItems++
			st.TotalRevenue += itemRevenue(it)
		case it.Status == "active":
			st.ActiveItems++
		case it.Status == "cancelled":
			st.CancelledItems++
		}
		if it.Price != nil {
			priceSum += *it.Price
			priced++
		}
	}
	if priced > 0 {
		st.AveragePrice = priceSum / float64(priced)
	}
	return st
}

func topSellers(
	users map[int]model.User,
	items map[int]model.MarketplaceItem,
	itemSold func(model.MarketplaceItem) bool,
	itemRevenue func(model.MarketplaceItem) float64,
) []model.TopSeller {
	type acc struct {
		sold    int
		revenue float64
	}
	bySeller := make(map[int]*acc)
	for _, it := range items {
		if !itemSold(it) {
			continue
		}
		a := bySeller[it.SellerID]
		if a == nil {
			a = &acc{}
			bySeller[it.SellerID] = a
		}
		a.sold++
		a.revenue += itemRevenue(it)
	}

	out := make([]model.TopSeller, 0, len(bySeller))
	for id, a := range bySeller {
		out = append(out, model.TopSeller{
			SellerID:     id,
			Username:     usernameFor(users, id),
			ItemsSold:    a.sold,
			TotalRevenue: a.revenue,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ItemsSold != out[j].ItemsSold {
			return out[i].ItemsSold > out[j].ItemsSold
		}
		if out[i].TotalRevenue != out[j].TotalRevenue {
			return out[i].TotalRevenue > out[j].TotalRevenue
		}
		return out[i].SellerID < out[j].SellerID
	})
	if len(out) > 10 {
		out = out[:10]
	}
	return out
}

func categoryStats(items map[int]model.MarketplaceItem) []model.CategoryStat {
	type acc struct {
		total, active, sold, cancelled int
		priceSum                       float64
		priced                         int
	}
	byCat := make(map[string]*acc)
	for _, it := range items {
		if it.Category == "" {
			continue // uncategorized listings have no natural key
		}
		a := byCat[it.Category]
		if a == nil {
			a = &acc{}
			byCat[it.Category] = a
		}
		a.total++
		switch it.Status {
		case "active":
			a.active++
		case "sold":
			a.sold++
		case "cancelled":
			a.cancelled++
		}
		if it.Price != nil {
			a.priceSum += *it.Price
			a.priced++
		}
	}
	out := make([]model.CategoryStat, 0, len(byCat))
	for cat, a := range byCat {
		st := model.CategoryStat{
			Category:       cat,
			TotalItems:     a.total,
			ActiveItems:    a.active,
			SoldItems:      a.sold,
			CancelledItems: a.cancelled,
		}
		if a.priced > 0 {
			st.AvgPrice = a.priceSum / float64(a.priced)
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Category < out[j].Category })
	return out
}

func sellerStats(
	users map[int]model.User,
	items map[int]model.MarketplaceItem,
	ratings map[int]model.SellerRating,
	itemSold func(model.MarketplaceItem) bool,
	itemRevenue func(model.MarketplaceItem) float64,
) []model.SellerStat {
	type acc struct {
		listed, active, sold int
		listSum              float64
		priced               int
		soldValue            float64
		ratingSum, ratingNum int
	}
	bySeller := make(map[int]*acc)
	get := func(id int) *acc {
		a := bySeller[id]
		if a == nil {
			a = &acc{}
			bySeller[id] = a
		}
		return a
	}

	for _, it := range items {
		a := get(it.SellerID)
		a.listed++
		if itemSold(it) {
			a.sold++
			a.soldValue += itemRevenue(it)
		} else if it.Status == "active" {
			a.active++
		}
		if it.Price != nil {
			a.listSum += *it.Price
			a.priced++
		}
	}
	for _, r := range ratings {
		a := get(r.SellerID)
		a.ratingSum += r.Rating
		a.ratingNum++
	}

	out := make([]model.SellerStat, 0, len(bySeller))
	for id, a := range bySeller {
		st := model.SellerStat{
			SellerID:         id,
			Username:         usernameFor(users, id),
			TotalItemsListed: a.listed,
			ActiveItems:      a.active,
			SoldItems:        a.sold,
			TotalListedValue: a.listSum,
			TotalSoldValue:   a.soldValue,
			RatingCount:      a.ratingNum,
		}
		if a.priced > 0 {
			st.AvgListingPrice = a.listSum / float64(a.priced)
		}
		if a.ratingNum > 0 {
			st.AvgRating = float64(a.ratingSum) / float64(a.ratingNum)
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SellerID < out[j].SellerID })
	return out
}

func chatMarketplaceStats(chats map[int]model.Chat, items map[int]model.MarketplaceItem) []model.ChatMarketplaceStat {
	byChat := make(map[int]*model.ChatMarketplaceStat)
	for _, it := range items {
		st := byChat[it.ChatID]
		if st == nil {
			name := "Private Chat"
			if c, ok := chats[it.ChatID]; ok && c.Name != "" {
				name = c.Name
			}
			st = &model.ChatMarketplaceStat{ChatID: it.ChatID, ChatName: name}
			byChat[it.ChatID] = st
		}
		st.TotalItems++
		switch it.Status {
		case "active":
			st.ActiveItems++
		case "sold":
			st.SoldItems++
		}
	}
	out := make([]model.ChatMarketplaceStat, 0, len(byChat))
	for _, st := range byChat {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChatID < out[j].ChatID })
	return out
}

func dailyMarketplaceStats(items map[int]model.MarketplaceItem, completedByItem map[int][]model.Purchase) []model.DailyMarketplaceStat {
	type acc struct {
		listed, sold int
		priceSum     float64
		priced       int
	}
	byDate := make(map[string]*acc)
	get := func(date string) *acc {
		a := byDate[date]
		if a == nil {
			a = &acc{}
			byDate[date] = a
		}
		return a
	}

	for _, it := range items {
		a := get(dateKey(it.CreatedAt))
		a.listed++
		if it.Price != nil {
			a.priceSum += *it.Price
			a.priced++
		}
		if d, ok := soldDate(it, completedByItem[it.ID]); ok {
			get(d).sold++
		}
	}

	out := make([]model.DailyMarketplaceStat, 0, len(byDate))
	for date, a := range byDate {
		st := model.DailyMarketplaceStat{Date: date, ItemsListed: a.listed, ItemsSold: a.sold}
		if a.priced > 0 {
			st.AvgListingPrice = a.priceSum / float64(a.priced)
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date < out[j].Date })
	return out
}

// soldDate resolves the day an item counts as sold: the explicit sold_at
// when present, otherwise the earliest completed purchase.
func soldDate(it model.MarketplaceItem, completed []model.Purchase) (string, bool) {
	if it.SoldAt != nil {
		return dateKey(*it.SoldAt), true
	}
	var earliest *time.Time
	for _, p := range completed {
		if p.CompletedAt == nil {
			continue
		}
		if earliest == nil || p.CompletedAt.Before(*earliest) {
			t := *p.CompletedAt
			earliest = &t
		}
	}
	if earliest != nil {
		return dateKey(*earliest), true
	}
	return "", false
}

func sellerCategoryStats(items map[int]model.MarketplaceItem) []model.SellerCategoryStat {
	sellers := make(map[string]map[int]bool)
	for _, it := range items {
		if it.Category == "" {
			continue
		}
		if sellers[it.Category] == nil {
			sellers[it.Category] = make(map[int]bool)
		}
		sellers[it.Category][it.SellerID] = true
	}
	out := make([]model.SellerCategoryStat, 0, len(sellers))
	for cat, set := range sellers {
		out = append(out, model.SellerCategoryStat{Category: cat, SellersCount: len(set)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Category < out[j].Category })
	return out
}

func usernameFor(users map[int]model.User, id int) string {
	if u, ok := users[id]; ok {
		return u.Username
	}
	return ""
}
