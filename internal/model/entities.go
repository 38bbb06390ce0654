package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// EntityKind names one collection of the operational read API.
type EntityKind string

const (
	KindUsers            EntityKind = "users"
	KindChats            EntityKind = "chats"
	KindMessages         EntityKind = "messages"
	KindMarketplaceItems EntityKind = "marketplace_items"
	KindPurchases        EntityKind = "purchases"
	KindSellerRatings    EntityKind = "seller_ratings"
)

// AllKinds lists every collection one extract phase must cover.
func AllKinds() []EntityKind {
	return []EntityKind{
		KindUsers,
		KindChats,
		KindMessages,
		KindMarketplaceItems,
		KindPurchases,
		KindSellerRatings,
	}
}

// Endpoint returns the collection path on the source API.
func (k EntityKind) Endpoint() string {
	switch k {
	case KindUsers:
		return "/users"
	case KindChats:
		return "/chats"
	case KindMessages:
		return "/messages"
	case KindMarketplaceItems:
		return "/marketplace"
	case KindPurchases:
		return "/purchases"
	case KindSellerRatings:
		return "/ratings"
	}
	return "/" + string(k)
}

// Page is the envelope every collection endpoint responds with.
type Page struct {
	Items      []json.RawMessage `json:"items"`
	Total      int               `json:"total"`
	Page       int               `json:"page"`
	PageSize   int               `json:"page_size"`
	TotalPages int               `json:"total_pages"`
}

// User is a platform account.
type User struct {
	ID        int        `json:"id"`
	Username  string     `json:"username"`
	Email     string     `json:"email"`
	FullName  string     `json:"full_name"`
	IsActive  bool       `json:"is_active"`
	CreatedAt time.Time  `json:"created_at"`
	LastSeen  *time.Time `json:"last_seen"`
}

// Chat is a private or group conversation. Membership is exposed as a
// count; the pipeline never navigates member objects (foreign keys only).
type Chat struct {
	ID          int       `json:"id"`
	Name        string    `json:"name"`
	ChatType    string    `json:"chat_type"` // "private" or "group"
	MemberCount int       `json:"member_count"`
	CreatedBy   int       `json:"created_by"`
	CreatedAt   time.Time `json:"created_at"`
}

// Message is a single chat message.
type Message struct {
	ID          int       `json:"id"`
	ChatID      int       `json:"chat_id"`
	SenderID    int       `json:"sender_id"`
	MessageType string    `json:"message_type"` // text, image, video, file, ...
	SentAt      time.Time `json:"sent_at"`
	IsDeleted   bool      `json:"is_deleted"`
}

// MarketplaceItem is a listing posted into a chat.
type MarketplaceItem struct {
	ID        int        `json:"id"`
	SellerID  int        `json:"seller_id"`
	ChatID    int        `json:"chat_id"`
	Category  string     `json:"category"`
	Title     string     `json:"title"`
	Price     *float64   `json:"price"`
	Status    string     `json:"status"` // active, sold, cancelled
	CreatedAt time.Time  `json:"created_at"`
	SoldAt    *time.Time `json:"sold_at"`
}

// Purchase is a buy attempt against a marketplace item.
type Purchase struct {
	ID          int        `json:"id"`
	ItemID      int        `json:"item_id"`
	BuyerID     int        `json:"buyer_id"`
	Amount      float64    `json:"amount"`
	Status      string     `json:"status"` // pending, completed, cancelled
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at"`
}

// SellerRating is one buyer's score for a seller.
type SellerRating struct {
	ID        int       `json:"id"`
	SellerID  int       `json:"seller_id"`
	RaterID   int       `json:"rater_id"`
	Rating    int       `json:"rating"` // 1..5
	CreatedAt time.Time `json:"created_at"`
}

// EntitySet is the complete, deduplicated result of extracting one
// collection. Only the map matching Kind is populated. Total holds the
// source-reported total as observed on page 1; Malformed counts items
// that failed typed decoding and were skipped.
type EntitySet struct {
	Kind      EntityKind `json:"kind"`
	Total     int        `json:"total"`
	Malformed int        `json:"malformed"`

	Users     map[int]User            `json:"users,omitempty"`
	Chats     map[int]Chat            `json:"chats,omitempty"`
	Messages  map[int]Message         `json:"messages,omitempty"`
	Items     map[int]MarketplaceItem `json:"items,omitempty"`
	Purchases map[int]Purchase        `json:"purchases,omitempty"`
	Ratings   map[int]SellerRating    `json:"ratings,omitempty"`
}

// NewEntitySet returns an empty set for one collection.
func NewEntitySet(kind EntityKind, total int) *EntitySet {
	s := &EntitySet{Kind: kind, Total: total}
	switch kind {
	case KindUsers:
		s.Users = make(map[int]User)
	case KindChats:
		s.Chats = make(map[int]Chat)
	case KindMessages:
		s.Messages = make(map[int]Message)
	case KindMarketplaceItems:
		s.Items = make(map[int]MarketplaceItem)
	case KindPurchases:
		s.Purchases = make(map[int]Purchase)
	case KindSellerRatings:
		s.Ratings = make(map[int]SellerRating)
	}
	return s
}

// Add decodes one raw page item into the set's typed map. The same id
// seen twice is overwritten, so the later-fetched page wins. An item the
// collection shape rejects returns an error; callers skip it and bump
// Malformed.
func (s *EntitySet) Add(raw json.RawMessage) error {
	switch s.Kind {
	case KindUsers:
		var v User
		if err := json.Unmarshal(raw, &v); err != nil {
			return err
		}
		if v.ID <= 0 {
			return fmt.Errorf("user record missing id")
		}
		s.Users[v.ID] = v
	case KindChats:
		var v Chat
		if err := json.Unmarshal(raw, &v); err != nil {
			return err
		}
		if v.ID <= 0 {
			return fmt.Errorf("chat record missing id")
		}
		s.Chats[v.ID] = v
	case KindMessages:
		var v Message
		if err := json.Unmarshal(raw, &v); err != nil {
			return err
		}
		if v.ID <= 0 {
			return fmt.Errorf("message record missing id")
		}
		s.Messages[v.ID] = v
	case KindMarketplaceItems:
		var v MarketplaceItem
		if err := json.Unmarshal(raw, &v); err != nil {
			return err
		}
		if v.ID <= 0 {
			return fmt.Errorf("marketplace item missing id")
		}
		s.Items[v.ID] = v
	case KindPurchases:
		var v Purchase
		if err := json.Unmarshal(raw, &v); err != nil {
			return err
		}
		if v.ID <= 0 {
			return fmt.Errorf("purchase record missing id")
		}
		s.Purchases[v.ID] = v
	case KindSellerRatings:
		var v SellerRating
		if err := json.Unmarshal(raw, &v); err != nil {
			return err
		}
		if v.ID <= 0 {
			return fmt.Errorf("seller rating missing id")
		}
		s.Ratings[v.ID] = v
	default:
		return fmt.Errorf("unknown entity kind %q", s.Kind)
	}
	return nil
}

// Len reports the number of distinct ids in the set.
func (s *EntitySet) Len() int {
	switch s.Kind {
	case KindUsers:
		return len(s.Users)
	case KindChats:
		return len(s.Chats)
	case KindMessages:
		return len(s.Messages)
	case KindMarketplaceItems:
		return len(s.Items)
	case KindPurchases:
		return len(s.Purchases)
	case KindSellerRatings:
		return len(s.Ratings)
	}
	return 0
}

// Snapshot is everything one run extracted, keyed by collection.
type Snapshot map[EntityKind]*EntitySet

func (s Snapshot) set(kind EntityKind) *EntitySet {
	if set, ok := s[kind]; ok {
		return set
	}
	return NewEntitySet(kind, 0)
}

func (s Snapshot) Users() map[int]User            { return s.set(KindUsers).Users }
func (s Snapshot) Chats() map[int]Chat            { return s.set(KindChats).Chats }
func (s Snapshot) Messages() map[int]Message      { return s.set(KindMessages).Messages }
func (s Snapshot) Items() map[int]MarketplaceItem { return s.set(KindMarketplaceItems).Items }
func (s Snapshot) Purchases() map[int]Purchase    { return s.set(KindPurchases).Purchases }
func (s Snapshot) Ratings() map[int]SellerRating  { return s.set(KindSellerRatings).Ratings }

// Complete reports whether every collection has been extracted.
func (s Snapshot) Complete() bool {
	for _, kind := range AllKinds() {
		if _, ok := s[kind]; !ok {
			return false
		}
	}
	return true
}
