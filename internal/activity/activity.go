package activity

import (
	"fmt"

	"github.com/matheus3301/chatsync/internal/transport"
)

// Type is the kind of activity.
type Type string

const (
	Login       Type = "login"
	Logout      Type = "logout"
	PageView    Type = "page_view"
	Purchase    Type = "purchase"
	Review      Type = "review"
	Message     Type = "message"
	OrderUpdate Type = "order_update"
)

// Visibility controls who may see an activity.
type Visibility string

const (
	Public  Visibility = "public"
	Friends Visibility = "friends"
	Private Visibility = "private"
)

func (v Visibility) valid() bool {
	return v == Public || v == Friends || v == Private
}

type LoginData struct {
	Method   string `json:"method,omitempty"`
	Platform string `json:"platform,omitempty"`
}

type LogoutData struct {
	Reason string `json:"reason,omitempty"`
}

type PageViewData struct {
	Page       string `json:"page"`
	Referrer   string `json:"referrer,omitempty"`
	DurationMs int64  `json:"durationMs,omitempty"`
}

type PurchaseData struct {
	OrderID   string  `json:"orderId"`
	ProductID string  `json:"productId"`
	Amount    float64 `json:"amount"`
	Currency  string  `json:"currency,omitempty"`
}

type ReviewData struct {
	ProductID string `json:"productId"`
	Rating    int    `json:"rating"`
	Comment   string `json:"comment,omitempty"`
}

type MessageData struct {
	ChannelID string `json:"channelId"`
	MessageID string `json:"messageId,omitempty"`
}

type OrderUpdateData struct {
	OrderID string `json:"orderId"`
	Status  string `json:"status"`
}

// Data holds the payload of an activity. Exactly the field matching the
// activity type is set.
type Data struct {
	Login       *LoginData       `json:"login,omitempty"`
	Logout      *LogoutData      `json:"logout,omitempty"`
	PageView    *PageViewData    `json:"pageView,omitempty"`
	Purchase    *PurchaseData    `json:"purchase,omitempty"`
	Review      *ReviewData      `json:"review,omitempty"`
	Message     *MessageData     `json:"message,omitempty"`
	OrderUpdate *OrderUpdateData `json:"orderUpdate,omitempty"`
}

func (d Data) kinds() []Type {
	var out []Type
	if d.Login != nil {
		out = append(out, Login)
	}
	if d.Logout != nil {
		out = append(out, Logout)
	}
	if d.PageView != nil {
		out = append(out, PageView)
	}
	if d.Purchase != nil {
		out = append(out, Purchase)
	}
	if d.Review != nil {
		out = append(out, Review)
	}
	if d.Message != nil {
		out = append(out, Message)
	}
	if d.OrderUpdate != nil {
		out = append(out, OrderUpdate)
	}
	return out
}

// Event is one entry of a user's activity feed.
type Event struct {
	ID         string     `json:"id"`
	UserID     string     `json:"userId"`
	Type       Type       `json:"type"`
	Data       Data       `json:"data"`
	Timestamp  int64      `json:"timestamp"` // unix ms
	Visibility Visibility `json:"visibility"`
}

func validate(userID string, typ Type, data Data) error {
	if userID == "" {
		return transport.Invalid("userId", "must not be empty")
	}
	if !known(typ) {
		return transport.Invalid("type", fmt.Sprintf("unknown type %q", typ))
	}
	kinds := data.kinds()
	// login and logout may come without details.
	if len(kinds) == 0 && (typ == Login || typ == Logout) {
		return nil
	}
	if len(kinds) != 1 || kinds[0] != typ {
		return transport.Invalid("data", fmt.Sprintf("%s activity needs exactly %s data", typ, typ))
	}
	switch typ {
	case PageView:
		if data.PageView.Page == "" {
			return transport.Invalid("data.page", "must not be empty")
		}
	case Purchase:
		if data.Purchase.OrderID == "" {
			return transport.Invalid("data.orderId", "must not be empty")
		}
		if data.Purchase.Amount < 0 {
			return transport.Invalid("data.amount", "must not be negative")
		}
	case Review:
		if r := data.Review.Rating; r < 1 || r > 5 {
			return transport.Invalid("data.rating", fmt.Sprintf("%d is outside 1..5", r))
		}
	case Message:
		if data.Message.ChannelID == "" {
			return transport.Invalid("data.channelId", "must not be empty")
		}
	case OrderUpdate:
		if data.OrderUpdate.OrderID == "" || data.OrderUpdate.Status == "" {
			return transport.Invalid("data.orderUpdate", "needs orderId and status")
		}
	}
	return nil
}

func known(t Type) bool {
	switch t {
	case Login, Logout, PageView, Purchase, Review, Message, OrderUpdate:
		return true
	}
	return false
}
