package chat

import (
	"fmt"
	"sort"
	"strings"

	"github.com/matheus3301/chatsync/internal/transport"
)

// ChannelID returns the id of the conversation between a and b. The result
// does not depend on argument order.
func ChannelID(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + "_" + b
}

// ValidUserID checks that id can name a channel participant. The channel
// separator is not allowed, so a channel id splits one way only.
func ValidUserID(id string) error {
	return checkUserID("userId", id)
}

func checkUserID(field, id string) error {
	if id == "" {
		return transport.Invalid(field, "must not be empty")
	}
	if strings.ContainsAny(id, "_/.") {
		return transport.Invalid(field, fmt.Sprintf("%q contains a reserved character", id))
	}
	return nil
}

// Participants returns the two users of channelID. ok is false unless
// channelID is exactly ChannelID(a, b) for two valid user ids.
func Participants(channelID string) (a, b string, ok bool) {
	a, b, found := strings.Cut(channelID, "_")
	if !found || ValidUserID(a) != nil || ValidUserID(b) != nil || ChannelID(a, b) != channelID {
		return "", "", false
	}
	return a, b, true
}

// Kind is the kind of content a message carries.
type Kind string

const (
	Text     Kind = "text"
	Image    Kind = "image"
	File     Kind = "file"
	Location Kind = "location"
	Contact  Kind = "contact"
)

// ImageContent is the payload of an image message.
type ImageContent struct {
	URL     string `json:"url"`
	Width   int    `json:"width,omitempty"`
	Height  int    `json:"height,omitempty"`
	Caption string `json:"caption,omitempty"`
}

// FileContent is the payload of a file message.
type FileContent struct {
	URL      string `json:"url"`
	Name     string `json:"name"`
	Size     int64  `json:"size,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
}

// LocationContent is the payload of a location message.
type LocationContent struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Label     string  `json:"label,omitempty"`
}

// ContactContent is the payload of a shared contact.
type ContactContent struct {
	Name  string `json:"name"`
	Phone string `json:"phone,omitempty"`
	Email string `json:"email,omitempty"`
}

// Content holds the kind-specific payload. Exactly the field matching the
// message kind is set; text messages carry none.
type Content struct {
	Image    *ImageContent    `json:"image,omitempty"`
	File     *FileContent     `json:"file,omitempty"`
	Location *LocationContent `json:"location,omitempty"`
	Contact  *ContactContent  `json:"contact,omitempty"`
}

func (c *Content) set() []Kind {
	if c == nil {
		return nil
	}
	var kinds []Kind
	if c.Image != nil {
		kinds = append(kinds, Image)
	}
	if c.File != nil {
		kinds = append(kinds, File)
	}
	if c.Location != nil {
		kinds = append(kinds, Location)
	}
	if c.Contact != nil {
		kinds = append(kinds, Contact)
	}
	return kinds
}

// Message is a chat message as stored on the transport.
type Message struct {
	ID         string                     `json:"id"`
	ChannelID  string                     `json:"channelId"`
	SenderID   string                     `json:"senderId"`
	ReceiverID string                     `json:"receiverId,omitempty"`
	Body       string                     `json:"body"`
	Timestamp  int64                      `json:"timestamp"` // unix ms
	Read       bool                       `json:"read"`
	ReadBy     map[string]bool            `json:"readBy,omitempty"`
	Kind       Kind                       `json:"kind"`
	Content    *Content                   `json:"content,omitempty"`
	ReplyTo    string                     `json:"replyTo,omitempty"`
	Reactions  map[string]map[string]bool `json:"reactions,omitempty"`
	Edited     bool                       `json:"edited"`
	EditedAt   int64                      `json:"editedAt,omitempty"`

	// Pending is set on local copies that the transport has not confirmed.
	Pending bool `json:"-"`
}

// HasReaction reports whether userID reacted to m with emoji.
func (m Message) HasReaction(emoji, userID string) bool {
	return m.Reactions[emoji][userID]
}

// Outgoing is what a caller provides to send a message.
type Outgoing struct {
	SenderID   string
	ReceiverID string
	Body       string
	Kind       Kind
	Content    *Content
	ReplyTo    string
}

// MaxBodyLen bounds the body of a message in bytes.
const MaxBodyLen = 4096

func (o *Outgoing) validate(channelID string) error {
	if channelID == "" {
		return transport.Invalid("channelId", "must not be empty")
	}
	if err := checkUserID("senderId", o.SenderID); err != nil {
		return err
	}
	if o.ReceiverID != "" {
		if err := checkUserID("receiverId", o.ReceiverID); err != nil {
			return err
		}
	}
	if o.ReceiverID != "" && ChannelID(o.SenderID, o.ReceiverID) != channelID {
		return transport.Invalid("channelId", fmt.Sprintf("%s is not the channel of %s and %s", channelID, o.SenderID, o.ReceiverID))
	}
	if len(o.Body) > MaxBodyLen {
		return transport.Invalid("body", fmt.Sprintf("longer than %d bytes", MaxBodyLen))
	}
	if o.Kind == "" {
		o.Kind = Text
	}
	kinds := o.Content.set()
	switch o.Kind {
	case Text:
		if strings.TrimSpace(o.Body) == "" {
			return transport.Invalid("body", "must not be empty")
		}
		if len(kinds) != 0 {
			return transport.Invalid("content", "text messages carry no content")
		}
	case Image, File, Location, Contact:
		if len(kinds) != 1 || kinds[0] != o.Kind {
			return transport.Invalid("content", fmt.Sprintf("%s message needs exactly %s content", o.Kind, o.Kind))
		}
	default:
		return transport.Invalid("kind", fmt.Sprintf("unknown kind %q", o.Kind))
	}
	return nil
}

func validEmoji(emoji string) error {
	if emoji == "" {
		return transport.Invalid("emoji", "must not be empty")
	}
	if strings.ContainsAny(emoji, "/.") {
		return transport.Invalid("emoji", "must not contain path separators")
	}
	return nil
}

// Sort orders messages by timestamp, oldest first. Equal timestamps fall
// back to the id, which is time-ordered and increases with every send.
func Sort(msgs []Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		if msgs[i].Timestamp != msgs[j].Timestamp {
			return msgs[i].Timestamp < msgs[j].Timestamp
		}
		return msgs[i].ID < msgs[j].ID
	})
}
