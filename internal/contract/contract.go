// Package contract validates untrusted payloads from the mesh daemon into
// typed records. Every field type is checked explicitly; nothing is coerced.
package contract

import (
	"github.com/CoteTommy/Weft-App-sub000/internal/model"
	"github.com/tidwall/gjson"
)

// ThreadPage is one page of authoritative thread summaries. A nil
// NextCursor means the listing is exhausted.
type ThreadPage struct {
	Items      []model.Thread
	NextCursor *string
}

// MessagePage is one page of messages for a thread, oldest first.
type MessagePage struct {
	Items      []model.Message
	NextCursor *string
}

// ParseThreadPage validates a thread page response.
func ParseThreadPage(raw []byte) (ThreadPage, error) {
	const name = "thread_page"
	root, err := parseRoot(raw, name)
	if err != nil {
		return ThreadPage{}, err
	}
	items, err := requireArray(root, name, "items")
	if err != nil {
		return ThreadPage{}, err
	}
	page := ThreadPage{Items: make([]model.Thread, 0, len(items))}
	for i, item := range items {
		t, err := parseThread(item, index(at(name, "items"), i))
		if err != nil {
			return ThreadPage{}, err
		}
		page.Items = append(page.Items, t)
	}
	if page.NextCursor, err = nullableString(root, name, "next_cursor"); err != nil {
		return ThreadPage{}, err
	}
	return page, nil
}

// ParseThread validates a single thread summary record.
func ParseThread(raw []byte) (model.Thread, error) {
	const name = "thread"
	root, err := parseRoot(raw, name)
	if err != nil {
		return model.Thread{}, err
	}
	return parseThread(root, name)
}

func parseThread(obj gjson.Result, path string) (model.Thread, error) {
	if !obj.IsObject() {
		return model.Thread{}, fail(path, "must be an object")
	}
	var t model.Thread
	var err error
	if t.ID, err = requireNonEmptyString(obj, path, "id"); err != nil {
		return t, err
	}
	name, err := optionalString(obj, path, "name")
	if err != nil {
		return t, err
	}
	if name != nil && *name != "" {
		t.Name = *name
	} else {
		t.Name = t.ID
	}
	if t.LastActivityAtMs, err = requireInt(obj, path, "last_activity_at_ms"); err != nil {
		return t, err
	}
	unread, ok, err := optionalInt(obj, path, "unread_count")
	if err != nil {
		return t, err
	}
	if ok {
		if unread < 0 {
			return t, fail(at(path, "unread_count"), "must not be negative")
		}
		t.Unread = int(unread)
	}
	preview, err := optionalString(obj, path, "preview")
	if err != nil {
		return t, err
	}
	if preview != nil {
		t.Preview = *preview
	}
	return t, nil
}

// ParseMessagePage validates a message page response for threadID.
func ParseMessagePage(raw []byte, threadID string) (MessagePage, error) {
	const name = "message_page"
	root, err := parseRoot(raw, name)
	if err != nil {
		return MessagePage{}, err
	}
	items, err := requireArray(root, name, "items")
	if err != nil {
		return MessagePage{}, err
	}
	page := MessagePage{Items: make([]model.Message, 0, len(items))}
	for i, item := range items {
		m, err := parseMessage(item, index(at(name, "items"), i), "")
		if err != nil {
			return MessagePage{}, err
		}
		if m.ThreadID == "" {
			m.ThreadID = threadID
		}
		page.Items = append(page.Items, m)
	}
	if page.NextCursor, err = nullableString(root, name, "next_cursor"); err != nil {
		return MessagePage{}, err
	}
	return page, nil
}

// ParseMessage validates a single message record.
func ParseMessage(raw []byte) (model.Message, error) {
	const name = "message"
	root, err := parseRoot(raw, name)
	if err != nil {
		return model.Message{}, err
	}
	return parseMessage(root, name, "")
}

// parseMessage reads a message record. A non-empty role overrides the
// record's own direction field, which is then optional.
func parseMessage(obj gjson.Result, path string, role model.Role) (model.Message, error) {
	if !obj.IsObject() {
		return model.Message{}, fail(path, "must be an object")
	}
	var m model.Message
	var err error
	if m.ID, err = requireNonEmptyString(obj, path, "id"); err != nil {
		return m, err
	}
	threadID, err := optionalString(obj, path, "thread_id")
	if err != nil {
		return m, err
	}
	if threadID != nil {
		m.ThreadID = *threadID
	}

	if role != "" {
		m.Role = role
	} else {
		dir, err := requireString(obj, path, "direction")
		if err != nil {
			return m, err
		}
		switch dir {
		case "inbound":
			m.Role = model.RolePeer
		case "outbound":
			m.Role = model.RoleSelf
		default:
			return m, fail(at(path, "direction"), `must be "inbound" or "outbound"`)
		}
	}

	author, err := optionalString(obj, path, "author")
	if err != nil {
		return m, err
	}
	if author != nil {
		m.Author = *author
	}
	if m.Body, err = requireString(obj, path, "body"); err != nil {
		return m, err
	}
	if m.SentAtMs, err = requireInt(obj, path, "timestamp_ms"); err != nil {
		return m, err
	}

	kind, err := optionalString(obj, path, "kind")
	if err != nil {
		return m, err
	}
	if kind != nil {
		switch k := model.MessageKind(*kind); k {
		case model.KindMessage, model.KindReaction, model.KindLocation, model.KindCommand:
			m.Kind = k
		default:
			return m, fail(at(path, "kind"), "must be one of message, reaction, location, command")
		}
	}

	if m.Attachments, err = parseAttachments(obj, path); err != nil {
		return m, err
	}
	if m.Paper, err = parsePaper(obj, path); err != nil {
		return m, err
	}

	status, err := optionalString(obj, path, "status")
	if err != nil {
		return m, err
	}
	if status != nil && m.Role == model.RoleSelf {
		m.StatusDetail = *status
		m.Status = model.DeliveryStatusFromBackend(*status)
		if m.Status == model.StatusFailed {
			m.ReasonCode = model.ReasonCodeFromDetail(*status)
		}
	}
	return m, nil
}

func parseAttachments(obj gjson.Result, path string) ([]model.Attachment, error) {
	items, err := optionalArray(obj, path, "attachments")
	if err != nil || len(items) == 0 {
		return nil, err
	}
	out := make([]model.Attachment, 0, len(items))
	for i, item := range items {
		p := index(at(path, "attachments"), i)
		if !item.IsObject() {
			return nil, fail(p, "must be an object")
		}
		var a model.Attachment
		if a.Name, err = requireString(item, p, "name"); err != nil {
			return nil, err
		}
		mime, err := optionalString(item, p, "mime_type")
		if err != nil {
			return nil, err
		}
		if mime != nil {
			a.MimeType = *mime
		}
		size, ok, err := optionalInt(item, p, "size_bytes")
		if err != nil {
			return nil, err
		}
		if ok {
			if size < 0 {
				return nil, fail(at(p, "size_bytes"), "must not be negative")
			}
			a.SizeBytes = size
		}
		data, err := optionalString(item, p, "data_base64")
		if err != nil {
			return nil, err
		}
		if data != nil {
			a.DataBase64 = *data
		}
		out = append(out, a)
	}
	return out, nil
}

func parsePaper(obj gjson.Result, path string) (*model.Paper, error) {
	r := obj.Get("paper")
	if !r.Exists() || isNull(r) {
		return nil, nil
	}
	p := at(path, "paper")
	if !r.IsObject() {
		return nil, fail(p, "must be an object or null")
	}
	var paper model.Paper
	var err error
	if paper.URI, err = requireNonEmptyString(r, p, "uri"); err != nil {
		return nil, err
	}
	title, err := optionalString(r, p, "title")
	if err != nil {
		return nil, err
	}
	if title != nil {
		paper.Title = *title
	}
	category, err := optionalString(r, p, "category")
	if err != nil {
		return nil, err
	}
	if category != nil {
		paper.Category = *category
	}
	return &paper, nil
}
