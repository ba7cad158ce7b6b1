package queue

import (
	"cmp"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/CoteTommy/Weft-App-sub000/internal/model"
	"github.com/CoteTommy/Weft-App-sub000/internal/store"
	"github.com/santhosh-tekuri/jsonschema/v6"
	"go.uber.org/zap"
)

// Storage keys. The version suffix changes whenever the document shape does.
const (
	DocumentKey       = "weft.offline-queue.v2"
	LegacyDocumentKey = "weft.offline-queue.v1"

	blobPrefix = "queue:"

	// DefaultInlineCap is the largest attachment payload embedded in the
	// document without a warning when no blob store takes it.
	DefaultInlineCap = 512 << 10
)

// CodeQuota is the PersistResult code for a storage quota failure.
const CodeQuota = "quota"

// PersistResult is the outcome of writing the queue. It is a value rather
// than an error so callers can warn and keep the in-memory queue.
type PersistResult struct {
	OK      bool
	Code    string
	Message string
}

func persisted() PersistResult { return PersistResult{OK: true} }

// Storage is the versioned document store.
type Storage interface {
	Get(key string) (string, error)
	Set(key, value string) error
	Delete(key string) error
}

// BlobStore holds attachment payloads outside the document.
type BlobStore interface {
	PutBlob(key string, data []byte) error
	GetBlob(key string) ([]byte, error)
	DeleteBlob(key string) error
	BlobKeys(prefix string) ([]string, error)
}

// BlobKey names the blob holding attachment index of an entry.
func BlobKey(entryID string, index int) string {
	return fmt.Sprintf("%s%s:attachment:%d", blobPrefix, entryID, index)
}

type storedAttachment struct {
	Name       string `json:"name"`
	MimeType   string `json:"mime_type,omitempty"`
	SizeBytes  int64  `json:"size_bytes"`
	DataBase64 string `json:"data_base64,omitempty"`
	BlobKey    string `json:"blob_key,omitempty"`
}

type storedDraft struct {
	Text        string             `json:"text"`
	Attachments []storedAttachment `json:"attachments,omitempty"`
	Paper       *model.Paper       `json:"paper,omitempty"`
}

type storedEntry struct {
	Entry
	Draft storedDraft `json:"draft"`
}

type document struct {
	Version           int           `json:"version"`
	Entries           []storedEntry `json:"entries"`
	IgnoredMessageIDs []string      `json:"ignored_message_ids"`
}

// legacyEntry is the v1 shape: a bare array of entries with inline text
// and attachments.
type legacyEntry struct {
	ID          string             `json:"id"`
	ThreadID    string             `json:"threadId"`
	MessageID   string             `json:"messageId"`
	Text        string             `json:"text"`
	Attachments []model.Attachment `json:"attachments"`
	Attempts    int                `json:"attempts"`
	NextRetryAt int64              `json:"nextRetryAt"`
	Status      string             `json:"status"`
	LastError   string             `json:"lastError"`
	CreatedAt   int64              `json:"createdAt"`
}

const documentSchema = `{
	"type": "object",
	"required": ["version", "entries", "ignored_message_ids"],
	"properties": {
		"version": {"const": 2},
		"ignored_message_ids": {"type": "array", "items": {"type": "string"}},
		"entries": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["id", "source", "thread_id", "draft", "attempts", "next_retry_at_ms", "status"],
				"properties": {
					"id": {"type": "string", "minLength": 1},
					"source": {"enum": ["send_error", "failed_message"]},
					"thread_id": {"type": "string", "minLength": 1},
					"message_id": {"type": "string"},
					"attempts": {"type": "integer", "minimum": 0},
					"next_retry_at_ms": {"type": "integer"},
					"status": {"enum": ["queued", "sending", "paused"]},
					"last_error": {"type": "string"},
					"draft": {
						"type": "object",
						"required": ["text"],
						"properties": {
							"text": {"type": "string"},
							"attachments": {
								"type": "array",
								"items": {
									"type": "object",
									"required": ["name"],
									"properties": {
										"name": {"type": "string"},
										"size_bytes": {"type": "integer", "minimum": 0},
										"data_base64": {"type": "string"},
										"blob_key": {"type": "string"}
									}
								}
							}
						}
					}
				}
			}
		}
	}
}`

func compileSchema() (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(documentSchema))
	if err != nil {
		return nil, err
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("offline-queue.json", doc); err != nil {
		return nil, err
	}
	return c.Compile("offline-queue.json")
}

// Persister reads and writes the queue document.
type Persister struct {
	kv        Storage
	blobs     BlobStore
	inlineCap int
	schema    *jsonschema.Schema
	logger    *zap.Logger
}

// NewPersister builds a persister. blobs may be nil, in which case every
// attachment is embedded inline.
func NewPersister(kv Storage, blobs BlobStore, inlineCap int, logger *zap.Logger) (*Persister, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if inlineCap <= 0 {
		inlineCap = DefaultInlineCap
	}
	schema, err := compileSchema()
	if err != nil {
		return nil, fmt.Errorf("compile queue schema: %w", err)
	}
	return &Persister{kv: kv, blobs: blobs, inlineCap: inlineCap, schema: schema, logger: logger}, nil
}

// Persist writes entries and the ignored id set. Attachment payloads go to
// the blob store when it accepts them and inline otherwise. Blobs no longer
// referenced by any entry are pruned after a successful write.
func (p *Persister) Persist(entries []Entry, ignored []string) PersistResult {
	doc := document{Version: 2, Entries: make([]storedEntry, 0, len(entries)), IgnoredMessageIDs: ignored}
	if doc.IgnoredMessageIDs == nil {
		doc.IgnoredMessageIDs = []string{}
	}
	live := make(map[string]struct{})
	for _, e := range entries {
		se := storedEntry{Entry: e, Draft: storedDraft{Text: e.Draft.Text, Paper: e.Draft.Paper}}
		for i, a := range e.Draft.Attachments {
			sa := storedAttachment{Name: a.Name, MimeType: a.MimeType, SizeBytes: a.SizeBytes}
			if key, ok := p.putBlob(e.ID, i, a); ok {
				sa.BlobKey = key
				live[key] = struct{}{}
			} else {
				if len(a.DataBase64) > p.inlineCap {
					p.logger.Warn("inline attachment exceeds cap",
						zap.String("entry_id", e.ID),
						zap.Int("index", i),
						zap.Int("bytes", len(a.DataBase64)),
						zap.Int("cap", p.inlineCap))
				}
				sa.DataBase64 = a.DataBase64
			}
			se.Draft.Attachments = append(se.Draft.Attachments, sa)
		}
		doc.Entries = append(doc.Entries, se)
	}

	raw, err := json.Marshal(doc)
	if err != nil {
		return PersistResult{Code: "encode", Message: err.Error()}
	}
	if err := p.kv.Set(DocumentKey, string(raw)); err != nil {
		if errors.Is(err, store.ErrQuotaExceeded) {
			return PersistResult{Code: CodeQuota, Message: err.Error()}
		}
		return PersistResult{Code: "storage", Message: err.Error()}
	}
	p.pruneBlobs(live)
	return persisted()
}

func (p *Persister) putBlob(entryID string, i int, a model.Attachment) (string, bool) {
	if p.blobs == nil || a.DataBase64 == "" {
		return "", false
	}
	data, err := base64.StdEncoding.DecodeString(a.DataBase64)
	if err != nil {
		return "", false
	}
	key := BlobKey(entryID, i)
	if err := p.blobs.PutBlob(key, data); err != nil {
		p.logger.Warn("blob store rejected attachment", zap.String("key", key), zap.Error(err))
		return "", false
	}
	return key, true
}

func (p *Persister) pruneBlobs(live map[string]struct{}) {
	if p.blobs == nil {
		return
	}
	keys, err := p.blobs.BlobKeys(blobPrefix)
	if err != nil {
		p.logger.Warn("list queue blobs", zap.Error(err))
		return
	}
	for _, k := range keys {
		if _, ok := live[k]; ok {
			continue
		}
		if err := p.blobs.DeleteBlob(k); err != nil {
			p.logger.Warn("prune queue blob", zap.String("key", k), zap.Error(err))
		}
	}
}

// Load reads the queue. A legacy document is converted, rewritten under
// the current key, and then deleted. Entries left in flight by a previous
// process are requeued.
func (p *Persister) Load(nowMs int64) ([]Entry, []string, error) {
	raw, err := p.kv.Get(DocumentKey)
	if errors.Is(err, store.ErrNotFound) {
		return p.loadLegacy(nowMs)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("read queue: %w", err)
	}

	inst, err := jsonschema.UnmarshalJSON(strings.NewReader(raw))
	if err != nil {
		return nil, nil, fmt.Errorf("decode queue: %w", err)
	}
	if err := p.schema.Validate(inst); err != nil {
		return nil, nil, fmt.Errorf("validate queue: %w", err)
	}
	var doc document
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return nil, nil, fmt.Errorf("decode queue: %w", err)
	}

	entries := make([]Entry, 0, len(doc.Entries))
	for _, se := range doc.Entries {
		e := se.Entry
		e.Draft = Draft{Text: se.Draft.Text, Paper: se.Draft.Paper}
		complete := true
		for _, sa := range se.Draft.Attachments {
			a := model.Attachment{Name: sa.Name, MimeType: sa.MimeType, SizeBytes: sa.SizeBytes, DataBase64: sa.DataBase64}
			if sa.BlobKey != "" {
				data, err := p.getBlob(sa.BlobKey)
				if err != nil {
					p.logger.Warn("queue attachment blob missing",
						zap.String("entry_id", e.ID), zap.String("key", sa.BlobKey), zap.Error(err))
					complete = false
					break
				}
				a.DataBase64 = base64.StdEncoding.EncodeToString(data)
			}
			e.Draft.Attachments = append(e.Draft.Attachments, a)
		}
		if !complete {
			continue
		}
		if e.Status == StatusSending {
			e.Status = StatusQueued
		}
		entries = append(entries, e)
	}
	return entries, doc.IgnoredMessageIDs, nil
}

func (p *Persister) getBlob(key string) ([]byte, error) {
	if p.blobs == nil {
		return nil, errors.New("no blob store")
	}
	return p.blobs.GetBlob(key)
}

func (p *Persister) loadLegacy(nowMs int64) ([]Entry, []string, error) {
	raw, err := p.kv.Get(LegacyDocumentKey)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("read legacy queue: %w", err)
	}
	var legacy []legacyEntry
	if err := json.Unmarshal([]byte(raw), &legacy); err != nil {
		return nil, nil, fmt.Errorf("decode legacy queue: %w", err)
	}

	entries := make([]Entry, 0, len(legacy))
	for _, l := range legacy {
		if l.ID == "" || l.ThreadID == "" {
			continue
		}
		e := Entry{
			ID:            l.ID,
			Source:        SourceSendError,
			ThreadID:      l.ThreadID,
			MessageID:     l.MessageID,
			Draft:         Draft{Text: l.Text, Attachments: l.Attachments},
			Attempts:      l.Attempts,
			NextRetryAtMs: l.NextRetryAt,
			Status:        StatusQueued,
			LastError:     l.LastError,
			ReasonCode:    model.ReasonCodeFromDetail(l.LastError),
			CreatedAtMs:   cmp.Or(l.CreatedAt, nowMs),
			UpdatedAtMs:   nowMs,
		}
		if strings.HasPrefix(l.ID, "failed:") {
			e.Source = SourceFailedMessage
		}
		if l.Status == string(StatusPaused) || e.Attempts >= MaxAutoRetryAttempts {
			e.Status = StatusPaused
		}
		entries = append(entries, e)
	}

	if res := p.Persist(entries, nil); !res.OK {
		return nil, nil, fmt.Errorf("migrate legacy queue: %s: %s", res.Code, res.Message)
	}
	if err := p.kv.Delete(LegacyDocumentKey); err != nil {
		p.logger.Warn("delete legacy queue", zap.Error(err))
	}
	p.logger.Info("migrated legacy queue", zap.Int("entries", len(entries)))
	return entries, nil, nil
}
