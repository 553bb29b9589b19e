package ledger

import (
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"suimessenger/internal/domain"
)

// Functions and events of the messaging package
const (
	FnCreateConversation = "create_conversation"
	FnSendMessage        = "send_message"

	EventConversationCreated = "ConversationCreated"
	EventMessageSent         = "MessageSent"
)

// MapTableEntry classifies a raw keyed-table response. It does not decode the entry value.
func MapTableEntry(value domain.StructuredValue) TableEntry {
	entry := TableEntry{Kind: EntryStructured, Value: value}

	if encoded, ok := dig(value, "bcs", "bcsBytes").(string); ok {
		if raw, err := base64.StdEncoding.DecodeString(encoded); err == nil {
			entry.Raw = raw
		}
	}

	if fields, ok := asMap(dig(value, "content", "fields")); ok {
		entry.Value = fields
		return entry
	}
	if entry.Raw != nil {
		entry.Kind = EntryRaw
		entry.Value = nil
	}
	return entry
}

// MapKeyServer maps a key server object
func MapKeyServer(id domain.ObjectID, value domain.StructuredValue) (KeyServerInfo, error) {
	fields, ok := asMap(dig(value, "content", "fields"))
	if !ok {
		fields = value
	}

	info := KeyServerInfo{ObjectID: id, Weight: 1}

	name, _ := fields["name"].(string)
	url, _ := fields["url"].(string)
	if url == "" {
		return info, fmt.Errorf("key server %s: missing url", id)
	}
	info.Name, info.URL = name, url

	pk, err := Bytes(fields["pk"])
	if err != nil || len(pk) == 0 {
		return info, fmt.Errorf("key server %s: invalid public key", id)
	}
	info.PublicKey = pk

	if w, ok := fields["weight"]; ok {
		weight, err := Int64(w)
		if err != nil || weight < 1 {
			return info, fmt.Errorf("key server %s: invalid weight", id)
		}
		info.Weight = int(weight)
	}
	return info, nil
}

// MapCreatedScope extracts the registered conversation id from a creation confirmation
func MapCreatedScope(conf *domain.Confirmation) (domain.ObjectID, error) {
	if conf == nil {
		return domain.ObjectID{}, fmt.Errorf("empty confirmation")
	}
	for _, ev := range conf.Events {
		if !IsEventType(ev.Type, EventConversationCreated) {
			continue
		}
		raw, ok := ev.Fields["conversation_id"].(string)
		if !ok {
			return domain.ObjectID{}, fmt.Errorf("confirmation %s: conversation_id missing", conf.ID)
		}
		return domain.ParseObjectID(raw)
	}
	return domain.ObjectID{}, fmt.Errorf("confirmation %s: no %s event", conf.ID, EventConversationCreated)
}

// MapMessageEvent maps a MessageSent event onto an envelope
func MapMessageEvent(ev domain.Event) (domain.MessageEnvelope, error) {
	var env domain.MessageEnvelope
	if !IsEventType(ev.Type, EventMessageSent) {
		return env, fmt.Errorf("event %s: unexpected type %s", ev.ID, ev.Type)
	}
	f := ev.Fields
	env.ID = ev.ID

	var err error
	if env.Scope, err = objectField(f, "conversation_id"); err != nil {
		return env, fmt.Errorf("event %s: %w", ev.ID, err)
	}
	if env.Sender, err = identityField(f, "sender"); err != nil {
		return env, fmt.Errorf("event %s: %w", ev.ID, err)
	}
	if env.Recipient, err = identityField(f, "recipient"); err != nil {
		return env, fmt.Errorf("event %s: %w", ev.ID, err)
	}

	blobID, _ := f["blob_id"].(string)
	if blobID == "" {
		return env, fmt.Errorf("event %s: blob_id missing", ev.ID)
	}
	env.Blob.ContentID = blobID
	if v, ok := f["blob_size"]; ok {
		if env.Blob.SizeBytes, err = Int64(v); err != nil {
			return env, fmt.Errorf("event %s: blob_size: %w", ev.ID, err)
		}
	}
	if v, ok := f["ttl_epochs"]; ok {
		epochs, err := Int64(v)
		if err != nil {
			return env, fmt.Errorf("event %s: ttl_epochs: %w", ev.ID, err)
		}
		env.Blob.TTLEpochs = int(epochs)
	}

	hashHex, _ := f["plaintext_hash"].(string)
	if env.PlaintextHash, err = domain.ParsePlaintextHash(strings.TrimPrefix(hashHex, "0x")); err != nil {
		return env, fmt.Errorf("event %s: plaintext_hash: %w", ev.ID, err)
	}

	if v, ok := f["sidecar"]; ok && v != nil {
		if env.EncryptedSidecar, err = Bytes(v); err != nil {
			return env, fmt.Errorf("event %s: sidecar: %w", ev.ID, err)
		}
	}

	env.CreatedAtSeconds = ev.TimestampMs / 1000
	if v, ok := f["created_at"]; ok {
		if env.CreatedAtSeconds, err = Int64(v); err != nil {
			return env, fmt.Errorf("event %s: created_at: %w", ev.ID, err)
		}
	}
	env.ReadFlag, _ = f["read"].(bool)

	return env, nil
}

// IsEventType matches a bare event name against a possibly fully-qualified type
func IsEventType(got, name string) bool {
	return got == name || strings.HasSuffix(got, "::"+name)
}

// Int64 accepts the number encodings ledger responses use
func Int64(v any) (int64, error) {
	switch n := v.(type) {
	case int:
		return int64(n), nil
	case int64:
		return n, nil
	case uint64:
		return int64(n), nil
	case float64:
		return int64(n), nil
	case json.Number:
		return n.Int64()
	case string:
		return strconv.ParseInt(n, 10, 64)
	default:
		return 0, fmt.Errorf("unsupported number %T", v)
	}
}

// Bytes accepts base64 strings, 0x-hex strings, byte slices and number arrays
func Bytes(v any) ([]byte, error) {
	switch b := v.(type) {
	case []byte:
		return b, nil
	case string:
		if strings.HasPrefix(b, "0x") {
			return hex.DecodeString(b[2:])
		}
		return base64.StdEncoding.DecodeString(b)
	case []any:
		out := make([]byte, len(b))
		for i, item := range b {
			n, err := Int64(item)
			if err != nil || n < 0 || n > 255 {
				return nil, fmt.Errorf("byte %d out of range", i)
			}
			out[i] = byte(n)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported bytes %T", v)
	}
}

func objectField(f domain.StructuredValue, key string) (domain.ObjectID, error) {
	raw, ok := f[key].(string)
	if !ok {
		return domain.ObjectID{}, fmt.Errorf("%s missing", key)
	}
	return domain.ParseObjectID(raw)
}

func identityField(f domain.StructuredValue, key string) (domain.Identity, error) {
	raw, ok := f[key].(string)
	if !ok {
		return domain.Identity{}, fmt.Errorf("%s missing", key)
	}
	return domain.ParseIdentity(raw)
}

func dig(value map[string]any, path ...string) any {
	var cur any = value
	for _, key := range path {
		m, ok := asMap(cur)
		if !ok {
			return nil
		}
		cur = m[key]
	}
	return cur
}

func asMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case domain.StructuredValue:
		return m, true
	default:
		return nil, false
	}
}
