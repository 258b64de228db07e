// WAGateway - WhatsApp-style connection gateway
// Copyright (c) 2026 VertexHub
// Licensed under MIT License
// https://github.com/wavault/wagateway

package core

// singleByteTokens is the primary token table: strings frequent enough in
// the wire protocol to earn a one-byte encoding. Index 0 holds the empty
// string and is never used as a token; indices must stay below 0xF8 so they never
// collide with the control markers in binary.go.
var singleByteTokens = []string{
	"",
	"1", "2", "3", "4", "5", "6", "7", "8", "9", "10", "11", "12", "13", "14", "15",
	"16", "17", "18", "19", "20", "21", "22", "23", "24", "25", "26", "27", "28", "29", "30",
	"account", "ack", "action", "active", "add", "after", "all", "allow", "and", "android",
	"available", "before", "block", "body",
	"call", "call-creator", "call-id", "cancel", "chat", "child", "clear",
	"code", "config", "contact", "contacts", "count", "create", "creator",
	"decrypt", "delete", "demote", "description", "device", "devices",
	"done", "edit", "encrypt", "end", "ephemeral",
	"error", "event", "exit", "failure", "false", "file",
	"format", "from", "full", "g.us", "get", "gif", "group", "groups",
	"hash", "height", "host", "id", "image", "in", "inactive", "index", "info",
	"invite", "ios", "iq", "is", "item", "items", "jid", "keep",
	"key", "keys", "kind", "large", "last", "leave", "limit",
	"list", "live", "location", "md", "media",
	"member", "message", "messages", "meta", "mime",
	"modify", "msg", "mute", "name", "network", "new", "news", "none",
	"not", "notification", "notify", "number", "of", "offline", "opt", "order", "out",
	"owner", "paid", "pairing", "participant", "participants",
	"phone", "photo", "picture", "pin", "platform", "pn", "preview", "previous",
	"primary", "private", "promote", "props", "protocol", "push", "query",
	"quit", "quote", "rate", "read", "reason", "receipt", "received", "recipient", "remove",
	"removed", "reply", "report", "request", "require", "reset", "resource", "result",
	"retry", "revoke", "s.whatsapp.net", "screen", "search", "sec", "secret", "seen",
	"selected", "self", "sender", "serial", "server", "session", "set", "settings",
	"share", "short", "side", "sig", "silent", "size", "slow",
	"source", "start", "status",
	"storage", "store", "stop", "subject", "subscribe", "success", "sync",
	"system", "t", "tag", "taken", "target", "template", "terminate", "text", "thread",
	"ticket", "time", "timestamp", "to", "token", "true", "type", "unavailable", "undefined",
	"unique", "unknown", "unlock", "unread", "until", "update", "upgrade", "url", "user",
	"users", "v", "value", "version", "video", "voip", "wa", "web", "width",
	"write", "xmlns", "xmpp", "you",
}

// doubleByteTokens is the secondary dictionary for strings common enough
// to warrant interning but too numerous for the single-byte table. Encoded
// on the wire as [markerDoubleByte, index].
var doubleByteTokens = []string{
	"urn:xmpp:ping", "urn:xmpp:whatsapp:push", "urn:xmpp:whatsapp:dirty",
	"urn:xmpp:whatsapp:account", "urn:xmpp:whatsapp:sync", "urn:xmpp:whatsapp:mms",
	"w:profile:picture", "w:b", "w:m", "w:p", "w:p:r", "w:stats", "w:sync:app:state",
	"w:biz", "w:biz:catalog", "w:biz:cart", "w:gp2", "w:gp", "w:g2", "w:web",
	"w:web:presence", "encrypt:0", "encrypt:1", "digest:0", "digest:1",
	"urn:ietf:params:xml:ns:xmpp-stanzas", "urn:xmpp:whatsapp:pairing",
	"device-pairing-data", "pair-device", "pair-success", "pair_device_sign",
	"pair_device_sign_1", "passive", "signature", "primary_identity_pub",
	"primary_device_identity_key", "device_identity", "DEVICE_IDENTITY",
	"business_name", "verified_name", "facebook", "biz_secure", "is_me",
	"is_primary", "stream:error", "stream:features", "xmlns:stream",
	"com.whatsapp", "urn:xmpp:whatsapp:dirty:push", "conflict", "replaced",
	"shutdown", "system-shutdown", "ping", "internal-server-error",
	"service-unavailable", "bad-request", "smax", "smbiz", "merry", "sf", "shake",
	"sky", "live_location", "biz",
	"announce", "archive", "battery", "broadcast", "caption", "composing",
	"disappearing", "download", "elapsed", "encoding", "exposure", "fan_out",
	"filename", "interactive", "keyvalue", "linked", "locked", "media_type",
	"mirror", "newsletter", "paused", "phash", "pinned", "pushname", "sponsor",
	"srcjid", "starred", "sticky", "webp", "years",
}

// tokenIndexSingle and tokenIndexDouble give reverse lookups, built once at
// package init rather than scanned linearly on every encode.
var tokenIndexSingle = buildIndex(singleByteTokens)
var tokenIndexDouble = buildIndex(doubleByteTokens)

func buildIndex(table []string) map[string]int {
	idx := make(map[string]int, len(table))
	for i, s := range table {
		if s == "" {
			continue
		}
		if _, exists := idx[s]; !exists {
			idx[s] = i
		}
	}
	return idx
}

func init() {
	if len(singleByteTokens) > markerDoubleByte {
		panic("core: singleByteTokens overflows the single-byte index space")
	}
	if len(doubleByteTokens) > 0xFF {
		panic("core: doubleByteTokens overflows the double-byte index space")
	}
}
