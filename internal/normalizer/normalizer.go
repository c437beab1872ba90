// Package normalizer applies the per-provider-family URL and header
// rules described in spec.md §4.1. It is the only place in the module
// that knows those rules, and it is pure: no I/O, total over any input
// string, and idempotent.
package normalizer

import (
	"net/url"
	"strings"

	"github.com/PayRpc/ton-rpc-manager/internal/config"
)

const jsonRPCSuffix = "/jsonRPC"

// Normalize returns the exact URL to POST a JSON-RPC request to, given
// a ResolvedProvider's raw endpoint and whether an API key is present
// for it (hasKey covers both in-path keys already substituted and
// header-credential keys still to be attached via Headers).
func Normalize(pt config.ProviderType, rawURL string, hasKey bool) string {
	trimmed := trimOneTrailingSlash(rawURL)
	trimmed = rewriteV3ToV2JSONRPC(trimmed)

	switch pt {
	case config.ProviderOnfinality:
		return normalizeOnfinality(trimmed, hasKey)
	case config.ProviderOrbs:
		return normalizeOrbs(trimmed, hasKey)
	case config.ProviderToncenter, config.ProviderChainstack, config.ProviderQuicknode,
		config.ProviderGetblock, config.ProviderTatum, config.ProviderAnkr, config.ProviderTonhub:
		return appendJSONRPCIfMissing(trimmed)
	default:
		return normalizeCustom(trimmed)
	}
}

// Headers returns the auth headers the normalizer knows to attach for
// the given family, given the materialized API key (empty if none).
func Headers(pt config.ProviderType, apiKey string) map[string]string {
	if apiKey == "" {
		switch pt {
		case config.ProviderOnfinality:
			return nil // /public path, no key
		default:
			return nil
		}
	}
	switch pt {
	case config.ProviderGetblock:
		return map[string]string{"x-api-key": apiKey}
	case config.ProviderTatum:
		return map[string]string{"x-api-key": apiKey}
	case config.ProviderOnfinality:
		return map[string]string{"apikey": apiKey}
	case config.ProviderCustom:
		return map[string]string{"x-api-key": apiKey}
	default:
		return nil
	}
}

func trimOneTrailingSlash(s string) string {
	return strings.TrimSuffix(s, "/")
}

// rewriteV3ToV2JSONRPC implements the generic rule: a path ending
// "/api/v3" targets v2 instead, already carrying the jsonRPC suffix.
func rewriteV3ToV2JSONRPC(s string) string {
	if strings.HasSuffix(s, "/api/v3") {
		return strings.TrimSuffix(s, "/api/v3") + "/api/v2" + jsonRPCSuffix
	}
	return s
}

// hasJSONRPCSuffix matches "/jsonrpc" case-insensitively, per spec.md's
// canonicalization note.
func hasJSONRPCSuffix(s string) bool {
	return len(s) >= len(jsonRPCSuffix) && strings.EqualFold(s[len(s)-len(jsonRPCSuffix):], jsonRPCSuffix)
}

// appendJSONRPCIfMissing canonicalizes an existing case-insensitive
// match to "/jsonRPC" and appends it otherwise. Idempotent by
// construction: a string already ending in the suffix is returned as-is
// apart from case canonicalization, and canonicalizing twice is a no-op.
func appendJSONRPCIfMissing(s string) string {
	if hasJSONRPCSuffix(s) {
		return s[:len(s)-len(jsonRPCSuffix)] + jsonRPCSuffix
	}
	return s + jsonRPCSuffix
}

// normalizeCustom: append jsonRPC on an empty/root path, canonicalize a
// URL already ending jsonrpc (any case) to "/jsonRPC"; any other path
// also gets the suffix appended rather than left untouched. The rule
// looks only at the string's suffix, never at a parsed path, so input
// that does not parse as a URL is handled the same way and the function
// stays total and idempotent.
func normalizeCustom(s string) string {
	return appendJSONRPCIfMissing(s)
}

// normalizeOrbs takes the (already dynamically discovered, by a caller
// that ran the discovery step before calling Normalize) URL as-is when
// it already ends "/api/v2"; otherwise it falls back to the generic
// custom rule.
func normalizeOrbs(s string, hasKey bool) string {
	if strings.HasSuffix(s, "/api/v2") {
		return s
	}
	return normalizeCustom(s)
}

// normalizeOnfinality strips any query string and one trailing "/rpc"
// or "/public", then appends "/rpc" (api key configured) or "/public"
// (no key). The rest of the path is kept. Because a previously appended
// suffix is stripped before the new one is added, re-normalizing an
// already-normalized URL reproduces it exactly.
func normalizeOnfinality(s string, hasKey bool) string {
	root := s
	if idx := strings.IndexByte(root, '?'); idx >= 0 {
		root = root[:idx]
	}
	root = strings.TrimSuffix(root, "/rpc")
	root = strings.TrimSuffix(root, "/public")
	root = trimOneTrailingSlash(root)

	if hasKey {
		return root + "/rpc"
	}
	return root + "/public"
}

// pathOf extracts the URL path, tolerating non-URL input: a parse
// failure yields everything after the first single slash following the
// scheme, approximated by returning "" so callers treat it as root.
func pathOf(s string) string {
	u, err := url.Parse(s)
	if err != nil || u.Path == "" {
		return ""
	}
	return u.Path
}
