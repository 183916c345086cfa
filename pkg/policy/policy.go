// Package policy implements the two optional pre/post-fetch gates of
// spec §4.5: a URI policy evaluated before a fetch begins, and a
// checkpoint policy evaluated after response headers are known but before
// the processor runs.
package policy

import (
	"context"
	"net/url"
	"strings"
	"unicode"

	"github.com/rs/zerolog"

	"github.com/nevali/crawl/pkg/object"
)

// RejectedStatus is the status a checkpoint policy substitutes for a
// response whose content type is rejected by the whitelist/blacklist.
const RejectedStatus = 406

// List is a case-insensitive set of scheme or content-type names, parsed
// from a single delimited configuration string. Delimiters are any
// whitespace, comma, or semicolon, matching the reference implementation's
// policy_create_list.
type List []string

// ParseList splits s on whitespace, commas, and semicolons into a List. An
// empty or all-delimiter string yields an empty, non-nil List.
func ParseList(s string) List {
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return unicode.IsSpace(r) || r == ',' || r == ';'
	})

	list := make(List, 0, len(fields))
	list = append(list, fields...)

	return list
}

// Contains reports whether s is present in the list, case-insensitively.
func (l List) Contains(s string) bool {
	for _, v := range l {
		if strings.EqualFold(v, s) {
			return true
		}
	}

	return false
}

// URIPolicy gates a URI before it is fetched, matching its scheme against
// an optional whitelist and an optional blacklist.
//
// Grounded on original_source/daemon/policy.c's policy_uri: a non-empty
// whitelist must contain the scheme; a blacklist, if present, must not.
type URIPolicy struct {
	SchemesWhitelist List
	SchemesBlacklist List
}

// NewURIPolicy constructs a URIPolicy from parsed scheme lists.
func NewURIPolicy(whitelist, blacklist List) *URIPolicy {
	return &URIPolicy{SchemesWhitelist: whitelist, SchemesBlacklist: blacklist}
}

// Allow reports whether uri may proceed to a fetch. uristr is the raw,
// pre-parse string form, used only for logging.
func (p *URIPolicy) Allow(ctx context.Context, uri *url.URL, uristr string) bool {
	if p == nil {
		return true
	}

	log := zerolog.Ctx(ctx)
	scheme := uri.Scheme

	if len(p.SchemesWhitelist) > 0 && !p.SchemesWhitelist.Contains(scheme) {
		log.Info().Str("uri", uristr).Str("scheme", scheme).
			Msg("policy: scheme is not whitelisted")

		return false
	}

	if p.SchemesBlacklist.Contains(scheme) {
		log.Info().Str("uri", uristr).Str("scheme", scheme).
			Msg("policy: scheme is blacklisted")

		return false
	}

	return true
}

// CheckpointPolicy gates a response after headers are known, matching its
// bare media type against an optional whitelist and an optional blacklist.
//
// Grounded on original_source/daemon/policy.c's policy_checkpoint: 3xx
// responses bypass the check entirely (redirects are followed by queueing
// the target, not by content-type inspection); otherwise the media type is
// taken up to the first ';' with trailing whitespace trimmed.
type CheckpointPolicy struct {
	TypesWhitelist List
	TypesBlacklist List
}

// NewCheckpointPolicy constructs a CheckpointPolicy from parsed
// content-type lists.
func NewCheckpointPolicy(whitelist, blacklist List) *CheckpointPolicy {
	return &CheckpointPolicy{TypesWhitelist: whitelist, TypesBlacklist: blacklist}
}

// bareMediaType strips any ";charset=..."-style parameters and surrounding
// whitespace from a Content-Type value.
func bareMediaType(contentType string) string {
	if i := strings.IndexByte(contentType, ';'); i >= 0 {
		contentType = contentType[:i]
	}

	return strings.TrimSpace(contentType)
}

// Evaluate inspects obj's status and content type. If the content type is
// rejected, it rewrites status to RejectedStatus and returns true: the
// fetcher must commit metadata but must not invoke the processor. A 3xx
// status, or a nil policy, always returns false unchanged.
func (p *CheckpointPolicy) Evaluate(ctx context.Context, obj *object.Object, status *int) bool {
	if p == nil {
		return false
	}

	if *status >= 300 && *status < 400 {
		return false
	}

	log := zerolog.Ctx(ctx)
	mediaType := bareMediaType(obj.Type())

	log.Debug().Str("uri", obj.URIStr).Str("content_type", mediaType).Int("status", *status).
		Msg("policy: evaluating checkpoint")

	if len(p.TypesWhitelist) > 0 && !p.TypesWhitelist.Contains(mediaType) {
		log.Debug().Str("content_type", mediaType).Msg("policy: type not matched by whitelist")
		*status = RejectedStatus

		return true
	}

	if p.TypesBlacklist.Contains(mediaType) {
		log.Debug().Str("content_type", mediaType).Msg("policy: type is blacklisted")
		*status = RejectedStatus

		return true
	}

	return false
}
