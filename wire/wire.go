// Package wire encodes records and chunks for HTTP transfer between peers.
//
// A record travels in the headers KFR-Size, KFR-Time, and KFR-Hash,
// each a decimal integer
// (the hash unsigned, the others signed).
// A chunk adds KFR-Range ("begin-end") and KFR-Progress ("position/amount").
// Record paths appear in URLs beneath /kfr.
package wire

import (
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/bobg/kfr"
)

// Header names.
const (
	HeaderSize     = "KFR-Size"
	HeaderTime     = "KFR-Time"
	HeaderHash     = "KFR-Hash"
	HeaderRange    = "KFR-Range"
	HeaderProgress = "KFR-Progress"
)

// URL paths.
const (
	KfrPrefix  = "/kfr"
	AllPath    = "/all"
	HealthPath = "/healthz"
)

// ErrMalformed is the error returned when a request or response
// carries unparseable or inconsistent KFR headers.
var ErrMalformed = errors.New("malformed")

// SetRecord writes k's headers into h.
func SetRecord(h http.Header, k kfr.Kfr) {
	h.Set(HeaderSize, strconv.FormatInt(k.Size, 10))
	h.Set(HeaderTime, strconv.FormatInt(k.Time, 10))
	h.Set(HeaderHash, strconv.FormatUint(k.Hash, 10))
}

// Record parses the record for path from h.
// It reports false if h carries no record at all.
func Record(h http.Header, p string) (kfr.Kfr, bool, error) {
	sizeStr, timeStr, hashStr := h.Get(HeaderSize), h.Get(HeaderTime), h.Get(HeaderHash)
	if sizeStr == "" && timeStr == "" && hashStr == "" {
		return kfr.Kfr{}, false, nil
	}

	k := kfr.Kfr{Path: p}
	var err error
	if k.Size, err = strconv.ParseInt(sizeStr, 10, 64); err != nil {
		return kfr.Kfr{}, true, errors.Wrapf(ErrMalformed, "%s header %q", HeaderSize, sizeStr)
	}
	if k.Time, err = strconv.ParseInt(timeStr, 10, 64); err != nil {
		return kfr.Kfr{}, true, errors.Wrapf(ErrMalformed, "%s header %q", HeaderTime, timeStr)
	}
	if k.Hash, err = strconv.ParseUint(hashStr, 10, 64); err != nil {
		return kfr.Kfr{}, true, errors.Wrapf(ErrMalformed, "%s header %q", HeaderHash, hashStr)
	}
	if err := k.Validate(); err != nil {
		return kfr.Kfr{}, true, errors.Wrap(ErrMalformed, err.Error())
	}
	return k, true, nil
}

// SetChunk writes the headers for thin into h.
// The body travels separately.
func SetChunk(h http.Header, thin *kfr.ThinKfr) {
	SetRecord(h, thin.Kfr)
	h.Set(HeaderRange, thin.Range.String())
	h.Set(HeaderProgress, thin.Progress.String())
}

// Chunk parses the chunk headers for path from h
// and attaches body.
// A request with a record but no range or progress
// is a standalone chunk holding the whole content
// (or, for a tombstone, nothing).
func Chunk(h http.Header, p string, body []byte) (*kfr.ThinKfr, error) {
	k, ok, err := Record(h, p)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errors.Wrap(ErrMalformed, "missing record headers")
	}

	thin := &kfr.ThinKfr{Kfr: k, Body: body}

	rangeStr, progStr := h.Get(HeaderRange), h.Get(HeaderProgress)
	switch {
	case rangeStr == "" && progStr == "":
		if k.Exists() {
			thin.Range = kfr.Range{Begin: 0, End: int64(len(body))}
		} else {
			thin.Range = kfr.Range{Begin: -1, End: -1}
		}
		thin.Progress = kfr.Progress{Position: 0, Amount: 1}

	case rangeStr == "" || progStr == "":
		return nil, errors.Wrapf(ErrMalformed, "need both %s and %s", HeaderRange, HeaderProgress)

	default:
		if thin.Range, err = ParseRange(rangeStr); err != nil {
			return nil, err
		}
		if thin.Progress, err = ParseProgress(progStr); err != nil {
			return nil, err
		}
	}

	if len(thin.Body) == 0 {
		thin.Body = nil
	}
	if err := thin.Validate(); err != nil {
		return nil, errors.Wrap(ErrMalformed, err.Error())
	}
	return thin, nil
}

// ParseRange parses "begin-end".
// Either bound may be negative
// (an absent record's range is "-1--1").
func ParseRange(s string) (kfr.Range, error) {
	// The separator is the first '-' after the first character,
	// so a leading minus sign belongs to begin.
	idx := strings.Index(s[min(1, len(s)):], "-")
	if idx < 0 {
		return kfr.Range{}, errors.Wrapf(ErrMalformed, "range %q", s)
	}
	idx += min(1, len(s))

	begin, err := strconv.ParseInt(s[:idx], 10, 64)
	if err != nil {
		return kfr.Range{}, errors.Wrapf(ErrMalformed, "range %q", s)
	}
	end, err := strconv.ParseInt(s[idx+1:], 10, 64)
	if err != nil {
		return kfr.Range{}, errors.Wrapf(ErrMalformed, "range %q", s)
	}
	if end < begin {
		return kfr.Range{}, errors.Wrapf(ErrMalformed, "range %q", s)
	}
	return kfr.Range{Begin: begin, End: end}, nil
}

// ParseProgress parses "position/amount".
func ParseProgress(s string) (kfr.Progress, error) {
	before, after, ok := strings.Cut(s, "/")
	if !ok {
		return kfr.Progress{}, errors.Wrapf(ErrMalformed, "progress %q", s)
	}
	pos, err := strconv.Atoi(before)
	if err != nil {
		return kfr.Progress{}, errors.Wrapf(ErrMalformed, "progress %q", s)
	}
	amount, err := strconv.Atoi(after)
	if err != nil {
		return kfr.Progress{}, errors.Wrapf(ErrMalformed, "progress %q", s)
	}
	if amount < 1 || pos < 0 || pos > amount {
		return kfr.Progress{}, errors.Wrapf(ErrMalformed, "progress %q", s)
	}
	return kfr.Progress{Position: pos, Amount: amount}, nil
}

// CleanPath checks that p is a usable record path:
// slash-separated, beginning with "/",
// and free of "." and ".." elements.
func CleanPath(p string) (string, error) {
	if !strings.HasPrefix(p, "/") || p == "/" {
		return "", errors.Wrapf(ErrMalformed, "path %q", p)
	}
	if path.Clean(p) != p {
		return "", errors.Wrapf(ErrMalformed, "path %q is not clean", p)
	}
	return p, nil
}

// KfrURL is the URL of the record for p on the peer at base.
func KfrURL(base *url.URL, p string) string {
	u := *base
	u.Path = strings.TrimSuffix(u.Path, "/") + KfrPrefix + p
	u.RawPath = ""
	u.RawQuery = ""
	return u.String()
}

// PathFromURL extracts the record path from the (unescaped) path of a request URL.
func PathFromURL(urlPath string) (string, error) {
	if !strings.HasPrefix(urlPath, KfrPrefix+"/") {
		return "", errors.Wrapf(ErrMalformed, "url path %q", urlPath)
	}
	return CleanPath(strings.TrimPrefix(urlPath, KfrPrefix))
}

// AllURL is the websocket URL for subscribing to the records of the peer at base
// with times in [after, before).
// A nil bound is omitted.
func AllURL(base *url.URL, after, before *int64) string {
	u := *base
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + AllPath
	u.RawPath = ""

	v := url.Values{}
	if after != nil {
		v.Set("after", strconv.FormatInt(*after, 10))
	}
	if before != nil {
		v.Set("before", strconv.FormatInt(*before, 10))
	}
	u.RawQuery = v.Encode()
	return u.String()
}

// Bounds parses the after and before parameters of a subscription request.
// A missing bound is nil.
func Bounds(q url.Values) (after, before *int64, err error) {
	parse := func(name string) (*int64, error) {
		s := q.Get(name)
		if s == "" {
			return nil, nil
		}
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, errors.Wrapf(ErrMalformed, "%s=%q", name, s)
		}
		return &n, nil
	}
	if after, err = parse("after"); err != nil {
		return nil, nil, err
	}
	before, err = parse("before")
	return after, before, err
}

// InBounds tells whether t is in [after, before),
// with nil bounds unlimited.
func InBounds(t int64, after, before *int64) bool {
	return (after == nil || t >= *after) && (before == nil || t < *before)
}
