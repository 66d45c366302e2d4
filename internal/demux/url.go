package demux

import (
	"context"
	"io"
	"strings"

	"github.com/jmylchreest/avdemux/internal/media"
)

// queryParam is one key of a query string; a key without '=' has no value.
type queryParam struct {
	Key      string
	Value    string
	HasValue bool
}

// parseQuery splits a raw query string preserving key order. Later
// duplicates replace the value of the first occurrence.
func parseQuery(raw string) []queryParam {
	var out []queryParam
	for _, part := range strings.Split(raw, "&") {
		if part == "" {
			continue
		}
		qp := queryParam{Key: part}
		if k, v, ok := strings.Cut(part, "="); ok {
			qp = queryParam{Key: k, Value: v, HasValue: true}
		}
		out = setQueryParam(out, qp)
	}
	return out
}

func setQueryParam(params []queryParam, qp queryParam) []queryParam {
	for i := range params {
		if params[i].Key == qp.Key {
			params[i] = qp
			return params
		}
	}
	return append(params, qp)
}

func encodeQuery(params []queryParam) string {
	var b strings.Builder
	for i, qp := range params {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(qp.Key)
		if qp.HasValue {
			b.WriteByte('=')
			b.WriteString(qp.Value)
		}
	}
	return b.String()
}

func queryOptions(raw string) media.Options {
	opts := media.Options{}
	for _, qp := range parseQuery(raw) {
		opts[qp.Key] = qp.Value
	}
	return opts
}

// inputURL is a parsed open target.
type inputURL struct {
	// URL is what the backend opens; empty for device sources without input.
	URL string
	// Format forces the backend by name.
	Format string
	// Options are extra format options carried by the URL.
	Options media.Options
}

// parseInputURL interprets the URL forms understood by Open:
//
//	fmt://<format>[/]?<input>&<options>
//	device://<format>?<input>&<options>
//	srt://host:port?<options>
//
// Any other URL is passed through unchanged.
func parseInputURL(raw string) inputURL {
	switch {
	case strings.HasPrefix(raw, "fmt://"), strings.HasPrefix(raw, "device://"):
		in := inputURL{}
		fmtStarts := strings.IndexByte(raw, '/') + 2
		queryStarts := strings.IndexByte(raw, '?')

		var format string
		if queryStarts == -1 {
			format = raw[fmtStarts:]
		} else {
			format = raw[fmtStarts:queryStarts]
			query := raw[queryStarts+1:]
			if inputEnds := strings.IndexByte(query, '&'); inputEnds == -1 {
				in.URL = query
			} else {
				in.URL = query[:inputEnds]
				in.Options = queryOptions(query[inputEnds+1:])
			}
		}
		in.Format = strings.ReplaceAll(format, "/", "")
		return in

	case strings.HasPrefix(raw, "srt://"):
		if base, query, ok := strings.Cut(raw, "?"); ok {
			return inputURL{URL: base, Options: queryOptions(query)}
		}
	}
	return inputURL{URL: raw}
}

func isHTTPURL(u string) bool {
	scheme, _, ok := strings.Cut(u, "://")
	return ok && (strings.EqualFold(scheme, "http") || strings.EqualFold(scheme, "https"))
}

// underlyingQuery returns the parameters appended to nested HTTP requests:
// the query of the opened URL (when enabled) followed by the configured extras.
func (d *Demuxer) underlyingQuery(u string) []queryParam {
	if !d.cfg.FormatOptToUnderlying || !isHTTPURL(u) {
		return nil
	}

	var params []queryParam
	if d.cfg.DefaultHTTPQueryToUnderlying {
		if _, q, ok := strings.Cut(u, "?"); ok {
			params = parseQuery(q)
		}
	}
	for _, k := range media.Options(d.cfg.ExtraHTTPQueryParamsToUnderlying).Keys() {
		params = setQueryParam(params, queryParam{Key: k, Value: d.cfg.ExtraHTTPQueryParamsToUnderlying[k], HasValue: true})
	}
	return params
}

// withQuery merges params into u; keys already present in u win.
func withQuery(u string, params []queryParam) string {
	if len(params) == 0 {
		return u
	}

	base, query, ok := strings.Cut(u, "?")
	if !ok || query == "" {
		return strings.TrimSuffix(u, "?") + "?" + encodeQuery(params)
	}

	existing := parseQuery(query)
	for _, qp := range params {
		found := false
		for _, e := range existing {
			if e.Key == qp.Key {
				found = true
				break
			}
		}
		if !found {
			existing = append(existing, qp)
		}
	}
	return base + "?" + encodeQuery(existing)
}

// nestedIOOpen wraps base so every resource a backend opens receives the
// open options. The underlying query parameters are only merged into
// http(s) resources: file paths have no query, and an srt:// query carries
// transport options the parameters must not be mixed into.
func (d *Demuxer) nestedIOOpen(base media.IOOpenFunc) media.IOOpenFunc {
	if base == nil {
		return nil
	}
	optCopy := d.formatOptCopy.Clone()
	params := d.queryParams

	return func(ctx context.Context, req media.IORequest) (io.ReadCloser, error) {
		if len(optCopy) > 0 {
			if req.Options == nil {
				req.Options = media.Options{}
			}
			req.Options.Merge(optCopy)
		}
		if len(params) > 0 && isHTTPURL(req.URL) {
			req.URL = withQuery(req.URL, params)
		}
		return base(ctx, req)
	}
}
