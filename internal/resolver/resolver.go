package resolver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/atalii/ac-mon/internal/domain"
)

// Marker locates one value at the terminal hop of a join redirect chain.
type Marker struct {
	Name     string
	Param    string
	Pattern  *regexp.Regexp
	Required bool
}

// Config holds resolver configuration.
type Config struct {
	MaxHops      int
	Timeout      time.Duration
	UserAgent    string
	MaxBodyBytes int64
	TicketTTL    time.Duration
	Markers      []Marker
}

// TicketResolver follows a room's join link and scrapes the credential out
// of the final page. It holds no per-room state and is safe for concurrent
// use.
type TicketResolver struct {
	cfg       Config
	transport http.RoundTripper
	now       func() time.Time
}

// Option configures a TicketResolver.
type Option func(*TicketResolver)

// WithTransport replaces the HTTP transport, mainly for tests.
func WithTransport(rt http.RoundTripper) Option {
	return func(r *TicketResolver) { r.transport = rt }
}

// WithClock replaces the time source used for ticket timestamps.
func WithClock(now func() time.Time) Option {
	return func(r *TicketResolver) { r.now = now }
}

// New creates a TicketResolver.
func New(cfg Config, opts ...Option) *TicketResolver {
	if cfg.MaxHops <= 0 {
		cfg.MaxHops = 10
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 2 << 20
	}
	r := &TicketResolver{
		cfg:       cfg,
		transport: http.DefaultTransport,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// CompileMarkers builds markers from name/param/pattern triples.
func CompileMarkers(specs []MarkerSpec) ([]Marker, error) {
	markers := make([]Marker, 0, len(specs))
	for _, s := range specs {
		m := Marker{Name: s.Name, Param: s.Param, Required: s.Required}
		if s.Pattern != "" {
			re, err := regexp.Compile(s.Pattern)
			if err != nil {
				return nil, fmt.Errorf("%w: marker %q: %v", domain.ErrConfiguration, s.Name, err)
			}
			if re.NumSubexp() < 1 {
				return nil, fmt.Errorf("%w: marker %q: pattern needs a capture group", domain.ErrConfiguration, s.Name)
			}
			m.Pattern = re
		}
		markers = append(markers, m)
	}
	return markers, nil
}

// MarkerSpec is the uncompiled form of a Marker.
type MarkerSpec struct {
	Name     string
	Param    string
	Pattern  string
	Required bool
}

// errHopBound is returned from CheckRedirect so it can be told apart from
// other transport failures after net/http wraps it in a *url.Error.
var errHopBound = errors.New("hop bound")

// Resolve follows joinURL and returns a ticket.
func (r *TicketResolver) Resolve(ctx context.Context, joinURL string) (*domain.Ticket, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}

	hops := 0
	client := &http.Client{
		Transport: r.transport,
		Jar:       jar,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			hops = len(via)
			if len(via) > r.cfg.MaxHops {
				return errHopBound
			}
			next := req.URL.String()
			for _, prev := range via {
				if prev.URL.String() == next {
					return errHopBound
				}
			}
			if r.cfg.UserAgent != "" {
				req.Header.Set("User-Agent", r.cfg.UserAgent)
			}
			return nil
		},
	}

	callCtx := ctx
	if r.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, r.cfg.Timeout)
		defer cancel()
	}

	fail := func(kind error, cause error) error {
		return &domain.ResolutionError{Kind: kind, URL: joinURL, Hops: hops, Err: cause}
	}

	req, err := http.NewRequestWithContext(callCtx, http.MethodGet, joinURL, nil)
	if err != nil {
		return nil, fail(domain.ErrResolveTransport, err)
	}
	if r.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", r.cfg.UserAgent)
	}
	req.Header.Set("Accept", "text/html,application/xhtml+xml,*/*;q=0.8")

	resp, err := client.Do(req)
	if err != nil {
		switch {
		case errors.Is(err, errHopBound):
			return nil, fail(domain.ErrRedirectLoopOrBoundExceeded, nil)
		case ctx.Err() != nil:
			return nil, ctx.Err()
		case errors.Is(err, context.DeadlineExceeded) || isTimeout(err):
			return nil, fail(domain.ErrResolveTimeout, err)
		default:
			return nil, fail(domain.ErrResolveTransport, err)
		}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fail(domain.ErrResolveTransport, fmt.Errorf("terminal hop returned status %d", resp.StatusCode))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, r.cfg.MaxBodyBytes))
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			return nil, fail(domain.ErrResolveTimeout, err)
		}
		return nil, fail(domain.ErrResolveTransport, err)
	}

	final := resp.Request.URL
	values, err := r.extract(final, resp.Header, string(body))
	if err != nil {
		return nil, fail(domain.ErrMarkerNotFound, err)
	}

	now := r.now()
	ticket := &domain.Ticket{
		Token:      values["ticket"],
		Values:     values,
		Cookies:    jar.Cookies(final),
		FinalURL:   final.String(),
		Hops:       hops,
		ResolvedAt: now,
	}
	if r.cfg.TicketTTL > 0 {
		ticket.ExpiresAt = now.Add(r.cfg.TicketTTL)
	}
	delete(ticket.Values, "ticket")
	return ticket, nil
}

// extract applies every marker to the terminal hop: query parameters first,
// then headers, then the body.
func (r *TicketResolver) extract(final *url.URL, header http.Header, body string) (map[string]string, error) {
	values := make(map[string]string, len(r.cfg.Markers))
	query := final.Query()

	var headerText strings.Builder
	for k, vs := range header {
		for _, v := range vs {
			headerText.WriteString(k)
			headerText.WriteString(": ")
			headerText.WriteString(v)
			headerText.WriteByte('\n')
		}
	}
	sources := []string{final.String(), headerText.String(), body}

	var missing []string
	for _, m := range r.cfg.Markers {
		if v, ok := findMarker(m, query, sources); ok {
			values[m.Name] = v
			continue
		}
		if m.Required {
			missing = append(missing, m.Name)
		}
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("missing %s", strings.Join(missing, ", "))
	}
	return values, nil
}

func findMarker(m Marker, query url.Values, sources []string) (string, bool) {
	if m.Param != "" {
		if v := query.Get(m.Param); v != "" {
			return v, true
		}
	}
	if m.Pattern == nil {
		return "", false
	}
	for _, src := range sources {
		match := m.Pattern.FindStringSubmatch(src)
		if len(match) < 2 || match[1] == "" {
			continue
		}
		if v, err := url.QueryUnescape(match[1]); err == nil {
			return v, true
		}
		return match[1], true
	}
	return "", false
}

func isTimeout(err error) bool {
	var te interface{ Timeout() bool }
	return errors.As(err, &te) && te.Timeout()
}
