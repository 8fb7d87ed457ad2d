// Package match decides which packets are interesting enough to display
// and to start following as new dialogs.
package match

import (
	"fmt"
	"regexp"

	"github.com/prometheus/client_golang/prometheus"
)

type constErr string

func (e constErr) Error() string { return string(e) }

// ErrBadPattern indicates the pattern or a header filter failed to compile.
const ErrBadPattern = constErr("unable to compile match pattern")

// Config is the match setup chosen at startup.
type Config struct {
	// Pattern is a regular expression searched for in the whole payload.
	// Empty accepts everything.
	Pattern      string
	Invert       bool
	IgnoreCase   bool
	WordBoundary bool
	// Multiline lets . match line breaks.  It is turned off whenever a
	// header filter is set, so those stay on a single header line.
	Multiline bool

	// From, To and Contact search inside the matching SIP header only.
	From    string
	To      string
	Contact string

	// MatchAfter is how many packets following a match are accepted
	// regardless of their content.
	MatchAfter int
	// MaxMatches stops capture after that many matches; 0 is unlimited.
	MaxMatches int
}

type mode int

const (
	always mode = iota
	pattern
)

// Gate holds the compiled match configuration and its counters.  Like the
// dialog tracker it is owned by the single packet processing goroutine.
type Gate struct {
	mode    mode
	res     []*regexp.Regexp
	invert  bool
	window  int
	max     int
	matches int
	keep    int
	metrics *Metrics
}

// New compiles cfg into a Gate.
func New(cfg Config) (*Gate, error) {
	g := &Gate{
		invert:  cfg.Invert,
		max:     cfg.MaxMatches,
		metrics: NewMetrics(),
	}
	if cfg.MatchAfter > 0 {
		g.window = cfg.MatchAfter + 1
	}

	exprs, err := expressions(cfg)
	if err != nil {
		return nil, err
	}
	for _, e := range exprs {
		re, err := regexp.Compile(e)
		if err != nil {
			return nil, fmt.Errorf("%v: %w", err, ErrBadPattern)
		}
		g.res = append(g.res, re)
	}
	if len(g.res) > 0 {
		g.mode = pattern
	}
	return g, nil
}

// expressions builds the regular expressions a payload must all match.
func expressions(cfg Config) ([]string, error) {
	headers := []struct{ value, names string }{
		{cfg.From, "From|f"},
		{cfg.To, "To|t"},
		{cfg.Contact, "Contact|m"},
	}

	multiline := cfg.Multiline
	var exprs []string
	for _, h := range headers {
		if h.value == "" {
			continue
		}
		multiline = false
		exprs = append(exprs, flags(cfg.IgnoreCase, false)+`(?m)^(?:`+h.names+`)\s*:.*`+h.value)
	}

	if cfg.Pattern != "" {
		p := cfg.Pattern
		if cfg.WordBoundary {
			if _, err := regexp.Compile(p); err != nil {
				return nil, fmt.Errorf("%v: %w", err, ErrBadPattern)
			}
			p = fmt.Sprintf(`((^%[1]s\W)|(\W%[1]s$)|(\W%[1]s\W))`, p)
		}
		exprs = append(exprs, flags(cfg.IgnoreCase, multiline)+p)
	}
	return exprs, nil
}

func flags(ignoreCase, multiline bool) string {
	f := "U"
	if ignoreCase {
		f += "i"
	}
	if multiline {
		f += "s"
	}
	return "(?" + f + ")"
}

// Metrics returns a slice of prometheus.Collector objects that can be registered.
func (g *Gate) Metrics() []prometheus.Collector { return g.metrics.List() }

// Accept reports whether payload should be displayed and allowed to start
// a dialog.  It must be called at most once per packet, followed by Tick.
//
// A payload the pattern matches is accepted even when Invert is set; Invert
// only turns a miss into an accept.
func (g *Gate) Accept(payload []byte) bool {
	raw := g.match(payload)
	if raw {
		if g.max > 0 {
			g.matches++
		}
		if g.mode == pattern && g.window > 0 {
			g.keep = g.window
		}
	}

	switch {
	case raw || raw != g.invert:
		g.metrics.Matched.Inc()
		return true
	case g.keep > 0:
		g.metrics.Forced.Inc()
		return true
	}
	g.metrics.Rejected.Inc()
	return false
}

func (g *Gate) match(payload []byte) bool {
	if g.mode == always {
		return true
	}
	for _, re := range g.res {
		if !re.Match(payload) {
			return false
		}
	}
	return true
}

// Tick ends the current packet, shrinking the trailing window.
func (g *Gate) Tick() {
	if g.keep > 0 {
		g.keep--
	}
}

// Exhausted reports whether the configured number of matches was reached.
func (g *Gate) Exhausted() bool {
	return g.max > 0 && g.matches >= g.max
}

// Matches returns the number of matches counted toward MaxMatches.
func (g *Gate) Matches() int { return g.matches }

// Expressions returns the compiled regular expressions, for logging.
func (g *Gate) Expressions() []string {
	var s []string
	for _, re := range g.res {
		s = append(s, re.String())
	}
	return s
}
