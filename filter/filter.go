package filter

import (
	"fmt"
	"net/mail"
	"regexp"
	"sort"
	"strings"
)

// Options captures the filtering configuration.
type Options struct {
	MerchantDomains []string
	ExcludeSubject  []string
}

// Filter decides which emails are worth classifying.
type Filter struct {
	domains        map[string]struct{}
	excludeSubject []*regexp.Regexp
}

// Verdict explains why an email was kept or dropped.
type Verdict struct {
	Allowed bool
	Domain  string
	Reason  string
}

// New creates a new Filter from the provided options.
func New(opts Options) (*Filter, error) {
	domains := make(map[string]struct{}, len(opts.MerchantDomains))
	for _, d := range opts.MerchantDomains {
		d = normalizeDomain(d)
		if d == "" {
			continue
		}
		domains[d] = struct{}{}
	}
	if len(domains) == 0 {
		return nil, fmt.Errorf("merchant domain set is empty")
	}

	excludeSubject, err := compilePatterns(opts.ExcludeSubject)
	if err != nil {
		return nil, fmt.Errorf("compile exclude-subject pattern: %w", err)
	}

	return &Filter{
		domains:        domains,
		excludeSubject: excludeSubject,
	}, nil
}

// Domains returns the merchant domain set, sorted.
func (f *Filter) Domains() []string {
	out := make([]string, 0, len(f.domains))
	for d := range f.domains {
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}

// IsMerchant reports whether the sender address belongs to a merchant domain
// or one of its subdomains.
func (f *Filter) IsMerchant(from string) (string, bool) {
	domain := SenderDomain(from)
	if domain == "" {
		return "", false
	}
	for candidate := domain; candidate != ""; candidate = parentDomain(candidate) {
		if _, ok := f.domains[candidate]; ok {
			return candidate, true
		}
	}
	return domain, false
}

// Check applies the domain predicate and the subject exclusions.
func (f *Filter) Check(from, subject string) Verdict {
	domain, ok := f.IsMerchant(from)
	if !ok {
		return Verdict{Domain: domain, Reason: "sender domain not in merchant set"}
	}
	for _, re := range f.excludeSubject {
		if re.MatchString(subject) {
			return Verdict{Domain: domain, Reason: fmt.Sprintf("subject matches %q", re.String())}
		}
	}
	return Verdict{Allowed: true, Domain: domain}
}

// SenderDomain extracts the lower-cased domain from a From header value.
func SenderDomain(from string) string {
	from = strings.TrimSpace(from)
	if from == "" {
		return ""
	}

	address := from
	if parsed, err := mail.ParseAddress(from); err == nil {
		address = parsed.Address
	} else if start, end := strings.LastIndex(from, "<"), strings.LastIndex(from, ">"); start >= 0 && end > start {
		address = from[start+1 : end]
	}

	at := strings.LastIndex(address, "@")
	if at < 0 || at == len(address)-1 {
		return ""
	}
	return normalizeDomain(address[at+1:])
}

func normalizeDomain(d string) string {
	d = strings.ToLower(strings.TrimSpace(d))
	d = strings.TrimPrefix(d, "@")
	return strings.Trim(d, ".")
}

func parentDomain(d string) string {
	idx := strings.Index(d, ".")
	if idx < 0 {
		return ""
	}
	parent := d[idx+1:]
	// Never walk up to a bare TLD.
	if !strings.Contains(parent, ".") {
		return ""
	}
	return parent
}

func compilePatterns(patterns []string) ([]*regexp.Regexp, error) {
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, pattern := range patterns {
		pattern = strings.TrimSpace(pattern)
		if pattern == "" {
			continue
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("compile %q: %w", pattern, err)
		}
		compiled = append(compiled, re)
	}
	return compiled, nil
}
