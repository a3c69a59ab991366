// Copyright 2023 Kami
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package transport

import (
	"net"
	"strconv"
	"strings"
	"sync"
	"time"
)

// AcceptPolicy filters inbound connections before a handler is ever
// constructed for them (spec.md §4.5, §7 "Rate-limit rejects are silent").
type AcceptPolicy interface {
	// Accept reports whether a connection from remote should proceed.
	Accept(remote net.Addr) bool
	// Release is called once the accepted connection for remote closes, so
	// per-IP counters can be decremented.
	Release(remote net.Addr)
}

// AllowAllPolicy accepts every connection; the default when a listener is
// configured with no CIDR or rate-limit rules.
type AllowAllPolicy struct{}

func (AllowAllPolicy) Accept(net.Addr) bool { return true }
func (AllowAllPolicy) Release(net.Addr)     {}

// PolicyConfig mirrors the listener-level accept controls enumerated in
// spec.md §6.
type PolicyConfig struct {
	MaxConnectionsPerIP int
	RateLimit           string // "count/duration", duration one of s|m|h
	AllowedNetworks      []string
	BlockedNetworks      []string
}

// CompilePolicy builds an AcceptPolicy from a PolicyConfig, or AllowAllPolicy
// if cfg names no restrictions.
func CompilePolicy(cfg PolicyConfig) (AcceptPolicy, error) {
	if cfg.MaxConnectionsPerIP <= 0 && cfg.RateLimit == "" && len(cfg.AllowedNetworks) == 0 && len(cfg.BlockedNetworks) == 0 {
		return AllowAllPolicy{}, nil
	}
	p := &compiledPolicy{
		maxPerIP: cfg.MaxConnectionsPerIP,
		counts:   make(map[string]int),
	}
	for _, cidr := range cfg.AllowedNetworks {
		_, n, err := net.ParseCIDR(cidr)
		if err != nil {
			return nil, err
		}
		p.allowed = append(p.allowed, n)
	}
	for _, cidr := range cfg.BlockedNetworks {
		_, n, err := net.ParseCIDR(cidr)
		if err != nil {
			return nil, err
		}
		p.blocked = append(p.blocked, n)
	}
	if cfg.RateLimit != "" {
		count, window, err := parseRateLimit(cfg.RateLimit)
		if err != nil {
			return nil, err
		}
		p.rateCount = count
		p.rateWindow = window
		p.rateHistory = make(map[string][]time.Time)
	}
	return p, nil
}

// compiledPolicy implements per-IP connection caps, CIDR allow/block lists,
// and a sliding-window rate limiter (spec.md §8 scenario 6).
type compiledPolicy struct {
	mu sync.Mutex

	allowed []*net.IPNet
	blocked []*net.IPNet

	maxPerIP int
	counts   map[string]int

	rateCount   int
	rateWindow  time.Duration
	rateHistory map[string][]time.Time
}

func (p *compiledPolicy) Accept(remote net.Addr) bool {
	ip := hostIP(remote)
	if ip == nil {
		return true
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	for _, n := range p.blocked {
		if n.Contains(ip) {
			return false
		}
	}
	if len(p.allowed) > 0 {
		ok := false
		for _, n := range p.allowed {
			if n.Contains(ip) {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}

	key := ip.String()
	if p.maxPerIP > 0 && p.counts[key] >= p.maxPerIP {
		return false
	}
	if p.rateCount > 0 {
		now := time.Now()
		cutoff := now.Add(-p.rateWindow)
		hist := p.rateHistory[key]
		kept := hist[:0]
		for _, t := range hist {
			if t.After(cutoff) {
				kept = append(kept, t)
			}
		}
		if len(kept) >= p.rateCount {
			p.rateHistory[key] = kept
			return false
		}
		p.rateHistory[key] = append(kept, now)
	}

	p.counts[key]++
	return true
}

func (p *compiledPolicy) Release(remote net.Addr) {
	ip := hostIP(remote)
	if ip == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	key := ip.String()
	if p.counts[key] > 0 {
		p.counts[key]--
		if p.counts[key] == 0 {
			delete(p.counts, key)
		}
	}
}

func hostIP(addr net.Addr) net.IP {
	switch a := addr.(type) {
	case *net.TCPAddr:
		return a.IP
	case *net.UDPAddr:
		return a.IP
	default:
		host, _, err := net.SplitHostPort(addr.String())
		if err != nil {
			return nil
		}
		return net.ParseIP(host)
	}
}

func parseRateLimit(spec string) (count int, window time.Duration, err error) {
	parts := strings.SplitN(spec, "/", 2)
	if len(parts) != 2 {
		return 0, 0, strconvError(spec)
	}
	count, err = strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, err
	}
	unit := parts[1]
	switch unit {
	case "s":
		window = time.Second
	case "m":
		window = time.Minute
	case "h":
		window = time.Hour
	default:
		return 0, 0, strconvError(spec)
	}
	return count, window, nil
}

func strconvError(spec string) error {
	return &strconv.NumError{Func: "parseRateLimit", Num: spec, Err: strconv.ErrSyntax}
}
