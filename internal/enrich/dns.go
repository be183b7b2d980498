package enrich

import (
	"context"
	"encoding/json"
	"net"
	"strings"
	"time"

	"github.com/sentinelforge/sentinelforge/internal/ioc"
	"github.com/sentinelforge/sentinelforge/internal/model"
)

// DNSProvider resolves record sets for domains and reverse PTR for IPs.
// Individual record lookups failing (NXDOMAIN, no records of that type) is
// normal; the provider only errors when every lookup came back empty with
// the context cancelled.
type DNSProvider struct {
	resolver *net.Resolver
}

// NewDNSProvider uses the system resolver.
func NewDNSProvider() *DNSProvider {
	return &DNSProvider{resolver: net.DefaultResolver}
}

func (p *DNSProvider) Name() string             { return "dns" }
func (p *DNSProvider) Kind() string             { return "dns" }
func (p *DNSProvider) TTL() time.Duration       { return 24 * time.Hour }
func (p *DNSProvider) Timeout() time.Duration   { return 10 * time.Second }
func (p *DNSProvider) Supports(t ioc.Type) bool { return t == ioc.TypeDomain || t == ioc.TypeIP }

type dnsData struct {
	ARecords    []string `json:"a_records,omitempty"`
	MXRecords   []string `json:"mx_records,omitempty"`
	NSRecords   []string `json:"ns_records,omitempty"`
	TXTRecords  []string `json:"txt_records,omitempty"`
	PTRRecords  []string `json:"ptr_records,omitempty"`
	ResolvedAt  string   `json:"resolved_at"`
}

func (p *DNSProvider) Enrich(ctx context.Context, ind model.Indicator) (json.RawMessage, error) {
	data := dnsData{ResolvedAt: time.Now().UTC().Format(time.RFC3339)}

	switch ind.IocType {
	case ioc.TypeIP:
		if names, err := p.resolver.LookupAddr(ctx, ind.Value); err == nil {
			for _, n := range names {
				data.PTRRecords = append(data.PTRRecords, strings.TrimSuffix(n, "."))
			}
		}
	case ioc.TypeDomain:
		if addrs, err := p.resolver.LookupHost(ctx, ind.Value); err == nil {
			data.ARecords = addrs
		}
		if mxs, err := p.resolver.LookupMX(ctx, ind.Value); err == nil {
			for _, mx := range mxs {
				data.MXRecords = append(data.MXRecords, strings.TrimSuffix(mx.Host, "."))
			}
		}
		if nss, err := p.resolver.LookupNS(ctx, ind.Value); err == nil {
			for _, ns := range nss {
				data.NSRecords = append(data.NSRecords, strings.TrimSuffix(ns.Host, "."))
			}
		}
		if txts, err := p.resolver.LookupTXT(ctx, ind.Value); err == nil {
			data.TXTRecords = txts
		}
	default:
		return nil, nil
	}

	if len(data.ARecords)+len(data.MXRecords)+len(data.NSRecords)+
		len(data.TXTRecords)+len(data.PTRRecords) == 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return nil, nil
	}
	return json.Marshal(data)
}
