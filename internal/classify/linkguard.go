package classify

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"regexp"
	"strings"

	"github.com/ppiankov/guardiansms/internal/model"
)

// OfficialDomains are the hosts whose links are considered safe. A host
// matches when it equals an entry or is a subdomain of one.
var OfficialDomains = []string{
	// banks
	"bancolombia.com",
	"davivienda.com",
	"bancodeoccidente.com.co",
	"bancodebogota.com",
	"bankofamerica.com",

	// couriers
	"interrapidisimo.com",
	"dhl.com",
	"fedex.com",
	"servientrega.com",
	"coordinadora.com",
	"tcc.com.co",
	"envia.com",

	// insurance and pensions
	"sura.co",
	"colpensiones.gov.co",

	// telcos
	"claro.com.co",
	"movistar.com.co",

	"primax.com.co",

	// retail
	"mercadolibre.com.co",
	"mercadopago.com.co",
	"amazon.com",
	"falabella.com.co",
	"exito.com",
	"rappi.com.co",
	"aliexpress.com",

	// wallets
	"nequi.com.co",
	"daviplata.com",
	"paypal.com",

	"wa.me",
	"api.whatsapp.com",
	"whatsapp.com",
}

const (
	linkThreatScore = 80
	ipHostPenalty   = 10
	extraLinkScore  = 5
	officialScore   = 5
)

var linkPattern = regexp.MustCompile(`(?i)\b(?:https?://|www\.)[^\s<>"']+|\b[a-z0-9][a-z0-9-]*(?:\.[a-z0-9-]+)*\.(?:com|co|net|org|info|xyz|top|link|site|online|me|ly|io|app)\b(?:/[^\s<>"']*)?`)

// LinkGuard flags messages that link to hosts outside an allowlist.
type LinkGuard struct {
	allowed []string
}

// NewLinkGuard creates a guard over allowed. Nil uses OfficialDomains.
func NewLinkGuard(allowed []string) *LinkGuard {
	if allowed == nil {
		allowed = OfficialDomains
	}
	norm := make([]string, 0, len(allowed))
	for _, d := range allowed {
		d = strings.ToLower(strings.TrimSpace(d))
		if d != "" {
			norm = append(norm, strings.TrimPrefix(d, "."))
		}
	}
	return &LinkGuard{allowed: norm}
}

// Classify scores msg by the links it contains.
func (g *LinkGuard) Classify(_ context.Context, msg model.InboundMessage) (model.Verdict, error) {
	v := model.Verdict{MessageID: msg.ID}

	var bad []string
	links := 0
	ipHost := false
	for _, host := range Hosts(msg.Body) {
		links++
		if g.Allowed(host) {
			continue
		}
		bad = append(bad, host)
		if net.ParseIP(host) != nil {
			ipHost = true
		}
	}

	switch {
	case links == 0:
		v.Rationale = "no links"
	case len(bad) == 0:
		v.RiskScore = officialScore
		v.Rationale = "links only to official domains"
	default:
		score := linkThreatScore + extraLinkScore*(len(bad)-1)
		if ipHost {
			score += ipHostPenalty
		}
		v.IsThreat = true
		v.RiskScore = clampScore(score)
		v.Rationale = fmt.Sprintf("link to unofficial host %s", strings.Join(bad, ", "))
	}
	return v, nil
}

// Allowed reports whether host is an allowlisted domain or a subdomain of one.
func (g *LinkGuard) Allowed(host string) bool {
	host = strings.TrimSuffix(strings.ToLower(host), ".")
	for _, d := range g.allowed {
		if host == d || strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}

// Hosts extracts the lower-cased host of every link in text, in order.
func Hosts(text string) []string {
	var hosts []string
	for _, raw := range linkPattern.FindAllString(text, -1) {
		raw = strings.TrimRight(raw, ".,;:!?)")
		if !strings.Contains(strings.ToLower(raw), "://") {
			raw = "http://" + raw
		}
		u, err := url.Parse(raw)
		if err != nil || u.Hostname() == "" {
			continue
		}
		hosts = append(hosts, strings.ToLower(u.Hostname()))
	}
	return hosts
}
