package classify

import (
	"context"
	"reflect"
	"testing"

	"github.com/ppiankov/guardiansms/internal/model"
)

func TestLinkGuard(t *testing.T) {
	g := NewLinkGuard(nil)
	tests := []struct {
		name     string
		body     string
		threat   bool
		minScore int
	}{
		{"no links", "How are you?", false, 0},
		{"official", "Consulta en https://www.bancolombia.com/personas", false, 0},
		{"official subdomain", "Rastrea tu envio en www.servientrega.com", false, 0},
		{"whatsapp", "Escribenos https://wa.me/573001234567", false, 0},
		{"prize scam", "You won a prize, click http://bad.link", true, 80},
		{"lookalike suffix", "Actualiza en http://mibancolombia.com/login", true, 80},
		{"lookalike prefix", "Actualiza en https://bancolombia.com.verify-id.xyz", true, 80},
		{"bare domain", "Su paquete esta retenido, pague en entregas-dhl.top", true, 80},
		{"ip host", "Ingrese a http://192.168.10.5/nequi", true, 90},
		{"mixed", "Official https://nequi.com.co and fake http://nequi-co.info", true, 80},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := g.Classify(context.Background(), model.InboundMessage{ID: "m", Body: tt.body})
			if err != nil {
				t.Fatal(err)
			}
			if v.IsThreat != tt.threat {
				t.Errorf("IsThreat = %v, want %v (%s)", v.IsThreat, tt.threat, v.Rationale)
			}
			if v.RiskScore < tt.minScore || v.RiskScore > 100 {
				t.Errorf("RiskScore = %d, want >= %d", v.RiskScore, tt.minScore)
			}
			if v.MessageID != "m" {
				t.Errorf("MessageID = %q", v.MessageID)
			}
		})
	}
}

func TestLinkGuardCustomAllowlist(t *testing.T) {
	g := NewLinkGuard([]string{"Example.org"})
	if !g.Allowed("shop.example.org") {
		t.Error("subdomain should be allowed")
	}
	if g.Allowed("bancolombia.com") {
		t.Error("custom allowlist replaces the default")
	}
}

func TestHosts(t *testing.T) {
	got := Hosts("see https://A.example.com/x, then www.b.net. ok")
	want := []string{"a.example.com", "www.b.net"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Hosts = %v, want %v", got, want)
	}
}
