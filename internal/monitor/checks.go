package monitor

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"golang.org/x/crypto/ocsp"

	"github.com/bigbrotr/bigbrotr/internal/models"
	"github.com/bigbrotr/bigbrotr/internal/relay"
)

// errSkipCheck marks a check that does not apply to the relay, such as a
// TLS check on a plaintext endpoint. Skipped checks produce no metadata.
var errSkipCheck = errors.New("check not applicable")

// errorDoc is stored in place of a check result when the check fails, so
// the failure itself becomes part of the relay's history.
type errorDoc struct {
	Error string `json:"error"`
}

// rttDoc records the three round-trip legs in milliseconds. Failed legs
// stay null; the read leg doubles as the readability signal the
// synchronizer targets on.
type rttDoc struct {
	RTTDial  *int64 `json:"rtt_dial"`
	RTTRead  *int64 `json:"rtt_read"`
	RTTWrite *int64 `json:"rtt_write"`
}

type sslDoc struct {
	Subject   string   `json:"subject"`
	Issuer    string   `json:"issuer"`
	NotBefore int64    `json:"not_before"`
	NotAfter  int64    `json:"not_after"`
	SAN       []string `json:"san,omitempty"`
	Version   string   `json:"tls_version"`
	Cipher    string   `json:"cipher"`
	OCSP      string   `json:"ocsp,omitempty"`
}

type dnsDoc struct {
	A    []string `json:"a,omitempty"`
	AAAA []string `json:"aaaa,omitempty"`
}

type geoDoc struct {
	IP        string  `json:"ip"`
	Country   string  `json:"country,omitempty"`
	City      string  `json:"city,omitempty"`
	Latitude  float64 `json:"latitude,omitempty"`
	Longitude float64 `json:"longitude,omitempty"`
	ASN       uint    `json:"asn,omitempty"`
	ASOrg     string  `json:"as_org,omitempty"`
}

type netDoc struct {
	IP   string   `json:"ip"`
	PTR  []string `json:"ptr,omitempty"`
	IPv6 bool     `json:"ipv6"`
}

type httpDoc struct {
	Status  int               `json:"status"`
	Headers map[string]string `json:"headers,omitempty"`
}

// httpHeaderAllowlist is the stable subset of response headers worth
// keeping. Volatile headers like Date would give every fetch a fresh
// metadata id and defeat content addressing.
var httpHeaderAllowlist = []string{
	"Server",
	"Content-Type",
	"Access-Control-Allow-Origin",
	"Access-Control-Allow-Headers",
	"X-Powered-By",
}

func (m *Monitor) runCheck(ctx context.Context, checkType models.MetadataType, target models.Relay) (any, error) {
	switch checkType {
	case models.MetadataNIP11Info:
		return m.checkNIP11(ctx, target)
	case models.MetadataNIP66RTT:
		return m.checkRTT(ctx, target)
	case models.MetadataNIP66SSL:
		return m.checkSSL(ctx, target)
	case models.MetadataNIP66DNS:
		return m.checkDNS(ctx, target)
	case models.MetadataNIP66GEO:
		return m.checkGeo(ctx, target)
	case models.MetadataNIP66NET:
		return m.checkNet(ctx, target)
	case models.MetadataNIP66HTTP:
		return m.checkHTTP(ctx, target)
	default:
		return nil, errSkipCheck
	}
}

func (m *Monitor) checkNIP11(ctx context.Context, target models.Relay) (any, error) {
	info, err := relay.FetchInfo(ctx, target, m.opts())
	if err != nil {
		return nil, err
	}

	return info, nil
}

// checkRTT measures the three liveness legs on one connection. A relay
// that cannot even complete the handshake still yields a document, with
// every leg null.
func (m *Monitor) checkRTT(ctx context.Context, target models.Relay) (any, error) {
	doc := rttDoc{}

	start := time.Now()

	client, err := relay.Connect(ctx, target, m.opts())
	if err != nil {
		if relay.IsCancelled(err) {
			return nil, err
		}

		return doc, nil
	}

	defer client.Close()

	dial := time.Since(start).Milliseconds()
	doc.RTTDial = &dial

	// Each post-dial leg gets its own deadline; a relay that handshakes
	// and then goes silent must not hold the worker past the network's
	// timeout budget.
	timeout := m.cfg.Timeouts.For(target.Network)

	readCtx, cancelRead := context.WithTimeout(ctx, timeout)
	defer cancelRead()

	if d, err := client.ProbeRead(readCtx); err == nil {
		ms := d.Milliseconds()
		doc.RTTRead = &ms
	}

	writeCtx, cancelWrite := context.WithTimeout(ctx, timeout)
	defer cancelWrite()

	if d, err := client.ProbeWrite(writeCtx, m.writeKey); err == nil {
		ms := d.Milliseconds()
		doc.RTTWrite = &ms
	}

	return doc, nil
}

func (m *Monitor) checkSSL(ctx context.Context, target models.Relay) (any, error) {
	u, err := url.Parse(target.URL)
	if err != nil {
		return nil, fmt.Errorf("unparseable relay URL: %w", err)
	}

	if u.Scheme != "wss" {
		return nil, errSkipCheck
	}

	port := u.Port()
	if port == "" {
		port = "443"
	}

	dialer, err := m.cfg.Proxies.DialerFor(target.Network)
	if err != nil {
		return nil, err
	}

	dialCtx, cancel := context.WithTimeout(ctx, m.cfg.Timeouts.For(target.Network))
	defer cancel()

	conn, err := dialer.DialContext(dialCtx, "tcp", net.JoinHostPort(u.Hostname(), port))
	if err != nil {
		return nil, err
	}

	defer func() { _ = conn.Close() }()

	// The check records certificate details, it does not authenticate the
	// peer; expired and self-signed certs still yield a document.
	tlsConn := tls.Client(conn, &tls.Config{
		ServerName:         u.Hostname(),
		InsecureSkipVerify: true, //nolint:gosec
	})

	if err := tlsConn.HandshakeContext(dialCtx); err != nil {
		return nil, err
	}

	state := tlsConn.ConnectionState()
	if len(state.PeerCertificates) == 0 {
		return nil, errors.New("no peer certificates presented")
	}

	leaf := state.PeerCertificates[0]

	doc := sslDoc{
		Subject:   leaf.Subject.String(),
		Issuer:    leaf.Issuer.String(),
		NotBefore: leaf.NotBefore.Unix(),
		NotAfter:  leaf.NotAfter.Unix(),
		SAN:       leaf.DNSNames,
		Version:   tls.VersionName(state.Version),
		Cipher:    tls.CipherSuiteName(state.CipherSuite),
	}

	if len(state.OCSPResponse) > 0 {
		var issuer *x509.Certificate
		if len(state.PeerCertificates) > 1 {
			issuer = state.PeerCertificates[1]
		}

		if resp, err := ocsp.ParseResponse(state.OCSPResponse, issuer); err == nil {
			doc.OCSP = ocspStatus(resp.Status)
		}
	}

	return doc, nil
}

func ocspStatus(status int) string {
	switch status {
	case ocsp.Good:
		return "good"
	case ocsp.Revoked:
		return "revoked"
	default:
		return "unknown"
	}
}

func (m *Monitor) checkDNS(ctx context.Context, target models.Relay) (any, error) {
	if target.Network != models.NetworkClearnet {
		return nil, errSkipCheck
	}

	host, err := hostOf(target.URL)
	if err != nil {
		return nil, err
	}

	doc := dnsDoc{}

	if ips, err := net.DefaultResolver.LookupIP(ctx, "ip4", host); err == nil {
		for _, ip := range ips {
			doc.A = append(doc.A, ip.String())
		}
	}

	if ips, err := net.DefaultResolver.LookupIP(ctx, "ip6", host); err == nil {
		for _, ip := range ips {
			doc.AAAA = append(doc.AAAA, ip.String())
		}
	}

	if len(doc.A) == 0 && len(doc.AAAA) == 0 {
		return nil, fmt.Errorf("no addresses resolved for %s", host)
	}

	// Resolver answer order varies between queries; sorting keeps the
	// document content-stable.
	sort.Strings(doc.A)
	sort.Strings(doc.AAAA)

	return doc, nil
}

func (m *Monitor) checkGeo(ctx context.Context, target models.Relay) (any, error) {
	if target.Network != models.NetworkClearnet {
		return nil, errSkipCheck
	}

	if m.geoCity == nil && m.geoASN == nil {
		return nil, errSkipCheck
	}

	host, err := hostOf(target.URL)
	if err != nil {
		return nil, err
	}

	ips, err := resolveIPs(ctx, host)
	if err != nil {
		return nil, err
	}

	ip := primaryIP(ips)
	doc := geoDoc{IP: ip.String()}

	if m.geoCity != nil {
		record, err := m.geoCity.City(ip)
		if err != nil {
			return nil, fmt.Errorf("geoip city lookup failed: %w", err)
		}

		doc.Country = record.Country.IsoCode
		doc.City = record.City.Names["en"]
		doc.Latitude = record.Location.Latitude
		doc.Longitude = record.Location.Longitude
	}

	if m.geoASN != nil {
		record, err := m.geoASN.ASN(ip)
		if err != nil {
			return nil, fmt.Errorf("geoip asn lookup failed: %w", err)
		}

		doc.ASN = record.AutonomousSystemNumber
		doc.ASOrg = record.AutonomousSystemOrganization
	}

	return doc, nil
}

func (m *Monitor) checkNet(ctx context.Context, target models.Relay) (any, error) {
	if target.Network != models.NetworkClearnet {
		return nil, errSkipCheck
	}

	host, err := hostOf(target.URL)
	if err != nil {
		return nil, err
	}

	ips, err := resolveIPs(ctx, host)
	if err != nil {
		return nil, err
	}

	hasV6 := false

	for _, ip := range ips {
		if ip.To4() == nil {
			hasV6 = true
			break
		}
	}

	ip := primaryIP(ips)
	doc := netDoc{IP: ip.String(), IPv6: hasV6}

	if names, err := net.DefaultResolver.LookupAddr(ctx, ip.String()); err == nil {
		for _, name := range names {
			doc.PTR = append(doc.PTR, strings.TrimSuffix(name, "."))
		}

		sort.Strings(doc.PTR)
	}

	return doc, nil
}

func (m *Monitor) checkHTTP(ctx context.Context, target models.Relay) (any, error) {
	client, err := relay.NewHTTPClient(target, m.opts())
	if err != nil {
		return nil, err
	}

	defer client.CloseIdleConnections()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, relay.HTTPURL(target.URL), nil)
	if err != nil {
		return nil, err
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}

	defer func() { _ = resp.Body.Close() }()

	doc := httpDoc{Status: resp.StatusCode, Headers: make(map[string]string)}

	for _, name := range httpHeaderAllowlist {
		if value := resp.Header.Get(name); value != "" {
			doc.Headers[strings.ToLower(name)] = value
		}
	}

	return doc, nil
}

func hostOf(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("unparseable relay URL: %w", err)
	}

	if u.Hostname() == "" {
		return "", fmt.Errorf("relay URL %q has no host", rawURL)
	}

	return u.Hostname(), nil
}

func resolveIPs(ctx context.Context, host string) ([]net.IP, error) {
	ips, err := net.DefaultResolver.LookupIP(ctx, "ip", host)
	if err != nil {
		return nil, err
	}

	if len(ips) == 0 {
		return nil, fmt.Errorf("no addresses resolved for %s", host)
	}

	return ips, nil
}

// primaryIP prefers the first IPv4 address, falling back to the first
// answer of any family.
func primaryIP(ips []net.IP) net.IP {
	for _, ip := range ips {
		if ip.To4() != nil {
			return ip
		}
	}

	return ips[0]
}
