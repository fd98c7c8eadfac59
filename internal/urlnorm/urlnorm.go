package urlnorm

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net"
	neturl "net/url"
	"sort"
	"strconv"
	"strings"
)

// Normalized is the canonical form of a submitted URL.
type Normalized struct {
	URL        string
	DedupeHash string // SHA-256 of URL, 64 hex chars; the only dedupe join key
	VideoID    string // non-empty for YouTube URLs
}

// IsVideo reports whether the URL was detected as a YouTube video.
func (n Normalized) IsVideo() bool { return n.VideoID != "" }

const maxURLLen = 2048

// Tracking query keys stripped during normalization. utm_* is matched by prefix.
var trackingKeys = map[string]struct{}{
	"gclid":   {},
	"fbclid":  {},
	"yclid":   {},
	"mc_cid":  {},
	"mc_eid":  {},
	"igshid":  {},
	"ref":     {},
	"ref_src": {},
	"ref_url": {},
}

// Normalize validates and canonicalizes a single URL. Rejections fail closed
// with an error naming the reason; nothing downstream ever sees a rejected URL.
func Normalize(raw string) (Normalized, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Normalized{}, fmt.Errorf("empty url")
	}
	lower := strings.ToLower(raw)
	for _, bad := range []string{"<script", "javascript:", "data:", "file:"} {
		if strings.Contains(lower, bad) {
			return Normalized{}, fmt.Errorf("blocked scheme or content: %s", bad)
		}
	}
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, err := neturl.Parse(raw)
	if err != nil {
		return Normalized{}, fmt.Errorf("parse url: %w", err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return Normalized{}, fmt.Errorf("scheme %q not allowed", u.Scheme)
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return Normalized{}, fmt.Errorf("missing host")
	}
	if err := checkHostChars(host); err != nil {
		return Normalized{}, err
	}
	if err := checkHostNotReserved(host); err != nil {
		return Normalized{}, err
	}

	u.Scheme = scheme
	if port := u.Port(); port != "" {
		u.Host = host + ":" + port
	} else {
		u.Host = host
	}
	u.Fragment = ""
	u.RawFragment = ""
	u.RawQuery = canonicalQuery(u.Query())

	// Re-encode the path once through url.URL so mixed encodings collapse
	// to a single canonical form.
	u.RawPath = ""
	if u.Path != "/" && strings.HasSuffix(u.Path, "/") {
		u.Path = strings.TrimRight(u.Path, "/")
	}

	out := u.String()
	if len(out) > maxURLLen {
		return Normalized{}, fmt.Errorf("url exceeds %d characters", maxURLLen)
	}
	return Normalized{
		URL:        out,
		DedupeHash: DedupeHash(out),
		VideoID:    YouTubeVideoID(u),
	}, nil
}

// DedupeHash returns SHA-256 of the normalized URL string as 64 hex chars.
func DedupeHash(normalized string) string {
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}

// canonicalQuery drops tracking keys, sorts the rest lexicographically by key
// and preserves duplicate values in their original order.
func canonicalQuery(values neturl.Values) string {
	keys := make([]string, 0, len(values))
	for k := range values {
		if strings.HasPrefix(strings.ToLower(k), "utm_") {
			continue
		}
		if _, drop := trackingKeys[strings.ToLower(k)]; drop {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var sb strings.Builder
	for _, k := range keys {
		for _, v := range values[k] {
			if sb.Len() > 0 {
				sb.WriteByte('&')
			}
			sb.WriteString(neturl.QueryEscape(k))
			sb.WriteByte('=')
			sb.WriteString(neturl.QueryEscape(v))
		}
	}
	return sb.String()
}

func checkHostChars(host string) error {
	for _, r := range host {
		if r < 0x20 || r == 0x7f {
			return fmt.Errorf("control character in host")
		}
		switch r {
		case '<', '>', '"', '\'', '@', 0:
			return fmt.Errorf("illegal character %q in host", r)
		}
	}
	return nil
}

// checkHostNotReserved rejects loopback, private, link-local and otherwise
// reserved hosts, including octal/hex/decimal IP spellings.
func checkHostNotReserved(host string) error {
	if host == "localhost" || strings.HasSuffix(host, ".localhost") {
		return fmt.Errorf("loopback host rejected")
	}
	ip := parseIPLiteral(host)
	if ip == nil {
		return nil
	}
	if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() || ip.IsUnspecified() || ip.IsMulticast() {
		return fmt.Errorf("reserved address %s rejected", ip)
	}
	// fc00::/7 unique-local space is not covered by IsPrivate for all forms.
	if v6 := ip.To16(); v6 != nil && ip.To4() == nil && (v6[0]&0xfe) == 0xfc {
		return fmt.Errorf("reserved address %s rejected", ip)
	}
	return nil
}

// parseIPLiteral parses textual IP forms including octal (0177.0.0.1),
// hex (0x7f.0.0.1) and bare integer (2130706433) spellings that net.ParseIP
// does not accept but HTTP stacks do.
func parseIPLiteral(host string) net.IP {
	host = strings.Trim(host, "[]")
	if ip := net.ParseIP(host); ip != nil {
		return ip
	}
	parts := strings.Split(host, ".")
	if len(parts) == 1 {
		// Single integer form resolves to an IPv4 address.
		if n, err := strconv.ParseUint(host, 0, 64); err == nil && n <= 0xffffffff {
			return net.IPv4(byte(n>>24), byte(n>>16), byte(n>>8), byte(n))
		}
		return nil
	}
	if len(parts) != 4 {
		return nil
	}
	var octets [4]byte
	for i, p := range parts {
		if p == "" {
			return nil
		}
		n, err := strconv.ParseUint(p, 0, 16)
		if err != nil || n > 255 {
			return nil
		}
		octets[i] = byte(n)
	}
	return net.IPv4(octets[0], octets[1], octets[2], octets[3])
}
