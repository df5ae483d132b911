package utils

import (
	"net/url"
	"regexp"
	"strings"

	"golang.org/x/net/idna"
)

var urlRegex = regexp.MustCompile(`https?://[^\s]+`)

// Known fake gift / giveaway domains. Matching is plain substring search over
// the lowercased message body, with an extra pass over ASCII-folded URL hosts
// so punycode look-alikes do not slip through.
var scamDomains = []string{
	"discord.gift",
	"discord.com/gifts",
	"discordapp.com/gifts",
	"nitro.gift",
	"free-nitro.xyz",
	"steamcommunity.com/giveaway",
	"steamgifts.com",
	"free-steam.com",
}

// ContainsScamLink reports whether the content references a known scam
// domain, and which one matched.
func ContainsScamLink(content string) (string, bool) {
	lower := strings.ToLower(content)
	for _, domain := range scamDomains {
		if strings.Contains(lower, domain) {
			return domain, true
		}
	}

	for _, raw := range urlRegex.FindAllString(lower, -1) {
		host, err := normalizeHost(raw)
		if err != nil {
			continue
		}
		for _, domain := range scamDomains {
			if strings.Contains(host, domain) {
				return domain, true
			}
		}
	}
	return "", false
}

func normalizeHost(raw string) (string, error) {
	parsed, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	host := strings.ToLower(parsed.Hostname())
	if ascii, err := idna.ToASCII(host); err == nil {
		host = ascii
	}
	return host, nil
}
