package admission

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// maxDNSLabel is the longest a single DNS label may be.
const maxDNSLabel = 63

// refHashLen is the length of the ref hash suffix on preview labels.
const refHashLen = 8

// ProductionDomain renders the canonical production name for a project.
func ProductionDomain(projectSlug, orgSlug, baseDomain string) string {
	return fmt.Sprintf("%s.%s.%s", projectSlug, orgSlug, baseDomain)
}

// PreviewDomain derives a collision-resistant, DNS-label-safe preview name
// from the project, organization and git ref. The label is sanitized and
// truncated so that, with the ref-hash suffix, it never exceeds 63 chars.
func PreviewDomain(projectSlug, orgSlug, ref, baseDomain string) string {
	label := SanitizeLabel(projectSlug + "-" + orgSlug + "-" + ref)
	budget := maxDNSLabel - refHashLen - 1
	if len(label) > budget {
		label = strings.TrimRight(label[:budget], "-")
	}
	suffix := refHash(ref)
	if label == "" {
		return suffix + "." + baseDomain
	}
	return label + "-" + suffix + "." + baseDomain
}

// SanitizeLabel lowercases the input and reduces it to alphanumerics and
// single hyphens, with no hyphen at either end.
func SanitizeLabel(raw string) string {
	var b strings.Builder
	lastHyphen := true
	for _, r := range strings.ToLower(raw) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastHyphen = false
		default:
			if !lastHyphen {
				b.WriteByte('-')
				lastHyphen = true
			}
		}
	}
	return strings.TrimRight(b.String(), "-")
}

func refHash(ref string) string {
	sum := sha256.Sum256([]byte(ref))
	return hex.EncodeToString(sum[:])[:refHashLen]
}
