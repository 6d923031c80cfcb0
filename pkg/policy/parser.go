package policy

import (
	"fmt"
	"strconv"
	"strings"
)

const supportedVersion = "1.0"

// Parse streams events for the policy document in body to events. It
// validates the meta section's version and fails on any malformed section
// bracket, missing '=', or unknown meta key.
func Parse(body string, events ParserEvents) error {
	metaSeen := false
	versionSeen := false
	inMeta := false

	for _, raw := range splitLines(body) {
		line := stripWhitespace(raw)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		if strings.HasPrefix(line, "[") {
			if strings.HasPrefix(line, "[meta]") {
				if metaSeen {
					return fmt.Errorf("policy: more than one [meta] section")
				}
				metaSeen = true
				inMeta = true
				continue
			}
			tag, ok := sectionTag(line)
			if !ok {
				return fmt.Errorf("policy: malformed section bracket: %q", line)
			}
			inMeta = false
			events.OnParticipantFound(tag)
			continue
		}

		key, value, hasEq := strings.Cut(line, "=")
		if !hasEq {
			return fmt.Errorf("policy: missing '=' in line: %q", line)
		}

		if inMeta {
			switch key {
			case "version":
				if value != supportedVersion {
					return fmt.Errorf("policy: unsupported version %q", value)
				}
				versionSeen = true
			case "seqnr":
				seqnr, err := strconv.ParseUint(value, 10, 64)
				if err != nil {
					return fmt.Errorf("policy: malformed seqnr %q: %w", value, err)
				}
				events.OnSequenceNumber(seqnr)
			default:
				return fmt.Errorf("policy: unknown meta key %q", key)
			}
			continue
		}

		if strings.Contains(value, "<") {
			if err := parseFineGrained(key, value, events); err != nil {
				return err
			}
			continue
		}

		perm := Permission{
			Read:  strings.ContainsAny(value, "rR"),
			Write: strings.ContainsAny(value, "wW"),
		}
		events.OnCoarseGrainedRule(key, perm)
	}

	if !versionSeen {
		return fmt.Errorf("policy: document has no [meta] version")
	}
	return nil
}

// GetSequenceNumber scans only the meta block and returns seqnr without
// emitting any events. Used to short-circuit a policy refresh.
func GetSequenceNumber(body string) (uint64, error) {
	inMeta := false
	for _, raw := range splitLines(body) {
		line := stripWhitespace(raw)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if strings.HasPrefix(line, "[") {
			inMeta = strings.HasPrefix(line, "[meta]")
			continue
		}
		if !inMeta {
			continue
		}
		key, value, hasEq := strings.Cut(line, "=")
		if hasEq && key == "seqnr" {
			seqnr, err := strconv.ParseUint(value, 10, 64)
			if err != nil {
				return 0, fmt.Errorf("policy: malformed seqnr %q: %w", value, err)
			}
			return seqnr, nil
		}
	}
	return 0, nil
}

func sectionTag(line string) (string, bool) {
	rest := strings.TrimPrefix(line, "[")
	idx := strings.IndexByte(rest, ']')
	if idx < 0 {
		return "", false
	}
	return rest[:idx], true
}

func parseFineGrained(topic, value string, events ParserEvents) error {
	type needle struct {
		token string
		perm  Permission
	}
	needles := []needle{
		{"r<", Permission{Read: true}},
		{"w<", Permission{Write: true}},
	}
	for _, n := range needles {
		start := strings.Index(value, n.token)
		if start < 0 {
			continue
		}
		rel := strings.IndexByte(value[start:], '>')
		if rel < 0 {
			return fmt.Errorf("policy: unterminated fine-grained clause in topic %q", topic)
		}
		end := start + rel
		ids := value[start+len(n.token) : end]
		for _, id := range strings.Split(ids, ";") {
			if id == "" {
				continue
			}
			events.OnFineGrainedRuleSection(topic, id, n.perm)
		}
	}
	return nil
}

func splitLines(body string) []string {
	return strings.FieldsFunc(body, func(r rune) bool { return r == '\n' || r == '\r' })
}

func stripWhitespace(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r == ' ' || r == '\t' {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
