package userdata

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/qeo-project/realm-security/pkg/policy"
)

// Direction is the role a local DDS endpoint plays: a writer consults the
// readers permitted on its topic, a reader consults the permitted writers.
type Direction int

const (
	DirectionWriter Direction = iota
	DirectionReader
)

// Decision is the verdict an endpoint's policy-update callback returns for
// one remote participant.
type Decision int

const (
	Allow Decision = iota
	Deny
)

// PolicyUpdateFunc is invoked once per remote participant that the policy
// cache currently permits to pair with the local endpoint, giving the
// endpoint a final say (e.g. an application-level revocation list) before
// that participant is published as an acceptable peer.
type PolicyUpdateFunc func(identity string) Decision

// RuleSource is the subset of the policy engine this package depends on.
type RuleSource interface {
	GetFineGrainedRules(selfTag, topic string, selector policy.Selector) ([]policy.TopicRule, error)
}

// ComputeUserData builds the QoS user-data octet string for one local
// endpoint on one topic: it resolves the topic's rule for ownTag, looks at
// the complementary direction's participant list, asks onPolicyUpdate about
// each, and publishes ownID plus every participant onPolicyUpdate denied.
func ComputeUserData(rules RuleSource, ownTag string, ownID uint64, topic string, dir Direction, onPolicyUpdate PolicyUpdateFunc) (string, error) {
	resolved, err := rules.GetFineGrainedRules(ownTag, topic, policy.SelectAll)
	if err != nil {
		return "", fmt.Errorf("userdata: resolve rule for %q/%q: %w", ownTag, topic, err)
	}

	var rule *policy.TopicRule
	for i := range resolved {
		if resolved[i].Topic == topic {
			rule = &resolved[i]
			break
		}
	}
	if rule == nil || rule.Coarse {
		return Encode(ownID, nil), nil
	}

	candidates := rule.WriteList
	if dir == DirectionWriter {
		candidates = rule.ReadList
	}

	var denyList []uint64
	for _, tag := range candidates {
		id, err := parseParticipantID(tag)
		if err != nil {
			continue
		}
		if onPolicyUpdate(tag) == Deny {
			denyList = append(denyList, id)
		}
	}
	return Encode(ownID, denyList), nil
}

// parseParticipantID extracts the numeric id from a cache participant tag
// of the form "uid:HEX" or "rid:HEX".
func parseParticipantID(tag string) (uint64, error) {
	_, hex, ok := strings.Cut(tag, ":")
	if !ok {
		return 0, fmt.Errorf("userdata: %q is not a participant tag", tag)
	}
	return strconv.ParseUint(hex, 16, 64)
}
