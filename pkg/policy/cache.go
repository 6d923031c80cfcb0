package policy

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// ruleEntry is one participant's rule for one topic.
type ruleEntry struct {
	coarseGrained bool
	coarse        Permission
	fineRead      []string
	fineWrite     []string
}

func (r *ruleEntry) permission() Permission {
	if r.coarseGrained {
		return r.coarse
	}
	return Permission{Read: len(r.fineRead) > 0, Write: len(r.fineWrite) > 0}
}

type topicDescriptor struct {
	name          string
	coarseGrained bool
}

type participantDescriptor struct {
	tag   string
	rules map[string]*ruleEntry // keyed by topic name
}

// Cache is the in-memory canonical representation of one policy
// generation: participants, topics, and the rules relating them.
//
// Participants and the fine-grained id lists inside a single rule are
// tracked as prepend-ordered lists, mirroring the linked-list construction
// of the originating implementation: the most recently declared entry is
// visited first.
type Cache struct {
	mu sync.RWMutex

	cookie    uint64
	seqNumber uint64

	topics     map[string]*topicDescriptor
	topicOrder []string // insertion order, most recent first

	participants     map[string]*participantDescriptor
	participantOrder []string // most recent first

	finalized bool
}

// NewCache constructs an empty cache associated with the given opaque
// cookie (the DDS security plugin's own correlation handle in the source
// system; carried here only as an opaque value).
func NewCache(cookie uint64) *Cache {
	return &Cache{
		cookie:       cookie,
		topics:       make(map[string]*topicDescriptor),
		participants: make(map[string]*participantDescriptor),
	}
}

// Cookie returns the cookie the cache was constructed with.
func (c *Cache) Cookie() uint64 {
	return c.cookie
}

// Reset discards all participants, topics, and rules.
func (c *Cache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.topics = make(map[string]*topicDescriptor)
	c.topicOrder = nil
	c.participants = make(map[string]*participantDescriptor)
	c.participantOrder = nil
	c.seqNumber = 0
	c.finalized = false
}

// SetSeqNumber records the sequence number of the in-progress policy.
func (c *Cache) SetSeqNumber(n uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seqNumber = n
}

// SeqNumber returns the sequence number of the currently cached policy.
func (c *Cache) SeqNumber() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.seqNumber
}

// AddParticipantTag registers a participant. Duplicate tags within one
// policy generation are a caller error.
func (c *Cache) AddParticipantTag(tag string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.participants[tag]; exists {
		return fmt.Errorf("policy: duplicate participant tag %q", tag)
	}
	c.participants[tag] = &participantDescriptor{tag: tag, rules: make(map[string]*ruleEntry)}
	c.participantOrder = append([]string{tag}, c.participantOrder...)
	return nil
}

func normalizeTopic(topic string) string {
	return strings.ReplaceAll(topic, "::", ".")
}

func (c *Cache) upsertTopic(name string, coarseGrained bool) *topicDescriptor {
	t, exists := c.topics[name]
	if !exists {
		t = &topicDescriptor{name: name, coarseGrained: coarseGrained}
		c.topics[name] = t
		c.topicOrder = append([]string{name}, c.topicOrder...)
		return t
	}
	if !coarseGrained {
		t.coarseGrained = false
	}
	return t
}

func (c *Cache) participant(tag string) (*participantDescriptor, error) {
	p, ok := c.participants[tag]
	if !ok {
		return nil, fmt.Errorf("policy: unknown participant tag %q", tag)
	}
	return p, nil
}

// AddCoarseGrainedRule upserts a topic descriptor, flagging it
// coarse-grained if newly created, and attaches a coarse rule to the named
// participant.
func (c *Cache) AddCoarseGrainedRule(tag, topic string, perm Permission) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	name := normalizeTopic(topic)
	c.upsertTopic(name, true)
	p, err := c.participant(tag)
	if err != nil {
		return err
	}
	p.rules[name] = &ruleEntry{coarseGrained: true, coarse: perm}
	return nil
}

// AddFineGrainedRuleSection upserts the topic as fine-grained and prepends
// participantSpecifier to the rule's read or write list according to perm.
func (c *Cache) AddFineGrainedRuleSection(tag, topic string, perm Permission, participantSpecifier string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	name := normalizeTopic(topic)
	c.upsertTopic(name, false)
	p, err := c.participant(tag)
	if err != nil {
		return err
	}
	r, ok := p.rules[name]
	if !ok || r.coarseGrained {
		r = &ruleEntry{}
		p.rules[name] = r
	}
	r.coarseGrained = false
	if perm.Read {
		r.fineRead = append([]string{participantSpecifier}, r.fineRead...)
	}
	if perm.Write {
		r.fineWrite = append([]string{participantSpecifier}, r.fineWrite...)
	}
	return nil
}

// wildcardPrefix returns the portion of name up to (not including) the
// first '*', and whether name contains a wildcard at all.
func wildcardPrefix(name string) (string, bool) {
	idx := strings.IndexByte(name, '*')
	if idx < 0 {
		return "", false
	}
	return name[:idx], true
}

// sortedTopicNames returns topic names ordered by descending length, with
// ties broken lexicographically ascending. This order is used both for the
// promotion pass's wildcard scan and as the canonical enumeration order
// returned by queries.
func (c *Cache) sortedTopicNames() []string {
	names := make([]string, 0, len(c.topics))
	for name := range c.topics {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		if len(names[i]) != len(names[j]) {
			return len(names[i]) > len(names[j])
		}
		return names[i] < names[j]
	})
	return names
}

// Finalize canonicalizes the cache: promotes coarse topics shadowed by a
// wildcard fine-grained topic, then completes every (participant, topic)
// pair so queries never need further wildcard resolution.
func (c *Cache) Finalize() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	ordered := c.sortedTopicNames()

	// Pass 1: topic promotion. A bare "*" (empty prefix) is a universal
	// fallback, not a namespace; it does not force-promote every other
	// topic, so topics with an empty wildcard prefix are skipped here.
	for _, name := range ordered {
		t := c.topics[name]
		if t.coarseGrained {
			continue
		}
		prefix, hasWildcard := wildcardPrefix(name)
		if !hasWildcard || prefix == "" {
			continue
		}
		for _, other := range ordered {
			if other == name {
				continue
			}
			ot := c.topics[other]
			if ot.coarseGrained && strings.HasPrefix(other, prefix) {
				ot.coarseGrained = false
			}
		}
	}

	// Pass 2 re-derives the canonical order after any promotions (topic
	// names themselves never change, so this is the same sorted list).
	ordered = c.sortedTopicNames()

	// Pass 3: rule completion. For each participant and every cached topic,
	// find a matching rule by identity or by wildcard-prefix match among
	// the participant's own wildcard-containing rules (most specific,
	// i.e. longest prefix, wins).
	for _, tag := range c.participantOrder {
		p := c.participants[tag]
		for _, name := range ordered {
			if _, exists := p.rules[name]; exists {
				continue
			}
			match := c.findWildcardMatch(p, name)
			if match == nil {
				p.rules[name] = &ruleEntry{coarseGrained: c.topics[name].coarseGrained}
				continue
			}
			p.rules[name] = c.materialize(match, name)
		}
	}

	c.finalized = true
	return nil
}

// findWildcardMatch returns the most specific of the participant's own
// rules whose topic name is a wildcard prefix of name.
func (c *Cache) findWildcardMatch(p *participantDescriptor, name string) *ruleEntry {
	var best *ruleEntry
	bestPrefixLen := -1
	for ownTopic, rule := range p.rules {
		prefix, hasWildcard := wildcardPrefix(ownTopic)
		if !hasWildcard {
			continue
		}
		if !strings.HasPrefix(name, prefix) {
			continue
		}
		if len(prefix) > bestPrefixLen {
			bestPrefixLen = len(prefix)
			best = rule
		}
	}
	return best
}

// materialize builds the rule entry for a concrete topic matched via
// wildcard against an existing rule. If the topic has been promoted to
// fine-grained but the matched rule is still coarse, the granted
// operations become fine lists containing every participant in the cache.
func (c *Cache) materialize(src *ruleEntry, topicName string) *ruleEntry {
	topicIsFine := false
	if t, ok := c.topics[topicName]; ok {
		topicIsFine = !t.coarseGrained
	}
	if src.coarseGrained && topicIsFine {
		perm := src.coarse
		out := &ruleEntry{}
		if perm.Read {
			out.fineRead = append([]string{}, c.participantOrder...)
		}
		if perm.Write {
			out.fineWrite = append([]string{}, c.participantOrder...)
		}
		return out
	}
	if src.coarseGrained {
		return &ruleEntry{coarseGrained: true, coarse: src.coarse}
	}
	return &ruleEntry{
		fineRead:  append([]string{}, src.fineRead...),
		fineWrite: append([]string{}, src.fineWrite...),
	}
}

// TopicRule describes one resolved (participant, topic) rule, as returned
// by GetTopicRules.
type TopicRule struct {
	Topic     string
	Coarse    bool
	Perm      Permission
	ReadList  []string
	WriteList []string
}

// GetParticipants enumerates participant tags in cache order.
func (c *Cache) GetParticipants() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, len(c.participantOrder))
	copy(out, c.participantOrder)
	return out
}

// GetTopicRules returns the rules for a participant matching selector. If
// topic is empty, every cached topic for that participant is considered.
// topic, when non-empty, must be fully-qualified (no wildcard) — callers
// query concrete discovery-time topic names, never patterns.
func (c *Cache) GetTopicRules(tag, topic string, selector Selector) ([]TopicRule, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if !c.finalized {
		return nil, fmt.Errorf("policy: cache has not been finalized")
	}
	if strings.Contains(topic, "*") {
		return nil, fmt.Errorf("policy: topic query must be fully-qualified, got %q", topic)
	}

	p, err := c.participant(tag)
	if err != nil {
		return nil, err
	}

	var names []string
	if topic != "" {
		names = []string{topic}
	} else {
		names = c.sortedTopicNames()
	}

	var out []TopicRule
	for _, name := range names {
		rule, ok := p.rules[name]
		if !ok {
			// Topic unknown to the cache: resolve via wildcard match
			// against this participant's own rules using a transient
			// descriptor, exactly as the finalize-time completion would.
			match := c.findWildcardMatch(p, name)
			if match == nil {
				continue
			}
			resolved := c.materialize(match, name)
			rule = resolved
		}

		perm := rule.permission()
		matchesSelector := (selector&SelectRead != 0 && perm.Read) || (selector&SelectWrite != 0 && perm.Write)
		if !matchesSelector {
			continue
		}

		tr := TopicRule{Topic: name, Coarse: rule.coarseGrained, Perm: perm}
		if !rule.coarseGrained {
			tr.ReadList = append([]string{}, rule.fineRead...)
			tr.WriteList = append([]string{}, rule.fineWrite...)
		}
		out = append(out, tr)
	}
	return out, nil
}
