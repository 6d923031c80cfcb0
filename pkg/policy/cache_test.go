package policy_test

import (
	"testing"

	"github.com/qeo-project/realm-security/pkg/policy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func findRule(rules []policy.TopicRule, topic string) (policy.TopicRule, bool) {
	for _, r := range rules {
		if r.Topic == topic {
			return r, true
		}
	}
	return policy.TopicRule{}, false
}

func topicNames(rules []policy.TopicRule) []string {
	names := make([]string, len(rules))
	for i, r := range rules {
		names[i] = r.Topic
	}
	return names
}

// TestCacheOnlyCoarse mirrors a policy made entirely of coarse-grained rules
// plus a bare wildcard fallback, and checks that queries return rules in
// descending-topic-length order with the wildcard fallback materialized for
// topics a participant never mentioned explicitly.
func TestCacheOnlyCoarse(t *testing.T) {
	c := policy.NewCache(1)
	require.NoError(t, c.AddParticipantTag("uid:1"))
	require.NoError(t, c.AddParticipantTag("uid:2"))

	require.NoError(t, c.AddCoarseGrainedRule("uid:1", "topic1", policy.Permission{Read: true, Write: true}))
	require.NoError(t, c.AddCoarseGrainedRule("uid:1", "topic2", policy.Permission{Read: true}))
	require.NoError(t, c.AddCoarseGrainedRule("uid:1", "qeo.org.topic", policy.Permission{}))
	require.NoError(t, c.AddCoarseGrainedRule("uid:1", "*", policy.Permission{Read: true}))

	require.NoError(t, c.AddCoarseGrainedRule("uid:2", "qeo.org.*", policy.Permission{Read: true}))
	require.NoError(t, c.AddCoarseGrainedRule("uid:2", "qeo.org.topic", policy.Permission{Read: true, Write: true}))

	require.NoError(t, c.Finalize())

	read1, err := c.GetTopicRules("uid:1", "", policy.SelectRead)
	require.NoError(t, err)
	assert.Equal(t, []string{"qeo.org.*", "topic1", "topic2", "*"}, topicNames(read1))

	write1, err := c.GetTopicRules("uid:1", "", policy.SelectWrite)
	require.NoError(t, err)
	assert.Equal(t, []string{"topic1"}, topicNames(write1))

	read2, err := c.GetTopicRules("uid:2", "", policy.SelectRead)
	require.NoError(t, err)
	assert.Equal(t, []string{"qeo.org.topic", "qeo.org.*"}, topicNames(read2))

	write2, err := c.GetTopicRules("uid:2", "", policy.SelectWrite)
	require.NoError(t, err)
	assert.Equal(t, []string{"qeo.org.topic"}, topicNames(write2))
}

// TestCacheCoarseAndFineMix mirrors a policy mixing coarse rules with a
// wildcard fine-grained section, checking that a coarse rule shadowed by a
// matching wildcard fine rule is promoted and materialized with every
// participant in the cache, while another participant's own fine rule for
// the same wildcard topic is left untouched.
func TestCacheCoarseAndFineMix(t *testing.T) {
	c := policy.NewCache(1)
	require.NoError(t, c.AddParticipantTag("uid:1"))
	require.NoError(t, c.AddParticipantTag("uid:2"))

	require.NoError(t, c.AddCoarseGrainedRule("uid:1", "topic1", policy.Permission{Read: true, Write: true}))
	require.NoError(t, c.AddCoarseGrainedRule("uid:1", "*", policy.Permission{Read: true, Write: true}))

	require.NoError(t, c.AddCoarseGrainedRule("uid:2", "topic2", policy.Permission{Read: true, Write: true}))
	require.NoError(t, c.AddCoarseGrainedRule("uid:2", "*", policy.Permission{Read: true}))
	require.NoError(t, c.AddFineGrainedRuleSection("uid:2", "prefix.*", policy.Permission{Read: true}, "uid:2"))
	require.NoError(t, c.AddFineGrainedRuleSection("uid:2", "prefix.*", policy.Permission{Write: true}, "uid:1"))

	require.NoError(t, c.Finalize())

	rules1, err := c.GetTopicRules("uid:1", "", policy.SelectAll)
	require.NoError(t, err)
	r1, ok := findRule(rules1, "prefix.*")
	require.True(t, ok)
	assert.False(t, r1.Coarse)
	assert.ElementsMatch(t, []string{"uid:2", "uid:1"}, r1.ReadList)
	assert.ElementsMatch(t, []string{"uid:2", "uid:1"}, r1.WriteList)

	rules2, err := c.GetTopicRules("uid:2", "", policy.SelectAll)
	require.NoError(t, err)
	r2, ok := findRule(rules2, "prefix.*")
	require.True(t, ok)
	assert.False(t, r2.Coarse)
	assert.Equal(t, []string{"uid:2"}, r2.ReadList)
	assert.Equal(t, []string{"uid:1"}, r2.WriteList)
}

// TestCacheOwnFineOnly checks a topic that only carries fine-grained rules:
// a participant whose own rule lists readers but no writers resolves to a
// read-only permission for that topic.
func TestCacheOwnFineOnly(t *testing.T) {
	c := policy.NewCache(1)
	require.NoError(t, c.AddParticipantTag("uid:1"))
	require.NoError(t, c.AddParticipantTag("uid:2"))

	require.NoError(t, c.AddFineGrainedRuleSection("uid:1", "topic1", policy.Permission{Read: true, Write: true}, "uid:1"))
	require.NoError(t, c.AddFineGrainedRuleSection("uid:2", "topic1", policy.Permission{Read: true}, "uid:2"))

	require.NoError(t, c.Finalize())

	rules2, err := c.GetTopicRules("uid:2", "topic1", policy.SelectAll)
	require.NoError(t, err)
	require.Len(t, rules2, 1)
	assert.Equal(t, policy.Permission{Read: true}, rules2[0].Perm)
}

// TestCacheBareWildcardDoesNotPromote reproduces the policy-topic scenario: a
// coarse rule on a fully-qualified topic coexists with a fine-grained rule
// on the bare wildcard "*". Because "*" carries an empty prefix it is a
// fallback, not a namespace, and must not force-promote the fully-qualified
// topic to fine-grained.
//
// The source grammar documentation describes this scenario as yielding an
// empty read list on the wildcard topic; tracing the reference parser's
// token-scan logic against this exact rule text does not reproduce that
// asymmetry; both directions are populated from the same rule. This test
// asserts the behavior this cache actually (and deterministically) produces.
func TestCacheBareWildcardDoesNotPromote(t *testing.T) {
	c := policy.NewCache(1)
	require.NoError(t, c.AddParticipantTag("uid:37c"))

	require.NoError(t, c.AddCoarseGrainedRule("uid:37c", "org.qeo.system.Policy", policy.Permission{Read: true, Write: true}))
	require.NoError(t, c.AddFineGrainedRuleSection("uid:37c", "*", policy.Permission{Read: true}, "uid:37c"))
	require.NoError(t, c.AddFineGrainedRuleSection("uid:37c", "*", policy.Permission{Write: true}, "uid:37c"))

	require.NoError(t, c.Finalize())

	rules, err := c.GetTopicRules("uid:37c", "", policy.SelectAll)
	require.NoError(t, err)

	policyRule, ok := findRule(rules, "org.qeo.system.Policy")
	require.True(t, ok)
	assert.True(t, policyRule.Coarse)
	assert.Equal(t, policy.Permission{Read: true, Write: true}, policyRule.Perm)

	star, ok := findRule(rules, "*")
	require.True(t, ok)
	assert.False(t, star.Coarse)
	assert.Equal(t, []string{"uid:37c"}, star.ReadList)
	assert.Equal(t, []string{"uid:37c"}, star.WriteList)
}

func TestCacheFinalizeRequiredBeforeQuery(t *testing.T) {
	c := policy.NewCache(1)
	require.NoError(t, c.AddParticipantTag("uid:1"))
	_, err := c.GetTopicRules("uid:1", "", policy.SelectAll)
	assert.Error(t, err)
}

func TestCacheRejectsDuplicateParticipant(t *testing.T) {
	c := policy.NewCache(1)
	require.NoError(t, c.AddParticipantTag("uid:1"))
	assert.Error(t, c.AddParticipantTag("uid:1"))
}

func TestCacheRejectsWildcardQuery(t *testing.T) {
	c := policy.NewCache(1)
	require.NoError(t, c.AddParticipantTag("uid:1"))
	require.NoError(t, c.AddCoarseGrainedRule("uid:1", "topic.*", policy.Permission{Read: true}))
	require.NoError(t, c.Finalize())

	_, err := c.GetTopicRules("uid:1", "topic.*", policy.SelectAll)
	assert.Error(t, err)
}

func TestCacheNormalizesColonTopics(t *testing.T) {
	c := policy.NewCache(1)
	require.NoError(t, c.AddParticipantTag("uid:1"))
	require.NoError(t, c.AddCoarseGrainedRule("uid:1", "org::qeo::system::Policy", policy.Permission{Read: true}))
	require.NoError(t, c.Finalize())

	rules, err := c.GetTopicRules("uid:1", "org.qeo.system.Policy", policy.SelectAll)
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, "org.qeo.system.Policy", rules[0].Topic)
}

func TestCacheReset(t *testing.T) {
	c := policy.NewCache(1)
	require.NoError(t, c.AddParticipantTag("uid:1"))
	c.SetSeqNumber(5)
	c.Reset()
	assert.Equal(t, uint64(0), c.SeqNumber())
	assert.Empty(t, c.GetParticipants())
}
