package userdata_test

import (
	"testing"

	"github.com/qeo-project/realm-security/pkg/policy"
	"github.com/qeo-project/realm-security/pkg/userdata"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	s := userdata.Encode(0x1, []uint64{0x2, 0x3})
	assert.Equal(t, "1-2,3", s)

	own, deny, err := userdata.Decode(s)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), own)
	assert.Equal(t, []uint64{2, 3}, deny)
}

func TestEncodeWithNoDenyList(t *testing.T) {
	s := userdata.Encode(0x5, nil)
	assert.Equal(t, "5-", s)

	own, deny, err := userdata.Decode(s)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), own)
	assert.Empty(t, deny)
}

func TestDecodeRejectsMalformedInput(t *testing.T) {
	_, _, err := userdata.Decode("not-hex-zz")
	assert.Error(t, err)
}

func TestAllowedGrantsWhenNeitherDenies(t *testing.T) {
	writer := userdata.Encode(1, []uint64{9})
	reader := userdata.Encode(2, []uint64{9})
	assert.True(t, userdata.Allowed(writer, reader))
}

func TestAllowedDeniesWhenReaderBlocksWriter(t *testing.T) {
	writer := userdata.Encode(1, nil)
	reader := userdata.Encode(2, []uint64{1})
	assert.False(t, userdata.Allowed(writer, reader))
}

func TestAllowedDeniesWhenWriterBlocksReader(t *testing.T) {
	writer := userdata.Encode(1, []uint64{2})
	reader := userdata.Encode(2, nil)
	assert.False(t, userdata.Allowed(writer, reader))
}

func TestAllowedDeniesMalformedUserData(t *testing.T) {
	assert.False(t, userdata.Allowed("garbage", userdata.Encode(2, nil)))
	assert.False(t, userdata.Allowed(userdata.Encode(1, nil), "garbage"))
}

type recordingRuleSource struct {
	rule policy.TopicRule
}

func (r recordingRuleSource) GetFineGrainedRules(selfTag, topic string, selector policy.Selector) ([]policy.TopicRule, error) {
	return []policy.TopicRule{r.rule}, nil
}

func TestComputeUserDataWriterChecksReaders(t *testing.T) {
	src := recordingRuleSource{rule: policy.TopicRule{
		Topic:     "sensors.temperature",
		ReadList:  []string{"uid:2", "uid:3"},
		WriteList: []string{"uid:4"},
	}}

	callback := func(identity string) userdata.Decision {
		if identity == "uid:3" {
			return userdata.Deny
		}
		return userdata.Allow
	}

	got, err := userdata.ComputeUserData(src, "uid:1", 1, "sensors.temperature", userdata.DirectionWriter, callback)
	require.NoError(t, err)
	assert.Equal(t, "1-3", got)
}

func TestComputeUserDataReaderChecksWriters(t *testing.T) {
	src := recordingRuleSource{rule: policy.TopicRule{
		Topic:     "sensors.temperature",
		ReadList:  []string{"uid:2"},
		WriteList: []string{"uid:4", "uid:5"},
	}}

	callback := func(identity string) userdata.Decision { return userdata.Deny }

	got, err := userdata.ComputeUserData(src, "uid:1", 1, "sensors.temperature", userdata.DirectionReader, callback)
	require.NoError(t, err)
	own, deny, err := userdata.Decode(got)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), own)
	assert.ElementsMatch(t, []uint64{4, 5}, deny)
}

func TestComputeUserDataCoarseTopicHasNoDenyCandidates(t *testing.T) {
	src := recordingRuleSource{rule: policy.TopicRule{Topic: "sensors.temperature", Coarse: true}}
	got, err := userdata.ComputeUserData(src, "uid:1", 1, "sensors.temperature", userdata.DirectionWriter, func(string) userdata.Decision { return userdata.Deny })
	require.NoError(t, err)
	assert.Equal(t, "1-", got)
}
