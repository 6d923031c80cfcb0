package policy

import (
	"context"
	"fmt"
	"sync"

	"github.com/qeo-project/realm-security/pkg/cryptoutil"
	"github.com/qeo-project/realm-security/pkg/mgmtclient"

	"crypto/x509"
)

// ContentProvider is installed into the pub/sub runtime so it can pull the
// currently enforced policy body and sequence number on demand, mirroring
// the source system's DDS policy-content callback.
type ContentProvider interface {
	CurrentPolicy() (body []byte, seqnr uint64)
}

// Engine owns the on-disk lifecycle of one realm's policy document plus the
// in-memory cache built from it: construct, refresh, enforce, publish.
type Engine struct {
	mu sync.Mutex

	storageDir string
	realmID    uint64
	realmChain []*x509.Certificate
	transports []string

	client mgmtclient.Client
	plugin SecurityPlugin

	cache *Cache

	currentBody  []byte
	currentSeqnr uint64
}

// EngineOption configures optional Engine behavior.
type EngineOption func(*Engine)

// WithTransports sets the transport set advertised to the security plugin's
// domain entry.
func WithTransports(transports []string) EngineOption {
	return func(e *Engine) { e.transports = transports }
}

// NewEngine constructs the cache and engine for a realm. It does not load or
// fetch a policy document; call Construct for that.
func NewEngine(storageDir string, realmID uint64, realmChain []*x509.Certificate, client mgmtclient.Client, plugin SecurityPlugin, opts ...EngineOption) *Engine {
	if plugin == nil {
		plugin = NoopPlugin{}
	}
	e := &Engine{
		storageDir: storageDir,
		realmID:    realmID,
		realmChain: realmChain,
		client:     client,
		plugin:     plugin,
		cache:      NewCache(realmID),
		transports: []string{"default"},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Construct loads the local policy file if present; otherwise it fetches
// the current policy from the management client. Either way, the loaded
// document is verified, enforced, and published before Construct returns.
func (e *Engine) Construct(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	body, err := readCurrentFile(e.storageDir, e.realmID)
	if err != nil {
		return fmt.Errorf("policy: construct: %w", err)
	}
	if body == nil {
		body, err = e.client.FetchPolicy(ctx, e.realmID)
		if err != nil {
			return fmt.Errorf("policy: construct: initial fetch: %w", err)
		}
	}

	return e.updateLocked(ctx, body)
}

// Refresh checks whether the current sequence number is still valid; if the
// server reports otherwise, it fetches the new body and runs the full
// verify/enforce/publish path.
func (e *Engine) Refresh(ctx context.Context) error {
	e.mu.Lock()
	seqnr := e.currentSeqnr
	e.mu.Unlock()

	current, err := e.client.CurrentSeqNumber(ctx, e.realmID, seqnr)
	if err != nil {
		return fmt.Errorf("policy: refresh: %w", err)
	}
	if current {
		return nil
	}

	body, err := e.client.FetchPolicy(ctx, e.realmID)
	if err != nil {
		return fmt.Errorf("policy: refresh: fetch: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.updateLocked(ctx, body)
}

// updateLocked runs verify -> enforce -> publish for a newly obtained
// document. Samples whose sequence number is not strictly greater than the
// currently enforced one are ignored, per the linearization invariant.
func (e *Engine) updateLocked(ctx context.Context, mimeBody []byte) error {
	plaintext, signer, err := e.verify(mimeBody)
	if err != nil {
		return fmt.Errorf("policy: verify: %w", err)
	}
	_ = signer

	seqnr, err := GetSequenceNumber(string(plaintext))
	if err != nil {
		return fmt.Errorf("policy: read seqnr: %w", err)
	}
	if seqnr <= e.currentSeqnr && e.currentBody != nil {
		return nil
	}

	if err := e.enforce(ctx, string(plaintext), seqnr); err != nil {
		return fmt.Errorf("policy: enforce: %w", err)
	}

	if err := e.publish(mimeBody, plaintext, seqnr); err != nil {
		return fmt.Errorf("policy: publish: %w", err)
	}
	return nil
}

// verify splits the multipart/signed envelope, checks its S/MIME signature
// against the realm chain, and returns the detached plaintext body.
func (e *Engine) verify(mimeBody []byte) ([]byte, *x509.Certificate, error) {
	body, signature, err := cryptoutil.SplitSMIME(mimeBody)
	if err != nil {
		return nil, nil, err
	}
	signer, err := cryptoutil.VerifyPolicyDocument(body, signature, e.realmChain)
	if err != nil {
		return nil, nil, err
	}
	return body, signer, nil
}

// enforce parses the verified body into a fresh cache generation, finalizes
// it, then drives the security plugin through its four-phase update.
// Any failure after StartUpdate triggers a best-effort rollback.
func (e *Engine) enforce(ctx context.Context, body string, seqnr uint64) error {
	newCache := NewCache(e.realmID)
	newCache.SetSeqNumber(seqnr)

	collector := &cacheEventCollector{cache: newCache}
	if err := Parse(body, collector); err != nil {
		return fmt.Errorf("parse: %w", err)
	}
	if err := newCache.Finalize(); err != nil {
		return fmt.Errorf("finalize: %w", err)
	}

	if err := e.plugin.StartUpdate(ctx); err != nil {
		return fmt.Errorf("start update: %w", err)
	}

	if err := e.plugin.AddDomainEntry(ctx, e.transports); err != nil {
		e.plugin.RollbackUpdate(ctx)
		return fmt.Errorf("add domain entry: %w", err)
	}

	participants := newCache.GetParticipants()

	// First pass: pre-create every participant handle with no rules.
	for _, tag := range participants {
		if err := e.plugin.AddParticipant(ctx, tag, nil); err != nil {
			e.plugin.RollbackUpdate(ctx)
			return fmt.Errorf("pre-create participant %s: %w", tag, err)
		}
	}

	// Second pass: attach resolved per-topic rules.
	for _, tag := range participants {
		rules, err := newCache.GetTopicRules(tag, "", SelectAll)
		if err != nil {
			e.plugin.RollbackUpdate(ctx)
			return fmt.Errorf("resolve rules for participant %s: %w", tag, err)
		}
		if err := e.plugin.AddParticipant(ctx, tag, rules); err != nil {
			e.plugin.RollbackUpdate(ctx)
			return fmt.Errorf("attach rules for participant %s: %w", tag, err)
		}
	}

	if err := e.plugin.CommitUpdate(ctx); err != nil {
		e.plugin.RollbackUpdate(ctx)
		return fmt.Errorf("commit update: %w", err)
	}

	e.cache = newCache
	return nil
}

// publish atomically promotes the new body to the current body on disk and
// records the verified plaintext plus sequence number for the
// ContentProvider callback.
func (e *Engine) publish(mimeBody, plaintext []byte, seqnr uint64) error {
	if err := writeCurrentFile(e.storageDir, e.realmID, mimeBody); err != nil {
		return err
	}
	e.currentBody = plaintext
	e.currentSeqnr = seqnr
	return nil
}

// GetFineGrainedRules resolves self's rules for topic (or every topic, if
// topic is empty) and selector.
func (e *Engine) GetFineGrainedRules(selfTag, topic string, selector Selector) ([]TopicRule, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cache.GetTopicRules(selfTag, topic, selector)
}

// CurrentPolicy implements ContentProvider.
func (e *Engine) CurrentPolicy() ([]byte, uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.currentBody, e.currentSeqnr
}

// Destruct releases the engine's in-memory state. The on-disk policy file is
// left untouched; only transient temp files are ever cleaned up eagerly, by
// file.go itself.
func (e *Engine) Destruct() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cache = NewCache(e.realmID)
	e.currentBody = nil
	e.currentSeqnr = 0
}

// cacheEventCollector adapts ParserEvents onto Cache, tracking participant
// tags as they're declared so coarse/fine rule events can be attributed.
type cacheEventCollector struct {
	cache   *Cache
	current string
}

func (c *cacheEventCollector) OnSequenceNumber(seqnr uint64) {
	c.cache.SetSeqNumber(seqnr)
}

func (c *cacheEventCollector) OnParticipantFound(tag string) {
	c.current = tag
	c.cache.AddParticipantTag(tag)
}

func (c *cacheEventCollector) OnCoarseGrainedRule(topic string, perm Permission) {
	c.cache.AddCoarseGrainedRule(c.current, topic, perm)
}

func (c *cacheEventCollector) OnFineGrainedRuleSection(topic, participantID string, perm Permission) {
	c.cache.AddFineGrainedRuleSection(c.current, topic, perm, participantID)
}
