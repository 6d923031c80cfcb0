package policy

import "context"

// SecurityPlugin is the pub/sub runtime's security collaborator: the thing
// that actually gates discovery and data exchange according to an enforced
// policy generation. The engine drives it through a four-phase update per
// generation; the plugin is expected to make the new state visible to the
// runtime only at CommitUpdate.
type SecurityPlugin interface {
	// StartUpdate opens a critical section during which the plugin's state
	// may be mutated. Only one update may be in flight at a time.
	StartUpdate(ctx context.Context) error

	// AddDomainEntry declares the transport set available for the domain
	// being (re)configured.
	AddDomainEntry(ctx context.Context, transports []string) error

	// AddParticipant attaches topic rules to a participant handle. The
	// engine calls this once per participant to pre-create handles with no
	// rules, then again with the resolved rules, matching the reference
	// two-pass participant setup.
	AddParticipant(ctx context.Context, participantTag string, rules []TopicRule) error

	// CommitUpdate closes the critical section, making every change since
	// StartUpdate visible atomically.
	CommitUpdate(ctx context.Context) error

	// RollbackUpdate discards every change since StartUpdate. Called when
	// any earlier phase fails.
	RollbackUpdate(ctx context.Context) error
}

// NoopPlugin is a SecurityPlugin that does nothing, useful for embedding
// the engine in contexts with no real transport (tests, tooling).
type NoopPlugin struct{}

func (NoopPlugin) StartUpdate(context.Context) error                             { return nil }
func (NoopPlugin) AddDomainEntry(context.Context, []string) error                { return nil }
func (NoopPlugin) AddParticipant(context.Context, string, []TopicRule) error      { return nil }
func (NoopPlugin) CommitUpdate(context.Context) error                            { return nil }
func (NoopPlugin) RollbackUpdate(context.Context) error                          { return nil }
