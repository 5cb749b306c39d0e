// Package capabilities implements the capability oracle: the single-owner,
// authoritative store of per-process capabilities. All access is
// message-driven through one command channel, matching the spec's
// modeling note to treat shared state as an actor with a bounded command
// channel rather than a lock held across suspension points.
package capabilities

import (
	"context"
	"fmt"

	"github.com/hyperdrive-os/hyperdrive/pkg/log"
	"github.com/hyperdrive-os/hyperdrive/pkg/types"
	"github.com/rs/zerolog"
)

// Oracle is the capability oracle. Every method sends a command to the
// owning goroutine and waits for its reply, so the authoritative set is
// never touched from more than one goroutine at a time.
type Oracle struct {
	cmdCh  chan command
	logger zerolog.Logger
}

type command struct {
	op     opcode
	target types.ProcessId
	caps   []types.Capability
	cap    types.Capability
	noRevoke bool
	reply  chan reply
}

type opcode int

const (
	opGrant opcode = iota
	opRevoke
	opHas
	opGetAll
	opDrop
)

type reply struct {
	ok   bool
	set  types.CapabilitySet
	err  error
}

// New creates and starts an Oracle. Cancel ctx to stop its loop.
func New(ctx context.Context) *Oracle {
	o := &Oracle{
		cmdCh:  make(chan command, 64),
		logger: log.WithComponent("capability-oracle"),
	}
	go o.run(ctx)
	return o
}

// state tracks, per process, the capability set the oracle itself
// authorized (a process's own holdings).
type state struct {
	held   map[types.ProcessId]types.CapabilitySet
}

func (o *Oracle) run(ctx context.Context) {
	st := state{held: make(map[types.ProcessId]types.CapabilitySet)}
	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-o.cmdCh:
			o.handle(&st, cmd)
		}
	}
}

func (o *Oracle) handle(st *state, cmd command) {
	switch cmd.op {
	case opGrant:
		set, ok := st.held[cmd.target]
		if !ok {
			set = types.NewCapabilitySet()
			st.held[cmd.target] = set
		}
		for _, c := range cmd.caps {
			set.Add(c)
		}
		cmd.reply <- reply{ok: true}

	case opRevoke:
		if set, ok := st.held[cmd.target]; ok {
			set.Remove(cmd.cap)
		}
		cmd.reply <- reply{ok: true}

	case opHas:
		set, ok := st.held[cmd.target]
		has := ok && len(cmd.caps) == 1 && set.Has(cmd.caps[0])
		cmd.reply <- reply{ok: has}

	case opGetAll:
		set, ok := st.held[cmd.target]
		if !ok {
			cmd.reply <- reply{set: types.NewCapabilitySet()}
			return
		}
		cmd.reply <- reply{set: set.Clone()}

	case opDrop:
		delete(st.held, cmd.target)
		if !cmd.noRevoke {
			o.revokeIssuedBy(st, cmd.target)
		}
		cmd.reply <- reply{ok: true}
	}
}

// revokeIssuedBy removes, from every other process's set, every capability
// whose issuer.process equals target. Called on Drop unless the kill was
// flagged no-revoke.
func (o *Oracle) revokeIssuedBy(st *state, target types.ProcessId) {
	for holder, set := range st.held {
		if holder == target {
			continue
		}
		for key, c := range set {
			if c.Issuer.Process == target {
				delete(set, key)
			}
		}
	}
}

// Grant unions caps into target's set, as an authoritative kernel action.
// The spec's "caller does not itself hold it" no-op rule is enforced by
// callers (the router/kernel) before invoking Grant; the oracle itself is
// trusted once called, mirroring the teacher's single-owner token manager.
func (o *Oracle) Grant(ctx context.Context, target types.ProcessId, caps []types.Capability) error {
	r, err := o.send(ctx, command{op: opGrant, target: target, caps: caps})
	if err != nil {
		return err
	}
	if !r.ok {
		return fmt.Errorf("grant failed for %s", target)
	}
	return nil
}

// Revoke removes one capability from target's set.
func (o *Oracle) Revoke(ctx context.Context, target types.ProcessId, cap types.Capability) error {
	_, err := o.send(ctx, command{op: opRevoke, target: target, cap: cap})
	return err
}

// Has is the authoritative check the router consults before delivering any
// Request whose source is not local-same-package and whose target is not
// public.
func (o *Oracle) Has(ctx context.Context, on types.ProcessId, cap types.Capability) (bool, error) {
	r, err := o.send(ctx, command{op: opHas, target: on, caps: []types.Capability{cap}})
	if err != nil {
		return false, err
	}
	return r.ok, nil
}

// GetAll returns the full capability set held by on, used at process
// restart to re-grant what it held before exit.
func (o *Oracle) GetAll(ctx context.Context, on types.ProcessId) (types.CapabilitySet, error) {
	r, err := o.send(ctx, command{op: opGetAll, target: on})
	if err != nil {
		return nil, err
	}
	return r.set, nil
}

// Drop removes target and, unless noRevoke is set, revokes every
// capability whose issuer.process == target from every other process.
// noRevoke is used during restart to preserve capabilities this process
// had issued to others across the restart.
func (o *Oracle) Drop(ctx context.Context, target types.ProcessId, noRevoke bool) error {
	_, err := o.send(ctx, command{op: opDrop, target: target, noRevoke: noRevoke})
	return err
}

func (o *Oracle) send(ctx context.Context, cmd command) (reply, error) {
	cmd.reply = make(chan reply, 1)
	select {
	case o.cmdCh <- cmd:
	case <-ctx.Done():
		return reply{}, ctx.Err()
	}
	select {
	case r := <-cmd.reply:
		return r, nil
	case <-ctx.Done():
		return reply{}, ctx.Err()
	}
}
