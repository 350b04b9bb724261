// Package action implements the OpenFlow action-set semantics: actions
// written by WRITE_ACTIONS instructions accumulate into a per-packet set
// that is executed, once, in a fixed priority order independent of write
// order — while APPLY_ACTIONS actions execute immediately, in list
// order, against the packet as it stands at that point in the pipeline.
package action

import "github.com/lagopus-go/dpcore/ofp"

// Executor receives the effects of executing actions against a specific
// packet. The pipeline package implements it against a packet
// View/Classification; this package only sequences calls into it.
type Executor interface {
	CopyTTLIn()
	PopHeader(a ofp.Action)
	PushHeader(a ofp.Action)
	CopyTTLOut()
	DecTTL(a ofp.Action)
	SetField(xm ofp.XM)
	SetQueue(q ofp.Queue)
	Group(g ofp.Group)
	Output(port ofp.PortNo, maxLen uint16)

	// Experimenter dispatches a vendor action; a no-op unless the
	// pipeline registered a handler at startup.
	Experimenter(a *ofp.ActionExperimenter)

	// Stopped reports that a previous action terminated processing for
	// this packet (invalid TTL, meter drop); no further action runs.
	Stopped() bool
}

// ApplyActions executes actions immediately, in list order, as
// InstructionApplyActions requires.
func ApplyActions(actions ofp.Actions, ex Executor) {
	for _, a := range actions {
		applyOne(a, ex)
		if ex.Stopped() {
			return
		}
	}
}

func applyOne(a ofp.Action, ex Executor) {
	switch act := a.(type) {
	case *ofp.ActionCopyTTLIn:
		ex.CopyTTLIn()
	case *ofp.ActionCopyTTLOut:
		ex.CopyTTLOut()
	case *ofp.ActionPopVLAN, *ofp.ActionPopMPLS, *ofp.ActionPopPBB:
		ex.PopHeader(a)
	case *ofp.ActionPushVLAN, *ofp.ActionPushMPLS, *ofp.ActionPushPBB:
		ex.PushHeader(a)
	case *ofp.ActionSetMPLSTTL, *ofp.ActionDecMPLSTTL,
		*ofp.ActionSetNetworkTTL, *ofp.ActionDecNetworkTTL:
		ex.DecTTL(a)
	case *ofp.ActionSetField:
		ex.SetField(act.Field)
	case *ofp.ActionSetQueue:
		ex.SetQueue(act.QueueID)
	case *ofp.ActionGroup:
		ex.Group(act.Group)
	case *ofp.ActionOutput:
		ex.Output(act.Port, act.MaxLen)
	case *ofp.ActionExperimenter:
		ex.Experimenter(act)
	}
}

// Set accumulates actions written by successive WRITE_ACTIONS
// instructions. Writing an action of a type already present replaces it
// (Set-Field is the exception: it is keyed by the OXM field type it
// sets, so SET_FIELD(ip_dst) and SET_FIELD(ip_src) coexist).
type Set struct {
	copyTTLIn  ofp.Action
	pop        ofp.Action
	push       ofp.Action
	copyTTLOut ofp.Action
	decTTL     ofp.Action
	setField   map[ofp.XMType]ofp.XM
	setQueue   *ofp.ActionSetQueue
	group      *ofp.ActionGroup
	output     *ofp.ActionOutput
}

// NewSet returns an empty action set.
func NewSet() *Set {
	return &Set{setField: make(map[ofp.XMType]ofp.XM)}
}

// Write merges a into the set, following §4.6's per-type replace rule.
func (s *Set) Write(a ofp.Action) {
	switch act := a.(type) {
	case *ofp.ActionCopyTTLIn:
		s.copyTTLIn = a
	case *ofp.ActionCopyTTLOut:
		s.copyTTLOut = a
	case *ofp.ActionPopVLAN, *ofp.ActionPopMPLS, *ofp.ActionPopPBB:
		s.pop = a
	case *ofp.ActionPushVLAN, *ofp.ActionPushMPLS, *ofp.ActionPushPBB:
		s.push = a
	case *ofp.ActionSetMPLSTTL, *ofp.ActionDecMPLSTTL,
		*ofp.ActionSetNetworkTTL, *ofp.ActionDecNetworkTTL:
		s.decTTL = a
	case *ofp.ActionSetField:
		s.setField[act.Field.Type] = act.Field
	case *ofp.ActionSetQueue:
		s.setQueue = act
	case *ofp.ActionGroup:
		s.group = act
	case *ofp.ActionOutput:
		s.output = act
	}
}

// WriteAll merges every action in actions into the set.
func (s *Set) WriteAll(actions ofp.Actions) {
	for _, a := range actions {
		s.Write(a)
	}
}

// Clear empties the set, as InstructionClearActions requires.
func (s *Set) Clear() {
	*s = *NewSet()
}

// Empty reports whether the set has no actions at all (a flow whose
// action set ends up empty, with no GOTO_TABLE either, drops the
// packet).
func (s *Set) Empty() bool {
	return s.copyTTLIn == nil && s.pop == nil && s.push == nil &&
		s.copyTTLOut == nil && s.decTTL == nil && len(s.setField) == 0 &&
		s.setQueue == nil && s.group == nil && s.output == nil
}

// HasGroup reports whether the set currently directs the packet to a
// group, used by flow-delete's out_group filter (DESIGN.md Open
// Question 4).
func (s *Set) HasGroup() (ofp.Group, bool) {
	if s.group == nil {
		return 0, false
	}
	return s.group.Group, true
}

// HasOutput reports whether the set currently directs the packet to a
// port, used by flow-delete's out_port filter.
func (s *Set) HasOutput() (ofp.PortNo, bool) {
	if s.output == nil {
		return 0, false
	}
	return s.output.Port, true
}

// Execute runs the set's actions against ex in the fixed priority order
// ofp §5.8 mandates: copy-TTL-in, pop, push, copy-TTL-out, decrement-TTL,
// set-field, set-queue, group, output. A non-empty group always takes
// priority over output (a packet is never both sent to a group and
// output directly from the same action set).
func (s *Set) Execute(ex Executor) {
	if s.copyTTLIn != nil {
		ex.CopyTTLIn()
	}
	if s.pop != nil {
		ex.PopHeader(s.pop)
	}
	if s.push != nil {
		ex.PushHeader(s.push)
	}
	if s.copyTTLOut != nil {
		ex.CopyTTLOut()
	}
	if s.decTTL != nil {
		ex.DecTTL(s.decTTL)
	}
	if ex.Stopped() {
		return
	}
	for _, xm := range s.setField {
		ex.SetField(xm)
	}
	if s.setQueue != nil {
		ex.SetQueue(s.setQueue.QueueID)
	}
	if s.group != nil {
		ex.Group(s.group.Group)
		return
	}
	if s.output != nil {
		ex.Output(s.output.Port, s.output.MaxLen)
	}
}
