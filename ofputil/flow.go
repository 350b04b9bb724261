package ofputil

import (
	"github.com/lagopus-go/dpcore/ofp"
)

// TableFlush builds a flow-mod that deletes every flow entry in the
// given table, regardless of match.
func TableFlush(table ofp.Table) *ofp.FlowMod {
	return &ofp.FlowMod{
		Table:    table,
		Command:  ofp.FlowDelete,
		Buffer:   ofp.NoBuffer,
		OutPort:  ofp.PortAny,
		OutGroup: ofp.GroupAny,
		Match:    ofp.Match{Type: ofp.MatchTypeXM},
	}
}

// FlowFlush builds a flow-mod that deletes every flow entry in the
// given table matching match.
func FlowFlush(table ofp.Table, match ofp.Match) *ofp.FlowMod {
	return &ofp.FlowMod{
		Table:    table,
		Command:  ofp.FlowDelete,
		Buffer:   ofp.NoBuffer,
		OutPort:  ofp.PortAny,
		OutGroup: ofp.GroupAny,
		Match:    match,
	}
}

// FlowDrop builds a flow-mod that installs a table-miss entry with an
// empty instruction set (drop).
func FlowDrop(table ofp.Table) *ofp.FlowMod {
	return &ofp.FlowMod{
		Table:   table,
		Command: ofp.FlowAdd,
		Buffer:  ofp.NoBuffer,
		Match:   ofp.Match{Type: ofp.MatchTypeXM},
	}
}
