package action

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lagopus-go/dpcore/ofp"
)

type recorder struct {
	calls []string
}

func (r *recorder) CopyTTLIn()            { r.calls = append(r.calls, "copy-ttl-in") }
func (r *recorder) PopHeader(ofp.Action)  { r.calls = append(r.calls, "pop") }
func (r *recorder) PushHeader(ofp.Action) { r.calls = append(r.calls, "push") }
func (r *recorder) CopyTTLOut()           { r.calls = append(r.calls, "copy-ttl-out") }
func (r *recorder) DecTTL(ofp.Action)     { r.calls = append(r.calls, "dec-ttl") }
func (r *recorder) SetField(ofp.XM)       { r.calls = append(r.calls, "set-field") }
func (r *recorder) SetQueue(ofp.Queue)    { r.calls = append(r.calls, "set-queue") }
func (r *recorder) Group(ofp.Group)       { r.calls = append(r.calls, "group") }
func (r *recorder) Output(ofp.PortNo, uint16) {
	r.calls = append(r.calls, "output")
}
func (r *recorder) Experimenter(*ofp.ActionExperimenter) {
	r.calls = append(r.calls, "experimenter")
}
func (r *recorder) Stopped() bool { return false }

func TestApplyActionsRunsInListOrder(t *testing.T) {
	rec := &recorder{}
	actions := ofp.Actions{
		&ofp.ActionOutput{Port: 1},
		&ofp.ActionCopyTTLIn{},
	}
	ApplyActions(actions, rec)
	assert.Equal(t, []string{"output", "copy-ttl-in"}, rec.calls)
}

func TestSetExecutesInFixedPriorityOrderRegardlessOfWriteOrder(t *testing.T) {
	s := NewSet()
	s.Write(&ofp.ActionOutput{Port: 1})
	s.Write(&ofp.ActionCopyTTLIn{})
	s.Write(&ofp.ActionPopVLAN{})
	s.Write(&ofp.ActionCopyTTLOut{})

	rec := &recorder{}
	s.Execute(rec)

	assert.Equal(t, []string{"copy-ttl-in", "pop", "copy-ttl-out", "output"}, rec.calls)
}

func TestWriteSameTypeReplacesPrior(t *testing.T) {
	s := NewSet()
	s.Write(&ofp.ActionOutput{Port: 1})
	s.Write(&ofp.ActionOutput{Port: 2})

	port, ok := s.HasOutput()
	require.True(t, ok)
	assert.Equal(t, ofp.PortNo(2), port)
}

func TestSetFieldKeyedByFieldTypeCoexists(t *testing.T) {
	s := NewSet()
	s.Write(&ofp.ActionSetField{Field: ofp.XM{Type: ofp.XMTypeIPv4Src}})
	s.Write(&ofp.ActionSetField{Field: ofp.XM{Type: ofp.XMTypeIPv4Dst}})

	rec := &recorder{}
	s.Execute(rec)

	count := 0
	for _, c := range rec.calls {
		if c == "set-field" {
			count++
		}
	}
	assert.Equal(t, 2, count)
}

func TestGroupTakesPriorityOverOutput(t *testing.T) {
	s := NewSet()
	s.Write(&ofp.ActionOutput{Port: 1})
	s.Write(&ofp.ActionGroup{Group: 7})

	rec := &recorder{}
	s.Execute(rec)

	assert.Equal(t, []string{"group"}, rec.calls)
}

func TestClearEmptiesSet(t *testing.T) {
	s := NewSet()
	s.Write(&ofp.ActionOutput{Port: 1})
	require.False(t, s.Empty())

	s.Clear()
	assert.True(t, s.Empty())
}

func TestHasGroupReportsAbsence(t *testing.T) {
	s := NewSet()
	_, ok := s.HasGroup()
	assert.False(t, ok)
}
