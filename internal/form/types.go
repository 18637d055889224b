package form

import (
	"maps"

	"github.com/roach88/formstate/internal/observe"
	"github.com/roach88/formstate/internal/valuepath"
)

// ChangeMode tags the provenance of a write.
type ChangeMode string

const (
	// ModeNative marks writes that come straight from user input.
	ModeNative ChangeMode = "native"

	// ModeChange marks programmatic or derived writes. It is the default.
	ModeChange ChangeMode = "change"
)

// Commit is a single write in a Store.Commit batch.
type Commit struct {
	Path  string
	Value any
	Mode  ChangeMode // empty means ModeChange
}

func (c Commit) mode() ChangeMode {
	if c.Mode == "" {
		return ModeChange
	}
	return c.Mode
}

// FormState holds the bookkeeping flags that sit next to the values.
type FormState struct {
	TouchedFields map[string]bool
	DirtyFields   map[string]bool
	IsSubmitted   bool
	IsSubmitting  bool
}

func initialState() FormState {
	return FormState{
		TouchedFields: make(map[string]bool),
		DirtyFields:   make(map[string]bool),
	}
}

func (s FormState) clone() FormState {
	s.TouchedFields = maps.Clone(s.TouchedFields)
	s.DirtyFields = maps.Clone(s.DirtyFields)
	if s.TouchedFields == nil {
		s.TouchedFields = make(map[string]bool)
	}
	if s.DirtyFields == nil {
		s.DirtyFields = make(map[string]bool)
	}
	return s
}

// Errors maps a field path to its message. A field without an entry has no
// error.
type Errors map[string]string

// Data is a full snapshot of a Store.
type Data struct {
	Values map[string]any
	State  FormState
	Errors Errors
}

func (d Data) clone() Data {
	errs := maps.Clone(d.Errors)
	if errs == nil {
		errs = Errors{}
	}
	return Data{
		Values: valuepath.CloneMap(d.Values),
		State:  d.State.clone(),
		Errors: errs,
	}
}

// Detail is the payload of every Store emission.
//
// Values-class emissions (produced by Commit) carry before and after
// snapshots of the whole value tree plus the mode of every written path.
// Housekeeping emissions (errors, submit flags) leave Values false.
// Snapshots are private copies shared by all listeners of one emission;
// listeners must treat them as read-only.
type Detail struct {
	Prev   map[string]any
	Curr   map[string]any
	Modes  map[string]ChangeMode
	Values bool

	// Version is the Store version after the mutation this emission
	// announces. A listener holding a higher version has already seen a
	// newer state.
	Version uint64
}

// Mode returns the mode recorded for path. When path itself was not
// written, the mode of its nearest written ancestor applies. Paths untouched
// by the emission report ModeChange.
func (d Detail) Mode(path string) ChangeMode {
	segs := valuepath.Split(path)
	for i := len(segs); i > 0; i-- {
		if m, ok := d.Modes[valuepath.Join(segs[:i]...)]; ok {
			return m
		}
	}
	return ModeChange
}

// Change is a single Store emission.
type Change = observe.Change[Detail]

// Listener receives Store emissions.
type Listener = observe.Listener[Detail]

// Tree prefixes and well-known paths used in emitted change trees.
const (
	PrefixValues = "values"
	PrefixState  = "state"
	PrefixErrors = "errors"

	PathTouchedFields = "state.touchedFields"
	PathDirtyFields   = "state.dirtyFields"
	PathIsSubmitted   = "state.isSubmitted"
	PathIsSubmitting  = "state.isSubmitting"
)
