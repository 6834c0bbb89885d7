package merge

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecide(t *testing.T) {
	prefs := []string{"B", "A", "C"}

	tests := []struct {
		name        string
		rule        Rule
		old, new    any
		wantWinner  any
		wantChanged bool
	}{
		// priority_list
		{name: "priority better rank wins", rule: Rule{PriorityList, prefs}, old: "A", new: "B", wantWinner: "B", wantChanged: true},
		{name: "priority unlisted new loses", rule: Rule{PriorityList, prefs}, old: "A", new: "Z", wantWinner: "A", wantChanged: false},
		{name: "priority worse rank loses", rule: Rule{PriorityList, prefs}, old: "A", new: "C", wantWinner: "A", wantChanged: false},
		{name: "priority equal rank keeps old", rule: Rule{PriorityList, prefs}, old: "A", new: "A", wantWinner: "A", wantChanged: false},
		{name: "priority listed beats unlisted old", rule: Rule{PriorityList, prefs}, old: "Z", new: "C", wantWinner: "C", wantChanged: true},
		{name: "priority two unlisted tie", rule: Rule{PriorityList, prefs}, old: "Y", new: "Z", wantWinner: "Y", wantChanged: false},
		{name: "priority listed beats null", rule: Rule{PriorityList, prefs}, old: nil, new: "C", wantWinner: "C", wantChanged: true},
		{name: "priority null never wins", rule: Rule{PriorityList, prefs}, old: "C", new: nil, wantWinner: "C", wantChanged: false},
		{name: "priority case insensitive", rule: Rule{PriorityList, prefs}, old: "A", new: "b", wantWinner: "b", wantChanged: true},

		// longer_string
		{name: "longer new wins", rule: Rule{Strategy: LongerString}, old: "x", new: "xyz", wantWinner: "xyz", wantChanged: true},
		{name: "shorter new loses", rule: Rule{Strategy: LongerString}, old: "xyz", new: "x", wantWinner: "xyz", wantChanged: false},
		{name: "equal length keeps old", rule: Rule{Strategy: LongerString}, old: "abc", new: "xyz", wantWinner: "abc", wantChanged: false},
		{name: "empty vs empty", rule: Rule{Strategy: LongerString}, old: "", new: "", wantWinner: "", wantChanged: false},
		{name: "non-empty beats empty old", rule: Rule{Strategy: LongerString}, old: "", new: "a", wantWinner: "a", wantChanged: true},
		{name: "non-empty beats null old", rule: Rule{Strategy: LongerString}, old: nil, new: "a", wantWinner: "a", wantChanged: true},
		{name: "empty new keeps old", rule: Rule{Strategy: LongerString}, old: "a", new: nil, wantWinner: "a", wantChanged: false},
		{name: "counts characters not bytes", rule: Rule{Strategy: LongerString}, old: "abc", new: "ééé", wantWinner: "abc", wantChanged: false},

		// newer_by_ingestion_order
		{name: "newer non-null wins", rule: Rule{Strategy: NewerByIngestionOrder}, old: "a", new: "b", wantWinner: "b", wantChanged: true},
		{name: "newer null never overwrites", rule: Rule{Strategy: NewerByIngestionOrder}, old: "a", new: nil, wantWinner: "a", wantChanged: false},
		{name: "newer same value", rule: Rule{Strategy: NewerByIngestionOrder}, old: int64(3), new: int64(3), wantWinner: int64(3), wantChanged: false},

		// always_new
		{name: "always new replaces", rule: Rule{Strategy: AlwaysNew}, old: int64(1), new: int64(2), wantWinner: int64(2), wantChanged: true},
		{name: "always new clears", rule: Rule{Strategy: AlwaysNew}, old: "a", new: nil, wantWinner: nil, wantChanged: true},
		{name: "always new null to null", rule: Rule{Strategy: AlwaysNew}, old: nil, new: nil, wantWinner: nil, wantChanged: false},

		// manual_only
		{name: "manual explicit wins", rule: Rule{Strategy: ManualOnly}, old: "To Do", new: "Done", wantWinner: "Done", wantChanged: true},
		{name: "manual null is no opinion", rule: Rule{Strategy: ManualOnly}, old: "To Do", new: nil, wantWinner: "To Do", wantChanged: false},
		{name: "manual bool false is a value", rule: Rule{Strategy: ManualOnly}, old: true, new: false, wantWinner: false, wantChanged: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			winner, changed := Decide(tt.old, tt.new, tt.rule)
			assert.Equal(t, tt.wantWinner, winner)
			assert.Equal(t, tt.wantChanged, changed)
		})
	}
}

func TestDecide_UnknownStrategyKeepsOld(t *testing.T) {
	winner, changed := Decide("a", "b", Rule{Strategy: "coin_flip"})
	assert.Equal(t, "a", winner)
	assert.False(t, changed)
}

func TestParseStrategy(t *testing.T) {
	for _, s := range Strategies() {
		got, err := ParseStrategy(string(s))
		require.NoError(t, err)
		assert.Equal(t, s, got)
		assert.NotEmpty(t, s.Description())
	}

	got, err := ParseStrategy("Manual-Only")
	require.NoError(t, err)
	assert.Equal(t, ManualOnly, got)

	_, err = ParseStrategy("random")
	require.Error(t, err)
}
