package textutil

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNormalizeName(t *testing.T) {
	require.Equal(t, "levelupprogress", NormalizeName(" Level Up\tProgress\n"))
}

func TestMatchName(t *testing.T) {
	require.True(t, MatchName("Student Usage Report", []string{"studentusage"}))
	require.False(t, MatchName("Skill", []string{"studentusage", "assessment"}))
}

func TestIndexOfName(t *testing.T) {
	tabs := []string{"Student Usage", "Skill Report", "Assignments", "Assessment", "Level Up! Progress"}

	cases := []struct {
		target string
		expect int
	}{
		{target: "skill", expect: 1},
		{target: "Assignment", expect: 2},
		{target: "ASSESSMENT", expect: 3},
		{target: "Level Up Progress", expect: -1},
		{target: "quiz", expect: -1},
	}
	for _, test := range cases {
		require.Equal(t, test.expect, IndexOfName(tabs, test.target), test.target)
	}
}

func TestSafeFileName(t *testing.T) {
	require.Equal(t, "Ms._Smith_Room_4", SafeFileName("Ms. Smith/Room 4"))
	require.Equal(t, "teacher-1", SafeFileName("teacher-1"))
	require.Equal(t, "a_b", SafeFileName(`..\a b..`))
	require.Equal(t, "_", SafeFileName("../.."))
}
