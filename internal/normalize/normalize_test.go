package normalize

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNormalizeKinds(t *testing.T) {
	cases := []struct {
		name     string
		text     string
		wantKind Kind
		wantID   int64
		wantText string
	}{
		{"prepare", "{prepare:7}PREP X", Prepare, 7, "PREP X"},
		{"execute", "{execute:7}EXEC § params", Execute, 7, "EXEC § params"},
		{"unprepare", "{unprepare:7}UNPREP §", Unprepare, 7, "UNPREP §"},
		{"reset connection", "reset connection", ResetConn, 0, "reset connection"},
		{"reset connection nonpooled", "reset connection nonpooled", ResetConnNonPooled, 0, "reset connection nonpooled"},
		{"reset connection case insensitive", "Reset Connection", ResetConn, 0, "Reset Connection"},
		{"regular", "SELECT 1", Regular, 0, "SELECT 1"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Normalize(tc.text)
			require.NoError(t, err)
			require.Equal(t, tc.wantKind, got.Kind)
			require.Equal(t, tc.wantID, got.SourceHandleID)
			require.Equal(t, tc.wantText, got.Text)
		})
	}
}

func TestNormalizeInvalidHandle(t *testing.T) {
	_, err := Normalize("{prepare:999999999999999999999}PREP X")
	require.Error(t, err)
}

func TestSubstituteOnlyFirstOccurrence(t *testing.T) {
	got := Substitute("EXEC § WHERE x = §", 42)
	require.Equal(t, "EXEC 42 WHERE x = §", got)
}

func TestKindString(t *testing.T) {
	require.Equal(t, "Prepare", Prepare.String())
	require.Equal(t, "Unknown", Kind(99).String())
}
