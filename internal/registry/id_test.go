package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/dotdevdotdev/agentwire/internal/common/errors"
)

func TestParseID(t *testing.T) {
	tests := []struct {
		in      string
		want    ID
		wantErr bool
	}{
		{in: "api", want: ID{Name: "api", Machine: "local"}},
		{in: "api/feat", want: ID{Name: "api/feat", Project: "api", Branch: "feat", Machine: "local"}},
		{in: "api@gpu", want: ID{Name: "api", Machine: "gpu"}},
		{in: "api/feat@gpu", want: ID{Name: "api/feat", Project: "api", Branch: "feat", Machine: "gpu"}},
		{in: "a-b_c", want: ID{Name: "a-b_c", Machine: "local"}},
		{in: "", wantErr: true},
		{in: "api session", wantErr: true},
		{in: "api:x", wantErr: true},
		{in: `api\x`, wantErr: true},
		{in: "api*", wantErr: true},
		{in: "api?x", wantErr: true},
		{in: `api"x`, wantErr: true},
		{in: "api<x", wantErr: true},
		{in: "a/b/c", wantErr: true},
		{in: "-api", wantErr: true},
		{in: "_api", wantErr: true},
		{in: "api@", wantErr: true},
		{in: "@gpu", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseID(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, apperrors.IsKind(err, apperrors.KindBadName))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseIDLengthLimit(t *testing.T) {
	long := make([]byte, 51)
	for i := range long {
		long[i] = 'a'
	}
	_, err := ParseID(string(long))
	assert.Error(t, err)

	_, err = ParseID(string(long[:50]))
	assert.NoError(t, err)
}

func TestIDString(t *testing.T) {
	id, err := ParseID("api/feat@gpu")
	require.NoError(t, err)
	assert.Equal(t, "api/feat@gpu", id.String())
	assert.True(t, id.HasWorktree())

	id, err = ParseID("api")
	require.NoError(t, err)
	assert.Equal(t, "api", id.String())
	assert.False(t, id.HasWorktree())
}
