package directory

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teamchat/internal/model"
	"github.com/teamchat/internal/storage"
	"github.com/teamchat/internal/storage/memory"
)

func testRoster() Roster {
	return Roster{
		Employees: []model.Participant{
			{ID: "E200", DisplayName: "Bob"},
			{ID: "E100", DisplayName: "Ann"},
		},
		Channels: []model.Channel{{ID: "general", Name: "General"}},
	}
}

// countingSource считает обращения к источнику, чтобы проверить кеш.
type countingSource struct {
	*Static
	calls int
}

func (c *countingSource) Participant(ctx context.Context, id string) (*model.Participant, error) {
	c.calls++
	return c.Static.Participant(ctx, id)
}

type failingCache struct{}

func (failingCache) GetParticipant(context.Context, string) (*model.Participant, bool, error) {
	return nil, false, storage.Unavailable("cache", errors.New("down"))
}
func (failingCache) SetParticipant(context.Context, *model.Participant, time.Duration) error {
	return storage.Unavailable("cache", errors.New("down"))
}
func (failingCache) Close() error { return nil }

func TestParticipantCacheAside(t *testing.T) {
	s, err := NewStatic(testRoster())
	require.NoError(t, err)
	src := &countingSource{Static: s}
	d := New(src, memory.NewCache(), time.Minute)
	ctx := context.Background()

	p, err := d.Participant(ctx, "E100")
	require.NoError(t, err)
	assert.Equal(t, "Ann", p.DisplayName)
	_, err = d.Participant(ctx, "E100")
	require.NoError(t, err)
	assert.Equal(t, 1, src.calls)

	_, err = d.Participant(ctx, "E999")
	assert.True(t, IsNotFound(err))
	assert.Equal(t, "E999", d.DisplayName(ctx, "E999"))
}

func TestParticipantSurvivesCacheOutage(t *testing.T) {
	s, err := NewStatic(testRoster())
	require.NoError(t, err)
	d := New(s, failingCache{}, time.Minute)
	assert.Equal(t, "Bob", d.DisplayName(context.Background(), "E200"))
}

func TestCanAccess(t *testing.T) {
	s, err := NewStatic(testRoster())
	require.NoError(t, err)
	d := New(s, nil, 0)
	ctx := context.Background()

	cases := []struct {
		who, conv string
		want      bool
	}{
		{"E100", "E100_E200", true},
		{"E200", "E100_E200", true},
		{"E300", "E100_E200", false},
		{"E100", "general", true},
		{"E100", "random", false},
		{"E100", "E100_E200_E300", false},
		{"E100", "", false},
	}
	for _, tc := range cases {
		got, err := d.CanAccess(ctx, tc.who, tc.conv)
		require.NoError(t, err)
		assert.Equal(t, tc.want, got, "%s -> %q", tc.who, tc.conv)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "directory.yaml")
	yml := "employees:\n  - id: E200\n    display_name: Bob\n  - id: E100\n    display_name: Ann\nchannels:\n  - id: general\n    name: General\n"
	require.NoError(t, os.WriteFile(path, []byte(yml), 0o600))

	s, err := LoadFile(path)
	require.NoError(t, err)
	list, _ := s.Participants(context.Background())
	require.Len(t, list, 2)
	assert.Equal(t, "Ann", list[0].DisplayName, "sorted by display name")
	ok, _ := s.ChannelExists(context.Background(), "general")
	assert.True(t, ok)
}

func TestNewStaticRejectsSeparatorInID(t *testing.T) {
	_, err := NewStatic(Roster{Employees: []model.Participant{{ID: "E_1"}}})
	assert.Error(t, err)
}
