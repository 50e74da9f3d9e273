package chatid

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/teamchat/internal/model"
)

func TestDirectIsOrderIndependent(t *testing.T) {
	pairs := [][2]string{
		{"E100", "E200"},
		{"b", "a"},
		{"emp-7", "emp-10"},
		{"Z", "a"},
	}
	for _, p := range pairs {
		assert.Equal(t, Direct(p[0], p[1]), Direct(p[1], p[0]), "pair %v", p)
		assert.Equal(t, Resolve(model.KindDirect, p[0], p[1]), Resolve(model.KindDirect, p[1], p[0]))
	}
	assert.Equal(t, "E100_E200", Direct("E200", "E100"))
}

func TestDirectDistinctPairsDoNotCollide(t *testing.T) {
	ids := []string{"a", "b", "ab", "c", "E1", "E10"}
	seen := map[string][2]string{}
	for i := range ids {
		for j := i + 1; j < len(ids); j++ {
			id := Direct(ids[i], ids[j])
			prev, dup := seen[id]
			assert.False(t, dup, "collision between %v and %v", prev, [2]string{ids[i], ids[j]})
			seen[id] = [2]string{ids[i], ids[j]}
		}
	}
}

func TestChannelIsIdentity(t *testing.T) {
	assert.Equal(t, "general", Resolve(model.KindChannel, "general", "ignored"))
	assert.Equal(t, "general", Channel("general"))
}

func TestParseAndPeer(t *testing.T) {
	kind, a, b := Parse("E100_E200")
	assert.Equal(t, model.KindDirect, kind)
	assert.Equal(t, "E100", a)
	assert.Equal(t, "E200", b)

	kind, a, b = Parse("general")
	assert.Equal(t, model.KindChannel, kind)
	assert.Equal(t, "general", a)
	assert.Empty(t, b)

	peer, ok := Peer("E100_E200", "E200")
	assert.True(t, ok)
	assert.Equal(t, "E100", peer)

	_, ok = Peer("E100_E200", "E300")
	assert.False(t, ok)
	_, ok = Peer("general", "E100")
	assert.False(t, ok)

	assert.True(t, IsMember("general", "anyone"))
	assert.True(t, IsMember("E100_E200", "E100"))
	assert.False(t, IsMember("E100_E200", "E300"))
}

func TestValidID(t *testing.T) {
	assert.True(t, ValidID("E100"))
	assert.False(t, ValidID(""))
	assert.False(t, ValidID("a_b"))
	assert.False(t, ValidID(" E1"))
}
