package directory

import (
	"context"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/teamchat/internal/chatid"
	"github.com/teamchat/internal/model"
	"github.com/teamchat/internal/storage"
)

// Roster: формат config/directory.yaml:
//
//	employees:
//	  - id: E100
//	    display_name: Ann
//	channels:
//	  - id: general
//	    name: General
type Roster struct {
	Employees []model.Participant `yaml:"employees"`
	Channels  []model.Channel     `yaml:"channels"`
}

// Static: неизменяемый справочник в памяти (режим memory, тесты).
type Static struct {
	roster       Roster
	participants map[string]model.Participant
	channels     map[string]struct{}
}

func NewStatic(r Roster) (*Static, error) {
	s := &Static{
		roster:       r,
		participants: make(map[string]model.Participant, len(r.Employees)),
		channels:     make(map[string]struct{}, len(r.Channels)),
	}
	for _, p := range r.Employees {
		if !chatid.ValidID(p.ID) {
			return nil, fmt.Errorf("directory: invalid employee id %q", p.ID)
		}
		s.participants[p.ID] = p
	}
	for _, c := range r.Channels {
		if !chatid.ValidID(c.ID) {
			return nil, fmt.Errorf("directory: invalid channel id %q", c.ID)
		}
		s.channels[c.ID] = struct{}{}
	}
	sort.SliceStable(s.roster.Employees, func(i, j int) bool {
		return s.roster.Employees[i].DisplayName < s.roster.Employees[j].DisplayName
	})
	return s, nil
}

// LoadFile читает YAML-справочник.
func LoadFile(path string) (*Static, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("directory: read %s: %w", path, err)
	}
	var r Roster
	if err := yaml.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("directory: parse %s: %w", path, err)
	}
	return NewStatic(r)
}

func (s *Static) Participant(_ context.Context, id string) (*model.Participant, error) {
	p, ok := s.participants[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return &p, nil
}

func (s *Static) Participants(context.Context) ([]model.Participant, error) {
	out := make([]model.Participant, len(s.roster.Employees))
	copy(out, s.roster.Employees)
	return out, nil
}

func (s *Static) Channels(context.Context) ([]model.Channel, error) {
	out := make([]model.Channel, len(s.roster.Channels))
	copy(out, s.roster.Channels)
	return out, nil
}

func (s *Static) ChannelExists(_ context.Context, id string) (bool, error) {
	_, ok := s.channels[id]
	return ok, nil
}
