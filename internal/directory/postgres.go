package directory

import (
	"context"

	"github.com/teamchat/internal/model"
	"github.com/teamchat/internal/repository"
)

// Postgres: источник справочника из таблиц employees и channels.
type Postgres struct {
	employees *repository.EmployeeRepository
	channels  *repository.ChannelRepository
}

func NewPostgres(employees *repository.EmployeeRepository, channels *repository.ChannelRepository) *Postgres {
	return &Postgres{employees: employees, channels: channels}
}

func (p *Postgres) Participant(ctx context.Context, id string) (*model.Participant, error) {
	return p.employees.Get(ctx, id)
}

func (p *Postgres) Participants(ctx context.Context) ([]model.Participant, error) {
	return p.employees.List(ctx)
}

func (p *Postgres) Channels(ctx context.Context) ([]model.Channel, error) {
	return p.channels.List(ctx)
}

func (p *Postgres) ChannelExists(ctx context.Context, id string) (bool, error) {
	return p.channels.Exists(ctx, id)
}

// Seed переносит YAML-справочник в Postgres (services/api -seed).
func (p *Postgres) Seed(ctx context.Context, s *Static) error {
	for i := range s.roster.Employees {
		if err := p.employees.Upsert(ctx, &s.roster.Employees[i]); err != nil {
			return err
		}
	}
	for i := range s.roster.Channels {
		if err := p.channels.Upsert(ctx, &s.roster.Channels[i]); err != nil {
			return err
		}
	}
	return nil
}
