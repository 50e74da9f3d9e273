package repository

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/teamchat/internal/logger"
	"github.com/teamchat/internal/model"
)

// EmployeeRepository: справочник сотрудников.
type EmployeeRepository struct {
	pool *pgxpool.Pool
}

func NewEmployeeRepository(pool *pgxpool.Pool) *EmployeeRepository {
	return &EmployeeRepository{pool: pool}
}

func (r *EmployeeRepository) Get(ctx context.Context, id string) (*model.Participant, error) {
	defer logger.DeferLogDuration("employee.Get", time.Now())()
	p := &model.Participant{}
	err := r.pool.QueryRow(ctx,
		`SELECT id, display_name, avatar_url FROM employees WHERE id = $1`, id,
	).Scan(&p.ID, &p.DisplayName, &p.AvatarURL)
	if err != nil {
		return nil, classify("employeeRepo.Get", err)
	}
	return p, nil
}

func (r *EmployeeRepository) List(ctx context.Context) ([]model.Participant, error) {
	defer logger.DeferLogDuration("employee.List", time.Now())()
	rows, err := r.pool.Query(ctx, `SELECT id, display_name, avatar_url FROM employees ORDER BY display_name, id`)
	if err != nil {
		return nil, classify("employeeRepo.List query", err)
	}
	defer rows.Close()
	out := []model.Participant{}
	for rows.Next() {
		var p model.Participant
		if err := rows.Scan(&p.ID, &p.DisplayName, &p.AvatarURL); err != nil {
			return nil, classify("employeeRepo.List scan", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("employeeRepo.List rows", err)
	}
	return out, nil
}

// Upsert используется при импорте справочника (services/api -seed).
func (r *EmployeeRepository) Upsert(ctx context.Context, p *model.Participant) error {
	defer logger.DeferLogDuration("employee.Upsert", time.Now())()
	_, err := r.pool.Exec(ctx,
		`INSERT INTO employees (id, display_name, avatar_url) VALUES ($1, $2, $3)
		 ON CONFLICT (id) DO UPDATE SET display_name = EXCLUDED.display_name, avatar_url = EXCLUDED.avatar_url`,
		p.ID, p.DisplayName, p.AvatarURL,
	)
	return classify("employeeRepo.Upsert", err)
}

// ChannelRepository: список каналов.
type ChannelRepository struct {
	pool *pgxpool.Pool
}

func NewChannelRepository(pool *pgxpool.Pool) *ChannelRepository {
	return &ChannelRepository{pool: pool}
}

func (r *ChannelRepository) List(ctx context.Context) ([]model.Channel, error) {
	defer logger.DeferLogDuration("channel.List", time.Now())()
	rows, err := r.pool.Query(ctx, `SELECT id, name, description FROM channels ORDER BY name, id`)
	if err != nil {
		return nil, classify("channelRepo.List query", err)
	}
	defer rows.Close()
	out := []model.Channel{}
	for rows.Next() {
		var c model.Channel
		if err := rows.Scan(&c.ID, &c.Name, &c.Description); err != nil {
			return nil, classify("channelRepo.List scan", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("channelRepo.List rows", err)
	}
	return out, nil
}

func (r *ChannelRepository) Exists(ctx context.Context, id string) (bool, error) {
	var ok bool
	err := r.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM channels WHERE id = $1)`, id).Scan(&ok)
	if err != nil {
		return false, classify("channelRepo.Exists", err)
	}
	return ok, nil
}

func (r *ChannelRepository) Upsert(ctx context.Context, c *model.Channel) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO channels (id, name, description) VALUES ($1, $2, $3)
		 ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, description = EXCLUDED.description`,
		c.ID, c.Name, c.Description,
	)
	return classify("channelRepo.Upsert", err)
}
