package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"ratings-tracker/internal/api"
	"ratings-tracker/internal/codec"
	"ratings-tracker/internal/config"
	"ratings-tracker/internal/constants"
	"ratings-tracker/internal/domain"
	"ratings-tracker/internal/merge"
	"ratings-tracker/internal/repository"

	"github.com/rs/zerolog"
)

var (
	ErrInvalidUsername = errors.New("username has no alphanumeric characters")
	ErrAlreadyAdded    = errors.New("user has already been added")
	ErrUserNotFound    = errors.New("user does not exist, please add it")
)

type Records interface {
	Get(ctx context.Context, key string) (domain.StoredRecord, error)
	Create(ctx context.Context, rec domain.StoredRecord) error
}

type UserService struct {
	records Records
	source  api.Source
	policy  merge.Policy
	now     func() time.Time
	logger  zerolog.Logger
}

func NewUserService(records *repository.RecordRepository, source *api.ShowdownClient, cfg *config.Config, logger zerolog.Logger) *UserService {
	return newUserService(records, source, merge.NewPolicy(cfg.Bounds.Min, cfg.Bounds.Max), logger)
}

func newUserService(records Records, source api.Source, policy merge.Policy, logger zerolog.Logger) *UserService {
	return &UserService{records: records, source: source, policy: policy, now: time.Now, logger: logger}
}

// AddUser starts tracking a player: one observation per in-bounds category, timestamped now.
func (s *UserService) AddUser(ctx context.Context, username string) (domain.Record, error) {
	ctx, cancel := context.WithTimeout(ctx, constants.RequestTimeout)
	defer cancel()

	id := domain.NormalizeID(username)
	if id == "" {
		return domain.Record{}, ErrInvalidUsername
	}

	s.logger.Info().Str("username", username).Str("key", id).Msg("adding user")

	dbCtx, dbCancel := context.WithTimeout(ctx, constants.DatabaseTimeout)
	_, err := s.records.Get(dbCtx, id)
	dbCancel()
	switch {
	case err == nil:
		return domain.Record{}, ErrAlreadyAdded
	case !errors.Is(err, repository.ErrNotFound):
		s.logger.Error().Err(err).Str("key", id).Msg("failed to check existing user")
		return domain.Record{}, fmt.Errorf("failed to check existing user: %w", err)
	}

	apiCtx, apiCancel := context.WithTimeout(ctx, constants.ExternalAPITimeout)
	out := s.source.FetchRatings(apiCtx, id)
	apiCancel()

	switch out.Kind {
	case api.Found:
	case api.NotRegistered:
		return domain.Record{}, api.ErrNotRegistered
	default:
		s.logger.Error().Err(out.Err).Str("key", id).Msg("failed to fetch ratings")
		return domain.Record{}, out.Err
	}

	rec, res := s.policy.MergeRecord(
		domain.Record{Key: id, DisplayName: out.Snapshot.DisplayName, History: domain.History{}},
		out.Snapshot,
		uint64(s.now().Unix()),
	)
	for _, r := range res.Rejected {
		s.logger.Warn().Str("key", id).Str("category", r.Category).Float64("value", r.Value).Msg("rating out of bounds, category not recorded")
	}

	payload, err := codec.Encode(rec)
	if err != nil {
		return domain.Record{}, err
	}

	dbCtx, dbCancel = context.WithTimeout(ctx, constants.DatabaseTimeout)
	defer dbCancel()
	if err := s.records.Create(dbCtx, domain.StoredRecord{Key: id, Payload: payload}); err != nil {
		if errors.Is(err, repository.ErrAlreadyExists) {
			return domain.Record{}, ErrAlreadyAdded
		}
		s.logger.Error().Err(err).Str("key", id).Msg("failed to store user")
		return domain.Record{}, fmt.Errorf("failed to store user: %w", err)
	}

	s.logger.Info().Str("key", id).Int("categories", len(rec.History)).Msg("user added")
	return rec, nil
}

func (s *UserService) GetUser(ctx context.Context, username string) (domain.Record, error) {
	ctx, cancel := context.WithTimeout(ctx, constants.DatabaseTimeout)
	defer cancel()

	id := domain.NormalizeID(username)
	if id == "" {
		return domain.Record{}, ErrInvalidUsername
	}

	stored, err := s.records.Get(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return domain.Record{}, ErrUserNotFound
	}
	if err != nil {
		s.logger.Error().Err(err).Str("key", id).Msg("failed to get user")
		return domain.Record{}, err
	}

	rec, err := codec.Decode(stored.Payload)
	if err != nil {
		s.logger.Error().Err(err).Str("key", id).Msg("failed to decode user")
		return domain.Record{}, err
	}
	return rec, nil
}
