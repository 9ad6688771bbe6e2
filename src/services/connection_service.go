package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/username/cryptofolio/backend/src/exchanges"
	"github.com/username/cryptofolio/backend/src/logger"
	"github.com/username/cryptofolio/backend/src/model"
	"github.com/username/cryptofolio/backend/src/models"
	"github.com/username/cryptofolio/backend/src/parsers"
)

type connectionServiceImpl struct {
	store  ConnectionStore
	sealer SecretSealer
}

// NewConnectionService creates the credential service.
func NewConnectionService(store ConnectionStore, sealer SecretSealer) ConnectionService {
	return &connectionServiceImpl{store: store, sealer: sealer}
}

// secretScope binds a sealed secret to its owner so a row copied to another user cannot be opened.
func secretScope(userID int64, source string) string {
	return fmt.Sprintf("%d:%s", userID, source)
}

func supportedSource(source string) (string, error) {
	normalized := parsers.NormalizeSource(source)
	for _, s := range parsers.Sources() {
		if s == normalized {
			return normalized, nil
		}
	}
	return "", fmt.Errorf("%w: %q", parsers.ErrUnsupportedSource, source)
}

func (s *connectionServiceImpl) SaveConnection(ctx context.Context, userID int64, source string, credentials exchanges.Credentials) (*models.ExchangeConnection, error) {
	source, err := supportedSource(source)
	if err != nil {
		return nil, err
	}
	credentials.APIKey = strings.TrimSpace(credentials.APIKey)
	credentials.APISecret = strings.TrimSpace(credentials.APISecret)
	if err := credentials.Validate(); err != nil {
		return nil, err
	}

	sealed, err := s.sealer.Seal(credentials.APISecret, secretScope(userID, source))
	if err != nil {
		return nil, fmt.Errorf("failed to seal API secret: %w", err)
	}
	saved, err := s.store.UpsertConnection(ctx, model.ConnectionRecord{
		Connection:   models.ExchangeConnection{UserID: userID, Source: source, APIKey: credentials.APIKey},
		SealedSecret: sealed,
	})
	if err != nil {
		return nil, err
	}
	logger.FromContext(ctx).Info("Exchange connection saved", "userID", userID, "source", source, "connectionID", saved.ID)
	return saved, nil
}

func (s *connectionServiceImpl) ListConnections(ctx context.Context, userID int64) ([]models.ExchangeConnection, error) {
	return s.store.ListConnections(ctx, userID)
}

func (s *connectionServiceImpl) Credentials(ctx context.Context, userID int64, source string) (*models.ExchangeConnection, exchanges.Credentials, error) {
	source, err := supportedSource(source)
	if err != nil {
		return nil, exchanges.Credentials{}, err
	}
	record, err := s.store.FindConnection(ctx, userID, source)
	if err != nil {
		return nil, exchanges.Credentials{}, err
	}
	if record == nil {
		return nil, exchanges.Credentials{}, fmt.Errorf("%w: %s", ErrConnectionNotFound, source)
	}
	secret, err := s.sealer.Open(record.SealedSecret, secretScope(userID, source))
	if err != nil {
		return nil, exchanges.Credentials{}, fmt.Errorf("%w: stored %s secret could not be opened: %v", ErrMissingCredentials, source, err)
	}
	credentials := exchanges.Credentials{APIKey: record.Connection.APIKey, APISecret: secret}
	if err := credentials.Validate(); err != nil {
		return nil, exchanges.Credentials{}, err
	}
	connection := record.Connection
	return &connection, credentials, nil
}

func (s *connectionServiceImpl) MarkSynced(ctx context.Context, connectionID int64, at time.Time) error {
	return s.store.MarkSynced(ctx, connectionID, at)
}

func (s *connectionServiceImpl) MarkBackfill(ctx context.Context, connectionID int64, before, startedAt time.Time) error {
	return s.store.MarkBackfill(ctx, connectionID, before, startedAt)
}
