package repository

import (
	"context"

	"github.com/studyplan/server/internal/models"
	"github.com/studyplan/server/internal/replication"
)

// DocumentRepo defines the persistence operations the replication protocol
// needs from the server document store.
type DocumentRepo interface {
	PullSince(ctx context.Context, col models.Collection, userID string, token *replication.Token, limit int) ([]*models.StoredDocument, error)
	Push(ctx context.Context, col models.Collection, userID string, rows []models.ChangeRow) ([]models.ReplicatedDocument, error)
}
